package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DirSize sums the sizes of regular files under root. Entries that vanish
// or deny access mid-walk are skipped; a missing root is an error.
func DirSize(root string) (int64, error) {
	if _, err := os.Stat(root); err != nil {
		return 0, err
	}
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, nil
}

// ResolveOutputDir finds the top-level directory under root whose subtree
// was most recently modified at or after since. Workers choose their own
// output layout, so job results are attributed by modification time.
func ResolveOutputDir(root string, since time.Time) (string, bool) {
	tops, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}

	var best string
	var bestTime time.Time
	for _, top := range tops {
		if !top.IsDir() {
			continue
		}
		dir := filepath.Join(root, top.Name())
		newest := newestModTime(dir)
		if newest.Before(since) {
			continue
		}
		if best == "" || newest.After(bestTime) {
			best = dir
			bestTime = newest
		}
	}
	return best, best != ""
}

func newestModTime(dir string) time.Time {
	var newest time.Time
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}
