// Package cleaner removes expired and over-quota cache directories, with
// optional archiving, and schedules the periodic sweeps that do so.
package cleaner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/stashd/pkg/cache"
)

// Config configures a sweep. Excludes are doublestar globs matched against
// root-relative paths; matching directories are never touched.
type Config struct {
	ArchiveDir string
	Excludes   []string
	DryRun     bool
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	Evicted  int `json:"evicted"`
	Orphans  int `json:"orphans"`
	Excluded int `json:"excluded"`
	Locked   int `json:"locked"`
	Copied   int `json:"copied"`
	Removed  int `json:"removed"`
	Errors   int `json:"errors"`
}

// Cleaner sweeps the cache root: expired entries, eviction victims, and
// untracked orphan directories all go through the same archive-then-remove
// path, each under the directory lock.
type Cleaner struct {
	manager *cache.Manager
	cfg     Config
	log     *zap.Logger
}

func New(manager *cache.Manager, cfg Config, log *zap.Logger) *Cleaner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{manager: manager, cfg: cfg, log: log}
}

type candidate struct {
	rel    string
	reason string
}

// Run executes one full sweep and reports what it did. Per-directory
// failures are counted, logged, and do not abort the sweep.
func (c *Cleaner) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	expired, err := c.manager.ExpiredEntries(ctx)
	if err != nil {
		return stats, fmt.Errorf("find expired entries: %w", err)
	}
	victims, err := c.manager.EvictionCandidates(ctx)
	if err != nil {
		return stats, fmt.Errorf("find eviction candidates: %w", err)
	}
	orphans, err := c.findOrphans(ctx)
	if err != nil {
		return stats, fmt.Errorf("find orphans: %w", err)
	}

	seen := make(map[string]bool)
	var candidates []candidate
	add := func(rels []string, reason string) {
		for _, rel := range rels {
			if !seen[rel] {
				seen[rel] = true
				candidates = append(candidates, candidate{rel: rel, reason: reason})
			}
		}
	}
	add(expired, "expired")
	add(victims, "evicted")
	add(orphans, "orphan")

	stats.Expired = len(expired)
	stats.Evicted = len(victims)
	stats.Orphans = len(orphans)

	for _, cand := range candidates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++
		if c.excluded(cand.rel) {
			stats.Excluded++
			continue
		}
		c.sweep(ctx, cand, stats)
	}

	c.log.Info("sweep finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("removed", stats.Removed),
		zap.Int("locked", stats.Locked),
		zap.Int("errors", stats.Errors))
	return stats, nil
}

// sweep archives and removes one directory under its lock.
func (c *Cleaner) sweep(ctx context.Context, cand candidate, stats *Stats) {
	owner := "cleaner:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	ok, err := c.manager.TryLock(ctx, cand.rel, owner)
	if err != nil {
		stats.Errors++
		c.log.Warn("lock failed", zap.String("dir", cand.rel), zap.Error(err))
		return
	}
	if !ok {
		stats.Locked++
		c.log.Debug("directory busy, skipped", zap.String("dir", cand.rel))
		return
	}
	defer func() {
		if err := c.manager.Unlock(ctx, cand.rel, owner); err != nil {
			c.log.Warn("unlock failed", zap.String("dir", cand.rel), zap.Error(err))
		}
	}()

	abs := c.manager.Abs(cand.rel)
	size, err := cache.DirSize(abs)
	if err != nil && !os.IsNotExist(err) {
		stats.Errors++
		c.log.Warn("measure failed", zap.String("dir", cand.rel), zap.Error(err))
		return
	}

	if c.cfg.DryRun {
		c.log.Info("would remove",
			zap.String("dir", cand.rel),
			zap.String("reason", cand.reason),
			zap.Int64("size_bytes", size))
		return
	}

	if c.cfg.ArchiveDir != "" {
		dst := filepath.Join(c.cfg.ArchiveDir, filepath.FromSlash(cand.rel))
		if err := copyTree(abs, dst); err != nil {
			// An unarchivable directory still gets removed; the copy
			// failure is only recorded.
			stats.Errors++
			c.log.Warn("archive failed, removing anyway",
				zap.String("dir", cand.rel), zap.Error(err))
		} else {
			stats.Copied++
		}
	}

	if err := os.RemoveAll(abs); err != nil {
		stats.Errors++
		c.log.Warn("remove failed", zap.String("dir", cand.rel), zap.Error(err))
		return
	}
	if err := c.manager.Discard(ctx, cand.rel, size); err != nil {
		stats.Errors++
		c.log.Warn("discard failed", zap.String("dir", cand.rel), zap.Error(err))
		return
	}
	stats.Removed++
	c.log.Info("directory removed",
		zap.String("dir", cand.rel),
		zap.String("reason", cand.reason),
		zap.Int64("size_bytes", size))
}

// findOrphans lists top-level directories on disk that no tracked entry
// covers. They hold bytes the quota never sees, so they get swept too.
func (c *Cleaner) findOrphans(ctx context.Context) ([]string, error) {
	entries, err := c.manager.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]bool, len(entries))
	for _, e := range entries {
		top := e.Path
		if i := strings.IndexByte(top, '/'); i >= 0 {
			top = top[:i]
		}
		tracked[top] = true
	}

	tops, err := os.ReadDir(c.manager.Root())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var orphans []string
	for _, top := range tops {
		if top.IsDir() && !tracked[top.Name()] {
			orphans = append(orphans, top.Name())
		}
	}
	return orphans, nil
}

func (c *Cleaner) excluded(rel string) bool {
	for _, pattern := range c.cfg.Excludes {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// copyTree mirrors src under dst. Files already present at the destination
// are left alone, so a retried archive never clobbers an earlier copy.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
