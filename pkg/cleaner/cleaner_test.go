package cleaner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/3leaps/stashd/pkg/cache"
	"github.com/3leaps/stashd/pkg/sharedstore"
)

func newManager(t *testing.T, cfg cache.Config) *cache.Manager {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}
	m, err := cache.NewManager(sharedstore.NewMemory(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func writeDir(t *testing.T, root, name string, size int) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "track.m4a"), bytes.Repeat([]byte{'x'}, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunRemovesExpired(t *testing.T) {
	m := newManager(t, cache.Config{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	dir := writeDir(t, m.Root(), "a", 500)
	if _, err := m.Register(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)

	stats, err := New(m, Config{}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Expired != 1 || stats.Removed != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("directory should be gone")
	}

	cs, err := m.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cs.TotalBytes != 0 || cs.Directories != 0 {
		t.Fatalf("cache stats = %+v", cs)
	}
}

func TestRunEvictsOverQuota(t *testing.T) {
	m := newManager(t, cache.Config{MaxBytes: 1000, EvictThreshold: 0.9, EvictTarget: 0.5})
	ctx := context.Background()

	writeDir(t, m.Root(), "oldest", 600)
	if _, err := m.Register(ctx, "oldest"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	writeDir(t, m.Root(), "newest", 500)
	if _, err := m.Register(ctx, "newest"); err != nil {
		t.Fatal(err)
	}

	stats, err := New(m, Config{}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Evicted != 1 || stats.Removed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "oldest")); !os.IsNotExist(err) {
		t.Fatal("oldest entry should be evicted")
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "newest")); err != nil {
		t.Fatal("newest entry should survive")
	}
}

func TestRunArchivesBeforeRemoval(t *testing.T) {
	m := newManager(t, cache.Config{TTL: 20 * time.Millisecond})
	archive := t.TempDir()
	ctx := context.Background()

	writeDir(t, m.Root(), "a", 100)
	if err := os.MkdirAll(filepath.Join(m.Root(), "a", "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.Root(), "a", "nested", "cover.jpg"), []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	// Pre-existing archived files are never overwritten.
	if err := os.MkdirAll(filepath.Join(archive, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(archive, "a", "track.m4a"), []byte("earlier copy"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(40 * time.Millisecond)
	stats, err := New(m, Config{ArchiveDir: archive}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Copied != 1 || stats.Removed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	got, err := os.ReadFile(filepath.Join(archive, "a", "track.m4a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "earlier copy" {
		t.Fatalf("archived file overwritten: %q", got)
	}
	if _, err := os.Stat(filepath.Join(archive, "a", "nested", "cover.jpg")); err != nil {
		t.Fatalf("nested file not archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "a")); !os.IsNotExist(err) {
		t.Fatal("source should be gone")
	}
}

func TestRunArchiveFailureStillRemoves(t *testing.T) {
	m := newManager(t, cache.Config{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	dir := writeDir(t, m.Root(), "a", 100)
	if _, err := m.Register(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	// A regular file where the archive root should be makes every copy fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(40 * time.Millisecond)
	stats, err := New(m, Config{ArchiveDir: filepath.Join(blocker, "archive")}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Errors != 1 || stats.Copied != 0 || stats.Removed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("copy failure must not keep the directory")
	}
}

func TestRunSkipsLockedDirectories(t *testing.T) {
	m := newManager(t, cache.Config{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	writeDir(t, m.Root(), "busy", 100)
	if _, err := m.Register(ctx, "busy"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)

	if ok, err := m.TryLock(ctx, "busy", "download-job"); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}

	stats, err := New(m, Config{}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Locked != 1 || stats.Removed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "busy")); err != nil {
		t.Fatal("locked directory must survive the sweep")
	}
}

func TestRunExcludes(t *testing.T) {
	m := newManager(t, cache.Config{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	writeDir(t, m.Root(), "keep-this", 100)
	if _, err := m.Register(ctx, "keep-this"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)

	stats, err := New(m, Config{Excludes: []string{"keep-*"}}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Excluded != 1 || stats.Removed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "keep-this")); err != nil {
		t.Fatal("excluded directory must survive")
	}
}

func TestRunSweepsOrphans(t *testing.T) {
	m := newManager(t, cache.Config{})
	ctx := context.Background()

	writeDir(t, m.Root(), "tracked", 100)
	if _, err := m.Register(ctx, "tracked"); err != nil {
		t.Fatal(err)
	}
	writeDir(t, m.Root(), "orphan", 100)

	stats, err := New(m, Config{}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Orphans != 1 || stats.Removed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "orphan")); !os.IsNotExist(err) {
		t.Fatal("orphan should be removed")
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "tracked")); err != nil {
		t.Fatal("tracked directory should survive")
	}
}

func TestRunDryRun(t *testing.T) {
	m := newManager(t, cache.Config{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	writeDir(t, m.Root(), "a", 100)
	if _, err := m.Register(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)

	stats, err := New(m, Config{DryRun: true}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Removed != 0 || stats.Copied != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "a")); err != nil {
		t.Fatal("dry run must not remove anything")
	}
}
