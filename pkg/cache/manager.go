// Package cache tracks downloaded directories under a single cache root:
// per-directory TTL entries, an LRU ranking, a byte counter, and the
// directory locks that keep cleanup and active downloads apart.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stashd/pkg/sharedstore"
)

const (
	lruKey   = "cache:lru"
	bytesKey = "cache:bytes"

	// dirLockTTL bounds how long a crashed holder can block a directory.
	dirLockTTL = 15 * time.Minute
)

var (
	// ErrOutsideRoot means the path does not resolve inside the cache root.
	ErrOutsideRoot = errors.New("path outside cache root")

	// ErrNotRegistered means the directory has no live cache entry.
	ErrNotRegistered = errors.New("directory not registered")

	// ErrLocked means another holder owns the directory lock.
	ErrLocked = errors.New("directory is locked")
)

func dirKey(rel string) string     { return "dir:" + rel }
func dirLockKey(rel string) string { return "lock:dir:" + rel }

// Config configures a Manager. Thresholds are fractions of MaxBytes:
// eviction triggers at EvictThreshold and removes least-recently-used
// entries until usage is at or below EvictTarget. MaxBytes <= 0 disables
// the quota entirely.
type Config struct {
	Root           string
	TTL            time.Duration
	MaxBytes       int64
	EvictThreshold float64
	EvictTarget    float64
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.EvictThreshold <= 0 {
		c.EvictThreshold = 0.9
	}
	if c.EvictTarget <= 0 {
		c.EvictTarget = 0.8
	}
	return c
}

// Entry is the tracked state of one cached directory. Path is always
// relative to the cache root.
type Entry struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	TTL       int64     `json:"ttl_seconds"`
	LastUsed  time.Time `json:"last_used"`
}

// Stats is the aggregate view of the cache.
type Stats struct {
	TotalBytes  int64   `json:"total_bytes"`
	MaxBytes    int64   `json:"max_bytes"`
	Directories int64   `json:"directories"`
	UsageRatio  float64 `json:"usage_ratio"`
	Exceeded    bool    `json:"exceeded"`
}

// Manager owns all cache bookkeeping. It never touches directory contents
// except through RemoveDirectory; scanning and archiving live in the
// cleaner.
type Manager struct {
	cfg   Config
	root  string
	store sharedstore.Store
	log   *zap.Logger
}

func NewManager(store sharedstore.Store, cfg Config, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	return &Manager{
		cfg:   cfg.withDefaults(),
		root:  root,
		store: store,
		log:   log,
	}, nil
}

// Root returns the absolute cache root.
func (m *Manager) Root() string { return m.root }

// Rel maps path (absolute or root-relative) to the root-relative form used
// in store keys. Paths escaping the root are rejected.
func (m *Manager) Rel(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(m.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return filepath.ToSlash(rel), nil
}

// Abs maps a root-relative entry path back to an absolute path.
func (m *Manager) Abs(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// Register records (or re-records) a directory: its size is measured on
// disk, the TTL restarts, the LRU rank moves to now, and the byte counter
// absorbs the size delta against any previous registration.
func (m *Manager) Register(ctx context.Context, path string) (*Entry, error) {
	rel, err := m.Rel(path)
	if err != nil {
		return nil, err
	}
	abs := m.Abs(rel)
	size, err := DirSize(abs)
	if err != nil {
		return nil, fmt.Errorf("measure %s: %w", rel, err)
	}

	var prev int64
	if v, ok, err := m.store.Get(ctx, dirKey(rel)); err == nil && ok {
		prev, _ = strconv.ParseInt(v, 10, 64)
	}

	now := time.Now().UTC()
	if err := m.store.Set(ctx, dirKey(rel), strconv.FormatInt(size, 10), m.cfg.TTL); err != nil {
		return nil, fmt.Errorf("register %s: %w", rel, err)
	}
	if err := m.store.ZAdd(ctx, lruKey, rel, float64(now.UnixMilli())); err != nil {
		return nil, fmt.Errorf("rank %s: %w", rel, err)
	}
	if _, err := m.store.IncrBy(ctx, bytesKey, size-prev); err != nil {
		return nil, fmt.Errorf("account %s: %w", rel, err)
	}

	m.log.Debug("cache entry registered",
		zap.String("dir", rel),
		zap.Int64("size_bytes", size))

	return &Entry{
		Path:      rel,
		SizeBytes: size,
		TTL:       int64(m.cfg.TTL.Seconds()),
		LastUsed:  now,
	}, nil
}

// Touch refreshes a live entry's TTL and LRU rank without re-measuring it.
// Touching an expired or unknown directory reports ErrNotRegistered.
func (m *Manager) Touch(ctx context.Context, path string) error {
	rel, err := m.Rel(path)
	if err != nil {
		return err
	}
	ok, err := m.store.Expire(ctx, dirKey(rel), m.cfg.TTL)
	if err != nil {
		return fmt.Errorf("touch %s: %w", rel, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, rel)
	}
	if err := m.store.ZAdd(ctx, lruKey, rel, float64(time.Now().UnixMilli())); err != nil {
		return fmt.Errorf("rank %s: %w", rel, err)
	}
	return nil
}

// DirectoryInfo returns the tracked state of one entry.
func (m *Manager) DirectoryInfo(ctx context.Context, path string) (*Entry, error) {
	rel, err := m.Rel(path)
	if err != nil {
		return nil, err
	}
	v, ok, err := m.store.Get(ctx, dirKey(rel))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", rel, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, rel)
	}
	size, _ := strconv.ParseInt(v, 10, 64)

	e := &Entry{Path: rel, SizeBytes: size}
	if ttl, ok, err := m.store.TTL(ctx, dirKey(rel)); err == nil && ok {
		e.TTL = int64(ttl.Seconds())
	}
	if score, ok, err := m.store.ZScore(ctx, lruKey, rel); err == nil && ok {
		e.LastUsed = time.UnixMilli(int64(score)).UTC()
	}
	return e, nil
}

// List returns ranked entries, most recently used first, capped at limit
// when limit > 0. Entries whose TTL key has lapsed are included with
// SizeBytes -1 so callers can see pending cleanup.
func (m *Manager) List(ctx context.Context, limit int) ([]*Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := m.store.ZRange(ctx, lruKey, 0, stop, true)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	entries := make([]*Entry, 0, len(members))
	for _, mb := range members {
		e := &Entry{
			Path:      mb.Member,
			SizeBytes: -1,
			LastUsed:  time.UnixMilli(int64(mb.Score)).UTC(),
		}
		if v, ok, err := m.store.Get(ctx, dirKey(mb.Member)); err == nil && ok {
			e.SizeBytes, _ = strconv.ParseInt(v, 10, 64)
			if ttl, ok, err := m.store.TTL(ctx, dirKey(mb.Member)); err == nil && ok {
				e.TTL = int64(ttl.Seconds())
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Stats reports aggregate usage. The byte counter is clamped at zero; drift
// from partial failures self-corrects as entries are re-registered.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	total, err := m.store.IncrBy(ctx, bytesKey, 0)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	if total < 0 {
		total = 0
	}
	count, err := m.store.ZCard(ctx, lruKey)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	s := &Stats{TotalBytes: total, MaxBytes: m.cfg.MaxBytes, Directories: count}
	if m.cfg.MaxBytes > 0 {
		s.UsageRatio = float64(total) / float64(m.cfg.MaxBytes)
		s.Exceeded = total >= int64(m.cfg.EvictThreshold*float64(m.cfg.MaxBytes))
	}
	return s, nil
}

// ExpiredEntries returns the ranked directories whose TTL key has lapsed.
// Expiry is detected by absence of the dir key, since the rank outlives it.
func (m *Manager) ExpiredEntries(ctx context.Context) ([]string, error) {
	members, err := m.store.ZRange(ctx, lruKey, 0, -1, false)
	if err != nil {
		return nil, fmt.Errorf("scan cache entries: %w", err)
	}
	var expired []string
	for _, mb := range members {
		ok, err := m.store.Exists(ctx, dirKey(mb.Member))
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", mb.Member, err)
		}
		if !ok {
			expired = append(expired, mb.Member)
		}
	}
	return expired, nil
}

// EvictionCandidates returns the LRU-ordered directories that must go to
// bring usage from the current total down to the eviction target, or nil
// when usage is below the eviction threshold.
func (m *Manager) EvictionCandidates(ctx context.Context) ([]string, error) {
	if m.cfg.MaxBytes <= 0 {
		return nil, nil
	}
	stats, err := m.Stats(ctx)
	if err != nil {
		return nil, err
	}
	threshold := int64(m.cfg.EvictThreshold * float64(m.cfg.MaxBytes))
	if stats.TotalBytes < threshold {
		return nil, nil
	}
	target := int64(m.cfg.EvictTarget * float64(m.cfg.MaxBytes))

	members, err := m.store.ZRange(ctx, lruKey, 0, -1, false)
	if err != nil {
		return nil, fmt.Errorf("scan cache entries: %w", err)
	}

	remaining := stats.TotalBytes
	var victims []string
	for _, mb := range members {
		if remaining <= target {
			break
		}
		v, ok, err := m.store.Get(ctx, dirKey(mb.Member))
		if err != nil || !ok {
			// Expired entries are the cleaner's business, not eviction's.
			continue
		}
		size, _ := strconv.ParseInt(v, 10, 64)
		victims = append(victims, mb.Member)
		remaining -= size
	}
	return victims, nil
}

// TryLock takes the directory lock, used to serialize removal against
// concurrent downloads into the same directory. Returns false when another
// holder owns it.
func (m *Manager) TryLock(ctx context.Context, rel, owner string) (bool, error) {
	ok, err := m.store.SetNX(ctx, dirLockKey(rel), owner, dirLockTTL)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", rel, err)
	}
	return ok, nil
}

// Unlock releases the directory lock iff owner still holds it.
func (m *Manager) Unlock(ctx context.Context, rel, owner string) error {
	if _, err := m.store.CompareAndDelete(ctx, dirLockKey(rel), owner); err != nil {
		return fmt.Errorf("unlock %s: %w", rel, err)
	}
	return nil
}

// Discard drops all bookkeeping for rel after its contents are gone:
// TTL key, LRU rank, and sizeBytes off the counter.
func (m *Manager) Discard(ctx context.Context, rel string, sizeBytes int64) error {
	if err := m.store.Del(ctx, dirKey(rel)); err != nil {
		return fmt.Errorf("discard %s: %w", rel, err)
	}
	if err := m.store.ZRem(ctx, lruKey, rel); err != nil {
		return fmt.Errorf("discard %s: %w", rel, err)
	}
	if sizeBytes > 0 {
		if _, err := m.store.IncrBy(ctx, bytesKey, -sizeBytes); err != nil {
			return fmt.Errorf("discard %s: %w", rel, err)
		}
	}
	return nil
}

// RemoveDirectory drops one cached directory from the store, and from disk
// too when deleteFiles is set, holding the directory lock across the
// removal. ErrLocked when the directory is busy.
func (m *Manager) RemoveDirectory(ctx context.Context, path string, deleteFiles bool) error {
	rel, err := m.Rel(path)
	if err != nil {
		return err
	}
	owner := "remove:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	ok, err := m.TryLock(ctx, rel, owner)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, rel)
	}
	defer func() {
		if err := m.Unlock(ctx, rel, owner); err != nil {
			m.log.Warn("unlock failed", zap.String("dir", rel), zap.Error(err))
		}
	}()

	abs := m.Abs(rel)
	size, err := DirSize(abs)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("measure %s: %w", rel, err)
	}
	if deleteFiles {
		if err := os.RemoveAll(abs); err != nil {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
	}
	if err := m.Discard(ctx, rel, size); err != nil {
		return err
	}

	m.log.Info("cache entry removed",
		zap.String("dir", rel),
		zap.Bool("files_deleted", deleteFiles),
		zap.Int64("size_bytes", size))
	return nil
}
