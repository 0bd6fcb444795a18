package sharedstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memoryStore is the in-process fallback and the deterministic test double.
// Expiry is lazy: deadlines are checked on access, there is no background
// reaper. All operations are guarded by one mutex, which is plenty for a
// single process.
type memoryStore struct {
	mu        sync.Mutex
	available bool

	strings   map[string]string
	hashes    map[string]map[string]string
	lists     map[string][]string
	zsets     map[string]map[string]float64
	deadlines map[string]time.Time
}

func newMemory(available bool) *memoryStore {
	return &memoryStore{
		available: available,
		strings:   make(map[string]string),
		hashes:    make(map[string]map[string]string),
		lists:     make(map[string][]string),
		zsets:     make(map[string]map[string]float64),
		deadlines: make(map[string]time.Time),
	}
}

func (s *memoryStore) Available() bool { return s.available }

// expireLocked drops the key if its deadline has passed. Callers hold s.mu.
func (s *memoryStore) expireLocked(key string) {
	dl, ok := s.deadlines[key]
	if !ok || time.Now().Before(dl) {
		return
	}
	s.deleteLocked(key)
}

func (s *memoryStore) deleteLocked(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.lists, key)
	delete(s.zsets, key)
	delete(s.deadlines, key)
}

func (s *memoryStore) setDeadlineLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		s.deadlines[key] = time.Now().Add(ttl)
	} else {
		delete(s.deadlines, key)
	}
}

func (s *memoryStore) existsLocked(key string) bool {
	s.expireLocked(key)
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	if _, ok := s.lists[key]; ok {
		return true
	}
	if _, ok := s.zsets[key]; ok {
		return true
	}
	return false
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	s.setDeadlineLocked(key, ttl)
	return nil
}

func (s *memoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsLocked(key) {
		return false, nil
	}
	s.strings[key] = value
	s.setDeadlineLocked(key, ttl)
	return true, nil
}

func (s *memoryStore) CompareAndDelete(_ context.Context, key, owner string, companions ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	if v, ok := s.strings[key]; !ok || v != owner {
		return false, nil
	}
	s.deleteLocked(key)
	for _, c := range companions {
		s.deleteLocked(c)
	}
	return true, nil
}

func (s *memoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.deleteLocked(k)
	}
	return nil
}

func (s *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(key), nil
}

func (s *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.existsLocked(key) {
		return false, nil
	}
	s.setDeadlineLocked(key, ttl)
	return true, nil
}

func (s *memoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.existsLocked(key) {
		return 0, false, nil
	}
	dl, ok := s.deadlines[key]
	if !ok {
		return 0, true, nil
	}
	return time.Until(dl), true, nil
}

func (s *memoryStore) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	s.setDeadlineLocked(key, ttl)
	return nil
}

func (s *memoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	cur := int64(0)
	if v, ok := s.strings[key]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("counter %s holds non-integer value", key)
		}
		cur = n
	}
	cur += delta
	s.strings[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *memoryStore) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *memoryStore) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	z := s.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return nil
}

func (s *memoryStore) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	score, ok := s.zsets[key][member]
	return score, ok, nil
}

func (s *memoryStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	return int64(len(s.zsets[key])), nil
}

func (s *memoryStore) ZRange(_ context.Context, key string, start, stop int64, reverse bool) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)

	all := make([]ScoredMember, 0, len(s.zsets[key]))
	for m, sc := range s.zsets[key] {
		all = append(all, ScoredMember{Member: m, Score: sc})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score < all[j].Score
		}
		return all[i].Member < all[j].Member
	})
	if reverse {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}

	lo, hi, ok := sliceBounds(int64(len(all)), start, stop)
	if !ok {
		return nil, nil
	}
	return all[lo : hi+1], nil
}

func (s *memoryStore) RPush(_ context.Context, key string, values []string, maxLen int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	l := append(s.lists[key], values...)
	if maxLen > 0 && int64(len(l)) > maxLen {
		l = l[int64(len(l))-maxLen:]
	}
	s.lists[key] = l
	s.setDeadlineLocked(key, ttl)
	return nil
}

func (s *memoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	l := s.lists[key]
	lo, hi, ok := sliceBounds(int64(len(l)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, l[lo:hi+1])
	return out, nil
}

func (s *memoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	collect := func(key string) {
		s.expireLocked(key)
		if s.existsLocked(key) && re.MatchString(key) {
			seen[key] = struct{}{}
		}
	}
	for k := range s.strings {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}
	for k := range s.lists {
		collect(k)
	}
	for k := range s.zsets {
		collect(k)
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Close() error { return nil }

// sliceBounds converts Redis-style start/stop (negatives count from the
// tail, stop is inclusive) to slice bounds. ok is false for empty ranges.
func sliceBounds(n, start, stop int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}

// globToRegexp supports the Redis glob subset used here: '*' and '?'.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
