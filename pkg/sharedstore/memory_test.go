package sharedstore

import (
	"context"
	"testing"
	"time"
)

func TestMemory_SetNXIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ok, err := s.SetNX(ctx, "lock:a", "owner-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetNX(ctx, "lock:a", "owner-2", time.Minute)
	if err != nil {
		t.Fatalf("second SetNX error: %v", err)
	}
	if ok {
		t.Fatalf("second SetNX must fail while lock held")
	}

	v, found, err := s.Get(ctx, "lock:a")
	if err != nil || !found || v != "owner-1" {
		t.Fatalf("lock value: v=%q found=%v err=%v", v, found, err)
	}
}

func TestMemory_CompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.Set(ctx, "lock:a", "owner-1", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "map:a", "owner-1", 0); err != nil {
		t.Fatal(err)
	}

	ok, err := s.CompareAndDelete(ctx, "lock:a", "someone-else", "map:a")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("delete with wrong owner must fail")
	}
	if exists, _ := s.Exists(ctx, "lock:a"); !exists {
		t.Fatalf("lock must survive a wrong-owner delete")
	}

	ok, err = s.CompareAndDelete(ctx, "lock:a", "owner-1", "map:a")
	if err != nil || !ok {
		t.Fatalf("owner delete: ok=%v err=%v", ok, err)
	}
	if exists, _ := s.Exists(ctx, "lock:a"); exists {
		t.Fatalf("lock must be gone")
	}
	if exists, _ := s.Exists(ctx, "map:a"); exists {
		t.Fatalf("companion key must be gone")
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.Set(ctx, "dir:albums/x", "1", 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if exists, _ := s.Exists(ctx, "dir:albums/x"); !exists {
		t.Fatalf("key must exist before expiry")
	}

	time.Sleep(30 * time.Millisecond)
	if exists, _ := s.Exists(ctx, "dir:albums/x"); exists {
		t.Fatalf("key must be gone after expiry")
	}

	_, ok, err := s.TTL(ctx, "dir:albums/x")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("TTL on expired key must report absent")
	}
}

func TestMemory_CounterRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	n, err := s.IncrBy(ctx, "cache:bytes", 2048)
	if err != nil || n != 2048 {
		t.Fatalf("IncrBy: n=%d err=%v", n, err)
	}
	n, err = s.IncrBy(ctx, "cache:bytes", -48)
	if err != nil || n != 2000 {
		t.Fatalf("decrement: n=%d err=%v", n, err)
	}
}

func TestMemory_ZRangeOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_ = s.ZAdd(ctx, "cache:lru", "b", 2)
	_ = s.ZAdd(ctx, "cache:lru", "a", 1)
	_ = s.ZAdd(ctx, "cache:lru", "c", 3)

	asc, err := s.ZRange(ctx, "cache:lru", 0, -1, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(asc) != 3 || asc[0].Member != "a" || asc[2].Member != "c" {
		t.Fatalf("ascending order wrong: %+v", asc)
	}

	desc, err := s.ZRange(ctx, "cache:lru", 0, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(desc) != 2 || desc[0].Member != "c" || desc[1].Member != "b" {
		t.Fatalf("descending range wrong: %+v", desc)
	}
}

func TestMemory_ListTrimKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, batch := range [][]string{{"1", "2", "3"}, {"4", "5"}, {"6", "7", "8"}} {
		if err := s.RPush(ctx, "job:x:logs", batch, 5, 0); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LRange(ctx, "job:x:logs", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"4", "5", "6", "7", "8"}
	if len(got) != len(want) {
		t.Fatalf("unexpected length: got=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trim dropped wrong end: got=%v want=%v", got, want)
		}
	}

	tail, err := s.LRange(ctx, "job:x:logs", -2, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0] != "7" || tail[1] != "8" {
		t.Fatalf("negative range wrong: %v", tail)
	}
}

func TestMemory_KeysPattern(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_ = s.Set(ctx, "dir:albums/a", "1", 0)
	_ = s.Set(ctx, "dir:albums/b", "1", 0)
	_ = s.Set(ctx, "lock:dir:albums/a", "1", 0)

	keys, err := s.Keys(ctx, "dir:*")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 dir keys, got %v", keys)
	}
}

func TestConnect_FallbackIsDegraded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Port 1 is never a Redis server.
	s := Connect(ctx, Config{URL: "redis://127.0.0.1:1/0", DialTimeout: 100 * time.Millisecond}, nil)
	if s.Available() {
		t.Fatalf("fallback store must report unavailable")
	}

	// Contract still holds locally.
	ok, err := s.SetNX(ctx, "lock:a", "x", time.Minute)
	if err != nil || !ok {
		t.Fatalf("fallback SetNX: ok=%v err=%v", ok, err)
	}
}
