package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDirSize(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "nested", "deep"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]int{
		"a.m4a":                 1000,
		"nested/b.m4a":          200,
		"nested/deep/cover.jpg": 30,
	}
	for name, size := range files {
		if err := os.WriteFile(filepath.Join(root, name), bytes.Repeat([]byte{'x'}, size), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := DirSize(root)
	if err != nil {
		t.Fatalf("dirsize: %v", err)
	}
	if got != 1230 {
		t.Fatalf("size = %d", got)
	}

	if _, err := DirSize(filepath.Join(root, "missing")); err == nil {
		t.Fatal("missing root should error")
	}
}

func TestResolveOutputDir(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "Old Album")
	fresh := filepath.Join(root, "New Album")
	for _, d := range []string{old, fresh} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(fresh, "track.m4a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, ok := ResolveOutputDir(root, time.Now().Add(-time.Minute))
	if !ok || got != fresh {
		t.Fatalf("resolved %q ok=%v", got, ok)
	}

	// Nothing modified since the cutoff.
	if _, ok := ResolveOutputDir(root, time.Now().Add(time.Hour)); ok {
		t.Fatal("future cutoff should resolve nothing")
	}
}
