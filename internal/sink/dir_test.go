package sink

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 15, 9, 26, 0, time.Local)
}

func newTestSink(t *testing.T) *DirSink {
	t.Helper()
	s, err := NewDirSink(filepath.Join(t.TempDir(), "downloads"), nil)
	if err != nil {
		t.Fatalf("NewDirSink: %v", err)
	}
	s.Now = fixedNow
	return s
}

func save(t *testing.T, s *DirSink, name string, data []byte) string {
	t.Helper()
	a, err := s.Create(name)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	if _, err := a.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ref, err := a.Finalise()
	if err != nil {
		t.Fatalf("Finalise: %v", err)
	}
	return ref.Path
}

func TestDirSinkWritesFileAndDigest(t *testing.T) {
	s := newTestSink(t)
	a, err := s.Create("hello.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a.Write([]byte("hello "))
	a.Write([]byte("world"))
	ref, err := a.Finalise()
	if err != nil {
		t.Fatalf("Finalise: %v", err)
	}

	if ref.Path != filepath.Join(s.Dir, "hello.txt") {
		t.Errorf("Path = %q", ref.Path)
	}
	if ref.Size != 11 {
		t.Errorf("Size = %d, want 11", ref.Size)
	}
	sum := blake2b.Sum256([]byte("hello world"))
	if ref.Digest != hex.EncodeToString(sum[:]) {
		t.Errorf("Digest = %s", ref.Digest)
	}
	got, err := os.ReadFile(ref.Path)
	if err != nil || string(got) != "hello world" {
		t.Errorf("file content = %q, %v", got, err)
	}
}

func TestDirSinkCollisionAddsTimestamp(t *testing.T) {
	s := newTestSink(t)
	first := save(t, s, "photo.jpg", []byte("one"))
	second := save(t, s, "photo.jpg", []byte("two"))
	third := save(t, s, "photo.jpg", []byte("three"))

	if filepath.Base(first) != "photo.jpg" {
		t.Errorf("first = %s", first)
	}
	if filepath.Base(second) != "photo_20260314_150926.jpg" {
		t.Errorf("second = %s", second)
	}
	if filepath.Base(third) != "photo_20260314_150926_1.jpg" {
		t.Errorf("third = %s", third)
	}
	if b, _ := os.ReadFile(first); string(b) != "one" {
		t.Errorf("original overwritten: %q", b)
	}
}

func TestDirSinkCollisionWithoutExtension(t *testing.T) {
	s := newTestSink(t)
	save(t, s, "README", nil)
	if got := filepath.Base(save(t, s, "README", nil)); got != "README_20260314_150926" {
		t.Errorf("got %s", got)
	}
	save(t, s, ".env", nil)
	if got := filepath.Base(save(t, s, ".env", nil)); got != ".env_20260314_150926" {
		t.Errorf("got %s", got)
	}
}

func TestDirSinkStaysInsideDir(t *testing.T) {
	s := newTestSink(t)
	path := save(t, s, "../../etc/passwd", []byte("x"))
	if filepath.Dir(path) != s.Dir {
		t.Errorf("artifact escaped download dir: %s", path)
	}
}

func TestDirSinkAbortLeavesNothing(t *testing.T) {
	s := newTestSink(t)
	a, err := s.Create("partial.bin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a.Write([]byte("abc"))
	if err := a.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	entries, _ := os.ReadDir(s.Dir)
	if len(entries) != 0 {
		t.Errorf("dir not empty after abort: %v", entries)
	}
}

func TestDirSinkRejectsEmptyName(t *testing.T) {
	s := newTestSink(t)
	if _, err := s.Create(""); err == nil {
		t.Error("expected error for empty name")
	}
}
