package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	if err := WriteFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "two" {
		t.Fatalf("content mismatch: got %q", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be gone, found %d entries", len(entries))
	}
}

func TestCopyFileVerified(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")

	content := []byte("verified copy content")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CopyFileVerified(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
	if err := CopyFileVerified(src, dst); !errors.Is(err, ErrDestinationExists) {
		t.Fatalf("expected ErrDestinationExists, got %v", err)
	}
}

func TestCopyFileVerified_MissingSource(t *testing.T) {
	dir := t.TempDir()
	err := CopyFileVerified(filepath.Join(dir, "nonexistent"), filepath.Join(dir, "dst.bin"))
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestMoveFileNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.opus")
	dst := filepath.Join(dir, "q", "a.opus")
	if err := os.WriteFile(src, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := MoveFile(src, dst); !errors.Is(err, ErrDestinationExists) {
		t.Fatalf("expected ErrDestinationExists, got %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "old" {
		t.Fatalf("destination was overwritten: %q", got)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("source must survive a refused move: %v", err)
	}

	fresh := filepath.Join(dir, "q", "b.opus")
	if err := MoveFile(src, fresh); err != nil {
		t.Fatalf("MoveFile: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source gone after move, got %v", err)
	}
	if got, _ := os.ReadFile(fresh); string(got) != "new" {
		t.Fatalf("unexpected moved content %q", got)
	}
}

func TestUniquePathAddsSuffix(t *testing.T) {
	dir := t.TempDir()
	first, err := UniquePath(dir, "voice.opus")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(first) != "voice.opus" {
		t.Fatalf("unexpected first path %s", first)
	}
	for _, name := range []string{"voice.opus", "voice_1.opus"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	next, err := UniquePath(dir, "voice.opus")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(next) != "voice_2.opus" {
		t.Fatalf("expected voice_2.opus, got %s", next)
	}
}

func TestSizeAbove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mp3")
	if err := os.WriteFile(path, make([]byte, 1001), 0o644); err != nil {
		t.Fatal(err)
	}
	if !SizeAbove(path, 1000) {
		t.Fatal("1001 bytes should exceed 1000")
	}
	if SizeAbove(path, 1001) || SizeAbove(filepath.Join(dir, "missing"), 0) {
		t.Fatal("unexpected SizeAbove result")
	}
}
