package testsupport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	WritePattern(t, path, size, 0x42)
}

// WritePattern is WriteFile with a caller-chosen fill byte, so tests can make
// files of equal size but different content.
func WritePattern(t testing.TB, path string, size int64, fill byte) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := bytes.Repeat([]byte{fill}, chunkSize)

	remaining := size
	for remaining > 0 {
		toWrite := min(int64(chunkSize), remaining)
		if _, err := f.Write(buf[:toWrite]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= toWrite
	}
}

// WriteText writes content to path, creating parent directories.
func WriteText(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// FakeEncoder stands in for ffmpeg. Each artifact is derived from the source
// bytes so distinct sources produce distinct artifacts.
type FakeEncoder struct {
	// Size is the artifact length; zero means 2048 bytes.
	Size int
	// Fail, when set, is returned for every call.
	Fail error

	mu    sync.Mutex
	calls []string
}

// Encode implements the conversion encoder contract.
func (e *FakeEncoder) Encode(ctx context.Context, source, dest string) error {
	e.mu.Lock()
	e.calls = append(e.calls, source)
	e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Fail != nil {
		return e.Fail
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	size := e.Size
	if size <= 0 {
		size = 2048
	}
	sum := sha256.Sum256(data)
	out := bytes.Repeat(sum[:], size/len(sum)+1)[:size]
	if len(out) == 0 {
		return errors.New("empty artifact")
	}
	return os.WriteFile(dest, out, 0o644)
}

// Calls returns the sources passed to Encode, in call order.
func (e *FakeEncoder) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}
