package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"

	"voxmerge/internal/failures"
)

const (
	// DefaultThreshold is the largest size hashed in full.
	DefaultThreshold int64 = 8 << 20
	// DefaultWindow is the prefix and suffix length sampled above the threshold.
	DefaultWindow int64 = 1 << 20

	sampledTag = "voxmerge/sampled/v1\x00"
)

// Fingerprint is a hex-encoded SHA-256 content identity.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Short returns the first n characters, used for quarantine directories and logs.
func (f Fingerprint) Short(n int) string {
	if n <= 0 || n >= len(f) {
		return string(f)
	}
	return string(f[:n])
}

// Hasher computes fingerprints. The zero value uses the default sizes.
type Hasher struct {
	Threshold int64
	Window    int64
}

// NewHasher returns a hasher with the given sizes; non-positive values fall back to defaults.
func NewHasher(threshold, window int64) Hasher {
	return Hasher{Threshold: threshold, Window: window}
}

func (h Hasher) sizes() (int64, int64) {
	threshold, window := h.Threshold, h.Window
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold < 2*window {
		threshold = 2 * window
	}
	return threshold, window
}

// File fingerprints the file at path. Open, stat and read errors are
// reported as failures.Unreadable.
func (h Hasher) File(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", failures.New(failures.Unreadable, "open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", failures.New(failures.Unreadable, "stat", path, err)
	}
	if info.IsDir() {
		return "", failures.New(failures.Unreadable, "fingerprint", path, fmt.Errorf("is a directory"))
	}
	fp, err := h.Reader(f, info.Size())
	if err != nil {
		return "", failures.New(failures.Unreadable, "read", path, err)
	}
	return fp, nil
}

// Reader fingerprints size bytes available from r.
func (h Hasher) Reader(r io.ReaderAt, size int64) (Fingerprint, error) {
	threshold, window := h.sizes()
	digest := sha256.New()
	if size <= threshold {
		n, err := io.Copy(digest, io.NewSectionReader(r, 0, size))
		if err != nil {
			return "", err
		}
		if n != size {
			return "", fmt.Errorf("short read: %d of %d bytes", n, size)
		}
		return encode(digest.Sum(nil)), nil
	}

	digest.Write([]byte(sampledTag))
	if err := copyExact(digest, io.NewSectionReader(r, 0, window), window); err != nil {
		return "", fmt.Errorf("read prefix: %w", err)
	}
	digest.Write([]byte(strconv.FormatInt(size, 10)))
	if err := copyExact(digest, io.NewSectionReader(r, size-window, window), window); err != nil {
		return "", fmt.Errorf("read suffix: %w", err)
	}
	return encode(digest.Sum(nil)), nil
}

// Bytes fingerprints an in-memory payload.
func (h Hasher) Bytes(data []byte) Fingerprint {
	fp, _ := h.Reader(byteReaderAt(data), int64(len(data)))
	return fp
}

// File fingerprints path with the default sizes.
func File(path string) (Fingerprint, error) {
	return Hasher{}.File(path)
}

func copyExact(dst io.Writer, src io.Reader, n int64) error {
	copied, err := io.Copy(dst, src)
	if err != nil {
		return err
	}
	if copied != n {
		return fmt.Errorf("short read: %d of %d bytes", copied, n)
	}
	return nil
}

func encode(sum []byte) Fingerprint {
	return Fingerprint(hex.EncodeToString(sum))
}

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
