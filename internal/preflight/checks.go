package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"voxmerge/internal/config"
	"voxmerge/internal/services/whisperapi"
)

// HealthChecker is the part of the speech-to-text client preflight needs.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckTranscriptionAPI verifies that the speech-to-text API is reachable and
// the key is valid. It uses a 30-second timeout and a single attempt.
func CheckTranscriptionAPI(ctx context.Context, cfg *config.Config) Result {
	const name = "Speech-to-text API"
	if strings.TrimSpace(cfg.Transcription.APIKey) == "" {
		return Result{Name: name, Detail: "API key missing (set transcription.api_key or OPENAI_API_KEY)"}
	}
	client := whisperapi.NewClient(whisperapi.Config{
		APIKey:  cfg.Transcription.APIKey,
		BaseURL: cfg.Transcription.BaseURL,
		Model:   cfg.Transcription.Model,
	})
	return CheckHealth(ctx, name, client)
}

// CheckHealth runs checker with a 30-second timeout.
func CheckHealth(ctx context.Context, name string, checker HealthChecker) Result {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := checker.HealthCheck(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeAPIError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "API reachable"}
}

// CheckDirectoryAccess verifies that the directory exists and is readable,
// and writable when write is set.
func CheckDirectoryAccess(name, path string, write bool) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	mode := uint32(unix.R_OK | unix.X_OK)
	label := "read ok"
	if write {
		mode |= unix.W_OK
		label = "read/write ok"
	}
	if err := unix.Access(path, mode); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, label)}
}

// CheckFreeSpace verifies that the filesystem holding path has at least
// minMiB mebibytes available. A missing path is checked through its nearest
// existing parent.
func CheckFreeSpace(name, path string, minMiB uint64) Result {
	target := nearestExisting(path)
	var stat unix.Statfs_t
	if err := unix.Statfs(target, &stat); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", target, err)}
	}
	available := stat.Bavail * uint64(stat.Bsize)
	required := minMiB * 1024 * 1024
	detail := fmt.Sprintf("%s free on %s (need %s)", humanize.IBytes(available), target, humanize.IBytes(required))
	if available < required {
		return Result{Name: name, Detail: detail}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

func nearestExisting(path string) string {
	for p := path; ; {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := parentDir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func parentDir(p string) string {
	p = strings.TrimRight(p, string(os.PathSeparator))
	i := strings.LastIndexByte(p, os.PathSeparator)
	switch {
	case i < 0:
		return "."
	case i == 0:
		return string(os.PathSeparator)
	default:
		return p[:i]
	}
}

// summarizeAPIError produces a human-readable summary for health check failures.
func summarizeAPIError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out (API unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (API unreachable)"
	}
	if code := whisperapi.StatusCode(err); code == 401 || code == 403 {
		return fmt.Sprintf("auth failed (%d, check the API key)", code)
	}
	return err.Error()
}
