package transcription

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"voxmerge/internal/services/whisperapi"
)

const (
	defaultAttempts  = 5
	defaultBaseDelay = 2 * time.Second
	defaultMaxDelay  = 60 * time.Second
)

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the wait before the next attempt after attempt (1-based)
// failed: base, base*2, base*4, ... capped at maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// retryable reports whether another attempt could succeed.
func retryable(parent context.Context, err error) bool {
	if err == nil || parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return !whisperapi.Permanent(err)
}
