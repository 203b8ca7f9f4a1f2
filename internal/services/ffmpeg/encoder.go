package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrTimeout marks an encoder run that exceeded its deadline.
var ErrTimeout = errors.New("encoder timed out")

// Preset is the target quality for converted artifacts.
type Preset struct {
	Codec      string
	SampleRate int
	Channels   int
	Bitrate    string
	Format     string
}

// DefaultPreset matches the transcription-friendly mono MP3 output.
func DefaultPreset() Preset {
	return Preset{Codec: "libmp3lame", SampleRate: 22050, Channels: 1, Bitrate: "64k", Format: "mp3"}
}

// CommandRunner executes name with args. It mirrors exec.CommandContext plus CombinedOutput.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// Encoder runs ffmpeg with a fixed preset.
type Encoder struct {
	binary        string
	preset        Preset
	timeout       time.Duration
	commandRunner CommandRunner
}

// NewEncoder constructs an encoder; an empty binary resolves "ffmpeg" from PATH.
func NewEncoder(binary string, preset Preset, timeout time.Duration) *Encoder {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	defaults := DefaultPreset()
	if preset.Codec == "" {
		preset.Codec = defaults.Codec
	}
	if preset.SampleRate <= 0 {
		preset.SampleRate = defaults.SampleRate
	}
	if preset.Channels <= 0 {
		preset.Channels = defaults.Channels
	}
	if preset.Bitrate == "" {
		preset.Bitrate = defaults.Bitrate
	}
	if preset.Format == "" {
		preset.Format = defaults.Format
	}
	return &Encoder{binary: binary, preset: preset, timeout: timeout}
}

// WithCommandRunner overrides process execution.
func (e *Encoder) WithCommandRunner(runner CommandRunner) {
	e.commandRunner = runner
}

// Binary returns the configured executable.
func (e *Encoder) Binary() string { return e.binary }

// Preset returns the configured preset.
func (e *Encoder) Preset() Preset { return e.preset }

// Args builds the ffmpeg argument list for one conversion. The container
// format is explicit because dest usually carries a temporary suffix.
func (e *Encoder) Args(source, dest string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", source,
		"-vn",
		"-acodec", e.preset.Codec,
		"-ar", strconv.Itoa(e.preset.SampleRate),
		"-ac", strconv.Itoa(e.preset.Channels),
		"-b:a", e.preset.Bitrate,
		"-f", e.preset.Format,
		dest,
	}
}

// Encode converts source into dest, bounded by the encoder timeout. Exceeding
// the deadline yields an error wrapping ErrTimeout.
func (e *Encoder) Encode(ctx context.Context, source, dest string) error {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(dest) == "" {
		return errors.New("ffmpeg encode: source and destination are required")
	}
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	err := e.run(runCtx, e.binary, e.Args(source, dest)...)
	if err == nil {
		return nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("ffmpeg encode %s: %w after %s", source, ErrTimeout, e.timeout)
	}
	return fmt.Errorf("ffmpeg encode %s: %w", source, err)
}

func (e *Encoder) run(ctx context.Context, name string, args ...string) error {
	if e.commandRunner != nil {
		return e.commandRunner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}
