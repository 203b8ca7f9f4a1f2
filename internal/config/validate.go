package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateConversion(); err != nil {
		return err
	}
	if err := c.validateTranscription(); err != nil {
		return err
	}
	if err := c.validateFingerprint(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		return errors.New("paths.output_dir must be set")
	}
	if strings.TrimSpace(c.Paths.RegistryPath) == "" {
		return errors.New("paths.registry_path must be set")
	}
	if c.Paths.QuarantineDir == c.Paths.MediaRoot {
		return errors.New("paths.quarantine_dir must differ from paths.media_root")
	}
	return nil
}

func (c *Config) validateConversion() error {
	if err := ensurePositiveMap(map[string]int{
		"conversion.sample_rate":     c.Conversion.SampleRate,
		"conversion.channels":        c.Conversion.Channels,
		"conversion.timeout_seconds": c.Conversion.TimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Conversion.Bitrate != "" && !strings.HasSuffix(c.Conversion.Bitrate, "k") {
		return fmt.Errorf("conversion.bitrate must be expressed in kbit/s (e.g. 64k), got %q", c.Conversion.Bitrate)
	}
	if c.Conversion.MinFreeMiB < 0 {
		return errors.New("conversion.min_free_mib must not be negative")
	}
	return nil
}

func (c *Config) validateTranscription() error {
	if err := ensurePositiveMap(map[string]int{
		"transcription.timeout_seconds":     c.Transcription.TimeoutSeconds,
		"transcription.retry_attempts":      c.Transcription.RetryAttempts,
		"transcription.retry_base_delay_ms": c.Transcription.RetryBaseDelayMS,
	}); err != nil {
		return err
	}
	if c.Transcription.MaxUploadBytes <= 0 {
		return errors.New("transcription.max_upload_bytes must be positive")
	}
	if c.Transcription.RetryMaxDelayMS < c.Transcription.RetryBaseDelayMS {
		return errors.New("transcription.retry_max_delay_ms must be at least transcription.retry_base_delay_ms")
	}
	if last := lastRetryDelayMS(c.Transcription.RetryAttempts, c.Transcription.RetryBaseDelayMS); last > int64(c.Transcription.RetryMaxDelayMS) {
		return fmt.Errorf("transcription.retry_max_delay_ms (%d) is reached before the last retry; raise it to at least %d or lower transcription.retry_attempts",
			c.Transcription.RetryMaxDelayMS, last)
	}
	return nil
}

// lastRetryDelayMS is the uncapped wait before the final attempt.
func lastRetryDelayMS(attempts, baseMS int) int64 {
	delay := int64(baseMS)
	for i := 2; i < attempts; i++ {
		if delay > math.MaxInt32 {
			break
		}
		delay *= 2
	}
	return delay
}

func (c *Config) validateFingerprint() error {
	if c.Fingerprint.WindowBytes <= 0 {
		return errors.New("fingerprint.window_bytes must be positive")
	}
	if c.Fingerprint.FullHashThresholdBytes < 2*c.Fingerprint.WindowBytes {
		return errors.New("fingerprint.full_hash_threshold_bytes must be at least twice fingerprint.window_bytes")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
