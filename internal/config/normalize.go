package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeConversion()
	c.normalizeTranscription()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.MediaRoot, err = expandPath(strings.TrimSpace(c.Paths.MediaRoot)); err != nil {
		return fmt.Errorf("paths.media_root: %w", err)
	}
	if c.Paths.OutputDir, err = expandPath(strings.TrimSpace(c.Paths.OutputDir)); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.RegistryPath) == "" && c.Paths.OutputDir != "" {
		c.Paths.RegistryPath = filepath.Join(c.Paths.OutputDir, defaultRegistryName)
	}
	if c.Paths.RegistryPath, err = expandPath(strings.TrimSpace(c.Paths.RegistryPath)); err != nil {
		return fmt.Errorf("paths.registry_path: %w", err)
	}
	if strings.TrimSpace(c.Paths.QuarantineDir) == "" && c.Paths.OutputDir != "" {
		c.Paths.QuarantineDir = filepath.Join(c.Paths.OutputDir, defaultQuarantineName)
	}
	if c.Paths.QuarantineDir, err = expandPath(strings.TrimSpace(c.Paths.QuarantineDir)); err != nil {
		return fmt.Errorf("paths.quarantine_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.JournalPath, err = expandPath(strings.TrimSpace(c.Paths.JournalPath)); err != nil {
		return fmt.Errorf("paths.journal_path: %w", err)
	}
	if c.Fusion.MappingsDir, err = expandPath(strings.TrimSpace(c.Fusion.MappingsDir)); err != nil {
		return fmt.Errorf("fusion.mappings_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeConversion() {
	c.Conversion.FFmpegBinary = strings.TrimSpace(c.Conversion.FFmpegBinary)
	if c.Conversion.FFmpegBinary == "" {
		c.Conversion.FFmpegBinary = defaultFFmpegBinary
	}
	c.Conversion.FFprobeBinary = strings.TrimSpace(c.Conversion.FFprobeBinary)
	if c.Conversion.FFprobeBinary == "" {
		c.Conversion.FFprobeBinary = defaultFFprobeBinary
	}
	c.Conversion.Codec = strings.TrimSpace(c.Conversion.Codec)
	if c.Conversion.Codec == "" {
		c.Conversion.Codec = defaultCodec
	}
	c.Conversion.Bitrate = strings.ToLower(strings.TrimSpace(c.Conversion.Bitrate))
	if c.Conversion.Workers <= 0 {
		c.Conversion.Workers = defaultConversionWorkers()
	}
	if c.Conversion.FlushEvery <= 0 {
		c.Conversion.FlushEvery = defaultFlushEvery
	}
}

func (c *Config) normalizeTranscription() {
	c.Transcription.APIKey = strings.TrimSpace(c.Transcription.APIKey)
	if c.Transcription.APIKey == "" {
		if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
			c.Transcription.APIKey = strings.TrimSpace(value)
		}
	}
	c.Transcription.BaseURL = strings.TrimRight(strings.TrimSpace(c.Transcription.BaseURL), "/")
	if c.Transcription.BaseURL == "" {
		c.Transcription.BaseURL = defaultTranscriptionBaseURL
	}
	c.Transcription.Model = strings.TrimSpace(c.Transcription.Model)
	if c.Transcription.Model == "" {
		c.Transcription.Model = defaultTranscriptionModel
	}
	c.Transcription.Language = strings.ToLower(strings.TrimSpace(c.Transcription.Language))
	if c.Transcription.Workers <= 0 {
		c.Transcription.Workers = defaultTranscriptionWorkers
	}
	if c.Transcription.MinTranscriptChar <= 0 {
		c.Transcription.MinTranscriptChar = defaultMinTranscriptChars
	}
	if c.Fingerprint.Workers <= 0 {
		c.Fingerprint.Workers = 1
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
