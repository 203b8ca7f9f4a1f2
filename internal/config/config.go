package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and file locations.
type Paths struct {
	MediaRoot     string `toml:"media_root"`
	OutputDir     string `toml:"output_dir"`
	RegistryPath  string `toml:"registry_path"`
	QuarantineDir string `toml:"quarantine_dir"`
	LogDir        string `toml:"log_dir"`
	JournalPath   string `toml:"journal_path"`
}

// Conversion contains the encoder preset and pool sizing.
type Conversion struct {
	FFmpegBinary       string `toml:"ffmpeg_binary"`
	FFprobeBinary      string `toml:"ffprobe_binary"`
	Codec              string `toml:"codec"`
	SampleRate         int    `toml:"sample_rate"`
	Channels           int    `toml:"channels"`
	Bitrate            string `toml:"bitrate"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	Workers            int    `toml:"workers"`
	FlushEvery         int    `toml:"flush_every"`
	MinFreeMiB         int    `toml:"min_free_mib"`
	TranscribeReceived bool   `toml:"transcribe_received"`
	TranscribeSent     bool   `toml:"transcribe_sent"`
}

// Transcription contains speech-to-text service settings.
type Transcription struct {
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	Model             string `toml:"model"`
	Language          string `toml:"language"`
	MaxUploadBytes    int64  `toml:"max_upload_bytes"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	RetryAttempts     int    `toml:"retry_attempts"`
	RetryBaseDelayMS  int    `toml:"retry_base_delay_ms"`
	RetryMaxDelayMS   int    `toml:"retry_max_delay_ms"`
	Workers           int    `toml:"workers"`
	MinTranscriptChar int    `toml:"min_transcript_chars"`
}

// Fingerprint controls the content hashing windows.
type Fingerprint struct {
	FullHashThresholdBytes int64 `toml:"full_hash_threshold_bytes"`
	WindowBytes            int64 `toml:"window_bytes"`
	Workers                int   `toml:"workers"`
}

// Fusion controls transcript re-attachment.
type Fusion struct {
	// CrossContactSearch allows the bare-identifier strategy to accept a
	// transcript associated with another contact.
	CrossContactSearch bool `toml:"cross_contact_search"`
	// MappingsDir holds legacy per-contact mapping documents.
	MappingsDir string `toml:"mappings_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format     string `toml:"format"`
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Journal controls the SQLite run history.
type Journal struct {
	Enabled bool `toml:"enabled"`
}

// Config encapsulates all configuration values for voxmerge.
//
// Configuration sections by subsystem:
//   - Paths: media tree, output tree, registry, quarantine, logs, journal
//   - Conversion: encoder preset, timeouts, worker count, direction filter
//   - Transcription: speech-to-text endpoint, limits, retry policy, workers
//   - Fingerprint: content hash windows
//   - Fusion: transcript matching scope and legacy mapping location
//   - Logging: log format, level, and rotation
//   - Journal: SQLite history of runs and failed items
type Config struct {
	Paths         Paths         `toml:"paths"`
	Conversion    Conversion    `toml:"conversion"`
	Transcription Transcription `toml:"transcription"`
	Fingerprint   Fingerprint   `toml:"fingerprint"`
	Fusion        Fusion        `toml:"fusion"`
	Logging       Logging       `toml:"logging"`
	Journal       Journal       `toml:"journal"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("voxmerge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories voxmerge writes into. The media
// root is never created: it is produced by the extraction pass.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.OutputDir, c.Paths.LogDir, filepath.Dir(c.Paths.RegistryPath)}
	if c.Journal.Enabled && c.Paths.JournalPath != "" {
		dirs = append(dirs, filepath.Dir(c.Paths.JournalPath))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ConversionTimeout returns the hard timeout for one encoder invocation.
func (c *Config) ConversionTimeout() time.Duration {
	return time.Duration(c.Conversion.TimeoutSeconds) * time.Second
}

// TranscriptionTimeout returns the hard timeout for one transcription attempt.
func (c *Config) TranscriptionTimeout() time.Duration {
	return time.Duration(c.Transcription.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the base and maximum delay between transcription attempts.
func (c *Config) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Transcription.RetryBaseDelayMS) * time.Millisecond,
		time.Duration(c.Transcription.RetryMaxDelayMS) * time.Millisecond
}

// MappingsDir returns the directory holding legacy per-contact mapping documents.
func (c *Config) MappingsDir() string {
	if strings.TrimSpace(c.Fusion.MappingsDir) != "" {
		return c.Fusion.MappingsDir
	}
	return filepath.Join(c.Paths.OutputDir, ".transcription_mappings")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
