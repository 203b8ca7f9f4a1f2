package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"voxmerge/internal/config"
	"voxmerge/internal/journal"
	"voxmerge/internal/logging"
	"voxmerge/internal/media/ffprobe"
	"voxmerge/internal/observe"
	"voxmerge/internal/pipeline"
	"voxmerge/internal/registry"
	"voxmerge/internal/services/ffmpeg"
	"voxmerge/internal/services/whisperapi"
	"voxmerge/internal/transcription"
)

type commandContext struct {
	configFlag  *string
	jsonFlag    *bool
	metricsFlag *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error

	metricsOnce sync.Once
	metrics     *observe.Metrics
	collector   *observe.Collector

	closers []func() error
}

func newCommandContext(configFlag *string, jsonFlag, metricsFlag *bool) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		jsonFlag:    jsonFlag,
		metricsFlag: metricsFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.NewFromConfig(cfg)
	})
	return c.logger, c.loggerErr
}

func (c *commandContext) ensureMetrics() *observe.Metrics {
	c.metricsOnce.Do(func() {
		if c.metricsFlag == nil || !*c.metricsFlag {
			c.metrics = observe.Nop()
			return
		}
		met, collector, err := observe.NewCollector()
		if err != nil {
			c.metrics = observe.Nop()
			return
		}
		c.metrics, c.collector = met, collector
	})
	return c.metrics
}

func (c *commandContext) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// finish prints collected metrics and releases stores opened by the command.
func (c *commandContext) finish(cmd *cobra.Command) error {
	var firstErr error
	if c.collector != nil {
		points, err := c.collector.Snapshot(cmd.Context())
		if err == nil {
			fmt.Fprintln(cmd.ErrOrStderr(), renderMetrics(points))
		}
		_ = c.collector.Shutdown(cmd.Context())
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closers = nil
	return firstErr
}

// withCleanup runs fn and then finish, whether or not fn failed.
func (c *commandContext) withCleanup(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if finishErr := c.finish(cmd); err == nil {
			err = finishErr
		}
		return err
	}
}

// openRegistry opens the registry and flushes it when the command ends.
func (c *commandContext) openRegistry() (*registry.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	store := registry.Open(cfg.Paths.RegistryPath, logger)
	if issue := store.LoadIssue(); issue != nil {
		logging.WarnWithContext(logger, "registry unreadable, continuing with an empty one", "registry_corrupt",
			logging.String(logging.FieldPath, cfg.Paths.RegistryPath),
			logging.Error(issue),
			logging.String(logging.FieldImpact, "previously processed files will be fingerprinted again"))
	}
	c.onClose(store.Flush)
	return store, nil
}

// openJournal returns nil when the journal is disabled.
func (c *commandContext) openJournal() (*journal.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Journal.Enabled {
		return nil, nil
	}
	store, err := journal.Open(cfg.Paths.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	c.onClose(store.Close)
	return store, nil
}

func (c *commandContext) requireJournal() (*journal.Store, error) {
	store, err := c.openJournal()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("the run journal is disabled (set [journal] enabled = true)")
	}
	return store, nil
}

// newRunner builds a pipeline runner. The encoder and speech-to-text client
// are created only when withMedia is set.
func (c *commandContext) newRunner(withMedia bool) (*pipeline.Runner, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	store, err := c.openRegistry()
	if err != nil {
		return nil, err
	}
	jr, err := c.openJournal()
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithMetrics(c.ensureMetrics())}
	if jr != nil {
		opts = append(opts, pipeline.WithJournal(jr))
	}

	var encoder *ffmpeg.Encoder
	var transcriber transcription.Transcriber
	if withMedia {
		encoder = ffmpeg.NewEncoder(cfg.Conversion.FFmpegBinary, ffmpeg.Preset{
			Codec:      cfg.Conversion.Codec,
			SampleRate: cfg.Conversion.SampleRate,
			Channels:   cfg.Conversion.Channels,
			Bitrate:    cfg.Conversion.Bitrate,
		}, cfg.ConversionTimeout())
		if prober := ffprobe.NewProber(cfg.Conversion.FFprobeBinary); prober.Available() {
			opts = append(opts, pipeline.WithProber(prober))
		}
		if strings.TrimSpace(cfg.Transcription.APIKey) != "" {
			transcriber = whisperapi.NewClient(whisperapi.Config{
				APIKey:   cfg.Transcription.APIKey,
				BaseURL:  cfg.Transcription.BaseURL,
				Model:    cfg.Transcription.Model,
				Language: cfg.Transcription.Language,
			})
		} else {
			logging.WarnWithContext(logger, "no speech-to-text API key configured", "transcription_disabled",
				logging.String(logging.FieldErrorHint, "set transcription.api_key or OPENAI_API_KEY"),
				logging.String(logging.FieldImpact, "files are converted but not transcribed"))
		}
	}
	if encoder == nil {
		return pipeline.New(cfg, store, nil, transcriber, logger, opts...), nil
	}
	return pipeline.New(cfg, store, encoder, transcriber, logger, opts...), nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
