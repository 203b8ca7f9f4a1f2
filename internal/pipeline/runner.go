package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"voxmerge/internal/config"
	"voxmerge/internal/conversion"
	"voxmerge/internal/dedup"
	"voxmerge/internal/failures"
	"voxmerge/internal/fingerprint"
	"voxmerge/internal/fusion"
	"voxmerge/internal/journal"
	"voxmerge/internal/logging"
	"voxmerge/internal/observe"
	"voxmerge/internal/preflight"
	"voxmerge/internal/registry"
	"voxmerge/internal/transcription"
)

// ErrInsufficientSpace is returned by Process when the output filesystem is
// below the configured free-space floor.
var ErrInsufficientSpace = errors.New("insufficient free space")

// Runner owns the collaborators shared by every operation.
type Runner struct {
	cfg         *config.Config
	store       *registry.Store
	encoder     conversion.Encoder
	transcriber transcription.Transcriber
	prober      conversion.Prober
	journal     *journal.Store
	metrics     *observe.Metrics
	logger      *slog.Logger
	sleeper     transcription.Sleeper
	now         func() time.Time
	newID       func() string
}

// Option customises a Runner.
type Option func(*Runner)

// WithJournal records every run in the given journal.
func WithJournal(store *journal.Store) Option {
	return func(r *Runner) { r.journal = store }
}

// WithProber enables duration probing of converted artifacts.
func WithProber(prober conversion.Prober) Option {
	return func(r *Runner) { r.prober = prober }
}

// WithMetrics attaches metric instruments to every stage.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) { r.metrics = observe.OrNop(m) }
}

// WithSleeper overrides retry waits in the transcription stage.
func WithSleeper(sleeper transcription.Sleeper) Option {
	return func(r *Runner) { r.sleeper = sleeper }
}

// WithClock overrides the run and transcript timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRunIDs overrides run identifier generation.
func WithRunIDs(next func() string) Option {
	return func(r *Runner) {
		if next != nil {
			r.newID = next
		}
	}
}

// New constructs a Runner. transcriber may be nil when only conversion,
// fusion or duplicate handling is needed.
func New(cfg *config.Config, store *registry.Store, encoder conversion.Encoder, transcriber transcription.Transcriber, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:         cfg,
		store:       store,
		encoder:     encoder,
		transcriber: transcriber,
		metrics:     observe.Nop(),
		logger:      logger,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}
	if r.logger == nil {
		r.logger = logging.NewNop()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run describes one tracked operation.
type Run struct {
	ID         string
	Command    string
	Status     journal.RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    *failures.Summary
}

// Track runs fn under a fresh run identifier, collects its failures and
// records the run in the journal when one is configured. Journal errors are
// logged and never fail the run.
func (r *Runner) Track(ctx context.Context, command string, fn func(ctx context.Context, summary *failures.Summary) error) (Run, error) {
	run := Run{
		ID:        r.newID(),
		Command:   command,
		StartedAt: r.now(),
		Summary:   failures.NewSummary(),
	}
	ctx = logging.WithRunID(ctx, run.ID)
	logger := logging.WithContext(ctx, r.logger)

	if r.journal != nil {
		if err := r.journal.StartRun(context.WithoutCancel(ctx), run.ID, command, run.StartedAt); err != nil {
			logging.WarnWithContext(logger, "journal start failed", "journal_write_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "this run will be missing from the failure history"))
		}
	}
	logger.Info("run started", logging.String("command", command))

	err := fn(ctx, run.Summary)

	run.FinishedAt = r.now()
	switch {
	case err == nil:
		run.Status = journal.RunCompleted
	case errors.Is(err, context.Canceled):
		run.Status = journal.RunCanceled
	default:
		run.Status = journal.RunFailed
	}

	if r.journal != nil {
		// Record the run even when ctx is cancelled.
		if jerr := r.journal.FinishRun(context.WithoutCancel(ctx), run.ID, run.Status, run.FinishedAt, run.Summary); jerr != nil {
			logging.WarnWithContext(logger, "journal finish failed", "journal_write_failed",
				logging.Error(jerr),
				logging.String(logging.FieldImpact, "failed items of this run cannot be listed later"))
		}
	}

	counts := run.Summary.Counts()
	for _, kind := range failures.Kinds {
		if counts[kind] == 0 {
			continue
		}
		logging.WarnWithContext(logger, "items failed", "items_failed",
			logging.String(logging.FieldFailureKind, string(kind)),
			logging.Int("count", counts[kind]),
			logging.String(logging.FieldErrorHint, kind.Remediation()),
			logging.Alert("failures"))
	}

	attrs := []logging.Attr{
		logging.String("command", command),
		logging.String("status", string(run.Status)),
		logging.Int("failures", run.Summary.TotalFailures()),
		logging.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
	}
	if run.Status == journal.RunFailed {
		attrs = append(attrs, logging.Error(err))
		logging.ErrorWithContext(logger, "run failed", "run_failed", attrs...)
		return run, err
	}
	logger.Info("run finished", logging.Args(attrs...)...)
	return run, err
}

func (r *Runner) hasher() fingerprint.Hasher {
	return fingerprint.NewHasher(r.cfg.Fingerprint.FullHashThresholdBytes, r.cfg.Fingerprint.WindowBytes)
}

// ProcessOptions selects the stages Process runs.
type ProcessOptions struct {
	// SkipTranscription stops after conversion.
	SkipTranscription bool
}

// ProcessReport is the result of Process.
type ProcessReport struct {
	Run           Run
	Sources       int
	Conversion    []conversion.Outcome
	Transcription []transcription.Outcome
}

// Process scans the media root, converts and transcribes.
func (r *Runner) Process(ctx context.Context, opts ProcessOptions) (ProcessReport, error) {
	var report ProcessReport
	run, err := r.Track(ctx, "process", func(ctx context.Context, summary *failures.Summary) error {
		if r.cfg.Conversion.MinFreeMiB > 0 {
			check := preflight.CheckFreeSpace("Output free space", r.cfg.Paths.OutputDir, uint64(r.cfg.Conversion.MinFreeMiB))
			if !check.Passed {
				return fmt.Errorf("%w: %s", ErrInsufficientSpace, check.Detail)
			}
		}

		sources, err := Scan(ctx, r.cfg.Paths.MediaRoot, ScanOptions{
			Hasher:  r.hasher(),
			Workers: r.cfg.Fingerprint.Workers,
			Skip:    []string{r.cfg.Paths.OutputDir, r.cfg.Paths.QuarantineDir, r.cfg.Paths.LogDir},
		}, r.store, r.logger, summary)
		if err != nil {
			return fmt.Errorf("scan media: %w", err)
		}
		report.Sources = len(sources)

		convOpts := []conversion.Option{conversion.WithMetrics(r.metrics)}
		if r.prober != nil {
			convOpts = append(convOpts, conversion.WithProber(r.prober))
		}
		converter := conversion.New(r.store, r.encoder, conversion.Options{
			OutputDir:       r.cfg.Paths.OutputDir,
			Workers:         r.cfg.Conversion.Workers,
			FlushEvery:      r.cfg.Conversion.FlushEvery,
			ConvertReceived: r.cfg.Conversion.TranscribeReceived,
			ConvertSent:     r.cfg.Conversion.TranscribeSent,
			Hasher:          r.hasher(),
		}, r.logger, convOpts...)
		report.Conversion, err = converter.Run(ctx, sources, summary)
		if err != nil {
			return fmt.Errorf("conversion: %w", err)
		}

		if opts.SkipTranscription || r.transcriber == nil {
			return nil
		}
		items := TranscriptionItems(report.Conversion)
		base, maxDelay := r.cfg.RetryBackoff()
		transcriber := transcription.New(r.store, r.transcriber, transcription.Options{
			Workers:        r.cfg.Transcription.Workers,
			MaxUploadBytes: r.cfg.Transcription.MaxUploadBytes,
			Attempts:       r.cfg.Transcription.RetryAttempts,
			BaseDelay:      base,
			MaxDelay:       maxDelay,
			AttemptTimeout: r.cfg.TranscriptionTimeout(),
			MinChars:       r.cfg.Transcription.MinTranscriptChar,
			Model:          r.cfg.Transcription.Model,
			Language:       r.cfg.Transcription.Language,
		}, r.logger,
			transcription.WithMetrics(r.metrics),
			transcription.WithSleeper(r.sleeper),
			transcription.WithClock(r.now))
		report.Transcription, err = transcriber.Run(ctx, items, summary)
		if err != nil {
			return fmt.Errorf("transcription: %w", err)
		}
		return nil
	})
	report.Run = run
	return report, err
}

// TranscriptionItems turns conversion outcomes that left an artifact into
// transcription work. Sources the conversion stage filtered out or failed on
// are dropped.
func TranscriptionItems(outcomes []conversion.Outcome) []transcription.Item {
	items := make([]transcription.Item, 0, len(outcomes))
	for _, out := range outcomes {
		switch out.Status {
		case conversion.StatusConverted, conversion.StatusAdopted, conversion.StatusSkipped:
		default:
			continue
		}
		if out.ConvertedPath == "" {
			continue
		}
		items = append(items, transcription.Item{
			Source:    out.Source.Fingerprint,
			Converted: out.Converted,
			Path:      out.ConvertedPath,
			Contact:   out.Source.Contact,
			Direction: out.Source.Direction,
		})
	}
	return items
}

// FuseReport is the result of Fuse.
type FuseReport struct {
	Run      Run
	Messages []fusion.Message
	Stats    fusion.Stats
}

// Fuse rewrites audio references in messages using the registry's
// transcripts and any legacy mapping documents.
func (r *Runner) Fuse(ctx context.Context, messages []fusion.Message) (FuseReport, error) {
	var report FuseReport
	run, err := r.Track(ctx, "fuse", func(ctx context.Context, summary *failures.Summary) error {
		idx, err := fusion.BuildIndex(r.store, r.cfg.MappingsDir(), r.cfg.Transcription.MinTranscriptChar, r.logger)
		if err != nil {
			return fmt.Errorf("build fusion index: %w", err)
		}
		engine := fusion.NewEngine(idx, fusion.Options{CrossContactSearch: r.cfg.Fusion.CrossContactSearch}, r.logger,
			fusion.WithMetrics(r.metrics))
		report.Messages, report.Stats = engine.Fuse(ctx, messages, summary)
		return ctx.Err()
	})
	report.Run = run
	return report, err
}

// DupesOptions configures Dupes.
type DupesOptions struct {
	// Root defaults to the media root.
	Root string
	// Clean moves redundant copies into the quarantine directory.
	Clean  bool
	DryRun bool
}

// DupesReport is the result of Dupes.
type DupesReport struct {
	Run    Run
	Report dedup.Report
	Clean  *dedup.CleanResult
}

// Dupes analyzes the media tree for byte-identical files and, when asked,
// quarantines all but one copy of each.
func (r *Runner) Dupes(ctx context.Context, opts DupesOptions) (DupesReport, error) {
	var report DupesReport
	command := "dupes report"
	if opts.Clean {
		command = "dupes clean"
	}
	root := opts.Root
	if root == "" {
		root = r.cfg.Paths.MediaRoot
	}
	run, err := r.Track(ctx, command, func(ctx context.Context, summary *failures.Summary) error {
		analyzer := dedup.NewAnalyzer(dedup.Options{
			Hasher:  r.hasher(),
			Workers: r.cfg.Fingerprint.Workers,
			Skip: []string{
				r.cfg.Paths.QuarantineDir,
				r.cfg.Paths.RegistryPath,
				r.cfg.Paths.JournalPath,
				r.cfg.Paths.JournalPath + "-wal",
				r.cfg.Paths.JournalPath + "-shm",
				r.cfg.Paths.LogDir,
			},
		}, r.logger, dedup.WithMetrics(r.metrics))
		var err error
		report.Report, err = analyzer.Analyze(ctx, root, summary)
		if err != nil {
			return fmt.Errorf("analyze duplicates: %w", err)
		}
		if !opts.Clean {
			return nil
		}
		result, err := dedup.Clean(ctx, report.Report, r.store, dedup.CleanOptions{
			QuarantineDir: r.cfg.Paths.QuarantineDir,
			DryRun:        opts.DryRun,
		}, r.logger, summary)
		report.Clean = &result
		if err != nil {
			return fmt.Errorf("clean duplicates: %w", err)
		}
		return nil
	})
	report.Run = run
	return report, err
}
