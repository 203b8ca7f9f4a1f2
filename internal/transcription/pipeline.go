package transcription

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"voxmerge/internal/failures"
	"voxmerge/internal/fingerprint"
	"voxmerge/internal/language"
	"voxmerge/internal/logging"
	"voxmerge/internal/medianame"
	"voxmerge/internal/observe"
	"voxmerge/internal/registry"
	"voxmerge/internal/services/whisperapi"
	"voxmerge/internal/workpool"
)

// Stage is the name used in summaries, metrics and logs.
const Stage = "transcription"

// DefaultMaxUploadBytes is the service's upload ceiling.
const DefaultMaxUploadBytes int64 = 25 * 1024 * 1024

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (whisperapi.Result, error)
}

// Item is one converted artifact awaiting transcription.
type Item struct {
	Source    fingerprint.Fingerprint
	Converted fingerprint.Fingerprint
	Path      string
	Contact   string
	Direction medianame.Direction
}

// Status is the per-item result.
type Status string

const (
	StatusTranscribed Status = "transcribed"
	StatusSkipped     Status = "skipped"
	StatusOversize    Status = "oversize"
	StatusFailed      Status = "failed"
)

// Outcome reports what happened to one item.
type Outcome struct {
	Item     Item
	Status   Status
	Attempts int
	Text     string
	Err      error
}

// Options configures the pipeline.
type Options struct {
	Workers        int
	MaxUploadBytes int64
	Attempts       int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	MinChars       int
	Model          string
	Language       string
}

// Pipeline transcribes items with a bounded worker pool.
type Pipeline struct {
	store       *registry.Store
	transcriber Transcriber
	opts        Options
	logger      *slog.Logger
	metrics     *observe.Metrics
	sleep       Sleeper
	now         func() time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithSleeper overrides how retry waits are performed (useful for tests).
func WithSleeper(sleeper Sleeper) Option {
	return func(p *Pipeline) {
		if sleeper != nil {
			p.sleep = sleeper
		}
	}
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = observe.OrNop(m) }
}

// WithClock overrides the transcript timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New constructs a transcription pipeline.
func New(store *registry.Store, transcriber Transcriber, opts Options, logger *slog.Logger, options ...Option) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.BaseDelay < 0 {
		opts.BaseDelay = 0
	} else if opts.BaseDelay == 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MinChars <= 0 {
		opts.MinChars = 1
	}
	p := &Pipeline{
		store:       store,
		transcriber: transcriber,
		opts:        opts,
		logger:      logging.NewComponentLogger(logger, Stage),
		metrics:     observe.Nop(),
		sleep:       sleepContext,
		now:         time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Run transcribes every item whose source has no transcript yet. Items
// sharing a source fingerprint are sent once. Per-item failures are reported
// in the outcomes and the summary; only context cancellation or a final
// flush error is returned.
func (p *Pipeline) Run(ctx context.Context, items []Item, summary *failures.Summary) ([]Outcome, error) {
	if summary == nil {
		summary = failures.NewSummary()
	}
	start := time.Now()
	ctx = logging.WithStage(ctx, Stage)
	logger := logging.WithContext(ctx, p.logger)

	unique := dedupe(items)
	outcomes := make([]Outcome, len(unique))
	indexed := make([]int, len(unique))
	for i := range unique {
		indexed[i] = i
	}

	runErr := workpool.Run(ctx, workpool.New(Stage, p.opts.Workers), indexed, func(ctx context.Context, i int) {
		outcome := p.transcribeOne(ctx, logger, unique[i])
		outcomes[i] = outcome
		p.metrics.Outcome(ctx, Stage, string(outcome.Status))
		src := string(outcome.Item.Source)
		switch outcome.Status {
		case StatusTranscribed:
			summary.Succeeded(Stage)
		case StatusSkipped:
			summary.Skipped(Stage)
		case StatusOversize:
			summary.Fail(Stage, failures.OversizeRejected, src, outcome.Item.Path, outcome.Err)
			logger.Warn("artifact too large to transcribe",
				logging.String(logging.FieldEventType, "transcription_oversize"),
				logging.String(logging.FieldPath, outcome.Item.Path),
				logging.Fingerprint(src),
				logging.String(logging.FieldErrorHint, failures.OversizeRejected.Remediation()),
				logging.String(logging.FieldImpact, "message keeps the not-transcribed marker"))
		case StatusFailed:
			if ctx.Err() != nil {
				return
			}
			summary.Fail(Stage, failures.TranscriptionFailed, src, outcome.Item.Path, outcome.Err)
			logger.Warn("transcription failed",
				logging.String(logging.FieldEventType, "transcription_failed"),
				logging.String(logging.FieldContact, outcome.Item.Contact),
				logging.String(logging.FieldPath, outcome.Item.Path),
				logging.Fingerprint(src),
				logging.Int("attempts", outcome.Attempts),
				logging.Error(outcome.Err),
				logging.String(logging.FieldErrorHint, failures.TranscriptionFailed.Remediation()),
				logging.String(logging.FieldImpact, "message keeps the not-transcribed marker"))
		}
	})

	flushErr := p.store.Flush()
	p.metrics.Stage(ctx, Stage, start)
	logger.Info("transcription stage finished",
		logging.Int("items", len(unique)),
		logging.Int("transcribed", countStatus(outcomes, StatusTranscribed)),
		logging.Int("skipped", countStatus(outcomes, StatusSkipped)),
		logging.Int("failed", countStatus(outcomes, StatusFailed)+countStatus(outcomes, StatusOversize)),
		logging.Duration("elapsed", time.Since(start)))

	if runErr != nil {
		return outcomes, runErr
	}
	return outcomes, flushErr
}

func (p *Pipeline) transcribeOne(ctx context.Context, logger *slog.Logger, item Item) Outcome {
	out := Outcome{Item: item}
	if _, ok := p.store.Transcript(item.Source); ok {
		out.Status = StatusSkipped
		return out
	}

	info, err := os.Stat(item.Path)
	if err != nil {
		out.Status = StatusFailed
		out.Err = failures.New(failures.Unreadable, "stat artifact", item.Path, err)
		return out
	}
	if info.Size() > p.opts.MaxUploadBytes {
		out.Status = StatusOversize
		out.Err = failures.New(failures.OversizeRejected, "transcribe", item.Path,
			fmt.Errorf("%d bytes exceeds upload limit of %d", info.Size(), p.opts.MaxUploadBytes))
		return out
	}

	text, result, attempts, err := p.transcribeWithRetry(ctx, logger, item)
	out.Attempts = attempts
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		return out
	}

	stored, err := p.store.RecordTranscript(item.Source, text, p.now(), registry.TranscriptMeta{
		Language: firstNonEmpty(language.Normalize(result.Language), language.Normalize(p.opts.Language)),
		Model:    p.opts.Model,
	})
	if err != nil {
		out.Status = StatusFailed
		out.Err = failures.New(failures.TranscriptionFailed, "record transcript", item.Path, err)
		return out
	}
	if !stored {
		out.Status = StatusSkipped
		return out
	}
	if err := p.store.Flush(); err != nil {
		logging.WarnWithContext(logger, "registry flush after transcript failed", "registry_flush_failed",
			logging.Fingerprint(string(item.Source)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "transcript is kept in memory and retried at stage end"))
	}
	out.Status = StatusTranscribed
	out.Text = text
	logger.Debug("transcribed",
		logging.String(logging.FieldContact, item.Contact),
		logging.Fingerprint(string(item.Source)),
		logging.Int("attempts", attempts),
		logging.Int("chars", len(text)))
	return out
}

func (p *Pipeline) transcribeWithRetry(ctx context.Context, logger *slog.Logger, item Item) (string, whisperapi.Result, int, error) {
	var lastErr error
	attempt := 0
	for attempt < p.opts.Attempts {
		attempt++
		result, err := p.attempt(ctx, item.Path)
		if err == nil {
			text := strings.TrimSpace(result.Text)
			if len([]rune(text)) >= p.opts.MinChars {
				p.metrics.APICall(ctx, "ok")
				return text, result, attempt, nil
			}
			err = fmt.Errorf("transcript shorter than %d characters: %w", p.opts.MinChars, whisperapi.ErrMalformedResponse)
		}
		p.metrics.APICall(ctx, callStatus(err))
		lastErr = err

		if !retryable(ctx, err) || attempt >= p.opts.Attempts {
			break
		}
		delay := Backoff(attempt, p.opts.BaseDelay, p.opts.MaxDelay)
		logger.Debug("retrying transcription",
			logging.Fingerprint(string(item.Source)),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err))
		p.metrics.Retries.Add(ctx, 1)
		if err := p.sleep(ctx, delay); err != nil {
			return "", whisperapi.Result{}, attempt, err
		}
	}
	if ctx.Err() != nil {
		return "", whisperapi.Result{}, attempt, ctx.Err()
	}
	kind := failures.TranscriptionFailed
	if errors.Is(lastErr, fs.ErrNotExist) {
		kind = failures.Unreadable
	}
	return "", whisperapi.Result{}, attempt, failures.New(kind, fmt.Sprintf("transcribe after %d attempts", attempt), item.Path, lastErr)
}

func (p *Pipeline) attempt(ctx context.Context, path string) (whisperapi.Result, error) {
	if p.opts.AttemptTimeout <= 0 {
		return p.transcriber.Transcribe(ctx, path)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
	defer cancel()
	return p.transcriber.Transcribe(attemptCtx, path)
}

func callStatus(err error) string {
	if code := whisperapi.StatusCode(err); code > 0 {
		return strconv.Itoa(code)
	}
	switch {
	case errors.Is(err, whisperapi.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func dedupe(items []Item) []Item {
	seen := make(map[fingerprint.Fingerprint]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if item.Source == "" || item.Path == "" {
			continue
		}
		if _, ok := seen[item.Source]; ok {
			continue
		}
		seen[item.Source] = struct{}{}
		out = append(out, item)
	}
	return out
}

func countStatus(outcomes []Outcome, status Status) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
