package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"voxmerge/internal/failures"
	"voxmerge/internal/fileutil"
	"voxmerge/internal/fingerprint"
	"voxmerge/internal/logging"
	"voxmerge/internal/media/ffprobe"
	"voxmerge/internal/medianame"
	"voxmerge/internal/observe"
	"voxmerge/internal/registry"
	"voxmerge/internal/workpool"
)

// Stage is the name used in summaries, metrics and logs.
const Stage = "conversion"

// MinOutputBytes is the smallest artifact accepted as a real encoder result.
const MinOutputBytes int64 = 1000

// Encoder produces a converted artifact at dest from source.
type Encoder interface {
	Encode(ctx context.Context, source, dest string) error
}

// Prober inspects a finished artifact. It is optional.
type Prober interface {
	Inspect(ctx context.Context, path string) (ffprobe.Result, error)
}

// Source is one source media file to convert.
type Source struct {
	Fingerprint fingerprint.Fingerprint
	Path        string
	Contact     string
	Direction   medianame.Direction
	Size        int64
}

// Status is the per-item result.
type Status string

const (
	StatusConverted Status = "converted"
	StatusAdopted   Status = "adopted"
	StatusSkipped   Status = "skipped"
	StatusFiltered  Status = "filtered"
	StatusFailed    Status = "failed"
)

// Outcome reports what happened to one source.
type Outcome struct {
	Source        Source
	Status        Status
	Converted     fingerprint.Fingerprint
	ConvertedPath string
	Err           error
}

// Options configures the pipeline.
type Options struct {
	OutputDir       string
	Workers         int
	FlushEvery      int
	ConvertReceived bool
	ConvertSent     bool
	Hasher          fingerprint.Hasher
	MinOutputBytes  int64
}

// Pipeline converts sources with a bounded worker pool.
type Pipeline struct {
	store   *registry.Store
	encoder Encoder
	prober  Prober
	opts    Options
	logger  *slog.Logger
	metrics *observe.Metrics

	sinceFlush atomic.Int64
	destLocks  sync.Map
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithProber enables best-effort duration probing of artifacts.
func WithProber(prober Prober) Option {
	return func(p *Pipeline) { p.prober = prober }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = observe.OrNop(m) }
}

// New constructs a conversion pipeline.
func New(store *registry.Store, encoder Encoder, opts Options, logger *slog.Logger, options ...Option) *Pipeline {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 25
	}
	if opts.MinOutputBytes <= 0 {
		opts.MinOutputBytes = MinOutputBytes
	}
	p := &Pipeline{
		store:   store,
		encoder: encoder,
		opts:    opts,
		logger:  logging.NewComponentLogger(logger, Stage),
		metrics: observe.Nop(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// OutputPath returns the deterministic artifact path for a source.
func (p *Pipeline) OutputPath(src Source) string {
	return filepath.Join(
		p.opts.OutputDir,
		medianame.ContactDir(src.Contact),
		"audio_mp3",
		medianame.ConvertedName(filepath.Base(src.Path), src.Direction),
	)
}

// Run converts every eligible source. Sources sharing a fingerprint are
// processed once. Per-item failures are reported in the outcomes and the
// summary; only context cancellation or a final flush error is returned.
func (p *Pipeline) Run(ctx context.Context, sources []Source, summary *failures.Summary) ([]Outcome, error) {
	if summary == nil {
		summary = failures.NewSummary()
	}
	start := time.Now()
	ctx = logging.WithStage(ctx, Stage)
	logger := logging.WithContext(ctx, p.logger)

	unique := dedupe(sources)
	outcomes := make([]Outcome, len(unique))
	indexed := make([]int, len(unique))
	for i := range unique {
		indexed[i] = i
	}

	runErr := workpool.Run(ctx, workpool.New(Stage, p.opts.Workers), indexed, func(ctx context.Context, i int) {
		outcome := p.convertOne(ctx, unique[i])
		outcomes[i] = outcome
		p.metrics.Outcome(ctx, Stage, string(outcome.Status))
		switch outcome.Status {
		case StatusConverted, StatusAdopted:
			summary.Succeeded(Stage)
			p.maybeFlush(logger)
		case StatusSkipped, StatusFiltered:
			summary.Skipped(Stage)
		case StatusFailed:
			if ctx.Err() != nil {
				return
			}
			summary.Fail(Stage, failures.ConversionFailed, string(outcome.Source.Fingerprint), outcome.Source.Path, outcome.Err)
			logger.Warn("conversion failed",
				logging.String(logging.FieldEventType, "conversion_failed"),
				logging.String(logging.FieldContact, outcome.Source.Contact),
				logging.String(logging.FieldPath, outcome.Source.Path),
				logging.Fingerprint(string(outcome.Source.Fingerprint)),
				logging.Error(outcome.Err),
				logging.String(logging.FieldErrorHint, failures.ConversionFailed.Remediation()),
				logging.String(logging.FieldImpact, "message audio stays untranscribed until a later run succeeds"))
		}
	})

	flushErr := p.store.Flush()
	p.metrics.Stage(ctx, Stage, start)
	logger.Info("conversion stage finished",
		logging.Int("sources", len(unique)),
		logging.Int("converted", countStatus(outcomes, StatusConverted)),
		logging.Int("adopted", countStatus(outcomes, StatusAdopted)),
		logging.Int("skipped", countStatus(outcomes, StatusSkipped)),
		logging.Int("failed", countStatus(outcomes, StatusFailed)),
		logging.Duration("elapsed", time.Since(start)))

	if runErr != nil {
		return outcomes, runErr
	}
	if flushErr != nil {
		return outcomes, flushErr
	}
	return outcomes, nil
}

func (p *Pipeline) wanted(dir medianame.Direction) bool {
	switch dir {
	case medianame.Sent:
		return p.opts.ConvertSent
	default:
		return p.opts.ConvertReceived
	}
}

func (p *Pipeline) convertOne(ctx context.Context, src Source) Outcome {
	out := Outcome{Source: src}
	if src.Direction == medianame.Unknown {
		src.Direction = medianame.DirectionOf(filepath.Base(src.Path))
		out.Source = src
	}
	if !p.wanted(src.Direction) {
		out.Status = StatusFiltered
		return out
	}
	if _, ok := p.store.Lookup(src.Fingerprint); !ok {
		if _, err := p.store.RecordSource(registry.SourceObservation{
			Fingerprint: src.Fingerprint,
			Path:        src.Path,
			Contact:     src.Contact,
			Direction:   src.Direction,
			Kind:        "audio",
			Size:        src.Size,
		}); err != nil {
			return p.fail(out, err)
		}
	}

	if rec, ok := p.store.Conversion(src.Fingerprint); ok {
		_, hasTranscript := p.store.Transcript(src.Fingerprint)
		if hasTranscript || fileutil.SizeAbove(rec.ConvertedPath, 0) {
			out.Status = StatusSkipped
			out.Converted = rec.Converted
			out.ConvertedPath = rec.ConvertedPath
			return out
		}
		p.logger.Info("mapped artifact missing, converting again",
			logging.String(logging.FieldPath, rec.ConvertedPath),
			logging.Fingerprint(string(src.Fingerprint)))
	}

	dest := p.OutputPath(src)
	unlock := p.lockDest(dest)
	defer unlock()

	if fileutil.SizeAbove(dest, p.opts.MinOutputBytes) {
		converted, err := p.opts.Hasher.File(dest)
		if err != nil {
			return p.fail(out, err)
		}
		if owner, ok := p.store.Lookup(converted); ok && owner.Role == registry.RoleConverted && owner.SourceFingerprint != "" && owner.SourceFingerprint != src.Fingerprint {
			unique, err := fileutil.UniquePath(filepath.Dir(dest), filepath.Base(dest))
			if err != nil {
				return p.fail(out, err)
			}
			dest = unique
		} else {
			if err := p.store.RecordConversion(src.Fingerprint, dest, converted); err != nil {
				return p.fail(out, err)
			}
			out.Status = StatusAdopted
			out.Converted = converted
			out.ConvertedPath = dest
			return out
		}
	}

	converted, err := p.encode(ctx, src, dest)
	if err != nil {
		return p.fail(out, err)
	}
	if err := p.store.RecordConversion(src.Fingerprint, dest, converted); err != nil {
		return p.fail(out, err)
	}
	p.probe(ctx, converted, dest)

	out.Status = StatusConverted
	out.Converted = converted
	out.ConvertedPath = dest
	p.logger.Debug("converted",
		logging.String(logging.FieldContact, src.Contact),
		logging.String(logging.FieldPath, dest),
		logging.Fingerprint(string(src.Fingerprint)))
	return out
}

func (p *Pipeline) encode(ctx context.Context, src Source, dest string) (fingerprint.Fingerprint, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", failures.New(failures.ConversionFailed, "create output directory", dest, err)
	}
	tmp := dest + "." + src.Fingerprint.Short(8) + ".part"
	_ = os.Remove(tmp)

	p.metrics.EncoderCalls.Add(ctx, 1)
	if err := p.encoder.Encode(ctx, src.Path, tmp); err != nil {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", failures.New(failures.ConversionFailed, "encode", src.Path, err)
	}
	if !fileutil.SizeAbove(tmp, p.opts.MinOutputBytes) {
		_ = os.Remove(tmp)
		return "", failures.New(failures.ConversionFailed, "encode", src.Path,
			fmt.Errorf("encoder output missing or not larger than %d bytes", p.opts.MinOutputBytes))
	}
	converted, err := p.opts.Hasher.File(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return "", failures.New(failures.ConversionFailed, "fingerprint artifact", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", failures.New(failures.ConversionFailed, "finalize artifact", dest, err)
	}
	return converted, nil
}

func (p *Pipeline) probe(ctx context.Context, converted fingerprint.Fingerprint, path string) {
	if p.prober == nil {
		return
	}
	result, err := p.prober.Inspect(ctx, path)
	if err != nil {
		p.logger.Debug("artifact probe failed", logging.String(logging.FieldPath, path), logging.Error(err))
		return
	}
	seconds := result.DurationSeconds()
	p.store.SetDuration(converted, seconds)
	p.logger.Debug("artifact probed", logging.String(logging.FieldPath, path), logging.Float64("duration_seconds", seconds))
}

func (p *Pipeline) fail(out Outcome, err error) Outcome {
	if _, ok := failures.KindOf(err); !ok && !errors.Is(err, context.Canceled) {
		err = failures.New(failures.ConversionFailed, "convert", out.Source.Path, err)
	}
	out.Status = StatusFailed
	out.Err = err
	return out
}

func (p *Pipeline) maybeFlush(logger *slog.Logger) {
	if p.sinceFlush.Add(1)%int64(p.opts.FlushEvery) != 0 {
		return
	}
	if err := p.store.Flush(); err != nil {
		logging.WarnWithContext(logger, "periodic registry flush failed", "registry_flush_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "progress since the last flush is at risk until the stage ends"))
	}
}

// lockDest serialises work on one output path.
func (p *Pipeline) lockDest(dest string) func() {
	value, _ := p.destLocks.LoadOrStore(dest, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func dedupe(sources []Source) []Source {
	seen := make(map[fingerprint.Fingerprint]struct{}, len(sources))
	out := make([]Source, 0, len(sources))
	for _, src := range sources {
		if src.Fingerprint == "" {
			continue
		}
		if _, ok := seen[src.Fingerprint]; ok {
			continue
		}
		seen[src.Fingerprint] = struct{}{}
		out = append(out, src)
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
