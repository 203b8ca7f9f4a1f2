package fusion

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"voxmerge/internal/failures"
	"voxmerge/internal/logging"
	"voxmerge/internal/medianame"
	"voxmerge/internal/observe"
)

// Stage is the name used in summaries, metrics and logs.
const Stage = "fusion"

// Marker forms written into message text.
const (
	AudioMarker          = "[AUDIO]"
	TranscribedMarker    = "[AUDIO TRANSCRIT]"
	NotTranscribedMarker = "[AUDIO NON TRANSCRIT]"
)

// ErrNoMatch reports a reference no strategy could resolve.
var ErrNoMatch = errors.New("no transcript matched reference")

var (
	markerPattern   = regexp.MustCompile(`\[AUDIO\](?:[ \t]+([^\n\[\]]+))?`)
	audioRefPattern = regexp.MustCompile(`(?i)^(.*?\.(?:opus|mp3|m4a|wav|ogg|aac|flac|wma|webm|amr))(?:\s|$)`)
)

// Options configures an Engine.
type Options struct {
	CrossContactSearch bool
	// Matchers overrides the default cascade.
	Matchers []Matcher
}

// Stats summarises one fusion pass.
type Stats struct {
	Messages       int            `json:"messages"`
	References     int            `json:"references"`
	Transcribed    int            `json:"transcribed"`
	NotTranscribed int            `json:"not_transcribed"`
	ByStrategy     map[string]int `json:"by_strategy"`
}

// Engine resolves references against an Index.
type Engine struct {
	index    *Index
	matchers []Matcher
	logger   *slog.Logger
	metrics  *observe.Metrics
}

// Option customises an Engine.
type Option func(*Engine)

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = observe.OrNop(m) }
}

// NewEngine constructs an engine over idx.
func NewEngine(idx *Index, opts Options, logger *slog.Logger, options ...Option) *Engine {
	matchers := opts.Matchers
	if len(matchers) == 0 {
		matchers = DefaultMatchers(opts.CrossContactSearch)
	}
	if idx == nil {
		idx = NewIndex(1)
	}
	e := &Engine{
		index:    idx,
		matchers: matchers,
		logger:   logging.NewComponentLogger(logger, Stage),
		metrics:  observe.Nop(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Resolve runs the cascade for one reference and returns the resolution and
// the transcript text, if any.
func (e *Engine) Resolve(ctx context.Context, ref Reference) (Resolution, string) {
	res := Resolution{Reference: ref.Raw}
	if !ref.Unknown() {
		for _, m := range e.matchers {
			text, ok := m.Match(e.index, ref)
			if !ok || strings.TrimSpace(text) == "" {
				continue
			}
			text = strings.TrimSpace(text)
			res.Strategy = m.Name()
			res.Transcribed = true
			res.Marker = TranscribedMarker + ` "` + text + `"`
			e.metrics.Resolved(ctx, res.Strategy)
			return res, text
		}
	}
	res.Marker = notTranscribed(ref)
	e.metrics.Resolved(ctx, "unresolved")
	return res, ""
}

func notTranscribed(ref Reference) string {
	if ref.Unknown() {
		return NotTranscribedMarker
	}
	return NotTranscribedMarker + " " + ref.Raw
}

// Fuse resolves every reference in messages and returns enriched copies.
// Unresolved references are recorded in summary as ambiguous; fusion never
// fails.
func (e *Engine) Fuse(ctx context.Context, messages []Message, summary *failures.Summary) ([]Message, Stats) {
	if summary == nil {
		summary = failures.NewSummary()
	}
	ctx = logging.WithStage(ctx, Stage)
	logger := logging.WithContext(ctx, e.logger)
	stats := Stats{Messages: len(messages), ByStrategy: make(map[string]int)}

	out := make([]Message, len(messages))
	for i, msg := range messages {
		memo := make(map[string]resolved)
		resolve := func(raw string) resolved {
			if r, ok := memo[raw]; ok {
				return r
			}
			ref := NewReference(raw, msg.Contact, msg.Direction)
			res, text := e.Resolve(ctx, ref)
			r := resolved{res: res, text: text}
			memo[raw] = r

			stats.References++
			if res.Transcribed {
				stats.Transcribed++
				stats.ByStrategy[res.Strategy]++
				summary.Succeeded(Stage)
				return r
			}
			stats.NotTranscribed++
			summary.Fail(Stage, failures.AmbiguousReference, "", ref.Raw,
				failures.New(failures.AmbiguousReference, "resolve reference for "+msg.Contact, ref.Raw, ErrNoMatch))
			logger.Debug("reference not resolved",
				logging.String(logging.FieldContact, msg.Contact),
				logging.String("reference", ref.Raw))
			return r
		}

		msg.Text = rewriteMarkers(msg.Text, msg.AudioReference, resolve)
		if strings.TrimSpace(msg.AudioReference) != "" {
			r := resolve(msg.AudioReference)
			res := r.res
			msg.Transcript = r.text
			msg.Audio = res.Marker
			msg.Resolution = &res
		}
		out[i] = msg
	}

	logger.Info("fusion finished",
		logging.Int("messages", stats.Messages),
		logging.Int("references", stats.References),
		logging.Int("transcribed", stats.Transcribed),
		logging.Int("not_transcribed", stats.NotTranscribed))
	return out, stats
}

type resolved struct {
	res  Resolution
	text string
}

// RewriteText rewrites every audio marker in text. A marker without its own
// reference uses fallback.
func (e *Engine) RewriteText(ctx context.Context, contact string, dir medianame.Direction, text, fallback string) string {
	return rewriteMarkers(text, fallback, func(raw string) resolved {
		res, transcript := e.Resolve(ctx, NewReference(raw, contact, dir))
		return resolved{res: res, text: transcript}
	})
}

func rewriteMarkers(text, fallback string, resolve func(string) resolved) string {
	matches := markerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		end := m[1]
		raw := ""
		if m[2] >= 0 {
			var rest string
			raw, rest = splitReference(text[m[2]:m[3]])
			end = m[3] - len(rest)
		}
		if raw == "" {
			raw = fallback
		}
		b.WriteString(resolve(raw).res.Marker)
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

// splitReference separates the file reference at the start of captured from
// any text following it on the same line.
func splitReference(captured string) (ref, rest string) {
	if m := audioRefPattern.FindStringSubmatch(captured); m != nil {
		return strings.TrimSpace(m[1]), captured[len(m[1]):]
	}
	trimmed := strings.TrimRight(captured, " \t")
	if i := strings.IndexAny(trimmed, " \t"); i >= 0 {
		return trimmed[:i], captured[i:]
	}
	return trimmed, captured[len(trimmed):]
}
