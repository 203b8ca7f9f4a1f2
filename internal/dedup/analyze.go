package dedup

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"voxmerge/internal/failures"
	"voxmerge/internal/fingerprint"
	"voxmerge/internal/logging"
	"voxmerge/internal/medianame"
	"voxmerge/internal/observe"
	"voxmerge/internal/workpool"
)

// Stage is the name used in summaries, metrics and logs.
const Stage = "dedup"

// File is one member of a duplicate group.
type File struct {
	Path      string              `json:"path"`
	Size      int64               `json:"size"`
	Direction medianame.Direction `json:"direction"`

	order int
}

// Group is a set of files sharing a fingerprint.
type Group struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Files       []File                  `json:"files"`
}

// Wasted returns the bytes reclaimable by keeping one copy.
func (g Group) Wasted() int64 {
	if len(g.Files) < 2 {
		return 0
	}
	return int64(len(g.Files)-1) * g.Files[0].Size
}

// Report is the duplicate analysis result.
type Report struct {
	GroupCount   int     `json:"group_count"`
	WastedBytes  int64   `json:"wasted_bytes"`
	Groups       []Group `json:"groups"`
	ScannedFiles int     `json:"scanned_files,omitempty"`
}

// Options configures an Analyzer.
type Options struct {
	Hasher  fingerprint.Hasher
	Workers int
	// Skip lists files and directories excluded from the walk, such as the
	// quarantine area and the registry document.
	Skip []string
}

// Analyzer walks a tree and groups files by content.
type Analyzer struct {
	opts    Options
	skip    map[string]struct{}
	logger  *slog.Logger
	metrics *observe.Metrics
}

// Option customises an Analyzer.
type Option func(*Analyzer)

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) { a.metrics = observe.OrNop(m) }
}

// NewAnalyzer constructs an analyzer.
func NewAnalyzer(opts Options, logger *slog.Logger, options ...Option) *Analyzer {
	a := &Analyzer{
		opts:    opts,
		skip:    make(map[string]struct{}, len(opts.Skip)),
		logger:  logging.NewComponentLogger(logger, Stage),
		metrics: observe.Nop(),
	}
	for _, p := range opts.Skip {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			a.skip[abs] = struct{}{}
		}
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

func (a *Analyzer) skipped(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if _, ok := a.skip[abs]; ok {
		return true
	}
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".part") || strings.HasSuffix(base, ".lock") || strings.Contains(base, ".corrupt-")
}

// Analyze fingerprints every regular file under root. Unreadable files are
// recorded in summary and left out of the report.
func (a *Analyzer) Analyze(ctx context.Context, root string, summary *failures.Summary) (Report, error) {
	if summary == nil {
		summary = failures.NewSummary()
	}
	start := time.Now()
	ctx = logging.WithStage(ctx, Stage)
	logger := logging.WithContext(ctx, a.logger)

	var files []File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			summary.Fail(Stage, failures.Unreadable, "", path, failures.New(failures.Unreadable, "walk", path, err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if a.skipped(path) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			summary.Fail(Stage, failures.Unreadable, "", path, failures.New(failures.Unreadable, "stat", path, err))
			return nil
		}
		files = append(files, File{
			Path:      path,
			Size:      info.Size(),
			Direction: medianame.DirectionOf(filepath.Base(path)),
			order:     len(files),
		})
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("walk %s: %w", root, err)
	}

	fps := make([]fingerprint.Fingerprint, len(files))
	indexed := make([]int, len(files))
	for i := range files {
		indexed[i] = i
	}
	runErr := workpool.Run(ctx, workpool.New(Stage, a.opts.Workers), indexed, func(ctx context.Context, i int) {
		fp, err := a.opts.Hasher.File(files[i].Path)
		if err != nil {
			summary.Fail(Stage, failures.Unreadable, "", files[i].Path, err)
			return
		}
		fps[i] = fp
	})
	if runErr != nil {
		return Report{}, runErr
	}

	report := buildReport(files, fps)
	report.ScannedFiles = len(files)
	a.metrics.DuplicateBytes.Add(ctx, report.WastedBytes)
	a.metrics.Stage(ctx, Stage, start)
	logger.Info("duplicate analysis finished",
		logging.String(logging.FieldPath, root),
		logging.Int("files", len(files)),
		logging.Int("groups", report.GroupCount),
		logging.Int64("wasted_bytes", report.WastedBytes),
		logging.Duration("elapsed", time.Since(start)))
	return report, nil
}

func buildReport(files []File, fps []fingerprint.Fingerprint) Report {
	byFP := make(map[fingerprint.Fingerprint][]File)
	var order []fingerprint.Fingerprint
	for i, f := range files {
		fp := fps[i]
		if fp == "" {
			continue
		}
		if _, ok := byFP[fp]; !ok {
			order = append(order, fp)
		}
		byFP[fp] = append(byFP[fp], f)
	}

	report := Report{Groups: []Group{}}
	for _, fp := range order {
		members := byFP[fp]
		if len(members) < 2 {
			continue
		}
		sort.SliceStable(members, func(i, j int) bool { return members[i].order < members[j].order })
		g := Group{Fingerprint: fp, Files: members}
		report.Groups = append(report.Groups, g)
		report.WastedBytes += g.Wasted()
	}
	report.GroupCount = len(report.Groups)
	return report
}
