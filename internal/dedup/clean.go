package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxmerge/internal/failures"
	"voxmerge/internal/fileutil"
	"voxmerge/internal/fingerprint"
	"voxmerge/internal/logging"
	"voxmerge/internal/medianame"
	"voxmerge/internal/registry"
)

// ReadmeName is the explanatory file written into the quarantine root.
const ReadmeName = "README.txt"

const readme = `voxmerge duplicate quarantine

Every directory here is named after the first characters of a content
fingerprint. The files inside are byte-identical copies of a file that was
kept in the media tree; they were moved here by "voxmerge dupes clean".

Nothing in this directory is used by voxmerge. Review it, then delete it
yourself once you are satisfied the kept copies are correct.
`

// TranscriptCheck reports whether the file at path has its own transcript.
type TranscriptCheck func(path string, fp fingerprint.Fingerprint) bool

// CleanOptions configures Clean.
type CleanOptions struct {
	QuarantineDir string
	DryRun        bool
	// HasTranscript overrides the default check built from the registry and
	// sidecar transcription files.
	HasTranscript TranscriptCheck
}

// Move is one relocation, planned or done.
type Move struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	From        string                  `json:"from"`
	To          string                  `json:"to"`
	Size        int64                   `json:"size"`
}

// CleanResult reports what Clean did, or would do in dry-run mode.
type CleanResult struct {
	DryRun         bool     `json:"dry_run"`
	Kept           []string `json:"kept"`
	Moves          []Move   `json:"moves"`
	ReclaimedBytes int64    `json:"reclaimed_bytes"`
	Failed         int      `json:"failed"`
}

// Keeper returns the index of the file to keep. Preference, strongest first:
// received over sent, direction-prefixed names over bare ones, files with
// their own transcript over files without; remaining ties go to the file
// seen first.
func Keeper(g Group, hasTranscript TranscriptCheck) int {
	best := 0
	var bestRank keeperRank
	for i, f := range g.Files {
		rank := rankFile(f.Path, g.Fingerprint, hasTranscript)
		if i == 0 || rank.beats(bestRank) {
			best, bestRank = i, rank
		}
	}
	return best
}

type keeperRank struct {
	received      bool
	prefixed      bool
	hasTranscript bool
}

func rankFile(path string, fp fingerprint.Fingerprint, hasTranscript TranscriptCheck) keeperRank {
	name := filepath.Base(path)
	return keeperRank{
		received:      medianame.DirectionOf(name) == medianame.Received,
		prefixed:      medianame.HasDirectionPrefix(name),
		hasTranscript: hasTranscript != nil && hasTranscript(path, fp),
	}
}

// beats compares field by field; equal ranks keep the earlier file.
func (r keeperRank) beats(o keeperRank) bool {
	if r.received != o.received {
		return r.received
	}
	if r.prefixed != o.prefixed {
		return r.prefixed
	}
	return r.hasTranscript && !o.hasTranscript
}

// RegistryTranscriptCheck treats a file as transcribed when the registry holds
// a transcript for its content and tracks it under this very path, or when a
// sidecar transcription file sits next to it.
func RegistryTranscriptCheck(store *registry.Store) TranscriptCheck {
	return func(path string, fp fingerprint.Fingerprint) bool {
		if store != nil {
			if _, ok := store.Transcript(fp); ok {
				if entry, ok := store.Lookup(fp); ok && samePath(entry.Path, path) {
					return true
				}
			}
		}
		return hasSidecarTranscript(path)
	}
}

func hasSidecarTranscript(path string) bool {
	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for _, base := range []string{dir, filepath.Dir(dir)} {
		for _, name := range []string{stem + ".txt", stem + "_transcription.txt"} {
			if info, err := os.Stat(filepath.Join(base, "transcriptions", name)); err == nil && info.Mode().IsRegular() {
				return true
			}
		}
	}
	return false
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

// Clean keeps one file per group and moves the rest into the quarantine
// directory. Per-file move failures are recorded in summary and leave that
// file in place. When store is set, registry paths that pointed at a moved
// copy are updated to the kept one.
func Clean(ctx context.Context, report Report, store *registry.Store, opts CleanOptions, logger *slog.Logger, summary *failures.Summary) (CleanResult, error) {
	if strings.TrimSpace(opts.QuarantineDir) == "" {
		return CleanResult{}, errors.New("clean duplicates: quarantine directory not set")
	}
	if summary == nil {
		summary = failures.NewSummary()
	}
	logger = logging.NewComponentLogger(logger, Stage)
	hasTranscript := opts.HasTranscript
	if hasTranscript == nil {
		hasTranscript = RegistryTranscriptCheck(store)
	}

	result := CleanResult{DryRun: opts.DryRun, Kept: []string{}, Moves: []Move{}}
	if !opts.DryRun && report.GroupCount > 0 {
		if err := writeReadme(opts.QuarantineDir); err != nil {
			return result, err
		}
	}

	reserved := make(map[string]struct{})
	taken := func(path string) (bool, error) {
		if _, ok := reserved[path]; ok {
			return true, nil
		}
		_, err := os.Lstat(path)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	for _, g := range report.Groups {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if len(g.Files) < 2 {
			continue
		}
		keep := Keeper(g, hasTranscript)
		kept := g.Files[keep]
		result.Kept = append(result.Kept, kept.Path)

		dir := filepath.Join(opts.QuarantineDir, g.Fingerprint.Short(8))
		for i, f := range g.Files {
			if i == keep {
				continue
			}
			dest, err := fileutil.UniquePathFunc(dir, filepath.Base(f.Path), taken)
			if err != nil {
				result.Failed++
				summary.Fail(Stage, failures.Unreadable, string(g.Fingerprint), f.Path, err)
				continue
			}
			move := Move{Fingerprint: g.Fingerprint, From: f.Path, To: dest, Size: f.Size}
			if opts.DryRun {
				reserved[dest] = struct{}{}
				result.Moves = append(result.Moves, move)
				result.ReclaimedBytes += f.Size
				continue
			}
			if err := fileutil.MoveFile(f.Path, dest); err != nil {
				result.Failed++
				summary.Fail(Stage, failures.Unreadable, string(g.Fingerprint), f.Path, err)
				logging.WarnWithContext(logger, "quarantine move failed", "dedup_move_failed",
					logging.String(logging.FieldPath, f.Path),
					logging.String("destination", dest),
					logging.Error(err),
					logging.String(logging.FieldImpact, "duplicate stays in the media tree"))
				continue
			}
			result.Moves = append(result.Moves, move)
			result.ReclaimedBytes += f.Size
			summary.Succeeded(Stage)
			logger.Debug("duplicate quarantined",
				logging.Fingerprint(string(g.Fingerprint)),
				logging.String(logging.FieldPath, f.Path),
				logging.String("destination", dest))
		}
		if !opts.DryRun && store != nil {
			repointRegistry(store, g.Fingerprint, kept.Path, result.Moves, logger)
		}
	}

	if !opts.DryRun && store != nil {
		if err := store.Flush(); err != nil {
			return result, fmt.Errorf("flush registry after cleanup: %w", err)
		}
	}
	logger.Info("duplicate cleanup finished",
		logging.Bool("dry_run", opts.DryRun),
		logging.Int("groups", len(result.Kept)),
		logging.Int("moved", len(result.Moves)),
		logging.Int("failed", result.Failed),
		logging.Int64("reclaimed_bytes", result.ReclaimedBytes))
	return result, nil
}

// repointRegistry moves a registry entry that tracked a quarantined copy over
// to the kept copy.
func repointRegistry(store *registry.Store, fp fingerprint.Fingerprint, keptPath string, moves []Move, logger *slog.Logger) {
	entry, ok := store.Lookup(fp)
	if !ok {
		return
	}
	for _, m := range moves {
		if m.Fingerprint != fp || !samePath(m.From, entry.Path) {
			continue
		}
		if _, err := store.RecordSource(registry.SourceObservation{
			Fingerprint: fp,
			Path:        keptPath,
			Contact:     entry.Contact,
			Direction:   entry.Direction,
			Kind:        entry.Kind,
			Size:        entry.Size,
		}); err != nil {
			logger.Warn("registry path update failed", logging.Fingerprint(string(fp)), logging.Error(err))
		}
		return
	}
}

func writeReadme(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create quarantine directory: %w", err)
	}
	path := filepath.Join(dir, ReadmeName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := readme + "\nCreated " + time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := fileutil.WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write quarantine readme: %w", err)
	}
	return nil
}
