package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"voxmerge/internal/conversion"
	"voxmerge/internal/failures"
	"voxmerge/internal/fingerprint"
	"voxmerge/internal/logging"
	"voxmerge/internal/medianame"
	"voxmerge/internal/registry"
	"voxmerge/internal/workpool"
)

// ScanStage is the summary name for media discovery.
const ScanStage = "scan"

// ScanOptions configures Scan.
type ScanOptions struct {
	Hasher  fingerprint.Hasher
	Workers int
	// Skip lists directories excluded from the walk.
	Skip []string
}

type candidate struct {
	path    string
	contact string
	size    int64
}

// Scan walks root for audio files, fingerprints them and records each one as
// a source observation. The contact is the first directory below root; the
// direction comes from the file name prefix. Unreadable files are recorded
// in summary and left out of the result.
func Scan(ctx context.Context, root string, opts ScanOptions, store *registry.Store, logger *slog.Logger, summary *failures.Summary) ([]conversion.Source, error) {
	if summary == nil {
		summary = failures.NewSummary()
	}
	logger = logging.NewComponentLogger(logger, ScanStage)
	skip := make(map[string]struct{}, len(opts.Skip))
	for _, dir := range opts.Skip {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil {
			skip[abs] = struct{}{}
		}
	}

	var found []candidate
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			summary.Fail(ScanStage, failures.Unreadable, "", path, failures.New(failures.Unreadable, "walk", path, err))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if abs, absErr := filepath.Abs(path); absErr == nil && path != root {
				if _, ok := skip[abs]; ok {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !d.Type().IsRegular() || !medianame.IsAudio(d.Name()) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			summary.Fail(ScanStage, failures.Unreadable, "", path, failures.New(failures.Unreadable, "stat", path, infoErr))
			return nil
		}
		found = append(found, candidate{path: path, contact: contactOf(root, path), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	fps := make([]fingerprint.Fingerprint, len(found))
	indexed := make([]int, len(found))
	for i := range found {
		indexed[i] = i
	}
	runErr := workpool.Run(ctx, workpool.New(ScanStage, opts.Workers), indexed, func(_ context.Context, i int) {
		fp, hashErr := opts.Hasher.File(found[i].path)
		if hashErr != nil {
			summary.Fail(ScanStage, failures.Unreadable, "", found[i].path, hashErr)
			return
		}
		fps[i] = fp
	})
	if runErr != nil {
		return nil, runErr
	}

	sources := make([]conversion.Source, 0, len(found))
	for i, c := range found {
		if fps[i] == "" {
			continue
		}
		dir := medianame.DirectionOf(filepath.Base(c.path))
		if _, recErr := store.RecordSource(registry.SourceObservation{
			Fingerprint: fps[i],
			Path:        c.path,
			Contact:     c.contact,
			Direction:   dir,
			Kind:        "audio",
			Size:        c.size,
		}); recErr != nil {
			summary.Fail(ScanStage, failures.RegistryCorrupt, string(fps[i]), c.path, recErr)
			continue
		}
		summary.Succeeded(ScanStage)
		sources = append(sources, conversion.Source{
			Fingerprint: fps[i],
			Path:        c.path,
			Contact:     c.contact,
			Direction:   dir,
			Size:        c.size,
		})
	}

	logger.Info("media scan finished",
		logging.String(logging.FieldPath, root),
		logging.Int("audio_files", len(sources)),
		logging.Int("unreadable", summary.Stage(ScanStage).Failed))
	if errors.Is(ctx.Err(), context.Canceled) {
		return sources, ctx.Err()
	}
	return sources, nil
}

// contactOf returns the first path segment of path below root, or "" for
// files directly under root.
func contactOf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}
