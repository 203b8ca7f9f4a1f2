package preflight

import (
	"context"
	"fmt"
	"strings"

	"voxmerge/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Options selects the optional checks of RunAll.
type Options struct {
	// CheckAPI probes the speech-to-text endpoint.
	CheckAPI bool
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config, opts Options) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Media root", cfg.Paths.MediaRoot, false))
	results = append(results, CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir, true))

	if cfg.Conversion.MinFreeMiB > 0 {
		results = append(results, CheckFreeSpace("Output free space", cfg.Paths.OutputDir, uint64(cfg.Conversion.MinFreeMiB)))
	}

	if opts.CheckAPI {
		results = append(results, CheckTranscriptionAPI(ctx, cfg))
	}

	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Error folds failed results into one error, or nil when all passed.
func Error(results []Result) error {
	failed := Failed(results)
	if len(failed) == 0 {
		return nil
	}
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, r.Name+": "+r.Detail)
	}
	return fmt.Errorf("preflight failed: %s", strings.Join(parts, "; "))
}
