package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"voxmerge/internal/pipeline"
	"voxmerge/internal/preflight"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var skipTranscription bool

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Scan the media root, convert and transcribe new voice messages",
		Long: "Scan the media root, record every audio file in the registry, convert\n" +
			"each distinct payload once and transcribe it once. Files handled by an\n" +
			"earlier run are skipped.",
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			checks := []preflight.Result{
				preflight.CheckDirectoryAccess("Media root", cfg.Paths.MediaRoot, false),
				preflight.CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir, true),
			}
			if err := preflight.Error(checks); err != nil {
				return err
			}

			runner, err := ctx.newRunner(true)
			if err != nil {
				return err
			}
			report, err := runner.Process(cmd.Context(), pipeline.ProcessOptions{SkipTranscription: skipTranscription})
			if ctx.jsonOutput() {
				if jerr := writeJSON(cmd, runJSON(report.Run)); jerr != nil && err == nil {
					err = jerr
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Audio files found: %d\n", report.Sources)
			printSummary(out, report.Run)
			return err
		}),
	}

	cmd.Flags().BoolVar(&skipTranscription, "skip-transcription", false, "Stop after conversion")
	return cmd
}
