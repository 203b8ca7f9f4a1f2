package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"voxmerge/internal/dedup"
	"voxmerge/internal/pipeline"
)

func newDupesCommand(ctx *commandContext) *cobra.Command {
	dupesCmd := &cobra.Command{
		Use:   "dupes",
		Short: "Find and quarantine byte-identical media files",
	}
	dupesCmd.AddCommand(newDupesReportCommand(ctx))
	dupesCmd.AddCommand(newDupesCleanCommand(ctx))
	return dupesCmd
}

func newDupesReportCommand(ctx *commandContext) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "List groups of identical files and the space they waste",
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			runner, err := ctx.newRunner(false)
			if err != nil {
				return err
			}
			report, err := runner.Dupes(cmd.Context(), pipeline.DupesOptions{Root: root})
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, report.Report)
			}
			printDupesReport(cmd.OutOrStdout(), report.Report)
			return nil
		}),
	}
	cmd.Flags().StringVar(&root, "root", "", "Directory to analyze (defaults to paths.media_root)")
	return cmd
}

func newDupesCleanCommand(ctx *commandContext) *cobra.Command {
	var root string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Move all but one copy of each duplicate group into quarantine",
		Long: "Keep one copy of each group (received over sent, direction-prefixed over\n" +
			"bare names, transcribed over untranscribed) and move the rest into the\n" +
			"quarantine directory. Nothing is deleted.",
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			runner, err := ctx.newRunner(false)
			if err != nil {
				return err
			}
			report, err := runner.Dupes(cmd.Context(), pipeline.DupesOptions{Root: root, Clean: true, DryRun: dryRun})
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, report.Clean)
			}
			out := cmd.OutOrStdout()
			printDupesReport(out, report.Report)
			if report.Clean != nil {
				printCleanResult(out, *report.Clean)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&root, "root", "", "Directory to clean (defaults to paths.media_root)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show the planned moves without touching any file")
	return cmd
}

func printDupesReport(w io.Writer, report dedup.Report) {
	fmt.Fprintf(w, "Scanned %d files: %d duplicate groups, %s reclaimable\n",
		report.ScannedFiles, report.GroupCount, humanize.IBytes(uint64(report.WastedBytes)))
	if report.GroupCount == 0 {
		return
	}
	rows := make([][]string, 0, len(report.Groups))
	for _, g := range report.Groups {
		rows = append(rows, []string{
			shortFingerprint(string(g.Fingerprint)),
			strconv.Itoa(len(g.Files)),
			humanize.IBytes(uint64(g.Files[0].Size)),
			humanize.IBytes(uint64(g.Wasted())),
			g.Files[0].Path,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Fingerprint", "Copies", "Size", "Wasted", "First path"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft},
	))
}

func printCleanResult(w io.Writer, result dedup.CleanResult) {
	verb := "Moved"
	if result.DryRun {
		verb = "Would move"
	}
	fmt.Fprintf(w, "%s %d files (%s)\n", verb, len(result.Moves), humanize.IBytes(uint64(result.ReclaimedBytes)))
	for _, m := range result.Moves {
		fmt.Fprintf(w, "  %s -> %s\n", m.From, m.To)
	}
	if result.Failed > 0 {
		fmt.Fprintf(w, "%d moves failed; see the log\n", result.Failed)
	}
}
