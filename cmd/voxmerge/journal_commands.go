package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"voxmerge/internal/failures"
	"voxmerge/internal/journal"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var prune int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the journal",
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			store, err := ctx.requireJournal()
			if err != nil {
				return err
			}
			if prune > 0 {
				removed, err := store.Prune(cmd.Context(), prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Pruned %d runs\n", removed)
			}
			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID,
					r.Command,
					string(r.Status),
					humanize.Time(r.StartedAt),
					strconv.Itoa(r.FailureCount),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Run", "Command", "Status", "Started", "Failures"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	cmd.Flags().IntVar(&prune, "prune", 0, "Delete all but the N most recent runs first")
	return cmd
}

func newFailuresCommand(ctx *commandContext) *cobra.Command {
	var runID string
	var kind string
	var limit int

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List failed items of a run (default: the latest run with failures)",
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			filter := journal.FailureFilter{RunID: strings.TrimSpace(runID), Limit: limit}
			if k := strings.TrimSpace(kind); k != "" {
				if !slices.Contains(failures.Kinds, failures.Kind(k)) {
					return fmt.Errorf("unknown failure kind %q", k)
				}
				filter.Kind = failures.Kind(k)
			}
			store, err := ctx.requireJournal()
			if err != nil {
				return err
			}
			items, err := store.Failures(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No failures recorded")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for _, f := range items {
				rows = append(rows, []string{f.Stage, string(f.Kind), shortFingerprint(f.Fingerprint), f.Path, f.Detail})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s\n", items[0].RunID)
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Stage", "Kind", "Fingerprint", "Path", "Detail"},
				rows,
				nil,
			))
			return nil
		}),
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run identifier")
	cmd.Flags().StringVar(&kind, "kind", "", "Only show failures of this kind")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of failures to show")
	return cmd
}
