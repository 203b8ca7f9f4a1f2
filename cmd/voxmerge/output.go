package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"voxmerge/internal/failures"
	"voxmerge/internal/observe"
	"voxmerge/internal/pipeline"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

type summaryJSON struct {
	RunID    string                          `json:"run_id"`
	Command  string                          `json:"command"`
	Status   string                          `json:"status"`
	Elapsed  string                          `json:"elapsed"`
	Stages   map[string]failures.StageCounts `json:"stages"`
	Failures []failures.Item                 `json:"failures"`
}

func runJSON(run pipeline.Run) summaryJSON {
	out := summaryJSON{
		RunID:    run.ID,
		Command:  run.Command,
		Status:   string(run.Status),
		Elapsed:  elapsed(run),
		Stages:   map[string]failures.StageCounts{},
		Failures: []failures.Item{},
	}
	if run.Summary != nil {
		for _, name := range run.Summary.Stages() {
			out.Stages[name] = run.Summary.Stage(name)
		}
		out.Failures = append(out.Failures, run.Summary.Items()...)
	}
	return out
}

// printSummary writes the end-of-run summary: per-stage counts, then
// failures grouped by kind with the remediation for each.
func printSummary(w io.Writer, run pipeline.Run) {
	fmt.Fprintf(w, "Run %s (%s) %s in %s\n", run.ID, run.Command, run.Status, elapsed(run))
	if run.Summary == nil {
		return
	}
	stages := run.Summary.Stages()
	if len(stages) > 0 {
		rows := make([][]string, 0, len(stages))
		for _, name := range stages {
			c := run.Summary.Stage(name)
			rows = append(rows, []string{name, strconv.Itoa(c.Succeeded), strconv.Itoa(c.Skipped), strconv.Itoa(c.Failed)})
		}
		fmt.Fprintln(w, renderTable(
			[]string{"Stage", "Done", "Skipped", "Failed"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
		))
	}
	counts := run.Summary.Counts()
	if len(counts) == 0 {
		return
	}
	rows := make([][]string, 0, len(counts))
	for _, kind := range failures.Kinds {
		if n := counts[kind]; n > 0 {
			rows = append(rows, []string{string(kind), strconv.Itoa(n), kind.Remediation()})
		}
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Failure", "Count", "What to do"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft},
	))
	fmt.Fprintf(w, "Run `voxmerge failures --run %s` to list the affected files.\n", run.ID)
}

func elapsed(run pipeline.Run) string {
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func renderMetrics(points []observe.Point) string {
	rows := make([][]string, 0, len(points))
	for _, p := range points {
		value := strconv.FormatFloat(p.Value, 'f', -1, 64)
		if p.Count > 0 {
			value = fmt.Sprintf("%d obs, %.2fs total", p.Count, p.Value)
		}
		rows = append(rows, []string{p.Name, p.Attributes, value})
	}
	return renderTable([]string{"Metric", "Attributes", "Value"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight})
}

func shortFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
