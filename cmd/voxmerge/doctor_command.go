package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"voxmerge/internal/deps"
	"voxmerge/internal/preflight"
)

type doctorCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
	// Optional checks never fail the command.
	Optional bool `json:"optional,omitempty"`
}

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var skipAPI bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check binaries, directories, free space and the speech-to-text API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var checks []doctorCheck
			for _, status := range deps.CheckBinaries(deps.Requirements(cfg)) {
				detail := status.Command
				if status.Detail != "" {
					detail = status.Command + " (" + status.Detail + ")"
				}
				checks = append(checks, doctorCheck{
					Name:     status.Name,
					Passed:   status.Available,
					Detail:   detail,
					Optional: status.Optional,
				})
			}
			for _, r := range preflight.RunAll(cmd.Context(), cfg, preflight.Options{CheckAPI: !skipAPI}) {
				checks = append(checks, doctorCheck{Name: r.Name, Passed: r.Passed, Detail: r.Detail})
			}

			if ctx.jsonOutput() {
				if err := writeJSON(cmd, checks); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(checks))
				for _, c := range checks {
					state := "ok"
					switch {
					case !c.Passed && c.Optional:
						state = "warn"
					case !c.Passed:
						state = "FAIL"
					}
					rows = append(rows, []string{state, c.Name, c.Detail})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"", "Check", "Detail"}, rows, nil))
			}

			failed := 0
			for _, c := range checks {
				if !c.Passed && !c.Optional {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipAPI, "skip-api", false, "Do not contact the speech-to-text endpoint")
	return cmd
}
