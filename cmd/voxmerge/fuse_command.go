package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"voxmerge/internal/fileutil"
	"voxmerge/internal/fusion"
)

func newFuseCommand(ctx *commandContext) *cobra.Command {
	var inputPath string
	var outputPath string

	cmd := &cobra.Command{
		Use:   "fuse",
		Short: "Replace [AUDIO] markers in a message file with transcripts",
		Long: "Read messages (a JSON array or JSON lines of {contact, timestamp,\n" +
			"direction, text, audio_reference}) and write them back with every audio\n" +
			"reference resolved to its transcript or marked as not transcribed.",
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(inputPath) == "" {
				return errors.New("--input is required")
			}
			messages, err := readMessages(cmd, inputPath)
			if err != nil {
				return err
			}

			runner, err := ctx.newRunner(false)
			if err != nil {
				return err
			}
			report, err := runner.Fuse(cmd.Context(), messages)
			if err != nil {
				return err
			}
			if err := writeMessages(cmd, outputPath, report.Messages); err != nil {
				return err
			}

			// Messages may be on stdout; the report goes to stderr.
			status := cmd.ErrOrStderr()
			fmt.Fprintf(status, "Messages: %d, audio references: %d, transcribed: %d, not transcribed: %d\n",
				report.Stats.Messages, report.Stats.References, report.Stats.Transcribed, report.Stats.NotTranscribed)
			if len(report.Stats.ByStrategy) > 0 {
				names := make([]string, 0, len(report.Stats.ByStrategy))
				for name := range report.Stats.ByStrategy {
					names = append(names, name)
				}
				sort.Strings(names)
				rows := make([][]string, 0, len(names))
				for _, name := range names {
					rows = append(rows, []string{name, strconv.Itoa(report.Stats.ByStrategy[name])})
				}
				fmt.Fprintln(status, renderTable([]string{"Strategy", "Resolved"}, rows, []columnAlignment{alignLeft, alignRight}))
			}
			return nil
		}),
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Message file to read (- for stdin)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "-", "Destination for enriched messages (- for stdout)")
	return cmd
}

func readMessages(cmd *cobra.Command, path string) ([]fusion.Message, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open messages: %w", err)
		}
		defer f.Close()
		r = f
	}
	messages, err := fusion.ReadMessages(r)
	if err != nil {
		return nil, fmt.Errorf("read messages %s: %w", path, err)
	}
	return messages, nil
}

func writeMessages(cmd *cobra.Command, path string, messages []fusion.Message) error {
	if path == "" || path == "-" {
		return fusion.WriteMessages(cmd.OutOrStdout(), messages)
	}
	var buf bytes.Buffer
	if err := fusion.WriteMessages(&buf, messages); err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	return nil
}
