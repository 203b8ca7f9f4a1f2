package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"voxmerge/internal/fingerprint"
	"voxmerge/internal/language"
	"voxmerge/internal/registry"
)

func newRegistryCommand(ctx *commandContext) *cobra.Command {
	registryCmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect or edit the unified registry",
	}
	registryCmd.AddCommand(newRegistryStatsCommand(ctx))
	registryCmd.AddCommand(newRegistryContactsCommand(ctx))
	registryCmd.AddCommand(newRegistryShowCommand(ctx))
	registryCmd.AddCommand(newRegistryTranscriptsCommand(ctx))
	registryCmd.AddCommand(newRegistryRemoveCommand(ctx))
	return registryCmd
}

func newRegistryStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show registry totals",
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openRegistry()
			if err != nil {
				return err
			}
			stats := store.Stats()
			if ctx.jsonOutput() {
				return writeJSON(cmd, stats)
			}
			rows := [][]string{
				{"Registry", store.Path()},
				{"Files", humanize.Comma(int64(stats.Files))},
				{"Sources", humanize.Comma(int64(stats.Sources))},
				{"Converted", humanize.Comma(int64(stats.Converted))},
				{"Transcripts", humanize.Comma(int64(stats.Transcripts))},
				{"Contacts", humanize.Comma(int64(stats.Contacts))},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		}),
	}
}

func newRegistryContactsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "contacts",
		Short: "Show per-contact audio and transcription counts",
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openRegistry()
			if err != nil {
				return err
			}
			contacts := store.Contacts()
			if ctx.jsonOutput() {
				byName := make(map[string]registry.ContactStats, len(contacts))
				for _, c := range contacts {
					byName[c.Contact] = c
				}
				return writeJSON(cmd, byName)
			}
			rows := make([][]string, 0, len(contacts))
			for _, c := range contacts {
				name := c.Contact
				if name == "" {
					name = "(none)"
				}
				rows = append(rows, []string{
					name,
					strconv.Itoa(c.AudioFiles),
					strconv.Itoa(c.ConvertedFiles),
					strconv.Itoa(c.TranscribedFiles),
					strconv.Itoa(c.Received),
					strconv.Itoa(c.Sent),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Contact", "Audio", "Converted", "Transcribed", "Received", "Sent"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		}),
	}
}

func newRegistryShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <fingerprint>",
		Short: "Show one registry entry and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openRegistry()
			if err != nil {
				return err
			}
			entry, err := resolveEntry(store, args[0])
			if err != nil {
				return err
			}
			transcript, hasTranscript := store.Transcript(entry.Fingerprint)
			if ctx.jsonOutput() {
				payload := map[string]any{"entry": entry}
				if hasTranscript {
					payload["transcript"] = transcript
				}
				return writeJSON(cmd, payload)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Fingerprint: %s\n", entry.Fingerprint)
			fmt.Fprintf(out, "Role:        %s\n", entry.Role)
			fmt.Fprintf(out, "Path:        %s\n", entry.Path)
			fmt.Fprintf(out, "Size:        %s\n", humanize.IBytes(uint64(entry.Size)))
			fmt.Fprintf(out, "Contact:     %s\n", entry.Contact)
			fmt.Fprintf(out, "Direction:   %s\n", entry.Direction)
			if entry.ConvertedPath != "" {
				fmt.Fprintf(out, "Converted:   %s\n", entry.ConvertedPath)
			}
			fmt.Fprintf(out, "Last seen:   %s\n", humanize.Time(entry.LastSeen))
			if hasTranscript {
				fmt.Fprintf(out, "Transcript:  %s\n", transcript.Text)
			}
			return nil
		}),
	}
}

func newRegistryTranscriptsCommand(ctx *commandContext) *cobra.Command {
	var contact string

	cmd := &cobra.Command{
		Use:   "transcripts",
		Short: "List stored transcripts",
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openRegistry()
			if err != nil {
				return err
			}
			records := store.Transcripts()
			if contact = strings.TrimSpace(contact); contact != "" {
				kept := records[:0]
				for _, rec := range records {
					if entry, ok := store.Lookup(rec.Fingerprint); ok && strings.EqualFold(entry.Contact, contact) {
						kept = append(kept, rec)
					}
				}
				records = kept
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, records)
			}
			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				rows = append(rows, []string{
					shortFingerprint(string(rec.Fingerprint)),
					language.DisplayName(rec.Language),
					humanize.Time(rec.ProducedAt),
					truncateText(rec.Text, 60),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Fingerprint", "Language", "Produced", "Text"}, rows, nil))
			return nil
		}),
	}
	cmd.Flags().StringVar(&contact, "contact", "", "Only list transcripts for this contact")
	return cmd
}

func truncateText(text string, limit int) string {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit-1]) + "…"
}

func newRegistryRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <fingerprint>",
		Short: "Forget an entry so the next run processes the file again",
		Args:  cobra.ExactArgs(1),
		RunE: ctx.withCleanup(func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openRegistry()
			if err != nil {
				return err
			}
			entry, err := resolveEntry(store, args[0])
			if err != nil {
				return err
			}
			if err := store.Remove(entry.Fingerprint); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%s)\n", shortFingerprint(string(entry.Fingerprint)), entry.Path)
			return nil
		}),
	}
}

// resolveEntry accepts a full fingerprint or an unambiguous prefix.
func resolveEntry(store *registry.Store, value string) (registry.Entry, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return registry.Entry{}, errors.New("fingerprint is required")
	}
	if entry, ok := store.Lookup(fingerprint.Fingerprint(value)); ok {
		return entry, nil
	}
	var matches []registry.Entry
	for _, entry := range store.Entries() {
		if strings.HasPrefix(string(entry.Fingerprint), value) {
			matches = append(matches, entry)
		}
	}
	switch len(matches) {
	case 0:
		return registry.Entry{}, fmt.Errorf("no registry entry matches %q", value)
	case 1:
		return matches[0], nil
	default:
		return registry.Entry{}, fmt.Errorf("%q matches %d entries; use more characters", value, len(matches))
	}
}
