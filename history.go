package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/taskwatch/internal/journal"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [key]",
		Short: "Show changes recorded by 'jobs watch'",
		Long: `Show changes recorded by 'jobs watch', newest first. The key is "jobs" for
the job list or "job:<id>" for a single job; without one, every key is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistory,
	}

	cmd.Flags().IntP("limit", "n", journal.DefaultListLimit, "maximum number of entries")
	cmd.Flags().Bool("prune", false, "delete entries older than journal_retention and exit")

	return cmd
}

// historyEntry is the JSON schema for `history --json`.
type historyEntry struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	ObservedAt  time.Time `json:"observed_at"`
	Payload     any       `json:"payload"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	prune, err := cmd.Flags().GetBool("prune")
	if err != nil {
		return err
	}

	j, err := journal.Open(ctx, cc.Cfg.JournalFile, cc.Logger)
	if err != nil {
		return err
	}
	defer j.Close()

	if prune {
		retention := cc.Cfg.JournalRetentionDuration()
		if retention <= 0 {
			cc.Statusf("journal_retention is 0, nothing pruned.\n")
			return nil
		}

		n, err := j.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}

		cc.Statusf("Pruned %d entries older than %s.\n", n, retention)

		return nil
	}

	var key string
	if len(args) == 1 {
		key = args[0]
	}

	entries, err := j.List(ctx, key, limit)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]historyEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, historyEntry{
				ID:          e.ID,
				Key:         e.Key,
				Fingerprint: e.Fingerprint,
				ObservedAt:  e.ObservedAt.UTC(),
				Payload:     e.Payload,
			})
		}

		return printJSON(cmd.OutOrStdout(), out)
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recorded changes.")
		return nil
	}

	printHistoryTable(cmd.OutOrStdout(), entries)

	return nil
}

// fingerprintWidth is how much of a fingerprint the table shows.
const fingerprintWidth = 12

func printHistoryTable(w io.Writer, entries []journal.Entry) {
	rows := make([][]string, 0, len(entries))

	for _, e := range entries {
		fp := e.Fingerprint
		if len(fp) > fingerprintWidth {
			fp = fp[:fingerprintWidth]
		}

		rows = append(rows, []string{
			e.ObservedAt.Local().Format(time.DateTime),
			e.Key,
			fp,
			formatSize(int64(len(e.Payload))),
		})
	}

	printTable(w, []string{"OBSERVED", "KEY", "FINGERPRINT", "SIZE"}, rows)
}
