package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/taskwatch/internal/api"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List, inspect, and watch search jobs",
	}

	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsShowCmd())
	cmd.AddCommand(newJobsWatchCmd())

	return cmd
}

func newJobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your search jobs",
		Args:  cobra.NoArgs,
		RunE:  runJobsList,
	}
}

func newJobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job with its results",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsShow,
	}
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	sess, err := newSession(cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	if err := sess.requireLogin(); err != nil {
		return err
	}

	jobs, err := sess.Client.ListJobs(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), jobs)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
		return nil
	}

	printJobsTable(cmd.OutOrStdout(), jobs)

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	id, err := api.ParseJobID(args[0])
	if err != nil {
		return err
	}

	sess, err := newSession(cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	if err := sess.requireLogin(); err != nil {
		return err
	}

	job, err := sess.Client.JobDetail(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("fetching job %s: %w", id, err)
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), job)
	}

	printJobDetail(cmd.OutOrStdout(), job)

	return nil
}

// maxQueryWidth bounds the query column in tables.
const maxQueryWidth = 48

func printJobsTable(w io.Writer, jobs []api.Job) {
	rows := make([][]string, 0, len(jobs))
	for i := range jobs {
		rows = append(rows, jobRow(&jobs[i]))
	}

	printTable(w, []string{"ID", "STATUS", "PROGRESS", "UPDATED", "QUERY"}, rows)
}

func jobRow(j *api.Job) []string {
	updated := j.UpdatedAt
	if updated == "" {
		updated = j.CreatedAt
	}

	return []string{
		j.ID.String(),
		statusLabel(j.Status),
		formatProgress(j.Progress),
		formatTimestamp(updated),
		truncate(j.Query, maxQueryWidth),
	}
}

func printJobDetail(w io.Writer, d *api.JobDetail) {
	fmt.Fprintf(w, "Job:      %s\n", d.ID)
	fmt.Fprintf(w, "Status:   %s\n", statusLabel(d.Status))

	if d.Query != "" {
		fmt.Fprintf(w, "Query:    %s\n", d.Query)
	}

	if d.Option != "" {
		fmt.Fprintf(w, "Option:   %s\n", d.Option)
	}

	if d.Progress > 0 {
		fmt.Fprintf(w, "Progress: %s\n", formatProgress(d.Progress))
	}

	if d.CreatedAt != "" {
		fmt.Fprintf(w, "Created:  %s\n", formatTimestamp(d.CreatedAt))
	}

	if d.UpdatedAt != "" {
		fmt.Fprintf(w, "Updated:  %s\n", formatTimestamp(d.UpdatedAt))
	}

	if d.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", d.Error)
	}

	if d.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", strings.TrimSpace(d.Summary))
	}

	if len(d.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")

		for _, s := range d.Sources {
			fmt.Fprintf(w, "  %s\n", s)
		}
	}

	if len(d.Results) > 0 {
		fmt.Fprintf(w, "\nResults: %d\n", len(d.Results))
	}
}
