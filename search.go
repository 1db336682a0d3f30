package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/taskwatch/internal/api"
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Submit a search query",
		Long: `Submit a search query. With --stream the answer is printed as the backend
produces it (premium searches only); otherwise the submitted job is reported
and can be followed with 'taskwatch jobs watch <id>'.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSearch,
	}

	cmd.Flags().Bool("premium", false, "run a premium search")
	cmd.Flags().Bool("stream", false, "stream the answer as it is produced (implies --premium)")

	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	premium, err := cmd.Flags().GetBool("premium")
	if err != nil {
		return err
	}

	stream, err := cmd.Flags().GetBool("stream")
	if err != nil {
		return err
	}

	req := api.SearchRequest{Query: strings.Join(args, " "), Option: api.OptionStandard}
	if premium || stream {
		req.Option = api.OptionPremium
	}

	sess, err := newSession(cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	if err := sess.requireLogin(); err != nil {
		return err
	}

	ctx, stop := interruptContext(cmd.Context(), cc.Logger, "search")
	defer stop()

	if stream {
		resp, err := sess.Client.SearchStream(ctx, req)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		defer resp.Close()

		out := cmd.OutOrStdout()

		return resp.Lines(ctx, func(line string) error {
			return writeStreamLine(out, line)
		})
	}

	res, err := sess.Client.Search(ctx, req)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if cc.Flags.JSON {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), string(res.Raw))
		return err
	}

	printSearchResult(cmd.OutOrStdout(), res)

	return nil
}

// writeStreamLine prints one streamed line. Server-sent event framing is
// stripped so only the payload text reaches the terminal.
func writeStreamLine(w io.Writer, line string) error {
	switch {
	case line == "", strings.HasPrefix(line, ":"),
		strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"):
		return nil
	case strings.HasPrefix(line, "data:"):
		line = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		if line == "[DONE]" {
			return nil
		}
	}

	_, err := fmt.Fprintln(w, line)

	return err
}

func printSearchResult(w io.Writer, res *api.SearchResult) {
	if res.JobID != "" {
		fmt.Fprintf(w, "Job:    %s\n", res.JobID)
	}

	if res.Status != "" {
		fmt.Fprintf(w, "Status: %s\n", statusLabel(res.Status))
	}

	if res.Message != "" {
		fmt.Fprintln(w, res.Message)
	}

	if res.JobID == "" && res.Status == "" && res.Message == "" {
		fmt.Fprintln(w, string(res.Raw))
		return
	}

	if res.JobID != "" {
		fmt.Fprintf(w, "\nFollow it with: taskwatch jobs watch %s\n", res.JobID)
	}
}
