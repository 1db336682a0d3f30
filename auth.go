package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/taskwatch/internal/api"
	"github.com/tonimelisma/taskwatch/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long: `Sign in with email and password. The password is read from the first
line of stdin, so it can be piped in from a secret manager.`,
		RunE: runLogin,
	}

	cmd.Flags().String("email", "", "account email (prompted when omitted)")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the saved token",
		RunE:  runLogout,
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the signed-in account and token state",
		RunE:  runStatus,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	email, err := cmd.Flags().GetString("email")
	if err != nil {
		return err
	}

	in := bufio.NewReader(cmd.InOrStdin())

	// Prompts are always shown, even with --quiet.
	if email == "" {
		fmt.Fprint(os.Stderr, "Email: ")

		if email, err = readLine(in); err != nil {
			return fmt.Errorf("reading email: %w", err)
		}
	}

	fmt.Fprint(os.Stderr, "Password: ")

	password, err := readLine(in)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	sess, err := newSession(cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	cc.Logger.Info("login started")

	if _, err := sess.Client.Login(cmd.Context(), api.LoginRequest{Email: email, Password: password}); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	cc.Logger.Info("login successful")
	cc.Statusf("Signed in as %s.\n", email)

	return nil
}

// readLine returns the next line without its terminator. EOF after a
// partial line is not an error.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	sess, err := newSession(cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	if sess.Store.Get().AccessToken == "" {
		cc.Statusf("Not signed in.\n")
		return nil
	}

	if err := sess.Client.Logout(cmd.Context()); err != nil {
		return err
	}

	cc.Logger.Info("logout successful")
	cc.Statusf("Signed out.\n")

	return nil
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	SignedIn     bool       `json:"signed_in"`
	Email        string     `json:"email,omitempty"`
	SignedInAt   string     `json:"signed_in_at,omitempty"`
	CanRefresh   bool       `json:"can_refresh"`
	AccessExpiry *time.Time `json:"access_expiry,omitempty"`
	TokenFile    string     `json:"token_file"`
	BaseURL      string     `json:"base_url"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	sess, err := newSession(cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	out := buildStatus(sess)

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	printStatusText(cmd.OutOrStdout(), out, time.Now())

	return nil
}

func buildStatus(sess *Session) statusOutput {
	pair := sess.Store.Get()
	meta := sess.Store.Meta()

	out := statusOutput{
		SignedIn:   pair.AccessToken != "",
		Email:      meta[tokenfile.MetaEmail],
		SignedInAt: meta[tokenfile.MetaSignedIn],
		CanRefresh: pair.RefreshToken != "",
		TokenFile:  sess.Store.Path(),
		BaseURL:    sess.Cfg.BaseURL,
	}

	if exp, ok := sess.Store.Expiry(); ok {
		out.AccessExpiry = &exp
	}

	return out
}

func printStatusText(w io.Writer, s statusOutput, now time.Time) {
	if !s.SignedIn {
		fmt.Fprintln(w, "Not signed in. Run 'taskwatch login' to get started.")
		fmt.Fprintf(w, "Backend:    %s\n", s.BaseURL)

		return
	}

	account := s.Email
	if account == "" {
		account = "(unknown account)"
	}

	fmt.Fprintf(w, "Signed in:  %s\n", account)

	if s.SignedInAt != "" {
		fmt.Fprintf(w, "Since:      %s\n", s.SignedInAt)
	}

	fmt.Fprintf(w, "Backend:    %s\n", s.BaseURL)
	fmt.Fprintf(w, "Token file: %s\n", s.TokenFile)

	if s.AccessExpiry != nil {
		fmt.Fprintf(w, "Access:     %s\n", describeExpiry(*s.AccessExpiry, now))
	}

	if !s.CanRefresh {
		fmt.Fprintln(w, "Refresh:    unavailable, sign in again when the access token expires")
	}
}

// describeExpiry renders an access token expiry relative to now.
func describeExpiry(exp, now time.Time) string {
	if !exp.After(now) {
		return fmt.Sprintf("expired %s ago (renewed on next request)", now.Sub(exp).Round(time.Second))
	}

	return fmt.Sprintf("valid for %s", exp.Sub(now).Round(time.Second))
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
