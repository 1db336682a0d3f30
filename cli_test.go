package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/taskwatch/internal/api"
	"github.com/tonimelisma/taskwatch/internal/poll"
	"github.com/tonimelisma/taskwatch/internal/tokenfile"
)

// testEnv is an isolated home with a config file pointing at a fake backend.
type testEnv struct {
	configPath  string
	tokenPath   string
	journalPath string
}

func newTestEnv(t *testing.T, baseURL string) *testEnv {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv("TASKWATCH_CONFIG", "")
	t.Setenv("TASKWATCH_BASE_URL", "")
	t.Setenv("TASKWATCH_TOKEN_FILE", "")

	env := &testEnv{
		configPath:  filepath.Join(home, "config.toml"),
		tokenPath:   filepath.Join(home, "state", "token.json"),
		journalPath: filepath.Join(home, "state", "journal.db"),
	}

	content := fmt.Sprintf(`
base_url = %q
token_file = %q
journal_file = %q
log_level = "error"
log_format = "text"
realtime = false
`, baseURL, env.tokenPath, env.journalPath)

	require.NoError(t, os.WriteFile(env.configPath, []byte(content), 0o600))

	return env
}

func (e *testEnv) saveToken(t *testing.T, access, refresh string) {
	t.Helper()

	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh}
	require.NoError(t, tokenfile.Save(e.tokenPath, tok, map[string]string{tokenfile.MetaEmail: "ada@example.com"}))
}

// execute runs the root command with args against env and returns stdout.
func (e *testEnv) execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.configPath, "--quiet"}, args...))

	err := cmd.ExecuteContext(t.Context())

	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// backend is a minimal fake of the search service.
type backend struct {
	access    atomic.Value // string
	refreshes atomic.Int32
	logouts   atomic.Int32
	mux       *http.ServeMux
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	t.Helper()

	b := &backend{mux: http.NewServeMux()}
	b.access.Store("access-1")

	b.mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req api.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != "hunter2" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid credentials"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"accessToken": "access-1", "refreshToken": "refresh-1"})
	})

	b.mux.HandleFunc("GET /auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer refresh-1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "bad refresh"})
			return
		}

		n := b.refreshes.Add(1)
		token := fmt.Sprintf("access-r%d", n)
		b.access.Store(token)
		writeJSON(w, http.StatusOK, map[string]string{"accessToken": token, "refreshToken": "refresh-1"})
	})

	b.mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		b.logouts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	b.mux.HandleFunc("GET /search/jobs", b.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []map[string]any{
			{"id": 7, "status": "in_progress", "query": "solar panels", "progress": 0.5},
			{"id": "x9", "status": "done", "query": "wind"},
		}})
	}))

	b.mux.HandleFunc("GET /search/jobs/7", b.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": 7, "status": "done", "query": "solar panels",
			"summary": "Panels are cheaper.", "sources": []string{"https://example.com/a"},
		})
	}))

	b.mux.HandleFunc("POST /search", b.authed(func(w http.ResponseWriter, r *http.Request) {
		var req api.SearchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.Option == api.OptionPremium {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: first chunk\n\n: keepalive\ndata: second chunk\n\ndata: [DONE]\n")

			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"jobId": 42, "status": "queued"})
	}))

	srv := httptest.NewServer(b.mux)
	t.Cleanup(srv.Close)

	return b, srv
}

func (b *backend) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+b.access.Load().(string) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Token expired"})
			return
		}

		next(w, r)
	}
}

func TestLogin_StoresToken(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)

	_, err := env.execute(t, "hunter2\n", "login", "--email", "ada@example.com")
	require.NoError(t, err)

	tok, meta, err := tokenfile.Load(env.tokenPath)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.Equal(t, "ada@example.com", meta[tokenfile.MetaEmail])
}

func TestLogin_PromptsForEmail(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)

	_, err := env.execute(t, "ada@example.com\nhunter2", "login")
	require.NoError(t, err)

	_, meta, err := tokenfile.Load(env.tokenPath)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", meta[tokenfile.MetaEmail])
}

func TestLogin_RejectedShowsBackendMessage(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)

	_, err := env.execute(t, "wrong\n", "login", "--email", "ada@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid credentials")

	_, statErr := os.Stat(env.tokenPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLogin_InvalidEmail(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)

	_, err := env.execute(t, "hunter2\n", "login", "--email", "not-an-email")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid login request")
}

func TestLogout_ClearsTokenAndNotifiesBackend(t *testing.T) {
	b, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)
	env.saveToken(t, "access-1", "refresh-1")

	_, err := env.execute(t, "", "logout")
	require.NoError(t, err)

	assert.Equal(t, int32(1), b.logouts.Load())

	_, statErr := os.Stat(env.tokenPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLogout_NotSignedIn(t *testing.T) {
	b, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)

	_, err := env.execute(t, "", "logout")
	require.NoError(t, err)
	assert.Zero(t, b.logouts.Load())
}

func TestStatus_JSON(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)

	out, err := env.execute(t, "", "status", "--json")
	require.NoError(t, err)

	var got statusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.False(t, got.SignedIn)
	assert.Equal(t, srv.URL, got.BaseURL)

	env.saveToken(t, "access-1", "refresh-1")

	out, err = env.execute(t, "", "status", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.SignedIn)
	assert.True(t, got.CanRefresh)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.Equal(t, env.tokenPath, got.TokenFile)
}

func TestJobsList_Table(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)
	env.saveToken(t, "access-1", "refresh-1")

	out, err := env.execute(t, "", "jobs", "list")
	require.NoError(t, err)

	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "In Progress")
	assert.Contains(t, out, "50%")
	assert.Contains(t, out, "x9")
	assert.Contains(t, out, "solar panels")
}

func TestJobsList_RefreshesExpiredToken(t *testing.T) {
	b, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)
	env.saveToken(t, "stale", "refresh-1")

	out, err := env.execute(t, "", "jobs", "list", "--json")
	require.NoError(t, err)

	var jobs []api.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, api.JobID("7"), jobs[0].ID)
	assert.Equal(t, int32(1), b.refreshes.Load())

	tok, _, err := tokenfile.Load(env.tokenPath)
	require.NoError(t, err)
	assert.Equal(t, "access-r1", tok.AccessToken)
}

func TestJobsList_RefreshRejectedExpiresSession(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)
	env.saveToken(t, "stale", "revoked")

	_, err := env.execute(t, "", "jobs", "list")
	require.ErrorIs(t, err, api.ErrAuthExpired)
	assert.Contains(t, errorMessage(err), "taskwatch login")

	_, statErr := os.Stat(env.tokenPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestJobsList_NotLoggedIn(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)

	_, err := env.execute(t, "", "jobs", "list")
	require.ErrorIs(t, err, api.ErrNotLoggedIn)
}

func TestJobsShow(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)
	env.saveToken(t, "access-1", "refresh-1")

	out, err := env.execute(t, "", "jobs", "show", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Job:      7")
	assert.Contains(t, out, "Status:   Done")
	assert.Contains(t, out, "Panels are cheaper.")
	assert.Contains(t, out, "https://example.com/a")

	_, err = env.execute(t, "", "jobs", "show", "8")
	require.ErrorIs(t, err, api.ErrNotFound)

	_, err = env.execute(t, "", "jobs", "show", "a/b")
	require.Error(t, err)
}

func TestJobsWatch_InitialFetchFailureFailsFast(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)
	env.saveToken(t, "access-1", "refresh-1")

	_, err := env.execute(t, "", "jobs", "watch", "8", "--no-journal")
	require.Error(t, err)
	assert.ErrorIs(t, err, poll.ErrPollFetch)
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestSearch_Structured(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)
	env.saveToken(t, "access-1", "refresh-1")

	out, err := env.execute(t, "", "search", "solar", "panels")
	require.NoError(t, err)
	assert.Contains(t, out, "Job:    42")
	assert.Contains(t, out, "Status: Queued")
	assert.Contains(t, out, "taskwatch jobs watch 42")
}

func TestSearch_Stream(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)
	env.saveToken(t, "stale", "refresh-1")

	out, err := env.execute(t, "", "search", "--stream", "solar")
	require.NoError(t, err)
	assert.Equal(t, "first chunk\nsecond chunk\n", out)
}

func TestHistory_EmptyAndPrune(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)

	out, err := env.execute(t, "", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No recorded changes.")

	_, err = env.execute(t, "", "history", "--prune")
	require.NoError(t, err)

	out, err = env.execute(t, "", "history", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestConfigShow(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, srv.URL)

	out, err := env.execute(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[server]")
	assert.Contains(t, out, srv.URL)
	assert.Contains(t, out, env.tokenPath)

	out, err = env.execute(t, "", "config", "show", "--json")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, srv.URL, got["base_url"])
	assert.Equal(t, false, got["realtime"])
}

func TestBaseURLFlagOverridesConfig(t *testing.T) {
	_, srv := newBackend(t)
	env := newTestEnv(t, "http://unused.invalid")

	out, err := env.execute(t, "", "--base-url", srv.URL, "config", "show", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, srv.URL)
}

func TestBadConfigFails(t *testing.T) {
	env := newTestEnv(t, "http://localhost:1")
	require.NoError(t, os.WriteFile(env.configPath, []byte(`poll_intervall = "5s"`), 0o600))

	_, err := env.execute(t, "", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "poll_interval"`)
}
