package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/taskwatch/internal/credstore"
)

// fakeBackend accepts exactly one access token at a time. Each refresh
// rotates to a new numbered pair.
type fakeBackend struct {
	mu      sync.Mutex
	valid   string
	refresh string
	serial  int

	refreshCalls  atomic.Int32
	unauthorized  atomic.Int32
	refreshGate   chan struct{} // when non-nil, refresh blocks until closed
	refreshStatus int           // non-zero forces a refresh failure
	alwaysReject  bool

	lastAuth atomic.Value
	mux      *http.ServeMux
}

func newFakeBackend(access, refresh string) *fakeBackend {
	b := &fakeBackend{valid: access, refresh: refresh, mux: http.NewServeMux()}

	b.mux.HandleFunc("GET "+RefreshPath, b.handleRefresh)
	b.mux.HandleFunc("GET "+JobsPath, b.authorized(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"jobs":[{"id":1,"status":"running"}]}`)
	}))

	return b
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

func (b *fakeBackend) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		b.lastAuth.Store(auth)

		b.mu.Lock()
		ok := !b.alwaysReject && auth == "Bearer "+b.valid
		b.mu.Unlock()

		if !ok {
			b.unauthorized.Add(1)
			writeJSON(w, http.StatusUnauthorized, `{"message":"token expired"}`)

			return
		}

		next(w, r)
	}
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)

	if b.refreshGate != nil {
		<-b.refreshGate
	}

	if b.refreshStatus != 0 {
		writeJSON(w, b.refreshStatus, `{"message":"refresh denied"}`)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+b.refresh {
		writeJSON(w, http.StatusUnauthorized, `{"message":"bad refresh token"}`)
		return
	}

	b.serial++
	b.valid = fmt.Sprintf("access-%d", b.serial)
	b.refresh = fmt.Sprintf("refresh-%d", b.serial)

	body, _ := json.Marshal(map[string]string{"accessToken": b.valid, "refreshToken": b.refresh})
	writeJSON(w, http.StatusOK, string(body))
}

// revoke makes the server reject every current access token until the next
// refresh.
func (b *fakeBackend) revoke() {
	b.mu.Lock()
	b.valid = "revoked"
	b.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient wires a client with a memory credential store holding pair.
func newTestClient(t *testing.T, url string, pair credstore.TokenPair) (*Client, *credstore.Store) {
	t.Helper()

	store := credstore.NewMemory(testLogger())
	require.NoError(t, store.Set(pair))

	return NewClient(url, &http.Client{Timeout: 5 * time.Second}, store, testLogger()), store
}

func stalePair() credstore.TokenPair {
	return credstore.TokenPair{AccessToken: "access-0", RefreshToken: "refresh-0"}
}

func TestDo_Success(t *testing.T) {
	backend := newFakeBackend("access-0", "refresh-0")
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, stalePair())

	jobs, err := c.ListJobs(t.Context())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobID("1"), jobs[0].ID)
	assert.Equal(t, "Bearer access-0", backend.lastAuth.Load())
	assert.Equal(t, int32(0), backend.refreshCalls.Load())
}

func TestDo_SetsClientHeaders(t *testing.T) {
	var got http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer srv.Close()

	store := credstore.NewMemory(testLogger())
	c := NewClient(srv.URL, srv.Client(), store, testLogger(), WithUserAgent("taskwatch-test"))

	require.NoError(t, c.Post(t.Context(), "/thing", map[string]int{"n": 1}, nil))

	assert.Empty(t, got.Get("Authorization"), "no token stored, no header")
	assert.Equal(t, "taskwatch-test", got.Get("User-Agent"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Len(t, got.Get(requestIDHeader), 36)
}

func TestDo_TokenReadAtSendTime(t *testing.T) {
	backend := newFakeBackend("access-new", "refresh-0")
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, stalePair())

	env := NewEnvelope(http.MethodGet, JobsPath)
	require.NoError(t, store.Set(credstore.TokenPair{AccessToken: "access-new", RefreshToken: "refresh-0"}))

	require.NoError(t, c.Do(t.Context(), env, nil))
	assert.Equal(t, "Bearer access-new", backend.lastAuth.Load())
	assert.Equal(t, int32(0), backend.refreshCalls.Load())
}

func TestDo_UnauthorizedRefreshesAndReplays(t *testing.T) {
	backend := newFakeBackend("access-0", "refresh-0")
	backend.revoke()
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, stalePair())

	jobs, err := c.ListJobs(t.Context())
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	assert.Equal(t, "Bearer access-1", backend.lastAuth.Load())
	assert.Equal(t, credstore.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}, store.Get())
}

func TestDo_ConcurrentUnauthorizedSingleRefresh(t *testing.T) {
	const callers = 8

	backend := newFakeBackend("access-0", "refresh-0")
	backend.revoke()
	backend.refreshGate = make(chan struct{})
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, stalePair())

	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = c.ListJobs(t.Context())
		}()
	}

	// Hold the refresh open until every caller has been rejected once.
	require.Eventually(t, func() bool {
		return backend.unauthorized.Load() == callers
	}, 5*time.Second, 5*time.Millisecond)

	close(backend.refreshGate)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}

	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	assert.Equal(t, int64(1), c.Coordinator().Refreshes())
	assert.Equal(t, credstore.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}, store.Get())
}

func TestDo_SecondUnauthorizedIsTerminal(t *testing.T) {
	backend := newFakeBackend("access-0", "refresh-0")
	backend.alwaysReject = true
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, stalePair())
	loginRequired := store.LoginRequired()

	_, err := c.ListJobs(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.True(t, IsAuthExpired(err))

	assert.Equal(t, int32(1), backend.refreshCalls.Load(), "no refresh after the replay")
	assert.Equal(t, int32(2), backend.unauthorized.Load(), "original and exactly one replay")
	assert.False(t, store.IsAuthenticated())

	select {
	case <-loginRequired:
	default:
		t.Fatal("login-required transition not fired")
	}
}

func TestDo_RefreshFailureIsTerminal(t *testing.T) {
	backend := newFakeBackend("access-0", "refresh-0")
	backend.revoke()
	backend.refreshStatus = http.StatusUnauthorized
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, stalePair())

	redirects := 0
	store.OnRedirect(func() { redirects++ })

	_, err := c.ListJobs(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr, "refresh failure cause is kept")
	assert.Equal(t, RefreshPath, reqErr.Path)
	assert.Equal(t, "refresh denied", reqErr.Message)

	assert.Equal(t, credstore.TokenPair{}, store.Get())
	assert.Equal(t, 1, redirects)
	assert.Equal(t, int32(1), backend.unauthorized.Load(), "no replay after failed refresh")
}

func TestDo_NoRefreshTokenIsTerminal(t *testing.T) {
	backend := newFakeBackend("access-0", "refresh-0")
	backend.revoke()
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, credstore.TokenPair{AccessToken: "access-0"})

	_, err := c.ListJobs(t.Context())
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(0), backend.refreshCalls.Load())
	assert.False(t, store.IsAuthenticated())
}

func TestDo_ErrorStatusDoesNotRefresh(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		message  string
	}{
		{"server error nested message", http.StatusInternalServerError, `{"error":{"message":"boom"}}`, ErrServerError, "boom"},
		{"forbidden", http.StatusForbidden, `{"message":"plan limit reached"}`, ErrForbidden, "plan limit reached"},
		{"not found plain text", http.StatusNotFound, "no such job", ErrNotFound, "no such job"},
		{"throttled empty body", http.StatusTooManyRequests, "", ErrThrottled, "429 Too Many Requests"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var refreshes atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == RefreshPath {
					refreshes.Add(1)
				}

				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c, store := newTestClient(t, srv.URL, stalePair())

			err := c.Get(t.Context(), "/search/jobs/7", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRequestFailed)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.NotErrorIs(t, err, ErrAuthExpired)

			var reqErr *RequestError
			require.ErrorAs(t, err, &reqErr)
			assert.Equal(t, tt.status, reqErr.StatusCode)
			assert.Equal(t, tt.message, reqErr.Message)
			assert.Equal(t, []byte(tt.body), reqErr.Body)
			assert.NotEmpty(t, reqErr.RequestID)

			assert.Equal(t, int32(0), refreshes.Load())
			assert.True(t, store.IsAuthenticated())
		})
	}
}

func TestDo_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := newTestClient(t, url, stalePair())

	err := c.Get(t.Context(), JobsPath, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrRequestFailed)

	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, http.MethodGet, tErr.Method)
	assert.Equal(t, JobsPath, tErr.Path)
}

func TestDo_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, stalePair())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := c.Get(ctx, JobsPath, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestDo_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{not json`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, stalePair())

	var out map[string]any
	err := c.Get(t.Context(), JobsPath, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding GET /search/jobs response")
}

func TestEnvelope_ReusableAcrossCalls(t *testing.T) {
	backend := newFakeBackend("access-0", "refresh-0")
	backend.revoke()
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, stalePair())
	env := NewEnvelope(http.MethodGet, JobsPath)

	require.NoError(t, c.Do(t.Context(), env, nil))
	assert.False(t, env.Retried(), "caller's envelope carries no retry marker")

	backend.revoke()

	require.NoError(t, c.Do(t.Context(), env, nil), "second call gets its own replay")
	assert.Equal(t, int32(2), backend.refreshCalls.Load())
	assert.Equal(t, "Bearer access-2", backend.lastAuth.Load())
}

func TestEnvelope_MarkRetryOnce(t *testing.T) {
	env := NewEnvelope(http.MethodGet, "/x").issue()

	require.NoError(t, env.markRetry())
	assert.True(t, env.Retried())
	assert.ErrorIs(t, env.markRetry(), errAlreadyRetried)
}

func TestEnvelope_BuildQueryAndBody(t *testing.T) {
	env, err := JSONEnvelope(http.MethodPost, "/search", map[string]string{"query": "go"})
	require.NoError(t, err)

	env.WithQuery(map[string][]string{"page": {"2"}})

	req, err := env.build(t.Context(), "http://backend.test")
	require.NoError(t, err)
	assert.Equal(t, "http://backend.test/search?page=2", req.URL.String())

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"go"}`, string(body))

	// A second build yields a fresh, fully readable body.
	req2, err := env.build(t.Context(), "http://backend.test")
	require.NoError(t, err)
	body2, err := io.ReadAll(req2.Body)
	require.NoError(t, err)
	assert.Equal(t, body, body2)
}

func TestRenew(t *testing.T) {
	backend := newFakeBackend("access-0", "refresh-0")
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, stalePair())

	token, err := c.Renew(t.Context(), c.AccessToken())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, "access-1", store.Get().AccessToken)

	// A rejected token that is no longer current resolves without a refresh.
	token, err = c.Renew(t.Context(), "access-0")
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, int32(1), backend.refreshCalls.Load())
}

func TestRenew_FailureExpires(t *testing.T) {
	backend := newFakeBackend("access-0", "refresh-0")
	backend.refreshStatus = http.StatusBadRequest
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, stalePair())

	_, err := c.Renew(t.Context(), "access-0")
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.False(t, store.IsAuthenticated())
}

func TestWithRateLimit(t *testing.T) {
	c := NewClient("http://backend.test", nil, credstore.NewMemory(nil), nil, WithRateLimit(5))
	require.NotNil(t, c.limiter)
	assert.Equal(t, 5, c.limiter.Burst())

	c = NewClient("http://backend.test", nil, credstore.NewMemory(nil), nil, WithRateLimit(0))
	assert.Nil(t, c.limiter)
}

func TestWithRefresher(t *testing.T) {
	store := credstore.NewMemory(testLogger())
	require.NoError(t, store.Set(stalePair()))

	fake := &stubRefresher{pair: credstore.TokenPair{AccessToken: "from-stub", RefreshToken: "r"}}
	c := NewClient("http://backend.test", nil, store, testLogger(), WithRefresher(fake))

	token, err := c.Renew(t.Context(), "access-0")
	require.NoError(t, err)
	assert.Equal(t, "from-stub", token)
	assert.Equal(t, int32(1), fake.calls.Load())
}

// stubRefresher returns a fixed outcome, optionally after gate is closed.
type stubRefresher struct {
	pair  credstore.TokenPair
	err   error
	gate  chan struct{}
	calls atomic.Int32
	seen  atomic.Value
}

func (s *stubRefresher) Refresh(_ context.Context, refreshToken string) (credstore.TokenPair, error) {
	s.calls.Add(1)
	s.seen.Store(refreshToken)

	if s.gate != nil {
		<-s.gate
	}

	if s.err != nil {
		return credstore.TokenPair{}, s.err
	}

	return s.pair, nil
}

var errStub = errors.New("stub refresh failed")
