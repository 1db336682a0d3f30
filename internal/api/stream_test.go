package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamingBackend() *fakeBackend {
	backend := newFakeBackend("access-0", "refresh-0")

	backend.mux.HandleFunc("POST "+SearchPath, backend.authorized(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "application/json" {
			writeJSON(w, http.StatusBadRequest, `{"message":"streaming request sent as JSON"}`)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)

		for _, line := range []string{"first", "second", "third"} {
			_, _ = io.WriteString(w, line+"\n")
			w.(http.Flusher).Flush()
		}
	}))

	return backend
}

func TestStream_SuccessLeavesBodyUnread(t *testing.T) {
	backend := streamingBackend()
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, stalePair())

	resp, err := c.SearchStream(t.Context(), SearchRequest{Query: "golang"})
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var lines []string
	require.NoError(t, resp.Lines(t.Context(), func(line string) error {
		lines = append(lines, line)
		return nil
	}))

	assert.Equal(t, []string{"first", "second", "third"}, lines)
}

func TestStream_UnauthorizedRefreshesAndReplays(t *testing.T) {
	backend := streamingBackend()
	backend.revoke()
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, stalePair())

	resp, err := c.SearchStream(t.Context(), SearchRequest{Query: "golang"})
	require.NoError(t, err)
	defer resp.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\nthird\n", string(data))

	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	assert.Equal(t, "access-1", store.Get().AccessToken)
}

func TestStream_SecondUnauthorizedIsTerminal(t *testing.T) {
	backend := streamingBackend()
	backend.alwaysReject = true
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, stalePair())

	_, err := c.SearchStream(t.Context(), SearchRequest{Query: "golang"})
	require.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	assert.False(t, store.IsAuthenticated())
}

func TestStream_ErrorMessageExtraction(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"message field", http.StatusBadRequest, `{"message":"query too long","error":"ignored"}`, "query too long"},
		{"nested error object", http.StatusBadRequest, `{"error":{"message":"quota exceeded"}}`, "quota exceeded"},
		{"error string", http.StatusPaymentRequired, `{"error":"upgrade required"}`, "upgrade required"},
		{"detail string", http.StatusUnprocessableEntity, `{"detail":"option not allowed"}`, "option not allowed"},
		{"plain text", http.StatusBadGateway, "upstream unavailable", "upstream unavailable"},
		{"status line", http.StatusServiceUnavailable, "", "503 Service Unavailable"},
		{"json without message", http.StatusInternalServerError, `{"code":17}`, "500 Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL, stalePair())

			_, err := c.SearchStream(t.Context(), SearchRequest{Query: "golang"})
			require.ErrorIs(t, err, ErrRequestFailed)

			var reqErr *RequestError
			require.ErrorAs(t, err, &reqErr)
			assert.Equal(t, tt.status, reqErr.StatusCode)
			assert.Equal(t, tt.message, reqErr.Message)
		})
	}
}

func TestStream_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := newTestClient(t, url, stalePair())

	_, err := c.Stream(t.Context(), NewEnvelope(http.MethodGet, "/events"))
	require.ErrorIs(t, err, ErrTransport)
}

func TestStream_LeavesCallerEnvelopeUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, stalePair())
	env := NewEnvelope(http.MethodGet, "/events")

	resp, err := c.Stream(t.Context(), env)
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	assert.False(t, env.Stream)
}
