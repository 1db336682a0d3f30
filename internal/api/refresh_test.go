package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/taskwatch/internal/credstore"
)

func newTestCoordinator(t *testing.T, pair credstore.TokenPair, r Refresher) (*Coordinator, *credstore.Store) {
	t.Helper()

	store := credstore.NewMemory(testLogger())
	require.NoError(t, store.Set(pair))

	return NewCoordinator(store, r, testLogger()), store
}

func TestCoordinator_JoinersShareOneEpisode(t *testing.T) {
	stub := &stubRefresher{
		pair: credstore.TokenPair{AccessToken: "a2", RefreshToken: "r2"},
		gate: make(chan struct{}),
	}
	coord, store := newTestCoordinator(t, credstore.TokenPair{AccessToken: "a1", RefreshToken: "r1"}, stub)

	first := coord.BeginOrJoin("a1")

	episodes := make([]*Episode, 5)
	for i := range episodes {
		episodes[i] = coord.BeginOrJoin("a1")
		assert.Same(t, first, episodes[i])
	}

	close(stub.gate)

	var wg sync.WaitGroup
	for _, ep := range episodes {
		wg.Add(1)

		go func() {
			defer wg.Done()

			pair, err := ep.Wait(t.Context())
			assert.NoError(t, err)
			assert.Equal(t, "a2", pair.AccessToken)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), stub.calls.Load())
	assert.Equal(t, "r1", stub.seen.Load())
	assert.Equal(t, credstore.TokenPair{AccessToken: "a2", RefreshToken: "r2"}, store.Get())
}

func TestCoordinator_SlotRetiredAfterResolution(t *testing.T) {
	stub := &stubRefresher{pair: credstore.TokenPair{AccessToken: "a2", RefreshToken: "r2"}}
	coord, _ := newTestCoordinator(t, credstore.TokenPair{AccessToken: "a1", RefreshToken: "r1"}, stub)

	_, err := coord.BeginOrJoin("a1").Wait(t.Context())
	require.NoError(t, err)

	// The store now holds a2; a request rejected with a2 needs a new episode.
	stub.pair = credstore.TokenPair{AccessToken: "a3", RefreshToken: "r3"}

	pair, err := coord.BeginOrJoin("a2").Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "a3", pair.AccessToken)
	assert.Equal(t, int64(2), coord.Refreshes())
	assert.Equal(t, "r2", stub.seen.Load())
}

func TestCoordinator_StaleRejectionSkipsRefresh(t *testing.T) {
	stub := &stubRefresher{}
	coord, _ := newTestCoordinator(t, credstore.TokenPair{AccessToken: "a2", RefreshToken: "r2"}, stub)

	ep := coord.BeginOrJoin("a1")

	select {
	case <-ep.Done():
	default:
		t.Fatal("episode for a stale rejection should already be resolved")
	}

	pair, err := ep.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "a2", pair.AccessToken)
	assert.Equal(t, int32(0), stub.calls.Load())
	assert.Equal(t, int64(0), coord.Refreshes())
}

func TestCoordinator_FailureLeavesCredentials(t *testing.T) {
	stub := &stubRefresher{err: errStub}
	coord, store := newTestCoordinator(t, credstore.TokenPair{AccessToken: "a1", RefreshToken: "r1"}, stub)

	_, err := coord.BeginOrJoin("a1").Wait(t.Context())
	require.ErrorIs(t, err, errStub)

	// Clearing is the request path's job; the coordinator never mutates on failure.
	assert.Equal(t, credstore.TokenPair{AccessToken: "a1", RefreshToken: "r1"}, store.Get())
}

func TestCoordinator_KeepsRefreshTokenWhenOmitted(t *testing.T) {
	stub := &stubRefresher{pair: credstore.TokenPair{AccessToken: "a2"}}
	coord, store := newTestCoordinator(t, credstore.TokenPair{AccessToken: "a1", RefreshToken: "r1"}, stub)

	pair, err := coord.BeginOrJoin("a1").Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, credstore.TokenPair{AccessToken: "a2", RefreshToken: "r1"}, pair)
	assert.Equal(t, pair, store.Get())
}

func TestCoordinator_NoRefreshToken(t *testing.T) {
	stub := &stubRefresher{}
	coord, _ := newTestCoordinator(t, credstore.TokenPair{AccessToken: "a1"}, stub)

	_, err := coord.BeginOrJoin("a1").Wait(t.Context())
	require.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestEpisode_WaitCanceledDoesNotAffectOthers(t *testing.T) {
	stub := &stubRefresher{
		pair: credstore.TokenPair{AccessToken: "a2", RefreshToken: "r2"},
		gate: make(chan struct{}),
	}
	coord, _ := newTestCoordinator(t, credstore.TokenPair{AccessToken: "a1", RefreshToken: "r1"}, stub)

	ep := coord.BeginOrJoin("a1")

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	_, err := ep.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(stub.gate)

	pair, err := ep.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "a2", pair.AccessToken)
}
