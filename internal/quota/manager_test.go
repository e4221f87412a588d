package quota

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubRemote struct {
	calls atomic.Int32
	fetch func(ctx context.Context, identity string) (RemoteState, error)
}

func (s *stubRemote) Fetch(ctx context.Context, identity string) (RemoteState, error) {
	s.calls.Add(1)
	return s.fetch(ctx, identity)
}

func newTestManager(t *testing.T, limit int, remote Remote) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(Config{Limit: limit, Window: 24 * time.Hour, RemoteTimeout: 50 * time.Millisecond, Now: clock.Now}, remote, zaptest.NewLogger(t))
	return m, clock
}

func TestManagerFreshIdentityGetsFullAllowance(t *testing.T) {
	m, clock := newTestManager(t, 3, nil)

	st := m.Check(context.Background(), "10.0.0.1")
	assert.True(t, st.Allowed)
	assert.Equal(t, 3, st.Remaining)
	assert.Equal(t, 3, st.Limit)
	assert.Equal(t, clock.Now().Add(24*time.Hour), st.ResetAt)
}

func TestManagerConsumeFloorsAtZero(t *testing.T) {
	m, _ := newTestManager(t, 2, nil)
	ctx := context.Background()

	assert.Equal(t, 1, m.Consume(ctx, "a").Remaining)
	assert.Equal(t, 0, m.Consume(ctx, "a").Remaining)
	assert.Equal(t, 0, m.Consume(ctx, "a").Remaining)

	st := m.Check(ctx, "a")
	assert.False(t, st.Allowed)
	assert.Equal(t, 0, st.Remaining)

	other := m.Check(ctx, "b")
	assert.True(t, other.Allowed, "identities are independent")
}

func TestManagerCheckDoesNotConsume(t *testing.T) {
	m, _ := newTestManager(t, 1, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.True(t, m.Check(ctx, "a").Allowed)
	}
}

func TestManagerResetsAfterWindow(t *testing.T) {
	m, clock := newTestManager(t, 1, nil)
	ctx := context.Background()

	exhausted := m.Consume(ctx, "a")
	require.True(t, exhausted.Exhausted())
	require.False(t, m.Check(ctx, "a").Allowed)

	clock.Advance(24*time.Hour - time.Second)
	assert.False(t, m.Check(ctx, "a").Allowed, "still exhausted before reset")

	clock.Advance(time.Second)
	st := m.Check(ctx, "a")
	assert.True(t, st.Allowed)
	assert.Equal(t, 1, st.Remaining)
	assert.Equal(t, clock.Now().Add(24*time.Hour), st.ResetAt)
}

func TestManagerReconcileRemoteWins(t *testing.T) {
	m, clock := newTestManager(t, 10, nil)
	ctx := context.Background()
	m.Consume(ctx, "a")
	m.Consume(ctx, "a")

	resetAt := clock.Now().Add(2 * time.Hour)
	st := m.Reconcile("a", RemoteState{Remaining: 9, Total: 10, ResetAt: resetAt})
	assert.Equal(t, 9, st.Remaining, "remote may raise the local count")
	assert.Equal(t, resetAt, st.ResetAt)

	st = m.Reconcile("a", RemoteState{Remaining: 50, Total: 10})
	assert.Equal(t, 10, st.Remaining, "clamped to limit")

	st = m.Reconcile("a", RemoteState{Remaining: -4, Total: 10})
	assert.Equal(t, 0, st.Remaining, "clamped to zero")
	assert.False(t, m.Check(ctx, "a").Allowed)
}

func TestManagerRefreshFailureKeepsLocalState(t *testing.T) {
	remote := &stubRemote{fetch: func(context.Context, string) (RemoteState, error) {
		return RemoteState{}, errors.New("connection refused")
	}}
	m, _ := newTestManager(t, 5, remote)
	ctx := context.Background()

	m.Consume(ctx, "a")
	m.Consume(ctx, "a")
	require.Error(t, m.Refresh(ctx, "a"))
	assert.Equal(t, 3, m.Check(ctx, "a").Remaining)

	require.Error(t, m.Refresh(ctx, "cold"))
	st := m.Check(ctx, "cold")
	assert.True(t, st.Allowed)
	assert.Equal(t, 5, st.Remaining, "bounded fresh allowance, never unlimited")
}

func TestManagerRefreshTimesOut(t *testing.T) {
	remote := &stubRemote{fetch: func(ctx context.Context, _ string) (RemoteState, error) {
		<-ctx.Done()
		return RemoteState{}, ctx.Err()
	}}
	m, _ := newTestManager(t, 5, remote)

	start := time.Now()
	err := m.Refresh(context.Background(), "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestManagerRefreshNoRemoteStateIsNotAnError(t *testing.T) {
	remote := &stubRemote{fetch: func(context.Context, string) (RemoteState, error) {
		return RemoteState{}, ErrNoRemoteState
	}}
	m, _ := newTestManager(t, 5, remote)
	assert.NoError(t, m.Refresh(context.Background(), "a"))
	assert.Equal(t, 5, m.Check(context.Background(), "a").Remaining)
}

func TestManagerRefreshDeduplicatesConcurrentCallers(t *testing.T) {
	release := make(chan struct{})
	remote := &stubRemote{fetch: func(context.Context, string) (RemoteState, error) {
		<-release
		return RemoteState{Remaining: 2, Total: 5}, nil
	}}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(Config{Limit: 5, RemoteTimeout: 5 * time.Second, Now: clock.Now}, remote, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Refresh(context.Background(), "a")
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), remote.calls.Load())
	assert.Equal(t, 2, m.Check(context.Background(), "a").Remaining)
}

func TestManagerRefreshIgnoresStateFetchedBeforeConsume(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	remote := &stubRemote{fetch: func(context.Context, string) (RemoteState, error) {
		close(started)
		<-release
		return RemoteState{Remaining: 5, Total: 5}, nil
	}}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(Config{Limit: 5, RemoteTimeout: 5 * time.Second, Now: clock.Now}, remote, zaptest.NewLogger(t))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- m.Refresh(ctx, "a") }()
	<-started
	assert.Equal(t, 4, m.Consume(ctx, "a").Remaining)
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 4, m.Check(ctx, "a").Remaining, "stale remote report must not refund a consumed turn")
}

func TestRedisRemoteRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	remote := NewRedisRemoteFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer remote.Close()
	ctx := context.Background()

	_, err := remote.Fetch(ctx, "a")
	require.ErrorIs(t, err, ErrNoRemoteState)

	resetAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, remote.Record(ctx, "a", State{Remaining: 4, Limit: 10, ResetAt: resetAt}))

	got, err := remote.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, RemoteState{Remaining: 4, Total: 10, ResetAt: resetAt}, got)
	assert.Greater(t, mr.TTL(redisKey("a")), time.Duration(0))
}

func TestManagerWritesThroughToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	remote := NewRedisRemoteFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer remote.Close()
	m := NewManager(Config{Limit: 3}, remote, zaptest.NewLogger(t))
	ctx := context.Background()

	m.Consume(ctx, "a")
	assert.Equal(t, "2", mr.HGet(redisKey("a"), "remaining"))

	// A second instance sharing the remote picks the spent unit up on refresh.
	peer := NewManager(Config{Limit: 3}, remote, nil)
	require.NoError(t, peer.Refresh(ctx, "a"))
	assert.Equal(t, 2, peer.Check(ctx, "a").Remaining)
}

func TestHTTPRemoteFetch(t *testing.T) {
	resetAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("identity") {
		case "known":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"remaining":1,"total":10,"resetAt":"2026-03-02T00:00:00Z"}`))
		case "broken":
			http.Error(w, "boom", http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL+"/quota", time.Second)
	ctx := context.Background()

	got, err := remote.Fetch(ctx, "known")
	require.NoError(t, err)
	assert.Equal(t, RemoteState{Remaining: 1, Total: 10, ResetAt: resetAt}, got)

	_, err = remote.Fetch(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNoRemoteState)

	_, err = remote.Fetch(ctx, "broken")
	assert.ErrorContains(t, err, "502")
}
