package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLimit         = 10
	DefaultWindow        = 24 * time.Hour
	DefaultRemoteTimeout = 800 * time.Millisecond

	// cacheGrace keeps an entry around a little past its reset so a late
	// read still sees the exhausted window closing rather than a cold start.
	cacheGrace = time.Hour
)

type Config struct {
	Limit         int
	Window        time.Duration
	RemoteTimeout time.Duration
	// Now overrides the clock; tests use it to cross reset boundaries.
	Now func() time.Time
}

// Manager tracks guest allowances. The local cache is the working copy; a
// Remote, when configured, is the source of truth and wins on Reconcile.
type Manager struct {
	limit         int
	window        time.Duration
	remoteTimeout time.Duration
	now           func() time.Time

	mu    sync.Mutex
	local *cache.Cache
	// spent counts local Consume calls per identity so a refresh can tell
	// whether its fetched state is older than the local copy.
	spent  *cache.Cache
	remote Remote
	group  singleflight.Group
	logger *zap.Logger
}

func NewManager(cfg Config, remote Remote, logger *zap.Logger) *Manager {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		limit:         cfg.Limit,
		window:        cfg.Window,
		remoteTimeout: cfg.RemoteTimeout,
		now:           cfg.Now,
		local:         cache.New(cfg.Window+cacheGrace, 10*time.Minute),
		spent:         cache.New(cfg.Window+cacheGrace, 10*time.Minute),
		remote:        remote,
		logger:        logger.With(zap.String("component", "quota")),
	}
}

func (m *Manager) Limit() int {
	return m.limit
}

// Check reports the current allowance without changing it.
func (m *Manager) Check(_ context.Context, identity string) Status {
	m.mu.Lock()
	st := m.current(identity, m.now())
	m.mu.Unlock()
	return st.status()
}

// Consume spends one unit. At zero it is a no-op returning the unchanged
// state; callers gate work with Check, not Consume.
func (m *Manager) Consume(ctx context.Context, identity string) State {
	m.mu.Lock()
	st := m.current(identity, m.now())
	if st.Remaining > 0 {
		st.Remaining--
	}
	m.store(identity, st)
	m.spent.Set(identity, m.spentCount(identity)+1, cache.DefaultExpiration)
	m.mu.Unlock()

	m.recordRemote(ctx, identity, st)
	return st
}

// Reconcile applies a remote report. The remote wins over the local copy,
// clamped into [0, limit].
func (m *Manager) Reconcile(identity string, remote RemoteState) State {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reconcileLocked(identity, remote, now)
}

func (m *Manager) reconcileLocked(identity string, remote RemoteState, now time.Time) State {
	st := m.current(identity, now)
	if remote.Total > 0 {
		st.Limit = remote.Total
	}
	st.Remaining = clamp(remote.Remaining, 0, st.Limit)
	if !remote.ResetAt.IsZero() {
		st.ResetAt = remote.ResetAt.UTC()
	}
	m.store(identity, st)
	return m.current(identity, now)
}

// Refresh pulls the remote state for identity within the remote timeout and
// reconciles it. On failure the last-known local state stays in effect, so an
// unreachable remote never widens the allowance.
func (m *Manager) Refresh(ctx context.Context, identity string) error {
	if m.remote == nil {
		return nil
	}
	_, err, _ := m.group.Do(identity, func() (any, error) {
		m.mu.Lock()
		seen := m.spentCount(identity)
		m.mu.Unlock()

		fetchCtx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
		defer cancel()

		rs, err := m.remote.Fetch(fetchCtx, identity)
		if err != nil {
			return nil, err
		}

		now := m.now()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.spentCount(identity) != seen {
			// A local Consume raced the fetch; the remote report predates it.
			m.logger.Debug("skipping stale remote quota state", zap.String("identity", identity))
			return m.current(identity, now), nil
		}
		return m.reconcileLocked(identity, rs, now), nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoRemoteState):
		return nil
	default:
		m.logger.Warn("remote quota refresh failed, using local state",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return err
	}
}

// current returns the effective state at now, applying a reset when the
// window has elapsed. Callers hold m.mu.
func (m *Manager) current(identity string, now time.Time) State {
	if v, ok := m.local.Get(identity); ok {
		st := v.(State)
		if now.Before(st.ResetAt) {
			return st
		}
		limit := st.Limit
		if limit <= 0 {
			limit = m.limit
		}
		return State{Remaining: limit, Limit: limit, ResetAt: now.Add(m.window)}
	}
	return State{Remaining: m.limit, Limit: m.limit, ResetAt: now.Add(m.window)}
}

// spentCount reads the Consume counter. Callers hold m.mu.
func (m *Manager) spentCount(identity string) uint64 {
	if v, ok := m.spent.Get(identity); ok {
		return v.(uint64)
	}
	return 0
}

func (m *Manager) store(identity string, st State) {
	ttl := st.ResetAt.Sub(m.now()) + cacheGrace
	if ttl <= 0 {
		ttl = cacheGrace
	}
	m.local.Set(identity, st, ttl)
}

func (m *Manager) recordRemote(ctx context.Context, identity string, st State) {
	rec, ok := m.remote.(Recorder)
	if !ok || rec == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.remoteTimeout)
	defer cancel()
	if err := rec.Record(recCtx, identity, st); err != nil {
		m.logger.Warn("remote quota write-through failed",
			zap.String("identity", identity),
			zap.Error(err),
		)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
