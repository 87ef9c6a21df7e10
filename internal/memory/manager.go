package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avvvet/partsbuddy/internal/metrics"
	"github.com/avvvet/partsbuddy/internal/models"
	"go.uber.org/zap"
)

// ManagerOptions configures history retention and degradation
type ManagerOptions struct {
	HistoryLimit int
	SessionTTL   time.Duration
	RetryAfter   time.Duration
	Keys         KeyPolicy
}

// Manager orchestrates the response cache and conversation history.
// It prefers the primary store and falls back to its own LocalStore when the primary is unreachable.
type Manager struct {
	primary Store
	local   *LocalStore
	opts    ManagerOptions
	logger  *zap.Logger

	mu            sync.Mutex
	degraded      bool
	degradedSince time.Time

	now func() time.Time
}

// NewManager creates a new memory manager. primary may be nil for local-only operation.
func NewManager(primary Store, opts ManagerOptions, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Keys == nil {
		opts.Keys = GlobalKeys{}
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 30 * time.Second
	}

	return &Manager{
		primary: primary,
		local:   NewLocalStore(),
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Key returns the response cache key for a request
func (m *Manager) Key(sessionID, message string) string {
	return m.opts.Keys.Key(sessionID, message)
}

// Lookup returns a copy of a live cached result, marked as cached
func (m *Manager) Lookup(ctx context.Context, key string) (*models.PipelineResult, bool) {
	var entry *models.CacheEntry
	err := m.do(ctx, "response", func(s Store) error {
		var err error
		entry, err = s.GetResponse(ctx, key)
		return err
	})
	if err != nil {
		m.logger.Debug("Cache lookup failed", zap.String("key", key), zap.Error(err))
		metrics.CacheOperations.WithLabelValues("response", "error").Inc()
		return nil, false
	}

	if entry == nil || entry.Expired(m.now()) {
		metrics.CacheOperations.WithLabelValues("response", "miss").Inc()
		return nil, false
	}

	metrics.CacheOperations.WithLabelValues("response", "hit").Inc()
	result := entry.Result
	result.Cached = true
	return &result, true
}

// Store caches result under key for ttl
func (m *Manager) Store(ctx context.Context, key string, result models.PipelineResult, ttl time.Duration) {
	result.Cached = false
	entry := models.CacheEntry{
		Result:   result,
		StoredAt: m.now(),
		TTL:      ttl,
	}

	err := m.do(ctx, "response", func(s Store) error {
		return s.SetResponse(ctx, key, entry)
	})
	if err != nil {
		m.logger.Warn("Failed to cache response", zap.String("key", key), zap.Error(err))
		metrics.CacheOperations.WithLabelValues("response", "error").Inc()
		return
	}
	metrics.CacheOperations.WithLabelValues("response", "store").Inc()
}

// Append adds turns to a session, keeping the newest HistoryLimit
func (m *Manager) Append(ctx context.Context, sessionID string, turns ...models.Turn) {
	if sessionID == "" || len(turns) == 0 {
		return
	}

	err := m.do(ctx, "history", func(s Store) error {
		return s.AppendTurns(ctx, sessionID, turns, m.opts.HistoryLimit, m.opts.SessionTTL)
	})
	if err != nil {
		m.logger.Warn("Failed to save history", zap.String("session_id", sessionID), zap.Error(err))
		metrics.CacheOperations.WithLabelValues("history", "error").Inc()
		return
	}
	metrics.CacheOperations.WithLabelValues("history", "store").Inc()
}

// History returns a session's turns, oldest first. Failures read as an empty history.
func (m *Manager) History(ctx context.Context, sessionID string) []models.Turn {
	var turns []models.Turn
	err := m.do(ctx, "history", func(s Store) error {
		var err error
		turns, err = s.History(ctx, sessionID)
		return err
	})
	if err != nil {
		m.logger.Debug("Failed to load history", zap.String("session_id", sessionID), zap.Error(err))
		return []models.Turn{}
	}
	if len(turns) > m.opts.HistoryLimit {
		turns = turns[len(turns)-m.opts.HistoryLimit:]
	}
	return turns
}

// ClearSession clears a session from whichever store is serving
func (m *Manager) ClearSession(ctx context.Context, sessionID string) error {
	return m.do(ctx, "history", func(s Store) error {
		return s.ClearSession(ctx, sessionID)
	})
}

// Degraded reports whether the fallback store is serving
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Close closes both stores
func (m *Manager) Close() error {
	var errs []error
	if m.primary != nil {
		errs = append(errs, m.primary.Close())
	}
	errs = append(errs, m.local.Close())
	return errors.Join(errs...)
}

// do runs op against the serving store. An unreachable primary flips the
// manager into degraded mode and op is retried on the local store.
func (m *Manager) do(ctx context.Context, cache string, op func(Store) error) error {
	store := m.serving()
	if store == m.local {
		return op(m.local)
	}

	err := op(store)
	if err == nil {
		m.recovered()
		return nil
	}
	if !errors.Is(err, ErrCacheUnavailable) || ctx.Err() != nil {
		return err
	}

	m.degrade(err)
	metrics.CacheOperations.WithLabelValues(cache, "fallback").Inc()
	return op(m.local)
}

func (m *Manager) serving() Store {
	if m.primary == nil {
		return m.local
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.degraded {
		return m.primary
	}
	// Try the primary again once the retry window has passed
	if m.now().Sub(m.degradedSince) >= m.opts.RetryAfter {
		m.degradedSince = m.now()
		return m.primary
	}
	return m.local
}

func (m *Manager) degrade(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.degraded {
		m.logger.Warn("⚠️ Cache store unreachable, serving from in-process fallback",
			zap.Duration("retry_after", m.opts.RetryAfter),
			zap.Error(err))
		metrics.CacheDegraded.Set(1)
	}
	m.degraded = true
	m.degradedSince = m.now()
}

func (m *Manager) recovered() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.degraded {
		m.logger.Info("✅ Cache store reachable again")
		metrics.CacheDegraded.Set(0)
	}
	m.degraded = false
}
