package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func newTestManager(t *testing.T, primary Store, opts ManagerOptions) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	m := NewManager(primary, opts, zaptest.NewLogger(t))
	m.now = clock.Now
	m.local.now = clock.Now
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func sampleResult() models.PipelineResult {
	return models.PipelineResult{
		Response: "The PS11752778 ice maker fits your model.",
		Products: []models.Part{{PartNumber: "PS11752778", Name: "Ice Maker Assembly", Price: 89.95, InStock: true}},
		Steps:    []models.Step{{Index: 1, Instruction: "Unplug the refrigerator."}},
		Metadata: map[string]any{models.MetaIntent: "product_search"},
	}
}

func TestManagerRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, nil, ManagerOptions{})
	ctx := context.Background()

	_, hit := m.Lookup(ctx, "ice maker")
	assert.False(t, hit)

	m.Store(ctx, "ice maker", sampleResult(), 15*time.Minute)

	got, hit := m.Lookup(ctx, "ice maker")
	require.True(t, hit)
	assert.True(t, got.Cached)
	assert.Equal(t, "The PS11752778 ice maker fits your model.", got.Response)
	require.Len(t, got.Products, 1)
	assert.Equal(t, "PS11752778", got.Products[0].PartNumber)
}

func TestManagerLookupReturnsIndependentCopies(t *testing.T) {
	m, _ := newTestManager(t, nil, ManagerOptions{})
	ctx := context.Background()

	m.Store(ctx, "k", sampleResult(), time.Minute)

	first, hit := m.Lookup(ctx, "k")
	require.True(t, hit)
	first.Products[0].Name = "changed"
	first.Metadata["extra"] = true

	second, hit := m.Lookup(ctx, "k")
	require.True(t, hit)
	assert.Equal(t, "Ice Maker Assembly", second.Products[0].Name)
	assert.NotContains(t, second.Metadata, "extra")
}

func TestManagerEntryExpires(t *testing.T) {
	m, clock := newTestManager(t, nil, ManagerOptions{})
	ctx := context.Background()

	m.Store(ctx, "refusal", models.PipelineResult{Response: "no"}, 2*time.Minute)
	m.Store(ctx, "answer", models.PipelineResult{Response: "yes"}, 15*time.Minute)

	clock.Advance(2*time.Minute - time.Second)
	_, hit := m.Lookup(ctx, "refusal")
	assert.True(t, hit)

	clock.Advance(time.Second)
	_, hit = m.Lookup(ctx, "refusal")
	assert.False(t, hit, "never served at or past its TTL")

	_, hit = m.Lookup(ctx, "answer")
	assert.True(t, hit)
}

func TestManagerWriteSupersedes(t *testing.T) {
	m, _ := newTestManager(t, nil, ManagerOptions{})
	ctx := context.Background()

	m.Store(ctx, "k", models.PipelineResult{Response: "old"}, time.Minute)
	m.Store(ctx, "k", models.PipelineResult{Response: "new"}, time.Minute)

	got, hit := m.Lookup(ctx, "k")
	require.True(t, hit)
	assert.Equal(t, "new", got.Response)
}

func TestManagerHistoryCappedFIFO(t *testing.T) {
	m, _ := newTestManager(t, nil, ManagerOptions{HistoryLimit: 20, SessionTTL: time.Hour})
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		m.Append(ctx, "s1", models.Turn{Role: models.RoleUser, Content: fmt.Sprintf("msg %d", i)})
	}

	history := m.History(ctx, "s1")
	require.Len(t, history, 20)
	assert.Equal(t, "msg 5", history[0].Content)
	assert.Equal(t, "msg 24", history[19].Content)

	assert.Empty(t, m.History(ctx, "other"))
}

func TestManagerSessionExpiresWhenIdle(t *testing.T) {
	m, clock := newTestManager(t, nil, ManagerOptions{SessionTTL: 30 * time.Minute})
	ctx := context.Background()

	m.Append(ctx, "s1", models.Turn{Role: models.RoleUser, Content: "hello"})
	clock.Advance(20 * time.Minute)
	m.Append(ctx, "s1", models.Turn{Role: models.RoleAssistant, Content: "hi"})
	clock.Advance(20 * time.Minute)
	assert.Len(t, m.History(ctx, "s1"), 2, "activity refreshes the TTL")

	clock.Advance(11 * time.Minute)
	assert.Empty(t, m.History(ctx, "s1"))
}

func TestManagerClearSession(t *testing.T) {
	m, _ := newTestManager(t, nil, ManagerOptions{})
	ctx := context.Background()

	m.Append(ctx, "s1", models.Turn{Role: models.RoleUser, Content: "hello"})
	require.NoError(t, m.ClearSession(ctx, "s1"))
	assert.Empty(t, m.History(ctx, "s1"))
}

// flakyStore fails with ErrCacheUnavailable while down is set
type flakyStore struct {
	*LocalStore
	down  atomic.Bool
	calls atomic.Int32
}

func (f *flakyStore) check() error {
	f.calls.Add(1)
	if f.down.Load() {
		return fmt.Errorf("%w: connection refused", ErrCacheUnavailable)
	}
	return nil
}

func (f *flakyStore) GetResponse(ctx context.Context, key string) (*models.CacheEntry, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.LocalStore.GetResponse(ctx, key)
}

func (f *flakyStore) SetResponse(ctx context.Context, key string, entry models.CacheEntry) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.LocalStore.SetResponse(ctx, key, entry)
}

func (f *flakyStore) AppendTurns(ctx context.Context, id string, turns []models.Turn, limit int, ttl time.Duration) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.LocalStore.AppendTurns(ctx, id, turns, limit, ttl)
}

func (f *flakyStore) History(ctx context.Context, id string) ([]models.Turn, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.LocalStore.History(ctx, id)
}

func TestManagerDegradesAndRecovers(t *testing.T) {
	primary := &flakyStore{LocalStore: NewLocalStore()}
	primary.down.Store(true)

	m, clock := newTestManager(t, primary, ManagerOptions{RetryAfter: 30 * time.Second})
	primary.LocalStore.now = clock.Now
	ctx := context.Background()

	m.Store(ctx, "k", models.PipelineResult{Response: "from fallback"}, time.Minute)
	assert.True(t, m.Degraded())

	got, hit := m.Lookup(ctx, "k")
	require.True(t, hit, "fallback serves while primary is down")
	assert.Equal(t, "from fallback", got.Response)

	callsWhileDegraded := primary.calls.Load()
	m.Append(ctx, "s1", models.Turn{Role: models.RoleUser, Content: "hello"})
	assert.Equal(t, callsWhileDegraded, primary.calls.Load(), "primary is not retried inside the window")
	assert.Len(t, m.History(ctx, "s1"), 1)

	primary.down.Store(false)
	clock.Advance(31 * time.Second)

	m.Store(ctx, "k2", models.PipelineResult{Response: "from primary"}, time.Minute)
	assert.False(t, m.Degraded())

	entry, err := primary.LocalStore.GetResponse(ctx, "k2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "from primary", entry.Result.Response)
}

func TestManagerConcurrentAccess(t *testing.T) {
	m, _ := newTestManager(t, nil, ManagerOptions{HistoryLimit: 20})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			m.Store(ctx, key, models.PipelineResult{Response: key}, time.Minute)
			m.Lookup(ctx, key)
			m.Append(ctx, "shared", models.Turn{Role: models.RoleUser, Content: key})
			m.History(ctx, "shared")
		}(i)
	}
	wg.Wait()

	assert.Len(t, m.History(ctx, "shared"), 16)
}

// ctxStore behaves like a Redis store whose caller went away: it fails only when ctx is done
type ctxStore struct {
	*LocalStore
}

func (s *ctxStore) AppendTurns(ctx context.Context, id string, turns []models.Turn, limit int, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: failed to append history: %w", ErrCacheUnavailable, err)
	}
	return s.LocalStore.AppendTurns(ctx, id, turns, limit, ttl)
}

func TestManagerCallerCancellationDoesNotDegrade(t *testing.T) {
	primary := &ctxStore{LocalStore: NewLocalStore()}
	m, clock := newTestManager(t, primary, ManagerOptions{RetryAfter: 30 * time.Second})
	primary.LocalStore.now = clock.Now

	m.Store(context.Background(), "k", models.PipelineResult{Response: "shared"}, time.Minute)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	m.Append(cancelled, "s1", models.Turn{Role: models.RoleUser, Content: "hello"})

	assert.False(t, m.Degraded())
	got, hit := m.Lookup(context.Background(), "k")
	require.True(t, hit, "entries in the primary stay visible to other requests")
	assert.Equal(t, "shared", got.Response)
}

func TestLocalStoreExpiredEntryReplaced(t *testing.T) {
	s := NewLocalStore()
	clock := newFakeClock()
	s.now = clock.Now
	ctx := context.Background()

	require.NoError(t, s.SetResponse(ctx, "k", models.CacheEntry{
		Result: models.PipelineResult{Response: "old"}, StoredAt: clock.Now(), TTL: time.Second}))
	clock.Advance(2 * time.Second)

	entry, err := s.GetResponse(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, s.SetResponse(ctx, "k", models.CacheEntry{
		Result: models.PipelineResult{Response: "new"}, StoredAt: clock.Now(), TTL: time.Minute}))
	entry, err = s.GetResponse(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "new", entry.Result.Response)
}
