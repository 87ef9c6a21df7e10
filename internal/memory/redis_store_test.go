package memory

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore connects to REDIS_URL (default localhost) or skips
func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}

	store, err := NewRedisStore(url)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStore_ResponseRoundTrip(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	defer store.client.Del(ctx, store.responseKey(key))

	miss, err := store.GetResponse(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, miss)

	entry := models.CacheEntry{
		Result:   models.PipelineResult{Response: "hello"},
		StoredAt: time.Now(),
		TTL:      time.Minute,
	}
	require.NoError(t, store.SetResponse(ctx, key, entry))

	got, err := store.GetResponse(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Result.Response)

	ttl, err := store.client.TTL(ctx, store.responseKey(key)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)
}

func TestRedisStore_HistoryTrimmed(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()
	session := "test-" + uuid.NewString()
	defer store.ClearSession(ctx, session)

	for i := 0; i < 25; i++ {
		turn := models.Turn{Role: models.RoleUser, Content: fmt.Sprintf("msg %d", i), Timestamp: time.Now()}
		require.NoError(t, store.AppendTurns(ctx, session, []models.Turn{turn}, 20, time.Minute))
	}

	history, err := store.History(ctx, session)
	require.NoError(t, err)
	require.Len(t, history, 20)
	assert.Equal(t, "msg 5", history[0].Content)
	assert.Equal(t, "msg 24", history[19].Content)
}

func TestRedisStore_UnreachableIsUnavailable(t *testing.T) {
	store, err := NewRedisStore("redis://127.0.0.1:1/0")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetResponse(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCacheUnavailable)
}

func TestRedisStore_CallerCancellationIsNotUnavailable(t *testing.T) {
	store, err := NewRedisStore("redis://127.0.0.1:1/0")
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.GetResponse(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheUnavailable)

	err = store.AppendTurns(ctx, "s1", []models.Turn{{Role: models.RoleUser, Content: "hi"}}, 20, time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheUnavailable)
}
