package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store interface using Redis
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed store. It does not dial; an unreachable
// server surfaces as ErrCacheUnavailable on first use.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	// Parse Redis URL
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.DialTimeout = time.Second
	opt.ReadTimeout = 500 * time.Millisecond
	opt.WriteTimeout = 500 * time.Millisecond
	opt.MaxRetries = 1

	return &RedisStore{client: redis.NewClient(opt)}, nil
}

// responseKey generates Redis key for a cached response
func (r *RedisStore) responseKey(key string) string {
	return fmt.Sprintf("resp:%s", key)
}

// sessionKey generates Redis key for a session history list
func (r *RedisStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("chat:%s", sessionID)
}

// GetResponse loads a cached response from Redis
func (r *RedisStore) GetResponse(ctx context.Context, key string) (*models.CacheEntry, error) {
	data, err := r.client.Get(ctx, r.responseKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(ctx, "failed to load response", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cached response: %w", err)
	}
	return &entry, nil
}

// SetResponse saves a response with its TTL
func (r *RedisStore) SetResponse(ctx context.Context, key string, entry models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := r.client.Set(ctx, r.responseKey(key), data, entry.TTL).Err(); err != nil {
		return unavailable(ctx, "failed to save response", err)
	}
	return nil
}

// AppendTurns pushes turns, trims to the newest limit and refreshes the TTL in one transaction
func (r *RedisStore) AppendTurns(ctx context.Context, sessionID string, turns []models.Turn, limit int, ttl time.Duration) error {
	if len(turns) == 0 {
		return nil
	}

	values := make([]any, 0, len(turns))
	for _, turn := range turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		values = append(values, data)
	}

	key := r.sessionKey(sessionID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if limit > 0 {
			pipe.LTrim(ctx, key, int64(-limit), -1)
		}
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable(ctx, "failed to append history", err)
	}
	return nil
}

// History retrieves all turns for a session
func (r *RedisStore) History(ctx context.Context, sessionID string) ([]models.Turn, error) {
	items, err := r.client.LRange(ctx, r.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, unavailable(ctx, "failed to load history", err)
	}

	turns := make([]models.Turn, 0, len(items))
	for _, item := range items {
		var turn models.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// ClearSession removes a session from Redis
func (r *RedisStore) ClearSession(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.sessionKey(sessionID)).Err(); err != nil {
		return unavailable(ctx, "failed to clear session", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Health check - verify Redis connection is alive
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable(ctx, "ping failed", err)
	}
	return nil
}

// unavailable wraps a Redis failure in ErrCacheUnavailable unless the caller's own
// context ended it, which says nothing about the server
func unavailable(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCacheUnavailable, msg, err)
}
