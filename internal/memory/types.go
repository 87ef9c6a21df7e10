package memory

import (
	"context"
	"errors"
	"time"

	"github.com/avvvet/partsbuddy/internal/models"
)

// ErrCacheUnavailable means the backing store could not be reached
var ErrCacheUnavailable = errors.New("cache store unavailable")

// Store defines the interface for response and conversation storage
// This allows us to swap between Redis and the in-process store
type Store interface {
	// GetResponse returns the entry under key, or nil on a miss
	GetResponse(ctx context.Context, key string) (*models.CacheEntry, error)

	// SetResponse stores entry under key for entry.TTL, superseding any previous value
	SetResponse(ctx context.Context, key string, entry models.CacheEntry) error

	// AppendTurns appends to a session, keeps the newest limit turns and refreshes the session TTL
	AppendTurns(ctx context.Context, sessionID string, turns []models.Turn, limit int, ttl time.Duration) error

	// History retrieves all turns for a session, oldest first
	History(ctx context.Context, sessionID string) ([]models.Turn, error)

	// ClearSession removes a session from storage
	ClearSession(ctx context.Context, sessionID string) error

	Ping(ctx context.Context) error
	Close() error
}
