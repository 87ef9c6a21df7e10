package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avvvet/partsbuddy/internal/models"
)

const sweepEvery = 128

type localSession struct {
	turns   []models.Turn
	expires time.Time
}

// LocalStore is the in-process Store. Entries are kept encoded so readers never
// share slices or maps with the writer.
type LocalStore struct {
	mu        sync.Mutex
	responses map[string][]byte
	sessions  map[string]*localSession
	writes    int

	now func() time.Time
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		responses: make(map[string][]byte),
		sessions:  make(map[string]*localSession),
		now:       time.Now,
	}
}

func (s *LocalStore) GetResponse(ctx context.Context, key string) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.responses[key]
	if !ok {
		return nil, nil
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cached response: %w", err)
	}

	// Expiry is checked and applied under the same lock a SetResponse takes
	if entry.Expired(s.now()) {
		delete(s.responses, key)
		return nil, nil
	}
	return &entry, nil
}

func (s *LocalStore) SetResponse(ctx context.Context, key string, entry models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.responses[key] = data
	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweepLocked()
	}
	return nil
}

func (s *LocalStore) AppendTurns(ctx context.Context, sessionID string, turns []models.Turn, limit int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.expired(now) {
		sess = &localSession{}
		s.sessions[sessionID] = sess
	}

	sess.turns = append(sess.turns, turns...)
	if limit > 0 && len(sess.turns) > limit {
		sess.turns = append([]models.Turn(nil), sess.turns[len(sess.turns)-limit:]...)
	}
	if ttl > 0 {
		sess.expires = now.Add(ttl)
	} else {
		sess.expires = time.Time{}
	}
	return nil
}

func (s *LocalStore) History(ctx context.Context, sessionID string) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return []models.Turn{}, nil
	}
	if sess.expired(s.now()) {
		delete(s.sessions, sessionID)
		return []models.Turn{}, nil
	}

	out := make([]models.Turn, len(sess.turns))
	copy(out, sess.turns)
	return out, nil
}

func (s *LocalStore) ClearSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) Ping(ctx context.Context) error {
	return nil
}

// Close drops everything held in memory
func (s *LocalStore) Close() error {
	s.mu.Lock()
	s.responses = make(map[string][]byte)
	s.sessions = make(map[string]*localSession)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored responses and sessions
func (s *LocalStore) Len() (responses, sessions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses), len(s.sessions)
}

func (s *LocalStore) sweepLocked() {
	now := s.now()
	for key, data := range s.responses {
		var entry models.CacheEntry
		if json.Unmarshal(data, &entry) != nil || entry.Expired(now) {
			delete(s.responses, key)
		}
	}
	for id, sess := range s.sessions {
		if sess.expired(now) {
			delete(s.sessions, id)
		}
	}
}

func (sess *localSession) expired(now time.Time) bool {
	return !sess.expires.IsZero() && !now.Before(sess.expires)
}
