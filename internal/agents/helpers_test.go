package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avvvet/partsbuddy/internal/catalog"
	"github.com/avvvet/partsbuddy/internal/llm"
	"github.com/avvvet/partsbuddy/internal/search"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedLLM answers by task and counts calls. Safe for concurrent use.
type scriptedLLM struct {
	mu      sync.Mutex
	answers map[string]func(llm.Request) (string, error)
	calls   map[string]int
	prompts map[string]string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		answers: make(map[string]func(llm.Request) (string, error)),
		calls:   make(map[string]int),
		prompts: make(map[string]string),
	}
}

func (s *scriptedLLM) on(task string, answer func(llm.Request) (string, error)) *scriptedLLM {
	s.answers[task] = answer
	return s
}

func (s *scriptedLLM) reply(task, text string) *scriptedLLM {
	return s.on(task, func(llm.Request) (string, error) { return text, nil })
}

func (s *scriptedLLM) fail(task string) *scriptedLLM {
	return s.on(task, func(llm.Request) (string, error) { return "", errors.New("503 service unavailable") })
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.calls[req.Task]++
	s.prompts[req.Task] = req.Prompt
	answer := s.answers[req.Task]
	s.mu.Unlock()

	if answer == nil {
		return "", errors.New("503 service unavailable")
	}
	return answer(req)
}

func (s *scriptedLLM) count(task string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[task]
}

func (s *scriptedLLM) prompt(task string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[task]
}

func newGateway(t *testing.T, p llm.Provider) *llm.Gateway {
	t.Helper()
	return llm.NewGateway(p, llm.Options{
		Timeout:     time.Second,
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
		Budget:      2 * time.Second,
	}, zaptest.NewLogger(t))
}

func loadCatalog(t *testing.T) *catalog.FileCatalog {
	t.Helper()
	cat, err := catalog.Load("", nil)
	require.NoError(t, err)
	return cat
}

func seededIndex(t *testing.T, cat catalog.Catalog) *search.Index {
	t.Helper()
	embedder, err := search.NewHashEmbedder(0)
	require.NoError(t, err)
	ix := search.NewIndex(embedder, nil)
	require.NoError(t, ix.Seed(context.Background(), cat))
	return ix
}

// stubSearcher returns fixed hits or a fixed error
type stubSearcher struct {
	hits []search.Hit
	err  error
}

func (s stubSearcher) Query(ctx context.Context, q search.Query) ([]search.Hit, error) {
	return s.hits, s.err
}

var downSearcher = stubSearcher{err: search.ErrSearchUnavailable}
