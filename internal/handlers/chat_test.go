package handlers

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avvvet/partsbuddy/internal/agents"
	"github.com/avvvet/partsbuddy/internal/catalog"
	"github.com/avvvet/partsbuddy/internal/llm"
	"github.com/avvvet/partsbuddy/internal/memory"
	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/avvvet/partsbuddy/internal/prompts"
	"github.com/avvvet/partsbuddy/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreAnyFunction("github.com/redis/go-redis/v9/internal/pool.startGlobalTimeCache.func1"))
}

type pipeline struct {
	handler *ChatHandler
	memory  *memory.Manager
}

// countingAgent records calls and returns an empty product result
type countingAgent struct {
	calls atomic.Int32
}

func (a *countingAgent) Kind() agents.Kind { return agents.KindProduct }

func (a *countingAgent) Run(ctx context.Context, task agents.Task) agents.Result {
	a.calls.Add(1)
	return &agents.ProductResult{}
}

func newPipeline(t *testing.T, provider llm.Provider, router func(*catalog.FileCatalog, search.Searcher) *agents.Router) pipeline {
	t.Helper()
	return newPipelineWith(t, provider, router, nil,
		Options{CacheTTL: time.Minute, RefusalTTL: time.Minute, MaxMessageLen: 200})
}

func newPipelineWith(t *testing.T, provider llm.Provider, router func(*catalog.FileCatalog, search.Searcher) *agents.Router,
	primary memory.Store, opts Options) pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cat, err := catalog.Load("", logger)
	require.NoError(t, err)

	embedder, err := search.NewHashEmbedder(0)
	require.NoError(t, err)
	index := search.NewIndex(embedder, logger)
	require.NoError(t, index.Seed(context.Background(), cat))

	gateway := llm.NewGateway(provider, llm.Options{
		Timeout:     time.Second,
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
		Budget:      2 * time.Second,
	}, logger)

	mem := memory.NewManager(primary, memory.ManagerOptions{HistoryLimit: 20, SessionTTL: time.Hour}, logger)
	t.Cleanup(func() { _ = mem.Close() })

	var r *agents.Router
	if router != nil {
		r = router(cat, index)
	}

	h := NewChatHandler(mem,
		agents.NewGuard(gateway, logger),
		agents.NewClassifier(gateway, 6, logger),
		r,
		agents.NewSynthesizer(gateway, 6, logger),
		opts,
		logger)

	return pipeline{handler: h, memory: mem}
}

func standardRouter(cat *catalog.FileCatalog, searcher search.Searcher) *agents.Router {
	return agents.NewRouter(2*time.Second, nil,
		agents.NewProductAgent(cat, searcher, 5, time.Second, nil),
		agents.NewTroubleshootAgent(cat, searcher, 3, time.Second, nil))
}

func offlinePipeline(t *testing.T) pipeline {
	return newPipeline(t, llm.OfflineProvider{}, standardRouter)
}

func ask(t *testing.T, p pipeline, session, message string) *models.PipelineResult {
	t.Helper()
	res, err := p.handler.ProcessChat(context.Background(), &models.ChatRequest{SessionID: session, Message: message})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestProcessChatProductSearch(t *testing.T) {
	p := offlinePipeline(t)

	res := ask(t, p, "s1", "Find ice maker parts")
	assert.False(t, res.Cached)
	assert.Equal(t, string(models.IntentProductSearch), res.Metadata[models.MetaIntent])
	require.NotEmpty(t, res.Products)
	for _, part := range res.Products {
		assert.NotEmpty(t, part.Name)
		assert.NotEmpty(t, part.PartNumber)
		assert.Positive(t, part.Price)
	}
	assert.NotEmpty(t, res.Response)
	assert.Contains(t, res.Metadata[models.MetaDegraded], models.DegradedClassifier)
	assert.NotEmpty(t, res.Metadata[models.MetaRequestID])
}

func TestProcessChatCompatibilityLeadsWithVerdict(t *testing.T) {
	p := offlinePipeline(t)

	res := ask(t, p, "s1", "Is PS11752778 compatible with WDT780SAEM1?")
	assert.Equal(t, string(models.IntentCompatibilityCheck), res.Metadata[models.MetaIntent])
	assert.True(t, strings.HasPrefix(res.Response, "No."), res.Response)
	require.Len(t, res.Products, 1)
	assert.Equal(t, "PS11752778", res.Products[0].PartNumber)
}

func TestProcessChatRefusesOtherAppliances(t *testing.T) {
	p := offlinePipeline(t)

	res := ask(t, p, "s1", "How do I fix my oven?")
	assert.Equal(t, prompts.RefusalMessage, res.Response)
	assert.Empty(t, res.Products)
	assert.Empty(t, res.Steps)
	assert.Equal(t, true, res.Metadata[models.MetaRefused])
	assert.Equal(t, string(models.ReasonWrongAppliance), res.Metadata[models.MetaGuardReason])
}

func TestProcessChatServesRepeatsFromCache(t *testing.T) {
	p := offlinePipeline(t)

	first := ask(t, p, "s1", "Find ice maker parts")
	second := ask(t, p, "s2", "  find ICE maker parts ")

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Response, second.Response)
	require.Equal(t, len(first.Products), len(second.Products))
	for i := range first.Products {
		assert.Equal(t, first.Products[i].PartNumber, second.Products[i].PartNumber)
	}
	assert.NotEqual(t, first.Metadata[models.MetaRequestID], second.Metadata[models.MetaRequestID])
}

func TestProcessChatAppendsHistory(t *testing.T) {
	p := offlinePipeline(t)
	ctx := context.Background()

	first := ask(t, p, "s1", "Find ice maker parts")
	ask(t, p, "s1", "Find ice maker parts")
	ask(t, p, "s1", "How do I fix my oven?")

	history := p.memory.History(ctx, "s1")
	require.Len(t, history, 6)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "Find ice maker parts", history[0].Content)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, first.Response, history[1].Content)
	assert.Equal(t, prompts.RefusalMessage, history[5].Content)

	assert.Empty(t, p.memory.History(ctx, "s2"))
}

func TestProcessChatRejectsInvalidRequests(t *testing.T) {
	p := offlinePipeline(t)

	cases := map[string]*models.ChatRequest{
		"nil request":   nil,
		"empty message": {SessionID: "s1", Message: "   "},
		"no session":    {Message: "Find ice maker parts"},
		"too long":      {SessionID: "s1", Message: strings.Repeat("a", 201)},
	}
	for name, request := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := p.handler.ProcessChat(context.Background(), request)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, ErrInvalidRequest), "got %v", err)
		})
	}

	assert.Empty(t, p.memory.History(context.Background(), "s1"))
}

func TestProcessChatGuardRejectionRunsNoAgents(t *testing.T) {
	var synthCalls atomic.Int32
	provider := llm.ProviderFunc(func(ctx context.Context, req llm.Request) (string, error) {
		switch req.Task {
		case llm.TaskGuard:
			return `{"in_scope": false, "reason": "unsupported_topic"}`, nil
		case llm.TaskSynthesize:
			synthCalls.Add(1)
		}
		return "", errors.New("503 service unavailable")
	})

	agent := &countingAgent{}
	p := newPipeline(t, provider, func(*catalog.FileCatalog, search.Searcher) *agents.Router {
		return agents.NewRouter(time.Second, nil, agent)
	})

	// Neither list matches, so the guard asks the model
	res := ask(t, p, "s1", "Tell me a joke about penguins")
	assert.Equal(t, prompts.RefusalMessage, res.Response)
	assert.Equal(t, string(models.ReasonUnsupportedTopic), res.Metadata[models.MetaGuardReason])
	assert.Zero(t, agent.calls.Load())
	assert.Zero(t, synthCalls.Load())
}

func TestProcessChatGuardFailureAdmits(t *testing.T) {
	agent := &countingAgent{}
	p := newPipeline(t, llm.OfflineProvider{}, func(*catalog.FileCatalog, search.Searcher) *agents.Router {
		return agents.NewRouter(time.Second, nil, agent)
	})

	res := ask(t, p, "s1", "Tell me about penguins")
	assert.Equal(t, int32(1), agent.calls.Load())
	assert.Contains(t, res.Metadata[models.MetaDegraded], models.DegradedGuard)
	assert.Empty(t, res.Metadata[models.MetaRefused])
}

func TestProcessChatRecoversFromPanics(t *testing.T) {
	// A nil router panics on dispatch
	p := newPipeline(t, llm.OfflineProvider{}, nil)

	res := ask(t, p, "s1", "Find ice maker parts")
	assert.Equal(t, prompts.FallbackMessage, res.Response)
	assert.Equal(t, []string{models.DegradedRecovered}, res.Metadata[models.MetaDegraded])
	assert.NotEmpty(t, res.Metadata[models.MetaRequestID])

	again := ask(t, p, "s1", "Find ice maker parts")
	assert.False(t, again.Cached, "recovered answers are never cached")
	assert.Len(t, p.memory.History(context.Background(), "s1"), 4)
}

// ctxBoundStore refuses writes once the caller's context is done, the way a network store does
type ctxBoundStore struct {
	*memory.LocalStore
}

func (s ctxBoundStore) SetResponse(ctx context.Context, key string, entry models.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.LocalStore.SetResponse(ctx, key, entry)
}

func (s ctxBoundStore) AppendTurns(ctx context.Context, sessionID string, turns []models.Turn, limit int, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.LocalStore.AppendTurns(ctx, sessionID, turns, limit, ttl)
}

func TestProcessChatPersistsAfterCallerLeaves(t *testing.T) {
	store := ctxBoundStore{memory.NewLocalStore()}
	t.Cleanup(func() { _ = store.Close() })
	p := newPipelineWith(t, llm.OfflineProvider{}, standardRouter, store,
		Options{CacheTTL: time.Minute, RefusalTTL: time.Minute, MaxMessageLen: 200})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := p.handler.ProcessChat(ctx, &models.ChatRequest{SessionID: "s1", Message: "Find ice maker parts"})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, p.memory.Degraded())
	assert.Len(t, p.memory.History(context.Background(), "s1"), 2)

	again := ask(t, p, "s2", "Find ice maker parts")
	assert.True(t, again.Cached)
}

func TestProcessChatDegradedAnswersKeepCacheTTL(t *testing.T) {
	p := newPipelineWith(t, llm.OfflineProvider{}, standardRouter, nil,
		Options{CacheTTL: 15 * time.Minute, RefusalTTL: 50 * time.Millisecond, MaxMessageLen: 200})

	first := ask(t, p, "s1", "Find ice maker parts")
	require.NotEmpty(t, first.Metadata[models.MetaDegraded])

	time.Sleep(100 * time.Millisecond)

	second := ask(t, p, "s2", "Find ice maker parts")
	assert.True(t, second.Cached, "a degraded answer lives for the full cache TTL")
}

func TestProcessChatClassifierOutOfScopeRefuses(t *testing.T) {
	var synthCalls atomic.Int32
	provider := llm.ProviderFunc(func(ctx context.Context, req llm.Request) (string, error) {
		switch req.Task {
		case llm.TaskGuard:
			return `{"in_scope": true, "reason": "none"}`, nil
		case llm.TaskClassify:
			return `{"intent": "out_of_scope", "entities": {}}`, nil
		case llm.TaskSynthesize:
			synthCalls.Add(1)
		}
		return "", errors.New("503 service unavailable")
	})

	agent := &countingAgent{}
	p := newPipeline(t, provider, func(*catalog.FileCatalog, search.Searcher) *agents.Router {
		return agents.NewRouter(time.Second, nil, agent)
	})

	res := ask(t, p, "s1", "Tell me about penguins")
	assert.Equal(t, prompts.RefusalMessage, res.Response)
	assert.Empty(t, res.Products)
	assert.Empty(t, res.Steps)
	assert.Equal(t, true, res.Metadata[models.MetaRefused])
	assert.Equal(t, string(models.ReasonUnsupportedTopic), res.Metadata[models.MetaGuardReason])
	assert.Zero(t, agent.calls.Load())
	assert.Zero(t, synthCalls.Load())

	history := p.memory.History(context.Background(), "s1")
	require.Len(t, history, 2)
	assert.Equal(t, prompts.RefusalMessage, history[1].Content)
}
