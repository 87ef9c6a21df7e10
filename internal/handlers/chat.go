package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/avvvet/partsbuddy/internal/agents"
	"github.com/avvvet/partsbuddy/internal/memory"
	"github.com/avvvet/partsbuddy/internal/metrics"
	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/avvvet/partsbuddy/internal/prompts"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidRequest is the only error ProcessChat returns
var ErrInvalidRequest = errors.New("invalid request")

// Request outcomes
const (
	OutcomeCached    = "cached"
	OutcomeRefused   = "refused"
	OutcomeAnswered  = "answered"
	OutcomeInvalid   = "invalid"
	OutcomeRecovered = "recovered"
)

// Options bounds requests and sets cache lifetimes
type Options struct {
	CacheTTL      time.Duration
	RefusalTTL    time.Duration
	MaxMessageLen int
}

// ChatHandler runs one chat message through the pipeline
type ChatHandler struct {
	memory     *memory.Manager
	guard      *agents.Guard
	classifier *agents.Classifier
	router     *agents.Router
	synth      *agents.Synthesizer
	opts       Options
	logger     *zap.Logger
}

func NewChatHandler(mem *memory.Manager, guard *agents.Guard, classifier *agents.Classifier,
	router *agents.Router, synth *agents.Synthesizer, opts Options, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Minute
	}
	if opts.RefusalTTL <= 0 {
		opts.RefusalTTL = 2 * time.Minute
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = 2000
	}
	return &ChatHandler{
		memory:     mem,
		guard:      guard,
		classifier: classifier,
		router:     router,
		synth:      synth,
		opts:       opts,
		logger:     logger,
	}
}

// ProcessChat always produces a result for a valid request. The only error is ErrInvalidRequest.
func (h *ChatHandler) ProcessChat(ctx context.Context, request *models.ChatRequest) (*models.PipelineResult, error) {
	start := time.Now()

	// Validate request
	if err := h.validateRequest(request); err != nil {
		metrics.Requests.WithLabelValues(OutcomeInvalid).Inc()
		return nil, err
	}

	requestID := uuid.NewString()
	logger := h.logger.With(
		zap.String("session_id", request.SessionID),
		zap.String("request_id", requestID))

	message := strings.TrimSpace(request.Message)
	result, outcome := h.process(ctx, logger, request.SessionID, message)

	if result.Metadata == nil {
		result.Metadata = make(map[string]any)
	}
	result.Metadata[models.MetaRequestID] = requestID

	metrics.Requests.WithLabelValues(outcome).Inc()
	metrics.RequestDuration.Observe(time.Since(start).Seconds())

	logger.Info("Chat processed",
		zap.String("outcome", outcome),
		zap.Any("intent", result.Metadata[models.MetaIntent]),
		zap.Int("products", len(result.Products)),
		zap.Duration("duration", time.Since(start)))

	return result, nil
}

func (h *ChatHandler) validateRequest(request *models.ChatRequest) error {
	if request == nil {
		return fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.SessionID) == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	message := strings.TrimSpace(request.Message)
	if message == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if n := utf8.RuneCountInString(message); n > h.opts.MaxMessageLen {
		return fmt.Errorf("%w: message is %d characters, the limit is %d", ErrInvalidRequest, n, h.opts.MaxMessageLen)
	}
	return nil
}

// process walks the state machine. A panic anywhere becomes a degraded answer.
func (h *ChatHandler) process(ctx context.Context, logger *zap.Logger, sessionID, message string) (result *models.PipelineResult, outcome string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Pipeline panicked, returning fallback", zap.String("panic", fmt.Sprint(rec)))
			metrics.StageFallbacks.WithLabelValues("pipeline").Inc()
			result = recoveredResult()
			outcome = OutcomeRecovered
			h.remember(context.WithoutCancel(ctx), sessionID, message, result.Response)
		}
	}()

	key := h.memory.Key(sessionID, message)

	// Persistence outlives a caller that has gone away
	persistCtx := context.WithoutCancel(ctx)

	// Cache check
	if cached, hit := h.memory.Lookup(ctx, key); hit {
		logger.Debug("Cache hit", zap.String("key", key))
		h.remember(persistCtx, sessionID, message, cached.Response)
		return cached, OutcomeCached
	}

	history := h.memory.History(ctx, sessionID)

	// Classify and guard run side by side; the guard is read first
	classifyCtx, cancelClassify := context.WithCancel(ctx)
	defer cancelClassify()

	var intent models.Intent
	var g errgroup.Group
	g.Go(func() error {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Classifier panicked", zap.String("panic", fmt.Sprint(rec)))
				intent = agents.Heuristic(message)
			}
		}()
		intent = h.classifier.Classify(classifyCtx, message, history)
		return nil
	})

	decision := h.guard.Admit(ctx, message)
	if !decision.Admit {
		cancelClassify()
	}
	_ = g.Wait()

	if !decision.Admit || intent.Kind == models.IntentOutOfScope {
		reason := decision.Reason
		if decision.Admit {
			reason = models.ReasonUnsupportedTopic
		}
		logger.Info("Request refused",
			zap.String("reason", string(reason)),
			zap.String("guard_source", decision.Source))
		refusal := refusalResult(reason)
		h.memory.Store(persistCtx, key, refusal, h.opts.RefusalTTL)
		h.remember(persistCtx, sessionID, message, refusal.Response)
		return &refusal, OutcomeRefused
	}

	// Route and synthesize
	results := h.router.Dispatch(ctx, intent, message)
	answer := h.synth.Synthesize(ctx, agents.Input{
		Message: message,
		Intent:  intent,
		History: history,
		Results: results,
	})

	degraded, _ := answer.Metadata[models.MetaDegraded].([]string)
	if intent.Source == agents.SourceHeuristic {
		degraded = append(degraded, models.DegradedClassifier)
	}
	if decision.Source == "fallback" {
		degraded = append(degraded, models.DegradedGuard)
	}
	if h.memory.Degraded() {
		degraded = append(degraded, models.DegradedCache)
	}
	answer.Metadata[models.MetaDegraded] = degraded
	answer.Metadata[models.MetaGuardReason] = string(decision.Reason)

	h.memory.Store(persistCtx, key, answer, h.opts.CacheTTL)
	h.remember(persistCtx, sessionID, message, answer.Response)

	return &answer, OutcomeAnswered
}

// remember appends the user turn and the assistant reply to the session history
func (h *ChatHandler) remember(ctx context.Context, sessionID, message, reply string) {
	now := time.Now().UTC()
	h.memory.Append(ctx, sessionID,
		models.Turn{Role: models.RoleUser, Content: message, Timestamp: now},
		models.Turn{Role: models.RoleAssistant, Content: reply, Timestamp: now},
	)
}

func refusalResult(reason models.GuardReason) models.PipelineResult {
	return models.PipelineResult{
		Response: prompts.RefusalMessage,
		Products: []models.Part{},
		Steps:    []models.Step{},
		Metadata: map[string]any{
			models.MetaRefused:     true,
			models.MetaGuardReason: string(reason),
		},
	}
}

func recoveredResult() *models.PipelineResult {
	return &models.PipelineResult{
		Response: prompts.FallbackMessage,
		Products: []models.Part{},
		Steps:    []models.Step{},
		Metadata: map[string]any{
			models.MetaSynthesis: agents.SynthesisTemplate,
			models.MetaDegraded:  []string{models.DegradedRecovered},
		},
	}
}
