package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/avvvet/partsbuddy/internal/metrics"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

var (
	// ErrProviderUnavailable means retries or the retry budget ran out, or the caller gave up
	ErrProviderUnavailable = errors.New("llm provider unavailable")
	// ErrProviderRejected means the provider refused the request and retrying will not help
	ErrProviderRejected = errors.New("llm provider rejected request")
	// ErrSchemaViolation means the output failed validation twice
	ErrSchemaViolation = errors.New("llm output violates schema")
)

// Options controls retry behaviour
type Options struct {
	Timeout     time.Duration // per attempt
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Budget      time.Duration // total across attempts and sleeps
}

// DefaultOptions mirrors the config defaults
func DefaultOptions() Options {
	return Options{
		Timeout:     4 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  4 * time.Second,
		Budget:      9 * time.Second,
	}
}

// Gateway is the single point through which every stage talks to the provider
type Gateway struct {
	provider Provider
	opts     Options
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewGateway(provider Provider, opts Options, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 4 * time.Second
	}
	return &Gateway{
		provider: provider,
		opts:     opts,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Provider returns the configured backend name
func (g *Gateway) Provider() string {
	return g.provider.Name()
}

// Generate calls the provider with per-attempt timeouts, classified retries and backoff
func (g *Gateway) Generate(ctx context.Context, req Request) (string, error) {
	budgetCtx := ctx
	if g.opts.Budget > 0 {
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithTimeout(ctx, g.opts.Budget)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
		text, err := g.attempt(budgetCtx, req)
		if err == nil {
			g.record(req, "ok")
			return text, nil
		}
		lastErr = err

		// Caller cancellation wins over everything else
		if ctx.Err() != nil {
			g.record(req, "canceled")
			return "", fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
		}

		if !isTransient(err) {
			g.record(req, "rejected")
			g.logger.Warn("LLM request rejected",
				zap.String("task", req.Task),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return "", fmt.Errorf("%w: %w", ErrProviderRejected, err)
		}

		g.record(req, "transient")
		if attempt == g.opts.MaxAttempts {
			break
		}

		delay := g.backoff(attempt)
		if deadline, ok := budgetCtx.Deadline(); ok && time.Until(deadline) < delay {
			g.logger.Warn("LLM retry budget exhausted",
				zap.String("task", req.Task),
				zap.Int("attempt", attempt))
			break
		}

		g.logger.Debug("Retrying LLM request",
			zap.String("task", req.Task),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		if err := g.sleep(budgetCtx, delay); err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
			}
			break
		}
	}

	g.logger.Warn("LLM provider unavailable",
		zap.String("provider", g.provider.Name()),
		zap.String("task", req.Task),
		zap.Error(lastErr))
	return "", fmt.Errorf("%w: %w", ErrProviderUnavailable, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, req Request) (string, error) {
	attemptCtx := ctx
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}
	return g.provider.Complete(attemptCtx, req)
}

// backoff returns base*2^(attempt-1) capped at BackoffMax, with 10% jitter
func (g *Gateway) backoff(attempt int) time.Duration {
	delay := g.opts.BackoffBase << (attempt - 1)
	if delay <= 0 || delay > g.opts.BackoffMax {
		delay = g.opts.BackoffMax
	}
	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	return delay + jitter
}

func (g *Gateway) record(req Request, outcome string) {
	metrics.LLMAttempts.WithLabelValues(g.provider.Name(), req.Task, outcome).Inc()
}

// isTransient classifies provider errors. Unknown errors are retried.
func isTransient(err error) bool {
	var llmErr *llms.Error
	if errors.As(err, &llmErr) {
		switch llmErr.Code {
		case llms.ErrCodeAuthentication,
			llms.ErrCodeInvalidRequest,
			llms.ErrCodeResourceNotFound,
			llms.ErrCodeQuotaExceeded,
			llms.ErrCodeContentFilter,
			llms.ErrCodeTokenLimit,
			llms.ErrCodeNotImplemented:
			return false
		}
		return true
	}
	return !errors.Is(err, ErrProviderRejected)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
