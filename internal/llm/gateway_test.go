package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zaptest"
)

// scripted returns the outcomes in order, repeating the last one
func scripted(calls *int32, outcomes ...func(ctx context.Context) (string, error)) ProviderFunc {
	return func(ctx context.Context, req Request) (string, error) {
		n := int(atomic.AddInt32(calls, 1)) - 1
		if n >= len(outcomes) {
			n = len(outcomes) - 1
		}
		return outcomes[n](ctx)
	}
}

func ok(text string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return text, nil }
}

func fail(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

func newTestGateway(t *testing.T, p Provider, opts Options) (*Gateway, *[]time.Duration) {
	t.Helper()
	g := NewGateway(p, opts, zaptest.NewLogger(t))
	var slept []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return g, &slept
}

func TestGenerateSucceedsFirstTry(t *testing.T) {
	var calls int32
	g, slept := newTestGateway(t, scripted(&calls, ok("hello")), DefaultOptions())

	text, err := g.Generate(context.Background(), Request{Task: TaskClassify, Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.EqualValues(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	var calls int32
	rateLimited := llms.NewError(llms.ErrCodeRateLimit, "test", "slow down")
	g, slept := newTestGateway(t, scripted(&calls,
		fail(rateLimited),
		fail(errors.New("connection reset by peer")),
		ok("finally"),
	), DefaultOptions())

	text, err := g.Generate(context.Background(), Request{Task: TaskSynthesize})
	require.NoError(t, err)
	assert.Equal(t, "finally", text)
	assert.EqualValues(t, 3, calls)
	require.Len(t, *slept, 2)
	assert.InDelta(t, float64(500*time.Millisecond), float64((*slept)[0]), float64(50*time.Millisecond))
	assert.InDelta(t, float64(time.Second), float64((*slept)[1]), float64(100*time.Millisecond))
}

func TestGenerateGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	unavailable := llms.NewError(llms.ErrCodeProviderUnavailable, "test", "503")
	g, _ := newTestGateway(t, scripted(&calls, fail(unavailable)), DefaultOptions())

	_, err := g.Generate(context.Background(), Request{Task: TaskGuard})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.EqualValues(t, 3, calls)
}

func TestGenerateDoesNotRetryRejections(t *testing.T) {
	codes := []llms.ErrorCode{
		llms.ErrCodeAuthentication,
		llms.ErrCodeInvalidRequest,
		llms.ErrCodeQuotaExceeded,
		llms.ErrCodeContentFilter,
		llms.ErrCodeNotImplemented,
	}

	for _, code := range codes {
		t.Run(string(code), func(t *testing.T) {
			var calls int32
			g, slept := newTestGateway(t, scripted(&calls, fail(llms.NewError(code, "test", "no"))), DefaultOptions())

			_, err := g.Generate(context.Background(), Request{Task: TaskClassify})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProviderRejected)
			assert.NotErrorIs(t, err, ErrProviderUnavailable)
			assert.EqualValues(t, 1, calls)
			assert.Empty(t, *slept)
		})
	}
}

func TestGenerateAbandonsOnCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	g, _ := newTestGateway(t, scripted(&calls, func(ctx context.Context) (string, error) {
		cancel()
		return "", ctx.Err()
	}), DefaultOptions())

	_, err := g.Generate(ctx, Request{Task: TaskClassify})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, calls)
}

func TestGeneratePerAttemptTimeout(t *testing.T) {
	var calls int32
	opts := DefaultOptions()
	opts.Timeout = 20 * time.Millisecond
	opts.MaxAttempts = 2
	g, _ := newTestGateway(t, scripted(&calls, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), opts)

	_, err := g.Generate(context.Background(), Request{Task: TaskSynthesize})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.EqualValues(t, 2, calls, "a slow attempt is transient and retried")
}

func TestGenerateStopsWhenBudgetCannotCoverBackoff(t *testing.T) {
	var calls int32
	opts := DefaultOptions()
	opts.Budget = 50 * time.Millisecond
	opts.BackoffBase = time.Second
	g, slept := newTestGateway(t, scripted(&calls, fail(errors.New("boom"))), opts)

	_, err := g.Generate(context.Background(), Request{Task: TaskGuard})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.EqualValues(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestBackoffIsCapped(t *testing.T) {
	g := NewGateway(OfflineProvider{}, DefaultOptions(), nil)

	for attempt := 1; attempt <= 12; attempt++ {
		d := g.backoff(attempt)
		assert.LessOrEqual(t, d, 4400*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
}

type classification struct {
	Intent string `json:"intent"`
}

func (c *classification) Validate() error {
	if c.Intent == "" {
		return errors.New("intent required")
	}
	return nil
}

func TestStructuredRegeneratesOnce(t *testing.T) {
	var calls int32
	g, _ := newTestGateway(t, scripted(&calls,
		ok(`not json at all`),
		ok(`Here you go: {"intent": "troubleshooting"}`),
	), DefaultOptions())

	out, err := Structured[classification](context.Background(), g, Request{Task: TaskClassify})
	require.NoError(t, err)
	assert.Equal(t, "troubleshooting", out.Intent)
	assert.EqualValues(t, 2, calls)
}

func TestStructuredSchemaViolation(t *testing.T) {
	var calls int32
	g, _ := newTestGateway(t, scripted(&calls, ok(`{"intent": ""}`)), DefaultOptions())

	out, err := Structured[classification](context.Background(), g, Request{Task: TaskClassify})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrSchemaViolation)
	assert.True(t, IsFailure(err))
	assert.EqualValues(t, 2, calls)
}

func TestStructuredRequestsJSONMode(t *testing.T) {
	var sawJSON atomic.Bool
	p := ProviderFunc(func(ctx context.Context, req Request) (string, error) {
		sawJSON.Store(req.JSON)
		return `{"intent":"unknown"}`, nil
	})
	g, _ := newTestGateway(t, p, DefaultOptions())

	_, err := Structured[classification](context.Background(), g, Request{Task: TaskClassify})
	require.NoError(t, err)
	assert.True(t, sawJSON.Load())
}

func TestStructuredPassesProviderFailures(t *testing.T) {
	g, _ := newTestGateway(t, OfflineProvider{}, DefaultOptions())

	_, err := Structured[classification](context.Background(), g, Request{Task: TaskClassify})
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.NotErrorIs(t, err, ErrSchemaViolation)
}
