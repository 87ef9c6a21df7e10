package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/avvvet/partsbuddy/internal/metrics"
	"github.com/avvvet/partsbuddy/internal/prompts"
	"go.uber.org/zap"
)

// Validator is implemented by every structured output type
type Validator interface {
	Validate() error
}

// Structured generates, decodes and validates a JSON object of type T.
// A decode or validation failure gets exactly one regeneration.
func Structured[T any, PT interface {
	*T
	Validator
}](ctx context.Context, g *Gateway, req Request) (PT, error) {
	req.JSON = true

	var lastErr error
	for try := 0; try < 2; try++ {
		text, err := g.Generate(ctx, req)
		if err != nil {
			return nil, err
		}

		out := PT(new(T))
		if err := prompts.DecodeJSON(text, out); err != nil {
			lastErr = err
		} else if err := out.Validate(); err != nil {
			lastErr = err
		} else {
			return out, nil
		}

		g.record(req, "schema")
		g.logger.Debug("LLM output failed validation",
			zap.String("task", req.Task),
			zap.Int("try", try+1),
			zap.Error(lastErr))
	}

	metrics.StageFallbacks.WithLabelValues("schema_" + req.Task).Inc()
	return nil, fmt.Errorf("%w: %w", ErrSchemaViolation, lastErr)
}

// IsFailure reports whether err is one of the gateway sentinels
func IsFailure(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderRejected) ||
		errors.Is(err, ErrSchemaViolation)
}
