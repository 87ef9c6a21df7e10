package llm

import (
	"context"

	"github.com/tmc/langchaingo/llms"
)

// OfflineProvider never answers. Every stage falls back to its deterministic path.
type OfflineProvider struct{}

func (OfflineProvider) Name() string { return "offline" }

func (OfflineProvider) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", llms.NewError(llms.ErrCodeNotImplemented, "offline", "no LLM provider configured")
}
