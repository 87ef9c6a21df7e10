package llm

import (
	"context"
)

// Task labels used for logging, metrics and scripted test providers
const (
	TaskClassify   = "classify"
	TaskGuard      = "guard"
	TaskSynthesize = "synthesize"
)

// Provider is a single LLM backend. Implementations do not retry.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Request represents the structured request to LLM
type Request struct {
	Task        string
	System      string
	Prompt      string
	JSON        bool
	Temperature float64
	MaxTokens   int
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func(ctx context.Context, req Request) (string, error)

func (f ProviderFunc) Name() string { return "func" }

func (f ProviderFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
