package llm

import (
	"context"
	"fmt"

	"github.com/avvvet/partsbuddy/internal/config"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// NewProvider builds the backend selected by LLM_PROVIDER
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(cfg.LLMAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.LLMBaseURL))
		}
		model, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic client: %w", err)
		}
		return NewLangChainProvider("anthropic", model, anthropic.MapError, false), nil

	case "openai":
		opts := []openai.Option{
			openai.WithToken(cfg.LLMAPIKey),
			openai.WithModel(cfg.LLMModel),
		}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLMBaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai client: %w", err)
		}
		return NewLangChainProvider("openai", model, openai.MapError, true), nil

	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.LLMModel)}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.LLMBaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return NewLangChainProvider("ollama", model, nil, true), nil

	case "gemini":
		return NewGeminiProvider(ctx, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL)

	case "offline":
		return OfflineProvider{}, nil
	}

	return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
}

// GatewayOptions converts config into retry options
func GatewayOptions(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.Timeout = cfg.LLMTimeout
	opts.MaxAttempts = cfg.LLMMaxRetries
	opts.BackoffBase = cfg.LLMBackoffBase
	opts.Budget = cfg.LLMRetryBudget
	return opts
}
