package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// LangChainProvider drives any langchaingo model (anthropic, openai, ollama)
type LangChainProvider struct {
	name     string
	model    llms.Model
	mapErr   func(error) error
	jsonMode bool
}

// NewLangChainProvider wraps model. mapErr converts provider errors into *llms.Error;
// nil selects the generic langchaingo mapper.
func NewLangChainProvider(name string, model llms.Model, mapErr func(error) error, jsonMode bool) *LangChainProvider {
	if mapErr == nil {
		mapErr = llms.NewErrorMapper(name).WrapError
	}
	return &LangChainProvider{
		name:     name,
		model:    model,
		mapErr:   mapErr,
		jsonMode: jsonMode,
	}
}

func (p *LangChainProvider) Name() string {
	return p.name
}

func (p *LangChainProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	options := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		options = append(options, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.JSON && p.jsonMode {
		options = append(options, llms.WithJSONMode())
	}

	resp, err := p.model.GenerateContent(ctx, messages, options...)
	if err != nil {
		return "", p.mapErr(err)
	}

	if len(resp.Choices) == 0 {
		return "", llms.NewError(llms.ErrCodeProviderUnavailable, p.name, "empty response from model")
	}

	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return "", llms.NewError(llms.ErrCodeProviderUnavailable, p.name, fmt.Sprintf("blank completion (stop reason %q)", resp.Choices[0].StopReason))
	}
	return content, nil
}
