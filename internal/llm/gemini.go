package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"google.golang.org/genai"
)

const geminiProviderName = "gemini"

// GeminiProvider calls the Gemini API through google.golang.org/genai
type GeminiProvider struct {
	client *genai.Client
	model  string
	mapper *llms.ErrorMapper
}

func NewGeminiProvider(ctx context.Context, apiKey, model, baseURL string) (*GeminiProvider, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		model:  model,
		mapper: llms.GoogleAIErrorMapper(),
	}, nil
}

func (p *GeminiProvider) Name() string {
	return geminiProviderName
}

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return "", p.mapError(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", llms.NewError(llms.ErrCodeProviderUnavailable, geminiProviderName, "empty response from model")
	}
	return text, nil
}

// mapError turns genai status codes into langchaingo error codes
func (p *GeminiProvider) mapError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return p.mapper.WrapError(err)
	}

	code := llms.ErrCodeUnknown
	switch {
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		code = llms.ErrCodeAuthentication
	case apiErr.Code == http.StatusTooManyRequests:
		code = llms.ErrCodeRateLimit
	case apiErr.Code == http.StatusNotFound:
		code = llms.ErrCodeResourceNotFound
	case apiErr.Code == http.StatusBadRequest:
		code = llms.ErrCodeInvalidRequest
	case apiErr.Code == http.StatusGatewayTimeout:
		code = llms.ErrCodeTimeout
	case apiErr.Code >= http.StatusInternalServerError:
		code = llms.ErrCodeProviderUnavailable
	}

	return llms.NewError(code, geminiProviderName, apiErr.Message).
		WithCause(err).
		WithDetail("status", apiErr.Status)
}
