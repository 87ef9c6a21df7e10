package search

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"regexp"
	"strings"

	"github.com/avvvet/partsbuddy/internal/config"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"google.golang.org/genai"
)

const (
	hashDimensions     = 512
	defaultOllamaEmbed = "nomic-embed-text"
	defaultGeminiEmbed = "text-embedding-004"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// NewEmbedder builds the embedder selected by EMBEDDING_PROVIDER
func NewEmbedder(ctx context.Context, cfg *config.Config) (embeddings.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "", "hash":
		return NewHashEmbedder(hashDimensions)

	case "ollama":
		model := cfg.EmbeddingModel
		if model == "" {
			model = defaultOllamaEmbed
		}
		opts := []ollama.Option{ollama.WithModel(model)}
		if cfg.LLMProvider == "ollama" && cfg.LLMBaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.LLMBaseURL))
		}
		client, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama embedder: %w", err)
		}
		return embeddings.NewEmbedder(client)

	case "gemini":
		key := os.Getenv("GOOGLE_API_KEY")
		if cfg.LLMProvider == "gemini" && cfg.LLMAPIKey != "" {
			key = cfg.LLMAPIKey
		}
		client, err := NewGeminiEmbedderClient(ctx, key, cfg.EmbeddingModel, "")
		if err != nil {
			return nil, err
		}
		return embeddings.NewEmbedder(client, embeddings.WithBatchSize(100))
	}

	return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
}

// NewHashEmbedder returns a deterministic, dependency-free embedder: hashed bag of
// words with a light plural stem, L2-normalized.
func NewHashEmbedder(dims int) (*embeddings.EmbedderImpl, error) {
	if dims <= 0 {
		dims = hashDimensions
	}
	client := embeddings.EmbedderClientFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = hashVector(text, dims)
		}
		return out, nil
	})
	return embeddings.NewEmbedder(client)
}

func hashVector(text string, dims int) []float32 {
	vector := make([]float32, dims)
	for _, token := range Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vector[h.Sum32()%uint32(dims)] += 1
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vector
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vector {
		vector[i] *= scale
	}
	return vector
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "my": true, "i": true, "is": true, "it": true,
	"for": true, "of": true, "to": true, "and": true, "or": true, "with": true, "on": true,
	"in": true, "do": true, "does": true, "how": true, "what": true, "can": true, "me": true,
	"find": true, "need": true, "part": true, "parts": true,
}

// Tokenize lowercases text into alphanumeric tokens, dropping stop words and plural s
func Tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(raw))
	for _, token := range raw {
		if stopWords[token] {
			continue
		}
		if len(token) > 3 && strings.HasSuffix(token, "s") && !strings.HasSuffix(token, "ss") {
			token = strings.TrimSuffix(token, "s")
		}
		tokens = append(tokens, token)
	}
	return tokens
}

// GeminiEmbedderClient implements embeddings.EmbedderClient on the Gemini API
type GeminiEmbedderClient struct {
	client *genai.Client
	model  string
}

func NewGeminiEmbedderClient(ctx context.Context, apiKey, model, baseURL string) (*GeminiEmbedderClient, error) {
	if model == "" {
		model = defaultGeminiEmbed
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini embedding client: %w", err)
	}
	return &GeminiEmbedderClient{client: client, model: model}, nil
}

func (g *GeminiEmbedderClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
