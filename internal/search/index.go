// Package search is the semantic search adapter over the catalog.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/avvvet/partsbuddy/internal/catalog"
	"github.com/tmc/langchaingo/embeddings"
	"go.uber.org/zap"
)

// ErrSearchUnavailable means the query could not be answered in time or at all
var ErrSearchUnavailable = errors.New("search service unavailable")

// Collections
const (
	CollectionProducts        = "products"
	CollectionTroubleshooting = "troubleshooting"
)

// Query is one semantic lookup
type Query struct {
	Collection string
	Text       string
	Filters    map[string]string // payload equality, empty values ignored
	TopK       int
}

// Hit is one ranked result. Scores only order hits within a single query.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]string
}

// Searcher is what the agents depend on
type Searcher interface {
	Query(ctx context.Context, q Query) ([]Hit, error)
}

type document struct {
	id      string
	vector  []float32
	payload map[string]string
}

// Index is an in-process vector store with one slice of documents per collection
type Index struct {
	embedder embeddings.Embedder
	logger   *zap.Logger

	mu          sync.RWMutex
	collections map[string][]document
}

func NewIndex(embedder embeddings.Embedder, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		embedder:    embedder,
		logger:      logger,
		collections: make(map[string][]document),
	}
}

// Seed embeds the catalog's bulk listing and replaces both collections
func (ix *Index) Seed(ctx context.Context, cat catalog.Catalog) error {
	parts := cat.Parts()
	productTexts := make([]string, len(parts))
	productDocs := make([]document, len(parts))
	for i, p := range parts {
		productTexts[i] = strings.Join([]string{p.Name, p.Description, p.Brand, p.Category, p.ApplianceType, strings.Join(p.Symptoms, " ")}, " ")
		productDocs[i] = document{
			id: p.PartNumber,
			payload: map[string]string{
				"part_number":       p.PartNumber,
				"name":              p.Name,
				"appliance_type":    p.ApplianceType,
				"brand":             p.Brand,
				"category":          p.Category,
				"compatible_models": strings.Join(p.CompatibleModels, ","),
			},
		}
	}

	entries := cat.Entries()
	entryTexts := make([]string, len(entries))
	entryDocs := make([]document, len(entries))
	for i, e := range entries {
		components := make([]string, 0, len(e.Causes))
		for _, c := range e.Causes {
			components = append(components, c.Component)
		}
		entryTexts[i] = strings.Join([]string{e.ApplianceType, e.Symptom, e.Summary, strings.Join(components, " ")}, " ")
		entryDocs[i] = document{
			id: e.ID,
			payload: map[string]string{
				"id":             e.ID,
				"appliance_type": e.ApplianceType,
				"symptom":        e.Symptom,
			},
		}
	}

	if err := ix.embedInto(ctx, productDocs, productTexts); err != nil {
		return fmt.Errorf("failed to embed products: %w", err)
	}
	if err := ix.embedInto(ctx, entryDocs, entryTexts); err != nil {
		return fmt.Errorf("failed to embed troubleshooting entries: %w", err)
	}

	ix.mu.Lock()
	ix.collections[CollectionProducts] = productDocs
	ix.collections[CollectionTroubleshooting] = entryDocs
	ix.mu.Unlock()

	ix.logger.Info("🔎 Search index seeded",
		zap.Int("products", len(productDocs)),
		zap.Int("troubleshooting", len(entryDocs)))
	return nil
}

func (ix *Index) embedInto(ctx context.Context, docs []document, texts []string) error {
	if len(texts) == 0 {
		return nil
	}
	vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}
	for i := range docs {
		docs[i].vector = vectors[i]
	}
	return nil
}

// Query embeds q.Text and returns the top-K matching documents, best first
func (ix *Index) Query(ctx context.Context, q Query) ([]Hit, error) {
	ix.mu.RLock()
	docs, ok := ix.collections[q.Collection]
	ix.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: collection %q is not loaded", ErrSearchUnavailable, q.Collection)
	}

	vector, err := ix.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}

	hits := make([]Hit, 0, len(docs))
	for _, doc := range docs {
		if !matches(doc.payload, q.Filters) {
			continue
		}
		score := cosineSimilarity(vector, doc.vector)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{ID: doc.id, Score: score, Payload: clonePayload(doc.payload)})
	}

	// Sort by score descending, ties by id for stable output
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if q.TopK > 0 && len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func matches(payload, filters map[string]string) bool {
	for key, want := range filters {
		if want == "" {
			continue
		}
		if !strings.EqualFold(payload[key], want) {
			return false
		}
	}
	return true
}

func clonePayload(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
