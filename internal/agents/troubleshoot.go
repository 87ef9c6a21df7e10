package agents

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/avvvet/partsbuddy/internal/catalog"
	"github.com/avvvet/partsbuddy/internal/metrics"
	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/avvvet/partsbuddy/internal/search"
	"go.uber.org/zap"
)

// TroubleshootAgent matches a symptom to knowledge base entries
type TroubleshootAgent struct {
	catalog       catalog.Catalog
	searcher      search.Searcher
	topK          int
	searchTimeout time.Duration
	logger        *zap.Logger
}

func NewTroubleshootAgent(cat catalog.Catalog, searcher search.Searcher, topK int, searchTimeout time.Duration, logger *zap.Logger) *TroubleshootAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topK <= 0 {
		topK = 3
	}
	return &TroubleshootAgent{
		catalog:       cat,
		searcher:      searcher,
		topK:          topK,
		searchTimeout: searchTimeout,
		logger:        logger,
	}
}

func (a *TroubleshootAgent) Kind() Kind { return KindTroubleshoot }

func (a *TroubleshootAgent) Run(ctx context.Context, task Task) Result {
	result := &TroubleshootResult{Source: "search"}

	entries, err := a.semantic(ctx, task)
	if err != nil {
		a.logger.Warn("Troubleshooting search unavailable, matching keywords", zap.Error(err))
		metrics.StageFallbacks.WithLabelValues("troubleshoot_search").Inc()
		result.Degraded = append(result.Degraded, models.DegradedSearch)
		result.Source = "keyword"
		entries = a.keyword(task)
	}

	result.Diagnoses = make([]Diagnosis, 0, len(entries))
	for _, e := range entries {
		result.Diagnoses = append(result.Diagnoses, a.diagnose(e))
	}
	return result
}

func (a *TroubleshootAgent) semantic(ctx context.Context, task Task) ([]models.TroubleshootingEntry, error) {
	if a.searcher == nil {
		return nil, search.ErrSearchUnavailable
	}

	if a.searchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.searchTimeout)
		defer cancel()
	}

	hits, err := a.searcher.Query(ctx, search.Query{
		Collection: search.CollectionTroubleshooting,
		Text:       a.queryText(task),
		Filters:    map[string]string{"appliance_type": task.Intent.Entities.ApplianceType},
		TopK:       a.topK,
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(search.ErrSearchUnavailable, err)
	}

	entries := make([]models.TroubleshootingEntry, 0, len(hits))
	for _, hit := range hits {
		if e, ok := a.catalog.Entry(hit.ID); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (a *TroubleshootAgent) queryText(task Task) string {
	entities := task.Intent.Entities
	text := entities.Symptom
	if text == "" {
		text = task.Message
	}
	if entities.ApplianceType != "" {
		text = entities.ApplianceType + " " + text
	}
	return text
}

// keyword counts shared tokens between the message and each entry's symptom text
func (a *TroubleshootAgent) keyword(task Task) []models.TroubleshootingEntry {
	appliance := task.Intent.Entities.ApplianceType
	terms := search.Tokenize(a.queryText(task))

	type scored struct {
		entry models.TroubleshootingEntry
		score int
	}
	var candidates []scored
	for _, e := range a.catalog.Entries() {
		if appliance != "" && e.ApplianceType != appliance {
			continue
		}
		haystack := strings.ToLower(e.Symptom + " " + e.Summary)
		score := 0
		for _, term := range terms {
			if term == e.ApplianceType {
				continue
			}
			if strings.Contains(haystack, term) {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{entry: e, score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	out := make([]models.TroubleshootingEntry, 0, a.topK)
	for _, c := range candidates {
		if len(out) == a.topK {
			break
		}
		out = append(out, c.entry)
	}
	return out
}

// diagnose turns an entry into a Diagnosis with its linked parts resolved in cause order
func (a *TroubleshootAgent) diagnose(e models.TroubleshootingEntry) Diagnosis {
	d := Diagnosis{
		SafetyNotes:         e.SafetyNotes,
		EntryID:             e.ID,
		Symptom:             e.Symptom,
		ApplianceType:       e.ApplianceType,
		Causes:              e.Causes,
		Difficulty:          e.Difficulty,
		DiagnosticSteps:     e.DiagnosticSteps,
		ClarifyingQuestions: e.ClarifyingQuestions,
	}

	seen := make(map[string]bool)
	for _, cause := range e.Causes {
		for _, pn := range cause.PartNumbers {
			if seen[pn] {
				continue
			}
			seen[pn] = true
			if part, ok := a.catalog.Part(pn); ok {
				d.Parts = append(d.Parts, part)
			}
		}
	}
	return d
}
