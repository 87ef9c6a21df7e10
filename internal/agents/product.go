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

// ProductAgent finds parts by exact number, by semantic search, or by keyword scoring
type ProductAgent struct {
	catalog       catalog.Catalog
	searcher      search.Searcher
	topK          int
	searchTimeout time.Duration
	logger        *zap.Logger
}

func NewProductAgent(cat catalog.Catalog, searcher search.Searcher, topK int, searchTimeout time.Duration, logger *zap.Logger) *ProductAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topK <= 0 {
		topK = 5
	}
	return &ProductAgent{
		catalog:       cat,
		searcher:      searcher,
		topK:          topK,
		searchTimeout: searchTimeout,
		logger:        logger,
	}
}

func (a *ProductAgent) Kind() Kind { return KindProduct }

func (a *ProductAgent) Run(ctx context.Context, task Task) Result {
	entities := task.Intent.Entities
	result := &ProductResult{}

	// Exact lookup wins outright
	if entities.PartNumber != "" {
		if part, ok := a.catalog.Part(entities.PartNumber); ok {
			result.Parts = []models.Part{part}
			result.Source = "exact"
			if entities.ModelNumber != "" {
				result.Compatibility = &Compatibility{
					PartNumber:  part.PartNumber,
					PartName:    part.Name,
					ModelNumber: entities.ModelNumber,
					Compatible:  part.FitsModel(entities.ModelNumber),
				}
			}
			if task.Intent.Kind != models.IntentCompatibilityCheck {
				result.Installation = installationFor(part)
			}
			return result
		}
		a.logger.Debug("Part number not in catalog", zap.String("part_number", entities.PartNumber))
	}

	parts, err := a.semantic(ctx, task)
	if err != nil {
		a.logger.Warn("Product search unavailable, scoring keywords", zap.Error(err))
		metrics.StageFallbacks.WithLabelValues("product_search").Inc()
		result.Degraded = append(result.Degraded, models.DegradedSearch)
		parts = a.keyword(task)
		result.Source = "keyword"
	} else {
		result.Source = "search"
	}

	if len(parts) == 0 && entities.ModelNumber != "" {
		parts = a.forModel(entities)
		result.Source = "model"
	}

	result.Parts = parts
	if len(parts) == 1 || (task.Intent.Kind == models.IntentInstallationHelp && len(parts) > 0) {
		result.Installation = installationFor(parts[0])
	}
	return result
}

// semantic queries the products collection and ranks hits by position, model fit and appliance
func (a *ProductAgent) semantic(ctx context.Context, task Task) ([]models.Part, error) {
	if a.searcher == nil {
		return nil, search.ErrSearchUnavailable
	}
	entities := task.Intent.Entities

	if a.searchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.searchTimeout)
		defer cancel()
	}

	text := strings.TrimSpace(strings.Join([]string{task.Message, entities.ApplianceType, entities.Brand}, " "))
	hits, err := a.searcher.Query(ctx, search.Query{
		Collection: search.CollectionProducts,
		Text:       text,
		Filters:    map[string]string{"appliance_type": entities.ApplianceType},
		TopK:       a.topK * 2,
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(search.ErrSearchUnavailable, err)
	}

	type ranked struct {
		part  models.Part
		score int
	}
	candidates := make([]ranked, 0, len(hits))
	for i, hit := range hits {
		part, ok := a.catalog.Part(hit.ID)
		if !ok {
			continue
		}
		// Scores are opaque, only the position counts
		score := len(hits) - i
		if entities.ModelNumber != "" && part.FitsModel(entities.ModelNumber) {
			score += 3
		}
		if entities.ApplianceType != "" && part.ApplianceType == entities.ApplianceType {
			score += 2
		}
		candidates = append(candidates, ranked{part: part, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	parts := make([]models.Part, 0, a.topK)
	for _, c := range candidates {
		if len(parts) == a.topK {
			break
		}
		parts = append(parts, c.part)
	}
	return parts, nil
}

// keyword scores the whole listing when search is down
func (a *ProductAgent) keyword(task Task) []models.Part {
	entities := task.Intent.Entities
	terms := search.Tokenize(task.Message)

	type scored struct {
		part  models.Part
		score int
	}
	var candidates []scored
	for _, p := range a.catalog.Parts() {
		hits := 0
		haystack := strings.ToLower(p.Name + " " + p.Description + " " + p.Category)
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				hits++
			}
		}
		fits := entities.ModelNumber != "" && p.FitsModel(entities.ModelNumber)
		if hits == 0 && !fits {
			continue
		}

		score := hits
		if fits {
			score += 3
		}
		if entities.ApplianceType != "" {
			if p.ApplianceType != entities.ApplianceType {
				continue
			}
			score += 3
		}
		if entities.Brand != "" && strings.EqualFold(p.Brand, entities.Brand) {
			score += 2
		}
		candidates = append(candidates, scored{part: p, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	parts := make([]models.Part, 0, a.topK)
	for _, c := range candidates {
		if len(parts) == a.topK {
			break
		}
		parts = append(parts, c.part)
	}
	return parts
}

// forModel lists catalog parts compatible with the model number
func (a *ProductAgent) forModel(entities models.Entities) []models.Part {
	parts := make([]models.Part, 0, a.topK)
	for _, p := range a.catalog.Parts() {
		if len(parts) == a.topK {
			break
		}
		if !p.FitsModel(entities.ModelNumber) {
			continue
		}
		if entities.ApplianceType != "" && p.ApplianceType != entities.ApplianceType {
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

func installationFor(p models.Part) *Installation {
	if len(p.InstallationSteps) == 0 {
		return nil
	}
	return &Installation{
		PartNumber: p.PartNumber,
		PartName:   p.Name,
		Minutes:    p.InstallMinutes,
		Steps:      append([]string(nil), p.InstallationSteps...),
	}
}
