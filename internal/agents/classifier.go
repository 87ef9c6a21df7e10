package agents

import (
	"context"

	"github.com/avvvet/partsbuddy/internal/llm"
	"github.com/avvvet/partsbuddy/internal/metrics"
	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/avvvet/partsbuddy/internal/prompts"
	"go.uber.org/zap"
)

const (
	SourceLLM       = "llm"
	SourceHeuristic = "heuristic"
)

type Classifier struct {
	gateway *llm.Gateway
	window  int
	logger  *zap.Logger
}

// NewClassifier builds a classifier that sends the last window turns of history
func NewClassifier(gateway *llm.Gateway, window int, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{gateway: gateway, window: window, logger: logger}
}

// Classify always returns an intent. Any gateway failure yields the heuristic guess.
func (c *Classifier) Classify(ctx context.Context, message string, history []models.Turn) models.Intent {
	out, err := llm.Structured[prompts.Classification](ctx, c.gateway, llm.Request{
		Task:        llm.TaskClassify,
		System:      prompts.SystemPrompt,
		Prompt:      prompts.BuildClassifyPrompt(message, prompts.Window(history, c.window)),
		Temperature: 0,
		MaxTokens:   300,
	})
	if err != nil {
		c.logger.Warn("Classifier using heuristic fallback", zap.Error(err))
		metrics.StageFallbacks.WithLabelValues("classifier").Inc()
		return Heuristic(message)
	}

	entities := out.ToEntities()
	// Only the two supported appliances survive; anything else defers to the message
	entities.ApplianceType = applianceIn(entities.ApplianceType)

	intent := models.Intent{
		Kind:     out.Kind(),
		Entities: mergeEntities(entities, ExtractEntities(message)),
		Source:   SourceLLM,
	}

	c.logger.Debug("Message classified",
		zap.String("intent", string(intent.Kind)),
		zap.String("part_number", intent.Entities.PartNumber),
		zap.String("model_number", intent.Entities.ModelNumber))
	return intent
}

// Heuristic guesses the intent from keywords and regex entities
func Heuristic(message string) models.Intent {
	entities := ExtractEntities(message)
	intent := models.Intent{Entities: entities, Source: SourceHeuristic}

	switch {
	case entities.PartNumber != "" && (entities.ModelNumber != "" || compatibilityPattern.MatchString(message)):
		intent.Kind = models.IntentCompatibilityCheck
	case symptomPattern.MatchString(message):
		intent.Kind = models.IntentTroubleshooting
	case installPattern.MatchString(message):
		intent.Kind = models.IntentInstallationHelp
	case entities.PartNumber != "" || shoppingPattern.MatchString(message):
		intent.Kind = models.IntentProductSearch
	default:
		intent.Kind = models.IntentUnknown
	}
	return intent
}
