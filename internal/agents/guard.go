package agents

import (
	"context"

	"github.com/avvvet/partsbuddy/internal/llm"
	"github.com/avvvet/partsbuddy/internal/metrics"
	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/avvvet/partsbuddy/internal/prompts"
	"go.uber.org/zap"
)

// Guard decides whether a message is about refrigerator or dishwasher parts.
// It never looks at the classifier's output.
type Guard struct {
	gateway *llm.Gateway
	logger  *zap.Logger
}

func NewGuard(gateway *llm.Gateway, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{gateway: gateway, logger: logger}
}

// Admit checks the deny and allow lists first and asks the gateway only when they
// disagree or are both silent. A failed gateway call admits the message.
func (g *Guard) Admit(ctx context.Context, message string) models.GuardDecision {
	reason := denyReason(message)
	allowed := isAllowed(message)

	switch {
	case reason != models.ReasonNone && !allowed:
		return models.GuardDecision{Admit: false, Reason: reason, Source: "pattern"}
	case allowed && reason == models.ReasonNone:
		return models.GuardDecision{Admit: true, Reason: models.ReasonNone, Source: "pattern"}
	}

	verdict, err := llm.Structured[prompts.GuardVerdict](ctx, g.gateway, llm.Request{
		Task:        llm.TaskGuard,
		System:      prompts.SystemPrompt,
		Prompt:      prompts.BuildGuardPrompt(message),
		Temperature: 0,
		MaxTokens:   60,
	})
	if err != nil {
		g.logger.Warn("Guard falling back to admit", zap.Error(err))
		metrics.StageFallbacks.WithLabelValues("guard").Inc()
		return models.GuardDecision{Admit: true, Reason: models.ReasonNone, Source: "fallback"}
	}

	if *verdict.InScope {
		return models.GuardDecision{Admit: true, Reason: models.ReasonNone, Source: "llm"}
	}

	rejected := models.GuardReason(verdict.Reason)
	if rejected == "" || rejected == models.ReasonNone {
		rejected = reason
	}
	if rejected == models.ReasonNone {
		rejected = models.ReasonUnsupportedTopic
	}
	return models.GuardDecision{Admit: false, Reason: rejected, Source: "llm"}
}

func denyReason(message string) models.GuardReason {
	switch {
	case wrongAppliancePattern.MatchString(message):
		return models.ReasonWrongAppliance
	case offTopicPattern.MatchString(message):
		return models.ReasonUnsupportedTopic
	}
	return models.ReasonNone
}

func isAllowed(message string) bool {
	return refrigeratorPattern.MatchString(message) ||
		dishwasherPattern.MatchString(message) ||
		partNumberPattern.MatchString(message) ||
		modelNumberPattern.MatchString(message)
}
