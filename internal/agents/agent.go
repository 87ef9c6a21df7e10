// Package agents holds the pipeline stages that sit between the orchestrator and
// the gateway, search index and catalog.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/avvvet/partsbuddy/internal/metrics"
	"github.com/avvvet/partsbuddy/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kind is the closed set of specialist agents
type Kind string

const (
	KindProduct      Kind = "product"
	KindTroubleshoot Kind = "troubleshoot"
)

// Task is what every specialist receives
type Task struct {
	Intent  models.Intent
	Message string
}

// Agent is implemented by ProductAgent and TroubleshootAgent only
type Agent interface {
	Kind() Kind
	Run(ctx context.Context, task Task) Result
}

// Result is sealed: its variants are *ProductResult and *TroubleshootResult
type Result interface {
	Kind() Kind
	DegradedReasons() []string
	sealed()
}

// Compatibility is the verdict for a part number against a model number
type Compatibility struct {
	PartNumber  string `json:"part_number"`
	PartName    string `json:"part_name"`
	ModelNumber string `json:"model_number"`
	Compatible  bool   `json:"compatible"`
}

// Installation is the install guide for one part
type Installation struct {
	PartNumber string
	PartName   string
	Minutes    int
	Steps      []string
}

type ProductResult struct {
	Parts         []models.Part
	Compatibility *Compatibility
	Installation  *Installation
	Source        string // exact, search, keyword, model
	Degraded      []string
}

func (*ProductResult) Kind() Kind                   { return KindProduct }
func (r *ProductResult) DegradedReasons() []string { return r.Degraded }
func (*ProductResult) sealed()                      {}

// Diagnosis is one troubleshooting candidate. Safety notes always come first.
type Diagnosis struct {
	SafetyNotes         []string
	EntryID             string
	Symptom             string
	ApplianceType       string
	Causes              []models.Cause
	Difficulty          string
	DiagnosticSteps     []string
	ClarifyingQuestions []string
	Parts               []models.Part
}

type TroubleshootResult struct {
	Diagnoses []Diagnosis
	Source    string // search or keyword
	Degraded  []string
}

func (*TroubleshootResult) Kind() Kind                   { return KindTroubleshoot }
func (r *TroubleshootResult) DegradedReasons() []string { return r.Degraded }
func (*TroubleshootResult) sealed()                      {}

func emptyResult(kind Kind, reason string) Result {
	switch kind {
	case KindTroubleshoot:
		return &TroubleshootResult{Degraded: []string{reason}}
	default:
		return &ProductResult{Degraded: []string{reason}}
	}
}

// routes maps each intent to the agents it invokes, in result order
var routes = map[models.IntentKind][]Kind{
	models.IntentProductSearch:      {KindProduct},
	models.IntentCompatibilityCheck: {KindProduct},
	models.IntentInstallationHelp:   {KindProduct},
	models.IntentUnknown:            {KindProduct},
	models.IntentTroubleshooting:    {KindTroubleshoot, KindProduct},
	models.IntentOutOfScope:         {},
}

// Route returns the agents for an intent. Unknown kinds route like IntentUnknown.
func Route(kind models.IntentKind) []Kind {
	kinds, ok := routes[kind]
	if !ok {
		kinds = routes[models.IntentUnknown]
	}
	return append([]Kind(nil), kinds...)
}

// Router fans a task out to the routed agents and joins their results
type Router struct {
	agents  map[Kind]Agent
	timeout time.Duration
	logger  *zap.Logger
}

func NewRouter(timeout time.Duration, logger *zap.Logger, agents ...Agent) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		agents:  make(map[Kind]Agent, len(agents)),
		timeout: timeout,
		logger:  logger,
	}
	for _, a := range agents {
		r.agents[a.Kind()] = a
	}
	return r
}

// Dispatch runs every routed agent concurrently, each under its own timeout, and
// returns their results in route order. It never fails.
func (r *Router) Dispatch(ctx context.Context, intent models.Intent, message string) []Result {
	kinds := Route(intent.Kind)
	results := make([]Result, len(kinds))
	task := Task{Intent: intent, Message: message}

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		agent, ok := r.agents[kind]
		if !ok {
			r.logger.Warn("No agent registered", zap.String("kind", string(kind)))
			continue
		}
		g.Go(func() error {
			results[i] = r.run(gctx, agent, task)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Result, 0, len(results))
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	return out
}

func (r *Router) run(ctx context.Context, agent Agent, task Task) Result {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Agent panicked",
					zap.String("kind", string(agent.Kind())),
					zap.String("panic", fmt.Sprint(rec)))
				metrics.StageFallbacks.WithLabelValues("agent_" + string(agent.Kind())).Inc()
				done <- emptyResult(agent.Kind(), models.DegradedAgentPanic)
			}
		}()
		done <- agent.Run(ctx, task)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		r.logger.Warn("Agent timed out",
			zap.String("kind", string(agent.Kind())),
			zap.Duration("timeout", r.timeout))
		metrics.StageFallbacks.WithLabelValues("agent_" + string(agent.Kind())).Inc()
		return emptyResult(agent.Kind(), models.DegradedAgentTimeout)
	}
}
