package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/avvvet/partsbuddy/internal/llm"
	"github.com/avvvet/partsbuddy/internal/metrics"
	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/avvvet/partsbuddy/internal/prompts"
	"go.uber.org/zap"
)

const (
	SynthesisLLM      = "llm"
	SynthesisTemplate = "template"

	safetyPrefix = "Safety first:"
)

// Input is everything synthesis may read. None of it is modified.
type Input struct {
	Message string
	Intent  models.Intent
	History []models.Turn
	Results []Result
}

type Synthesizer struct {
	gateway *llm.Gateway
	window  int
	logger  *zap.Logger
}

func NewSynthesizer(gateway *llm.Gateway, window int, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{gateway: gateway, window: window, logger: logger}
}

// gathered is the merged view of all agent results
type gathered struct {
	product   *ProductResult
	diagnoses []Diagnosis
	agents    []string
	degraded  []string
}

func gather(results []Result) gathered {
	var g gathered
	for _, res := range results {
		g.agents = append(g.agents, string(res.Kind()))
		g.degraded = append(g.degraded, res.DegradedReasons()...)
		switch r := res.(type) {
		case *ProductResult:
			g.product = r
		case *TroubleshootResult:
			g.diagnoses = append(g.diagnoses, r.Diagnoses...)
		}
	}
	return g
}

// Synthesize builds a new PipelineResult from the agent outputs. It always succeeds.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) models.PipelineResult {
	g := gather(in.Results)
	products := mergeProducts(g)
	steps := buildSteps(g)

	var text, mode string
	degraded := g.degraded

	if in.Intent.Kind == models.IntentOutOfScope || (len(products) == 0 && len(g.diagnoses) == 0) {
		text, mode = renderTemplate(in.Intent, g, products), SynthesisTemplate
	} else {
		out, err := llm.Structured[prompts.Synthesis](ctx, s.gateway, llm.Request{
			Task:        llm.TaskSynthesize,
			System:      prompts.SystemPrompt,
			Prompt:      prompts.BuildSynthesisPrompt(in.Message, in.Intent.Kind, prompts.Window(in.History, s.window), renderFacts(g, products)),
			Temperature: 0.3,
			MaxTokens:   600,
		})
		if err == nil {
			err = citesCandidates(out.PartNumbers, products)
		}
		if err != nil {
			s.logger.Warn("Synthesis falling back to template", zap.Error(err))
			metrics.StageFallbacks.WithLabelValues("synthesis").Inc()
			degraded = append(degraded, models.DegradedSynthesis)
			text, mode = renderTemplate(in.Intent, g, products), SynthesisTemplate
		} else {
			text, mode = strings.TrimSpace(out.Response), SynthesisLLM
			products = reorderProducts(products, out.PartNumbers)
		}
	}

	text = enforceLead(in.Intent.Kind, g, text)

	return models.PipelineResult{
		Response: text,
		Products: products,
		Steps:    steps,
		Metadata: buildMetadata(in.Intent, g, mode, degraded),
	}
}

// mergeProducts puts troubleshoot-linked parts first, then product agent parts, without duplicates
func mergeProducts(g gathered) []models.Part {
	out := []models.Part{}
	seen := make(map[string]bool)
	add := func(p models.Part) {
		if seen[p.PartNumber] {
			return
		}
		seen[p.PartNumber] = true
		out = append(out, p)
	}

	for _, d := range g.diagnoses {
		for _, p := range d.Parts {
			add(p)
		}
	}
	if g.product != nil {
		for _, p := range g.product.Parts {
			add(p)
		}
	}
	return out
}

// buildSteps lists safety notes first, then diagnostics for the best match, then installation
func buildSteps(g gathered) []models.Step {
	steps := []models.Step{}
	add := func(title, detail string, safety bool) {
		steps = append(steps, models.Step{Index: len(steps) + 1, Title: title, Instruction: detail, Safety: safety})
	}

	seen := make(map[string]bool)
	for _, d := range g.diagnoses {
		for _, note := range d.SafetyNotes {
			if seen[note] {
				continue
			}
			seen[note] = true
			add("Safety", note, true)
		}
	}

	if len(g.diagnoses) > 0 {
		for _, step := range g.diagnoses[0].DiagnosticSteps {
			add("Diagnose", step, false)
		}
	}

	if g.product != nil && g.product.Installation != nil {
		title := "Install " + g.product.Installation.PartNumber
		for _, step := range g.product.Installation.Steps {
			add(title, step, false)
		}
	}
	return steps
}

// citesCandidates rejects a synthesis that names a part the agents did not return
func citesCandidates(partNumbers []string, products []models.Part) error {
	known := make(map[string]bool, len(products))
	for _, p := range products {
		known[p.PartNumber] = true
	}
	for _, pn := range partNumbers {
		if !known[strings.ToUpper(strings.TrimSpace(pn))] {
			return fmt.Errorf("%w: part number %q is not a candidate", llm.ErrSchemaViolation, pn)
		}
	}
	return nil
}

// reorderProducts moves the listed part numbers to the front in the given order
func reorderProducts(products []models.Part, order []string) []models.Part {
	if len(order) == 0 {
		return products
	}

	position := make(map[string]int, len(products))
	for i, p := range products {
		position[p.PartNumber] = i
	}

	out := make([]models.Part, 0, len(products))
	used := make(map[int]bool)
	for _, pn := range order {
		i, ok := position[strings.ToUpper(strings.TrimSpace(pn))]
		if !ok || used[i] {
			continue
		}
		used[i] = true
		out = append(out, products[i])
	}
	for i, p := range products {
		if !used[i] {
			out = append(out, p)
		}
	}
	return out
}

func compatibilitySentence(c *Compatibility) string {
	if c.Compatible {
		return fmt.Sprintf("Yes. %s (%s) fits model %s.", c.PartName, c.PartNumber, c.ModelNumber)
	}
	return fmt.Sprintf("No. %s (%s) is not listed as compatible with model %s. I can help you find the right part for that model.",
		c.PartName, c.PartNumber, c.ModelNumber)
}

func safetyLine(g gathered) string {
	for _, d := range g.diagnoses {
		if len(d.SafetyNotes) > 0 {
			return safetyPrefix + " " + d.SafetyNotes[0]
		}
	}
	return ""
}

// enforceLead makes compatibility answers open with the catalog verdict and
// troubleshooting answers open with the safety line
func enforceLead(kind models.IntentKind, g gathered, text string) string {
	switch kind {
	case models.IntentCompatibilityCheck:
		if g.product == nil || g.product.Compatibility == nil {
			return text
		}
		verdict, opposite := "Yes.", "No."
		if !g.product.Compatibility.Compatible {
			verdict, opposite = "No.", "Yes."
		}
		if strings.HasPrefix(text, verdict) {
			return text
		}
		if strings.HasPrefix(text, opposite) || strings.HasPrefix(text, strings.TrimSuffix(opposite, ".")+",") {
			// Contradicts the catalog
			return compatibilitySentence(g.product.Compatibility)
		}
		return compatibilitySentence(g.product.Compatibility) + " " + text

	case models.IntentTroubleshooting:
		line := safetyLine(g)
		if line == "" || strings.HasPrefix(text, safetyPrefix) {
			return text
		}
		return line + " " + text
	}
	return text
}

// renderTemplate writes the answer from structured outputs alone
func renderTemplate(intent models.Intent, g gathered, products []models.Part) string {
	if intent.Kind == models.IntentOutOfScope {
		return prompts.RefusalMessage
	}

	var b strings.Builder
	write := func(format string, args ...any) {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, format, args...)
	}

	if line := safetyLine(g); line != "" {
		write("%s", line)
	}

	if g.product != nil && g.product.Compatibility != nil {
		write("%s", compatibilitySentence(g.product.Compatibility))
	}

	if len(g.diagnoses) > 0 {
		d := g.diagnoses[0]
		if len(d.Causes) > 0 {
			write("The most likely cause of %q is the %s: %s", strings.ToLower(d.Symptom), strings.ToLower(d.Causes[0].Component), d.Causes[0].Description)
		}
		if len(d.Causes) > 1 {
			others := make([]string, 0, len(d.Causes)-1)
			for _, c := range d.Causes[1:] {
				others = append(others, strings.ToLower(c.Component))
			}
			write("Other possible causes: %s.", strings.Join(others, ", "))
		}
		if len(d.DiagnosticSteps) > 0 {
			write("Follow the steps below to confirm the cause.")
		}
	}

	switch {
	case len(products) == 1:
		write("%s", describePart(products[0]))
	case len(products) > 1:
		names := make([]string, 0, 3)
		for _, p := range products[:min(3, len(products))] {
			names = append(names, fmt.Sprintf("%s (%s)", p.Name, p.PartNumber))
		}
		write("I found %d matching parts, including %s.", len(products), strings.Join(names, ", "))
	}

	if g.product != nil && g.product.Installation != nil {
		inst := g.product.Installation
		if inst.Minutes > 0 {
			write("Installing the %s takes about %d minutes; the steps are below.", inst.PartName, inst.Minutes)
		} else {
			write("The installation steps for the %s are below.", inst.PartName)
		}
	} else if len(products) > 0 && intent.Kind != models.IntentCompatibilityCheck {
		write("Ask me about compatibility with your model or for installation steps.")
	}

	if b.Len() == 0 {
		if intent.Kind == models.IntentUnknown {
			return prompts.FallbackMessage
		}
		return prompts.NoMatchMessage
	}
	return b.String()
}

func describePart(p models.Part) string {
	stock := "in stock"
	if !p.InStock {
		stock = "currently out of stock"
	}
	return fmt.Sprintf("%s (%s) is $%.2f and %s.", p.Name, p.PartNumber, p.Price, stock)
}

// renderFacts lists what the model is allowed to say
func renderFacts(g gathered, products []models.Part) string {
	var b strings.Builder

	if line := safetyLine(g); line != "" {
		fmt.Fprintf(&b, "%s\n", line)
	}
	if g.product != nil && g.product.Compatibility != nil {
		fmt.Fprintf(&b, "Compatibility (from the catalog, authoritative): %s\n", compatibilitySentence(g.product.Compatibility))
	}
	for _, d := range g.diagnoses {
		fmt.Fprintf(&b, "Symptom: %s (difficulty: %s)\n", d.Symptom, d.Difficulty)
		for _, c := range d.Causes {
			fmt.Fprintf(&b, "  Cause %d: %s - %s\n", c.Rank, c.Component, c.Description)
		}
	}
	for _, p := range products {
		fmt.Fprintf(&b, "Part: %s\n", describePart(p))
	}
	if g.product != nil && g.product.Installation != nil {
		fmt.Fprintf(&b, "Installation steps for %s are shown to the customer separately.\n", g.product.Installation.PartNumber)
	}

	if b.Len() == 0 {
		return "No matching parts or troubleshooting entries."
	}
	return b.String()
}

func buildMetadata(intent models.Intent, g gathered, mode string, degraded []string) map[string]any {
	meta := map[string]any{
		models.MetaIntent:    string(intent.Kind),
		models.MetaEntities:  intent.Entities,
		models.MetaAgents:    append([]string{}, g.agents...),
		models.MetaSynthesis: mode,
		models.MetaDegraded:  dedupe(degraded),
	}

	if g.product != nil && g.product.Compatibility != nil {
		c := *g.product.Compatibility
		meta[models.MetaCompatibility] = c
	}

	if len(g.diagnoses) > 0 {
		d := g.diagnoses[0]
		if d.Difficulty != "" {
			meta[models.MetaDifficulty] = d.Difficulty
		}
		causes := make([]string, 0, len(d.Causes))
		for _, c := range d.Causes {
			causes = append(causes, c.Component)
		}
		meta[models.MetaCommonCauses] = causes
		if len(d.ClarifyingQuestions) > 0 {
			meta[models.MetaQuestions] = append([]string(nil), d.ClarifyingQuestions...)
		}
	}
	return meta
}

// dedupe returns the sorted unique reasons, never nil
func dedupe(reasons []string) []string {
	seen := make(map[string]bool, len(reasons))
	out := []string{}
	for _, r := range reasons {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
