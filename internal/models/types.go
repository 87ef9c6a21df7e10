package models

import (
	"strings"
	"time"
)

// ChatRequest is the inbound request from NATS or HTTP
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// PipelineResult is the only artifact returned across the system boundary
type PipelineResult struct {
	Response string         `json:"response"`
	Products []Part         `json:"products"`
	Steps    []Step         `json:"steps"`
	Metadata map[string]any `json:"metadata"`
	Cached   bool           `json:"cached"`
}

// Step is one numbered instruction in a response
type Step struct {
	Index       int    `json:"step"`
	Title       string `json:"title,omitempty"`
	Instruction string `json:"detail"`
	Safety      bool   `json:"safety,omitempty"`
}

// Turn is a single message in a conversation session
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// IntentKind is the closed set of things a user can want
type IntentKind string

const (
	IntentProductSearch      IntentKind = "product_search"
	IntentCompatibilityCheck IntentKind = "compatibility_check"
	IntentInstallationHelp   IntentKind = "installation_help"
	IntentTroubleshooting    IntentKind = "troubleshooting"
	IntentOutOfScope         IntentKind = "out_of_scope"
	IntentUnknown            IntentKind = "unknown"
)

// IntentKinds lists every valid intent, in a stable order
var IntentKinds = []IntentKind{
	IntentProductSearch,
	IntentCompatibilityCheck,
	IntentInstallationHelp,
	IntentTroubleshooting,
	IntentOutOfScope,
	IntentUnknown,
}

// Valid reports whether k belongs to the closed intent set
func (k IntentKind) Valid() bool {
	for _, known := range IntentKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Entities extracted from a user message. All fields are optional.
type Entities struct {
	PartNumber    string `json:"part_number,omitempty"`
	ModelNumber   string `json:"model_number,omitempty"`
	ApplianceType string `json:"appliance_type,omitempty"`
	Symptom       string `json:"symptom,omitempty"`
	Brand         string `json:"brand,omitempty"`
}

// Intent is produced once per request by the classifier
type Intent struct {
	Kind     IntentKind `json:"intent"`
	Entities Entities   `json:"entities"`
	Source   string     `json:"source"` // "llm" or "heuristic"
}

// GuardReason explains a guard rejection
type GuardReason string

const (
	ReasonNone             GuardReason = "none"
	ReasonWrongAppliance   GuardReason = "wrong_appliance"
	ReasonUnsupportedTopic GuardReason = "unsupported_topic"
)

// GuardDecision is the domain admission verdict for one request
type GuardDecision struct {
	Admit  bool        `json:"admit"`
	Reason GuardReason `json:"reason"`
	Source string      `json:"source"` // "pattern", "llm" or "fallback"
}

// Part is a catalog product. Read-only for the pipeline.
type Part struct {
	PartNumber        string   `json:"part_number"`
	Name              string   `json:"name"`
	Price             float64  `json:"price"`
	InStock           bool     `json:"in_stock"`
	CompatibleModels  []string `json:"compatible_models,omitempty"`
	MediaURLs         []string `json:"media_urls,omitempty"`
	Brand             string   `json:"brand,omitempty"`
	ApplianceType     string   `json:"appliance_type,omitempty"`
	Category          string   `json:"category,omitempty"`
	Description       string   `json:"description,omitempty"`
	ProductURL        string   `json:"product_url,omitempty"`
	InstallationSteps []string `json:"installation_steps,omitempty"`
	InstallMinutes    int      `json:"installation_time_minutes,omitempty"`
	Symptoms          []string `json:"symptoms,omitempty"`
}

// FitsModel reports whether model is listed as compatible (case-insensitive)
func (p Part) FitsModel(model string) bool {
	for _, m := range p.CompatibleModels {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// Cause is one probable cause for a troubleshooting symptom
type Cause struct {
	Component   string   `json:"component"`
	Description string   `json:"description"`
	Rank        int      `json:"rank"`
	PartNumbers []string `json:"part_numbers,omitempty"`
}

// TroubleshootingEntry is a knowledge base article for one symptom
type TroubleshootingEntry struct {
	ID                  string   `json:"id"`
	ApplianceType       string   `json:"appliance_type"`
	Symptom             string   `json:"symptom"`
	Summary             string   `json:"summary,omitempty"`
	Causes              []Cause  `json:"causes"`
	Difficulty          string   `json:"difficulty,omitempty"`
	SafetyNotes         []string `json:"safety_notes,omitempty"`
	DiagnosticSteps     []string `json:"diagnostic_steps,omitempty"`
	ClarifyingQuestions []string `json:"clarifying_questions,omitempty"`
}

// CacheEntry is what the response cache stores under a normalized key
type CacheEntry struct {
	Result   PipelineResult `json:"result"`
	StoredAt time.Time      `json:"stored_at"`
	TTL      time.Duration  `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at now
func (e CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.StoredAt.Add(e.TTL))
}

// Metadata keys
const (
	MetaIntent        = "intent"
	MetaEntities      = "entities"
	MetaAgents        = "agents"
	MetaSynthesis     = "synthesis"
	MetaDegraded      = "degraded"
	MetaRefused       = "refused"
	MetaGuardReason   = "guard_reason"
	MetaCompatibility = "compatibility"
	MetaRequestID     = "request_id"
	MetaDifficulty    = "difficulty"
	MetaCommonCauses  = "common_causes"
	MetaQuestions     = "clarifying_questions"
)

// Degradation labels reported in metadata.degraded
const (
	DegradedClassifier   = "classifier_fallback"
	DegradedGuard        = "guard_fallback"
	DegradedSynthesis    = "synthesis_fallback"
	DegradedSearch       = "search_unavailable"
	DegradedAgentTimeout = "agent_timeout"
	DegradedAgentPanic   = "agent_panic"
	DegradedCache        = "cache_degraded"
	DegradedRecovered    = "pipeline_recovered"
)
