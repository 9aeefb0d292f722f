// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package types provides the data model shared by the routing pipeline.
// It exists so that the classifier, predictor, scheduler, matcher, budget
// manager and audit packages can exchange values without import cycles.
package types

import (
	"strings"
	"time"
)

// IntentType is the classified purpose of a task.
type IntentType string

const (
	IntentDebug     IntentType = "debug"
	IntentImplement IntentType = "implement"
	IntentRefactor  IntentType = "refactor"
	IntentTest      IntentType = "test"
	IntentReview    IntentType = "review"
	IntentDocument  IntentType = "document"
	IntentDeploy    IntentType = "deploy"
	IntentOptimize  IntentType = "optimize"
	IntentExplain   IntentType = "explain"
	IntentPlan      IntentType = "plan"
	IntentUnknown   IntentType = ""
)

// Intents lists every known intent.
var Intents = []IntentType{
	IntentDebug, IntentImplement, IntentRefactor, IntentTest, IntentReview,
	IntentDocument, IntentDeploy, IntentOptimize, IntentExplain, IntentPlan,
}

// Valid reports whether i is a known intent.
func (i IntentType) Valid() bool {
	for _, known := range Intents {
		if i == known {
			return true
		}
	}
	return false
}

// Urgency is the urgency level of a task.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// Multiplier returns the predictor score multiplier for the urgency level.
func (u Urgency) Multiplier() float64 {
	switch u {
	case UrgencyCritical:
		return 1.3
	case UrgencyHigh:
		return 1.15
	case UrgencyLow:
		return 0.9
	default:
		return 1.0
	}
}

// Complexity is a coarse estimate of how much work a task implies.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Mode is the budget operating mode.
type Mode string

const (
	ModeEconomy  Mode = "economy"
	ModeStandard Mode = "standard"
	ModePremium  Mode = "premium"
	ModeCritical Mode = "critical"
)

var modeRank = map[Mode]int{
	ModeEconomy:  0,
	ModeStandard: 1,
	ModePremium:  2,
	ModeCritical: 3,
}

var modeByRank = []Mode{ModeEconomy, ModeStandard, ModePremium, ModeCritical}

// Rank orders modes from economy (0) to critical (3).
func (m Mode) Rank() int {
	if r, ok := modeRank[m]; ok {
		return r
	}
	return modeRank[ModeStandard]
}

// Multiplier returns the cost multiplier applied to handler estimates.
func (m Mode) Multiplier() float64 {
	switch m {
	case ModeEconomy:
		return 0.5
	case ModePremium:
		return 1.5
	case ModeCritical:
		return 2.0
	default:
		return 1.0
	}
}

// Downgrade returns the next cheaper mode, never below economy.
func (m Mode) Downgrade() Mode {
	r := m.Rank()
	if r == 0 {
		return ModeEconomy
	}
	return modeByRank[r-1]
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	_, ok := modeRank[m]
	return ok
}

// Category is a budget consumption category.
type Category string

const (
	CategoryContext      Category = "context"
	CategoryReasoning    Category = "reasoning"
	CategoryGeneration   Category = "generation"
	CategoryVerification Category = "verification"
)

// Categories lists every consumption category in reporting order.
var Categories = []Category{CategoryContext, CategoryReasoning, CategoryGeneration, CategoryVerification}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Task is a unit of incoming work.
type Task struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HandlerUsage is one entry of a session's recent handler history.
type HandlerUsage struct {
	HandlerID string    `json:"handler_id"`
	UsedAt    time.Time `json:"used_at"`
	Success   bool      `json:"success"`
}

// SessionState is an immutable snapshot of the session the task arrives in.
// Callers build a new snapshot for every invocation.
type SessionState struct {
	SessionID string `json:"session_id"`
	// RecentIntents is ordered oldest first; the last element is the most recent.
	RecentIntents []IntentType `json:"recent_intents,omitempty"`
	// ActiveIntent is set when the session has an unfinished task.
	ActiveIntent IntentType `json:"active_intent,omitempty"`
	// RecentHandlers is ordered most recent first.
	RecentHandlers []HandlerUsage `json:"recent_handlers,omitempty"`
	// RecentResources is ordered most recent first.
	RecentResources []string `json:"recent_resources,omitempty"`
	ActiveResources []string `json:"active_resources,omitempty"`
	// Preferences maps handler ids to a preference in [-1, 1].
	Preferences map[string]float64 `json:"preferences,omitempty"`
	// ClarificationAttempts counts clarification requests already issued for the pending task.
	ClarificationAttempts int `json:"clarification_attempts,omitempty"`
}

// LastHandler returns the most recently used handler id, if any.
func (s SessionState) LastHandler() string {
	if len(s.RecentHandlers) == 0 {
		return ""
	}
	return s.RecentHandlers[0].HandlerID
}

// ProjectProfile describes the project the task belongs to.
type ProjectProfile struct {
	Domain     string   `json:"domain,omitempty"`
	Languages  []string `json:"languages,omitempty"`
	Frameworks []string `json:"frameworks,omitempty"`
	// Patterns maps prediction targets to a project-specific fit in [0, 1].
	Patterns map[string]float64 `json:"patterns,omitempty"`
}

// IntentCandidate is one scored intent considered during classification.
type IntentCandidate struct {
	Intent IntentType `json:"intent"`
	Score  float64    `json:"score"`
}

// IntentClassification is the structured intent produced for a task.
// It is immutable once produced.
type IntentClassification struct {
	Primary           IntentType          `json:"primary"`
	Secondary         IntentType          `json:"secondary,omitempty"`
	Confidence        float64             `json:"confidence"`
	Domain            string              `json:"domain"`
	Urgency           Urgency             `json:"urgency"`
	Keywords          []string            `json:"keywords"`
	Entities          map[string][]string `json:"entities,omitempty"`
	Complexity        Complexity          `json:"complexity"`
	EffortHint        Mode                `json:"effort_hint,omitempty"`
	SecuritySensitive bool                `json:"security_sensitive"`
	Scores            []IntentCandidate   `json:"scores,omitempty"`
	Adjustments       []string            `json:"adjustments,omitempty"`
}

// PredictionCategory groups predicted targets.
type PredictionCategory string

const (
	CategoryHandler       PredictionCategory = "handler"
	CategoryCodeContext   PredictionCategory = "code-context"
	CategoryDocumentation PredictionCategory = "documentation"
	CategoryTool          PredictionCategory = "tool"
	CategoryReference     PredictionCategory = "reference"
)

// Prediction is a handler or resource the predictor expects the task to need.
type Prediction struct {
	Target              string             `json:"target"`
	Category            PredictionCategory `json:"category"`
	Confidence          float64            `json:"confidence"`
	Rationale           string             `json:"rationale"`
	EstimatedTokens     int                `json:"estimated_tokens"`
	EstimatedDurationMs int64              `json:"estimated_duration_ms"`
	Effectiveness       float64            `json:"effectiveness,omitempty"`
	Alternatives        []string           `json:"alternatives,omitempty"`
}

// PredictionSet is the immutable output of one prediction pass.
type PredictionSet struct {
	Predictions []Prediction `json:"predictions"`
	Degraded    bool         `json:"degraded"`
	Reason      string       `json:"reason,omitempty"`
}

// Tier is a prefetch priority tier. P0 is the most urgent.
type Tier int

const (
	P0 Tier = iota
	P1
	P2
	P3
	P4
)

func (t Tier) String() string {
	switch t {
	case P0:
		return "P0"
	case P1:
		return "P1"
	case P2:
		return "P2"
	case P3:
		return "P3"
	default:
		return "P4"
	}
}

// Clamp bounds t to P0..P4.
func (t Tier) Clamp() Tier {
	if t < P0 {
		return P0
	}
	if t > P4 {
		return P4
	}
	return t
}

// ItemState is the lifecycle state of a prefetch item.
type ItemState string

const (
	ItemPending ItemState = "pending"
	ItemLoading ItemState = "loading"
	ItemLoaded  ItemState = "loaded"
	ItemFailed  ItemState = "failed"
	ItemExpired ItemState = "expired"
)

// ScoreBreakdown is the per-component score of a handler candidate.
type ScoreBreakdown struct {
	Keyword       float64 `json:"keyword"`
	IntentDomain  float64 `json:"intent_domain"`
	Effectiveness float64 `json:"effectiveness"`
	ContextFit    float64 `json:"context_fit"`
	Preference    float64 `json:"preference"`
	Weighted      float64 `json:"weighted"`
	Adjustment    float64 `json:"adjustment"`
}

// HandlerCandidate is a scored handler considered during routing.
type HandlerCandidate struct {
	HandlerID       string         `json:"handler_id"`
	Score           float64        `json:"score"`
	Breakdown       ScoreBreakdown `json:"breakdown"`
	Cost            int64          `json:"cost"`
	Effectiveness   float64        `json:"effectiveness"`
	Rules           []string       `json:"rules,omitempty"`
	Excluded        bool           `json:"excluded,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
}

// RouteStatus describes how a routing pass ended.
type RouteStatus string

const (
	RouteSelected     RouteStatus = "selected"
	RouteDowngraded   RouteStatus = "downgraded"
	RouteDisambiguate RouteStatus = "disambiguate"
	RouteNoCandidate  RouteStatus = "no_candidate"
	RouteOverBudget   RouteStatus = "over_budget"
)

// RoutingDecision is the output of the handler matcher.
type RoutingDecision struct {
	Status     RouteStatus        `json:"status"`
	HandlerID  string             `json:"handler_id,omitempty"`
	Confidence float64            `json:"confidence"`
	Cost       int64              `json:"cost"`
	Mode       Mode               `json:"mode"`
	Candidates []HandlerCandidate `json:"candidates"`
	Rationale  string             `json:"rationale"`
	DecidedAt  time.Time          `json:"decided_at"`
}

// Alternatives returns the ranked candidates that were not selected.
func (d *RoutingDecision) Alternatives() []HandlerCandidate {
	out := make([]HandlerCandidate, 0, len(d.Candidates))
	for _, c := range d.Candidates {
		if c.HandlerID != d.HandlerID {
			out = append(out, c)
		}
	}
	return out
}

// TokenEstimate is a handler's declared token usage range.
type TokenEstimate struct {
	Min     int `json:"min" yaml:"min"`
	Typical int `json:"typical" yaml:"typical"`
	Max     int `json:"max" yaml:"max"`
}

// Effectiveness is a handler's rolling effectiveness metrics.
type Effectiveness struct {
	SuccessRate     float64   `json:"success_rate"`
	AvgIterations   float64   `json:"avg_iterations"`
	TokenEfficiency float64   `json:"token_efficiency"`
	Uses            int       `json:"uses"`
	LastFailureAt   time.Time `json:"last_failure_at,omitempty"`
}

// HandlerDescriptor is what the handler registry exposes to the router.
type HandlerDescriptor struct {
	ID               string        `json:"id"`
	Description      string        `json:"description,omitempty"`
	Keywords         []string      `json:"keywords"`
	Intents          []IntentType  `json:"intents,omitempty"`
	SecondaryIntents []IntentType  `json:"secondary_intents,omitempty"`
	Domains          []string      `json:"domains,omitempty"`
	Dependencies     []string      `json:"dependencies,omitempty"`
	Follows          []string      `json:"follows,omitempty"`
	Alternatives     []string      `json:"alternatives,omitempty"`
	TokenEstimate    TokenEstimate `json:"token_estimate"`
	Disabled         bool          `json:"disabled,omitempty"`
	Effectiveness    Effectiveness `json:"effectiveness"`
}

// CostEstimate returns the typical token estimate, falling back to the bounds.
func (h HandlerDescriptor) CostEstimate() int64 {
	switch {
	case h.TokenEstimate.Typical > 0:
		return int64(h.TokenEstimate.Typical)
	case h.TokenEstimate.Max > 0:
		return int64(h.TokenEstimate.Max)
	default:
		return int64(h.TokenEstimate.Min)
	}
}

// HandlesIntent returns 1.0 for a primary intent, 0.6 for a secondary one and 0 otherwise.
func (h HandlerDescriptor) HandlesIntent(intent IntentType) float64 {
	for _, i := range h.Intents {
		if i == intent {
			return 1.0
		}
	}
	for _, i := range h.SecondaryIntents {
		if i == intent {
			return 0.6
		}
	}
	return 0
}

// HandlesDomain reports whether the handler declares domain.
func (h HandlerDescriptor) HandlesDomain(domain string) bool {
	for _, d := range h.Domains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// ExecContext is passed to the execution engine.
type ExecContext struct {
	Task           Task                 `json:"task"`
	Classification IntentClassification `json:"classification"`
	Mode           Mode                 `json:"mode"`
	TokenLimit     int64                `json:"token_limit"`
	Resources      []string             `json:"resources,omitempty"`
}

// ExecutionResult is returned by the execution engine.
type ExecutionResult struct {
	Success          bool               `json:"success"`
	OutputsRef       string             `json:"outputs_ref,omitempty"`
	TokensUsed       int64              `json:"tokens_used"`
	TokensByCategory map[Category]int64 `json:"tokens_by_category,omitempty"`
	Iterations       int                `json:"iterations,omitempty"`
	DurationMs       int64              `json:"duration_ms"`
	// ResourcesUsed lists the resources the handler actually read.
	ResourcesUsed []string `json:"resources_used,omitempty"`
	Error         string   `json:"error,omitempty"`
}
