// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package matcher routes a classified task to the best registered handler.
package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/traylinx/kilorouter/internal/intelligence/lexicon"
	"github.com/traylinx/kilorouter/internal/steering"
	"github.com/traylinx/kilorouter/internal/types"

	log "github.com/sirupsen/logrus"
)

// Registry is the part of the handler registry the matcher consults.
type Registry interface {
	// ListCandidates returns enabled handlers overlapping keywords.
	ListCandidates(keywords []string) []types.HandlerDescriptor
	// Has reports whether an enabled handler with id exists.
	Has(id string) bool
}

// RuleEvaluator applies trigger rules to one candidate.
type RuleEvaluator interface {
	Evaluate(ctx *steering.RuleContext, now time.Time) steering.Adjustment
}

// Weights are the scoring factor weights. They sum to 1.
type Weights struct {
	Keyword       float64 `yaml:"keyword" json:"keyword"`
	IntentDomain  float64 `yaml:"intent_domain" json:"intent_domain"`
	Effectiveness float64 `yaml:"effectiveness" json:"effectiveness"`
	ContextFit    float64 `yaml:"context_fit" json:"context_fit"`
	Preference    float64 `yaml:"preference" json:"preference"`
}

// TieBreaker names one step of the tie-break policy.
type TieBreaker string

const (
	TieEffectiveness TieBreaker = "effectiveness"
	TieCost          TieBreaker = "cost"
	TiePreference    TieBreaker = "preference"
	TieID            TieBreaker = "id"
)

// Config holds the matcher thresholds and policies.
type Config struct {
	Weights Weights
	// SelectThreshold is the score a handler must exceed to be selected.
	SelectThreshold float64
	// FloorThreshold is the lowest score that still asks for clarification.
	FloorThreshold float64
	// DowngradeWindow is how far below the top score a cheaper alternative may be.
	DowngradeWindow float64
	TieEpsilon      float64
	// TieBreak is applied in order when scores tie. The handler id is always
	// the last resort.
	TieBreak []TieBreaker
	// PreferenceOrder ranks handler ids for the preference tie-breaker.
	PreferenceOrder   []string
	MaxClarifications int
	// MaxOptions bounds the handlers offered in a clarification request.
	MaxOptions int
}

// DefaultConfig returns the standard weights, thresholds and tie-break order.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Keyword:       0.35,
			IntentDomain:  0.25,
			Effectiveness: 0.15,
			ContextFit:    0.15,
			Preference:    0.10,
		},
		SelectThreshold:   0.6,
		FloorThreshold:    0.4,
		DowngradeWindow:   0.1,
		TieEpsilon:        1e-9,
		TieBreak:          []TieBreaker{TieEffectiveness, TieCost, TiePreference, TieID},
		MaxClarifications: 3,
		MaxOptions:        3,
	}
}

// Budget is the ledger view the matcher checks costs against.
type Budget struct {
	Remaining int64
	Allocated int64
}

// Request is one routing request. Every field is a snapshot owned by the caller.
type Request struct {
	Classification *types.IntentClassification
	Session        types.SessionState
	Profile        *types.ProjectProfile
	Mode           types.Mode
	// Budget is nil when the task has no token bound.
	Budget *Budget
}

// Matcher scores handler candidates and selects one.
type Matcher struct {
	registry Registry
	rules    RuleEvaluator
	cfg      Config
	now      func() time.Time
}

// New creates a matcher. rules may be nil.
func New(registry Registry, rules RuleEvaluator, cfg Config) *Matcher {
	return &Matcher{registry: registry, rules: rules, cfg: cfg, now: time.Now}
}

type scoredCandidate struct {
	types.HandlerCandidate
	handler types.HandlerDescriptor
}

// Route selects a handler for req.
//
// The returned decision is never nil when req is valid, including when an
// error is returned, so callers can audit every outcome. Errors are
// *types.AmbiguousIntentError, *types.NoCandidateError or
// *types.BudgetInsufficientError.
func (m *Matcher) Route(ctx context.Context, req Request) (*types.RoutingDecision, error) {
	ic := req.Classification
	if ic == nil {
		return nil, fmt.Errorf("routing requires a classification")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := req.Mode
	if !mode.Valid() {
		mode = types.ModeStandard
	}
	now := m.now()

	candidates := m.score(req, mode, now)
	decision := &types.RoutingDecision{Mode: mode, DecidedAt: now}

	var eligible, rejected []scoredCandidate
	for _, c := range candidates {
		if c.Excluded {
			rejected = append(rejected, c)
		} else {
			eligible = append(eligible, c)
		}
	}
	m.rank(eligible)
	sort.Slice(rejected, func(i, j int) bool { return rejected[i].HandlerID < rejected[j].HandlerID })
	for _, c := range append(eligible, rejected...) {
		decision.Candidates = append(decision.Candidates, c.HandlerCandidate)
	}

	if len(eligible) == 0 || eligible[0].Score < m.cfg.FloorThreshold {
		best := 0.0
		if len(eligible) > 0 {
			best = eligible[0].Score
		}
		decision.Status = types.RouteNoCandidate
		decision.Confidence = best
		decision.Rationale = fmt.Sprintf("no handler reached %.2f (best %.2f, %d rejected)", m.cfg.FloorThreshold, best, len(rejected))
		m.annotate(decision, eligible, "below floor")
		return decision, &types.NoCandidateError{BestScore: best, Floor: m.cfg.FloorThreshold, Rejected: len(rejected)}
	}

	top := eligible[0]
	if top.Score <= m.cfg.SelectThreshold {
		decision.Status = types.RouteDisambiguate
		decision.Confidence = top.Score
		err := m.clarification(eligible, req.Session)
		decision.Rationale = fmt.Sprintf("best score %.2f needs clarification: %s", top.Score, err.Question)
		m.annotate(decision, eligible, "awaiting clarification")
		return decision, err
	}

	selected := top
	decision.Status = types.RouteSelected
	if req.Budget != nil && top.Cost > req.Budget.Remaining {
		alt, ok := m.downgrade(eligible, req.Budget.Remaining)
		if !ok {
			decision.Status = types.RouteOverBudget
			decision.Confidence = top.Score
			decision.Cost = top.Cost
			decision.Rationale = fmt.Sprintf("%s needs %d tokens, %d remaining, no alternative within %.2f above %.2f fits",
				top.HandlerID, top.Cost, req.Budget.Remaining, m.cfg.DowngradeWindow, m.cfg.SelectThreshold)
			m.annotate(decision, eligible, "over budget")
			return decision, &types.BudgetInsufficientError{HandlerID: top.HandlerID, Cost: top.Cost, Remaining: req.Budget.Remaining}
		}
		log.Infof("routing downgraded from %s (%d tokens) to %s (%d tokens), %d remaining",
			top.HandlerID, top.Cost, alt.HandlerID, alt.Cost, req.Budget.Remaining)
		selected = alt
		decision.Status = types.RouteDowngraded
	}

	decision.HandlerID = selected.HandlerID
	decision.Confidence = selected.Score
	decision.Cost = selected.Cost
	decision.Rationale = rationale(selected, decision.Status, top)
	m.annotate(decision, eligible, "")
	return decision, nil
}

// score builds and scores every candidate, including rejected ones.
func (m *Matcher) score(req Request, mode types.Mode, now time.Time) []scoredCandidate {
	ic := req.Classification
	handlers := m.registry.ListCandidates(ic.Keywords)
	out := make([]scoredCandidate, 0, len(handlers))

	for _, h := range handlers {
		c := scoredCandidate{handler: h}
		c.HandlerID = h.ID
		c.Cost = int64(math.Round(float64(h.CostEstimate()) * mode.Multiplier()))
		c.Effectiveness = h.Effectiveness.SuccessRate

		if missing := m.missingDependencies(h); len(missing) > 0 {
			c.Excluded = true
			c.RejectionReason = "missing dependency: " + strings.Join(missing, ", ")
			out = append(out, c)
			continue
		}

		b := types.ScoreBreakdown{
			Keyword:       keywordScore(h, ic.Keywords),
			IntentDomain:  intentDomainScore(h, ic),
			Effectiveness: EffectivenessScore(h.Effectiveness),
			ContextFit:    contextFit(h, req.Session, req.Profile),
			Preference:    preferenceScore(h.ID, req.Session),
		}
		w := m.cfg.Weights
		b.Weighted = w.Keyword*b.Keyword + w.IntentDomain*b.IntentDomain + w.Effectiveness*b.Effectiveness +
			w.ContextFit*b.ContextFit + w.Preference*b.Preference

		if m.rules != nil {
			adj := m.rules.Evaluate(m.ruleContext(h, c.Cost, req, mode, now), now)
			b.Adjustment = adj.Delta
			c.Rules = adj.Names()
			if adj.Exclude {
				c.Excluded = true
				c.RejectionReason = "excluded by rule: " + strings.Join(excludingRules(adj), ", ")
			}
		}
		c.Breakdown = b
		c.Score = clamp01(b.Weighted + b.Adjustment)
		out = append(out, c)
	}
	return out
}

func (m *Matcher) missingDependencies(h types.HandlerDescriptor) []string {
	var missing []string
	for _, dep := range h.Dependencies {
		if !m.registry.Has(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (m *Matcher) ruleContext(h types.HandlerDescriptor, cost int64, req Request, mode types.Mode, now time.Time) *steering.RuleContext {
	ic := req.Classification
	rc := &steering.RuleContext{
		Handler:             h.ID,
		Intent:              string(ic.Primary),
		SecondaryIntent:     string(ic.Secondary),
		Domain:              ic.Domain,
		Urgency:             string(ic.Urgency),
		Complexity:          string(ic.Complexity),
		Mode:                string(mode),
		Keywords:            ic.Keywords,
		SecuritySensitive:   ic.SecuritySensitive,
		IntentMatch:         h.HandlesIntent(ic.Primary),
		SuccessRate:         h.Effectiveness.SuccessRate,
		Uses:                h.Effectiveness.Uses,
		MinutesSinceFailure: -1,
		LastHandler:         req.Session.LastHandler(),
		Cost:                cost,
		Remaining:           -1,
		BudgetRatio:         1,
		Hour:                now.Hour(),
		Weekday:             now.Weekday().String()[:3],
	}
	if !h.Effectiveness.LastFailureAt.IsZero() {
		rc.MinutesSinceFailure = math.Max(0, now.Sub(h.Effectiveness.LastFailureAt).Minutes())
	}
	if req.Budget != nil {
		rc.Remaining = req.Budget.Remaining
		if req.Budget.Allocated > 0 {
			rc.BudgetRatio = float64(req.Budget.Remaining) / float64(req.Budget.Allocated)
		}
	}
	return rc
}

// rank sorts candidates by score, breaking ties with the configured policy.
func (m *Matcher) rank(cs []scoredCandidate) {
	prefRank := make(map[string]int, len(m.cfg.PreferenceOrder))
	for i, id := range m.cfg.PreferenceOrder {
		prefRank[id] = i
	}
	rankOf := func(id string) int {
		if r, ok := prefRank[id]; ok {
			return r
		}
		return len(prefRank)
	}

	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if math.Abs(a.Score-b.Score) >= m.cfg.TieEpsilon {
			return a.Score > b.Score
		}
		for _, tb := range m.cfg.TieBreak {
			switch tb {
			case TieEffectiveness:
				if a.Breakdown.Effectiveness != b.Breakdown.Effectiveness {
					return a.Breakdown.Effectiveness > b.Breakdown.Effectiveness
				}
			case TieCost:
				if a.Cost != b.Cost {
					return a.Cost < b.Cost
				}
			case TiePreference:
				if ra, rb := rankOf(a.HandlerID), rankOf(b.HandlerID); ra != rb {
					return ra < rb
				}
			}
		}
		return a.HandlerID < b.HandlerID
	})
}

// downgrade picks the best eligible alternative within the downgrade window
// of the top score that fits remaining. The alternative must itself clear the
// selection threshold; a cheaper handler in the clarification band is never
// selected.
func (m *Matcher) downgrade(ranked []scoredCandidate, remaining int64) (scoredCandidate, bool) {
	top := ranked[0].Score
	for _, c := range ranked[1:] {
		if top-c.Score > m.cfg.DowngradeWindow+m.cfg.TieEpsilon || c.Score <= m.cfg.SelectThreshold {
			break
		}
		if c.Cost <= remaining {
			return c, true
		}
	}
	return scoredCandidate{}, false
}

func (m *Matcher) clarification(ranked []scoredCandidate, session types.SessionState) *types.AmbiguousIntentError {
	attempt := session.ClarificationAttempts + 1
	err := &types.AmbiguousIntentError{
		Stage:     "route",
		Attempt:   attempt,
		Escalated: m.cfg.MaxClarifications > 0 && attempt >= m.cfg.MaxClarifications,
	}
	for _, c := range ranked {
		if c.Score < m.cfg.FloorThreshold || (m.cfg.MaxOptions > 0 && len(err.Handlers) == m.cfg.MaxOptions) {
			break
		}
		err.Handlers = append(err.Handlers, c.HandlerID)
	}
	err.Question = fmt.Sprintf("Should %s handle this task?", strings.Join(err.Handlers, " or "))
	log.Infof("routing clarification requested (attempt %d, escalated=%t)", attempt, err.Escalated)
	return err
}

// annotate fills the rejection reason of every eligible candidate that was
// not selected.
func (m *Matcher) annotate(d *types.RoutingDecision, eligible []scoredCandidate, reason string) {
	byID := make(map[string]string, len(eligible))
	for i, c := range eligible {
		switch {
		case c.HandlerID == d.HandlerID:
			continue
		case reason != "":
			byID[c.HandlerID] = fmt.Sprintf("%s (score %.2f)", reason, c.Score)
		case d.Status == types.RouteDowngraded && i == 0:
			byID[c.HandlerID] = fmt.Sprintf("cost %d exceeds remaining budget", c.Cost)
		default:
			byID[c.HandlerID] = fmt.Sprintf("ranked #%d (score %.2f)", i+1, c.Score)
		}
	}
	for i := range d.Candidates {
		if r, ok := byID[d.Candidates[i].HandlerID]; ok && d.Candidates[i].RejectionReason == "" {
			d.Candidates[i].RejectionReason = r
		}
	}
}

func rationale(c scoredCandidate, status types.RouteStatus, top scoredCandidate) string {
	b := c.Breakdown
	msg := fmt.Sprintf("%s scored %.2f (keyword=%.2f intent=%.2f effectiveness=%.2f context=%.2f preference=%.2f adjustment=%+.2f)",
		c.HandlerID, c.Score, b.Keyword, b.IntentDomain, b.Effectiveness, b.ContextFit, b.Preference, b.Adjustment)
	if status == types.RouteDowngraded {
		msg += fmt.Sprintf("; downgraded from %s (%.2f, %d tokens) to fit the budget", top.HandlerID, top.Score, top.Cost)
	}
	return msg
}

func excludingRules(adj steering.Adjustment) []string {
	var out []string
	for _, f := range adj.Fired {
		if f.Exclude {
			out = append(out, f.Rule)
		}
	}
	return out
}

// keywordScore averages the best match tier of every task keyword against
// the handler's keywords.
func keywordScore(h types.HandlerDescriptor, keywords []string) float64 {
	var words []string
	for _, k := range h.Keywords {
		words = append(words, lexicon.Words(k)...)
	}
	return lexicon.NewTermSet(words, nil).Score(keywords)
}

func intentDomainScore(h types.HandlerDescriptor, ic *types.IntentClassification) float64 {
	m := h.HandlesIntent(ic.Primary)
	switch {
	case m >= 1:
		return 1.0
	case m > 0,
		ic.Secondary != "" && h.HandlesIntent(ic.Secondary) > 0,
		ic.Domain != "" && h.HandlesDomain(ic.Domain):
		return 0.6
	default:
		return 0.2
	}
}

// EffectivenessScore maps rolling metrics to [0, 1]: the success rate, less
// 0.05 per average iteration above one (at most 0.3), plus a tenth of the
// token efficiency. Handlers without history score 0.5.
func EffectivenessScore(e types.Effectiveness) float64 {
	if e.Uses == 0 {
		return 0.5
	}
	penalty := math.Min(0.3, 0.05*math.Max(0, e.AvgIterations-1))
	return clamp01(e.SuccessRate - penalty + 0.1*e.TokenEfficiency)
}

func contextFit(h types.HandlerDescriptor, session types.SessionState, profile *types.ProjectProfile) float64 {
	return 0.5*projectCompatibility(h, profile) +
		0.3*resourceRelevance(h, session) +
		0.2*continuation(h, session)
}

// projectCompatibility is 1 when the handler declares the project's domain,
// language or framework, 0 when it declares only others and 0.5 when either
// side says nothing.
func projectCompatibility(h types.HandlerDescriptor, profile *types.ProjectProfile) float64 {
	if profile == nil || len(h.Domains) == 0 {
		return 0.5
	}
	var facets []string
	if profile.Domain != "" {
		facets = append(facets, profile.Domain)
	}
	facets = append(facets, profile.Languages...)
	facets = append(facets, profile.Frameworks...)
	if len(facets) == 0 {
		return 0.5
	}
	for _, f := range facets {
		if h.HandlesDomain(f) {
			return 1.0
		}
	}
	return 0
}

func resourceRelevance(h types.HandlerDescriptor, session types.SessionState) float64 {
	if len(session.ActiveResources) == 0 {
		return 0
	}
	var words []string
	for _, k := range h.Keywords {
		words = append(words, lexicon.Words(k)...)
	}
	terms := lexicon.NewTermSet(words, nil)
	for _, r := range session.ActiveResources {
		if r == h.ID || terms.Overlaps(lexicon.Words(r)) {
			return 1.0
		}
	}
	return 0
}

// continuation is 1 when the handler declares it follows the last handler,
// 0.5 when it is the last handler and that run succeeded.
func continuation(h types.HandlerDescriptor, session types.SessionState) float64 {
	if len(session.RecentHandlers) == 0 {
		return 0
	}
	last := session.RecentHandlers[0]
	for _, f := range h.Follows {
		if f == last.HandlerID {
			return 1.0
		}
	}
	if last.HandlerID == h.ID && last.Success {
		return 0.5
	}
	return 0
}

func preferenceScore(id string, session types.SessionState) float64 {
	p, ok := session.Preferences[id]
	if !ok {
		return 0.5
	}
	return clamp01((math.Max(-1, math.Min(1, p)) + 1) / 2)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
