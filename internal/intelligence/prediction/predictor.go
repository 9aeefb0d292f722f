// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package prediction predicts which handlers and resources a classified task
// will need, from decayed usage history, the session and the project profile.
package prediction

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/traylinx/kilorouter/internal/types"

	log "github.com/sirupsen/logrus"
)

// Config holds the predictor weights and limits.
type Config struct {
	HistoricalWeight float64
	SessionWeight    float64
	ProjectWeight    float64
	IntentWeight     float64
	// DecayWindow is the age after which an entry's frequency halves per elapsed window.
	DecayWindow    time.Duration
	MinOccurrences int
	MinConfidence  float64
	MaxPredictions int
	// MaxSteps bounds the number of candidates scored in one pass.
	MaxSteps int
	// Timeout bounds one pass in wall time.
	Timeout time.Duration
	// DefaultTokens is assumed for targets without an estimate.
	DefaultTokens int
}

// DefaultConfig returns the standard weights and limits.
func DefaultConfig() Config {
	return Config{
		HistoricalWeight: 0.4,
		SessionWeight:    0.25,
		ProjectWeight:    0.2,
		IntentWeight:     0.15,
		DecayWindow:      30 * 24 * time.Hour,
		MinOccurrences:   3,
		MinConfidence:    0.15,
		MaxPredictions:   20,
		MaxSteps:         500,
		Timeout:          50 * time.Millisecond,
		DefaultTokens:    500,
	}
}

// HandlerSource lists the registered handlers.
type HandlerSource interface {
	Handlers() []types.HandlerDescriptor
}

// Predictor scores prediction candidates. It only reads the pattern store;
// updates arrive later through the feedback loop.
type Predictor struct {
	store    PatternStore
	handlers HandlerSource
	cfg      Config
	now      func() time.Time
}

// NewPredictor creates a predictor. handlers may be nil.
func NewPredictor(store PatternStore, handlers HandlerSource, cfg Config) *Predictor {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Predictor{store: store, handlers: handlers, cfg: cfg, now: time.Now}
}

// Store returns the pattern store the predictor reads from.
func (p *Predictor) Store() PatternStore { return p.store }

type candidate struct {
	target       string
	category     types.PredictionCategory
	handler      *types.HandlerDescriptor
	entry        *PatternEntry
	historical   float64
	alternatives []string
}

// Predict produces the ranked predictions for ic.
//
// The pass stops early when the step budget or the timeout runs out; the
// predictions scored so far are returned with Degraded set.
func (p *Predictor) Predict(ctx context.Context, ic *types.IntentClassification, session types.SessionState, profile *types.ProjectProfile) (*types.PredictionSet, error) {
	if ic == nil {
		return nil, fmt.Errorf("prediction requires a classification")
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	key := PatternKey{Intent: ic.Primary, Domain: ic.Domain}
	table, err := p.store.Table(ctx, key)
	if err != nil {
		log.Warnf("pattern store unavailable for %s, predicting without history: %v", key, err)
		table = nil
	}

	candidates := p.gather(table, session, profile)
	set := &types.PredictionSet{}

	for step, c := range candidates {
		if p.cfg.MaxSteps > 0 && step >= p.cfg.MaxSteps {
			set.Degraded = true
			set.Reason = fmt.Sprintf("step budget of %d exhausted with %d candidates left", p.cfg.MaxSteps, len(candidates)-step)
			break
		}
		if err := ctx.Err(); err != nil {
			set.Degraded = true
			set.Reason = fmt.Sprintf("prediction interrupted after %d of %d candidates: %v", step, len(candidates), err)
			break
		}
		if pred, ok := p.score(c, ic, session, profile); ok {
			set.Predictions = append(set.Predictions, pred)
		}
	}
	if set.Degraded {
		log.Warnf("prediction degraded: %s", set.Reason)
	}

	sortPredictions(set.Predictions)
	if p.cfg.MaxPredictions > 0 && len(set.Predictions) > p.cfg.MaxPredictions {
		set.Predictions = set.Predictions[:p.cfg.MaxPredictions]
	}
	return set, nil
}

// gather merges every source of candidates and orders them most promising
// first, so a truncated pass keeps the best ones.
func (p *Predictor) gather(table FrequencyTable, session types.SessionState, profile *types.ProjectProfile) []*candidate {
	byTarget := make(map[string]*candidate)
	get := func(target string, category types.PredictionCategory) *candidate {
		c, ok := byTarget[target]
		if !ok {
			c = &candidate{target: target, category: category}
			byTarget[target] = c
		}
		return c
	}

	var handlers []types.HandlerDescriptor
	if p.handlers != nil {
		handlers = p.handlers.Handlers()
	}
	handlerByID := make(map[string]*types.HandlerDescriptor, len(handlers))
	for i := range handlers {
		handlerByID[handlers[i].ID] = &handlers[i]
	}
	categoryOf := func(target string, fallback types.PredictionCategory) types.PredictionCategory {
		if _, ok := handlerByID[target]; ok {
			return types.CategoryHandler
		}
		if e, ok := table.Lookup(target); ok && e.Category != "" {
			return e.Category
		}
		return fallback
	}

	now := p.now()
	for i := range table {
		e := table[i]
		c := get(e.Target, categoryOf(e.Target, types.CategoryReference))
		c.entry = &e
		c.alternatives = e.Alternatives
		if e.Occurrences >= p.cfg.MinOccurrences {
			c.historical = decayed(e.Frequency, now.Sub(e.LastSeen), p.cfg.DecayWindow)
		}
	}
	for _, u := range session.RecentHandlers {
		get(u.HandlerID, types.CategoryHandler)
	}
	for _, r := range session.RecentResources {
		get(r, categoryOf(r, types.CategoryCodeContext))
	}
	for _, r := range session.ActiveResources {
		get(r, categoryOf(r, types.CategoryCodeContext))
	}
	if profile != nil {
		for target := range profile.Patterns {
			get(target, categoryOf(target, types.CategoryReference))
		}
	}
	for i := range handlers {
		h := &handlers[i]
		if h.Disabled || (len(h.Intents) == 0 && len(h.SecondaryIntents) == 0) {
			continue
		}
		c := get(h.ID, types.CategoryHandler)
		c.category = types.CategoryHandler
	}
	for id, c := range byTarget {
		if h, ok := handlerByID[id]; ok {
			c.handler = h
			c.category = types.CategoryHandler
			if len(c.alternatives) == 0 {
				c.alternatives = h.Alternatives
			}
		}
	}

	out := make([]*candidate, 0, len(byTarget))
	for _, c := range byTarget {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].historical != out[j].historical {
			return out[i].historical > out[j].historical
		}
		return out[i].target < out[j].target
	})
	return out
}

func (p *Predictor) score(c *candidate, ic *types.IntentClassification, session types.SessionState, profile *types.ProjectProfile) (types.Prediction, bool) {
	sessionRel := sessionRelevance(c.target, session)
	projectFit := projectPatternFit(c, profile)
	alignment := intentAlignment(c, ic)

	weighted := p.cfg.HistoricalWeight*c.historical +
		p.cfg.SessionWeight*sessionRel +
		p.cfg.ProjectWeight*projectFit +
		p.cfg.IntentWeight*alignment
	mult := ic.Urgency.Multiplier()
	confidence := math.Min(1.0, weighted*mult)
	if confidence < p.cfg.MinConfidence {
		return types.Prediction{}, false
	}

	tokens := p.cfg.DefaultTokens
	var duration int64
	var effectiveness float64
	if c.entry != nil {
		if c.entry.AvgTokens > 0 {
			tokens = c.entry.AvgTokens
		}
		duration = c.entry.AvgDurationMs
	}
	if c.handler != nil {
		if est := c.handler.CostEstimate(); est > 0 {
			tokens = int(est)
		}
		effectiveness = c.handler.Effectiveness.SuccessRate
	}
	if duration == 0 {
		duration = int64(tokens) / 10
	}

	return types.Prediction{
		Target:              c.target,
		Category:            c.category,
		Confidence:          confidence,
		Rationale:           fmt.Sprintf("history=%.2f session=%.2f project=%.2f intent=%.2f urgency=x%.2f", c.historical, sessionRel, projectFit, alignment, mult),
		EstimatedTokens:     tokens,
		EstimatedDurationMs: duration,
		Effectiveness:       effectiveness,
		Alternatives:        append([]string(nil), c.alternatives...),
	}, true
}

// decayed halves freq for every full DecayWindow the entry has aged past the first one.
func decayed(freq float64, age, window time.Duration) float64 {
	if window <= 0 || age <= window {
		return freq
	}
	windows := float64(age-window) / float64(window)
	return freq * math.Pow(0.5, windows)
}

func sessionRelevance(target string, session types.SessionState) float64 {
	for _, r := range session.ActiveResources {
		if r == target {
			return 1.0
		}
	}
	best := 0.0
	for rank, u := range session.RecentHandlers {
		if u.HandlerID == target {
			best = math.Max(best, 1.0/float64(rank+1))
			break
		}
	}
	for rank, r := range session.RecentResources {
		if r == target {
			best = math.Max(best, 1.0/float64(rank+1))
			break
		}
	}
	return best
}

func projectPatternFit(c *candidate, profile *types.ProjectProfile) float64 {
	if profile == nil {
		return 0
	}
	if fit, ok := profile.Patterns[c.target]; ok {
		return math.Max(0, math.Min(1, fit))
	}
	if c.handler != nil && profile.Domain != "" && c.handler.HandlesDomain(profile.Domain) {
		return 0.6
	}
	return 0
}

func intentAlignment(c *candidate, ic *types.IntentClassification) float64 {
	if c.handler != nil {
		if m := c.handler.HandlesIntent(ic.Primary); m > 0 {
			return m
		}
		if ic.Secondary != "" && c.handler.HandlesIntent(ic.Secondary) > 0 {
			return 0.6
		}
		return 0.2
	}
	// Table entries are stored per intent, so a present entry is aligned.
	if c.entry != nil {
		return 1.0
	}
	return 0.2
}

// sortPredictions orders by confidence, then effectiveness, then estimated
// cost, then target id.
func sortPredictions(preds []types.Prediction) {
	sort.SliceStable(preds, func(i, j int) bool {
		a, b := preds[i], preds[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Effectiveness != b.Effectiveness {
			return a.Effectiveness > b.Effectiveness
		}
		if a.EstimatedTokens != b.EstimatedTokens {
			return a.EstimatedTokens < b.EstimatedTokens
		}
		return a.Target < b.Target
	})
}
