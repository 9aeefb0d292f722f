// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package feedback closes the learning loop: resolved decision outcomes
// update handler effectiveness, historical pattern frequencies and trigger
// rule weights, each by a bounded step.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/intelligence/prediction"
	"github.com/traylinx/kilorouter/internal/learning"
	"github.com/traylinx/kilorouter/internal/steering"
	"github.com/traylinx/kilorouter/internal/types"
	"github.com/traylinx/kilorouter/internal/util"
)

// Attribute keys the pipeline writes on decision records for this package.
const (
	AttrIntent = "intent"
	AttrDomain = "domain"
	AttrMode   = "mode"
	AttrRules  = "rules"
)

// JoinRules encodes fired rule names for the AttrRules attribute.
func JoinRules(names []string) string { return strings.Join(names, ",") }

// SplitRules decodes the AttrRules attribute.
func SplitRules(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// EffectivenessStore is the handler registry's effectiveness surface.
type EffectivenessStore interface {
	Get(id string) (types.HandlerDescriptor, bool)
	UpdateEffectiveness(id string, fn func(types.Effectiveness) types.Effectiveness) error
}

// RuleStore is the trigger-rule engine's learning surface.
type RuleStore interface {
	GetRules() []steering.Rule
	Reinforce(name string, delta float64, success bool) float64
}

// DecisionSource lists decisions for periodic analysis.
type DecisionSource interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.DecisionRecord, error)
}

// Config tunes the feedback loop.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// QueueSize bounds outcomes waiting to be applied; further outcomes are dropped.
	QueueSize int `yaml:"queue-size" json:"queue_size"`
	// AnalysisInterval is the period of the background analysis; zero disables it.
	AnalysisInterval time.Duration `yaml:"analysis-interval" json:"analysis_interval"`
	// AnalysisWindow is how far back the analysis looks.
	AnalysisWindow time.Duration `yaml:"analysis-window" json:"analysis_window"`
	// MinSampleSize is the number of resolved routings a handler needs before
	// the analysis reports on it.
	MinSampleSize int `yaml:"min-sample-size" json:"min_sample_size"`
}

// DefaultConfig enables the loop with a 256-slot queue and hourly analysis.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		QueueSize:        256,
		AnalysisInterval: time.Hour,
		AnalysisWindow:   7 * 24 * time.Hour,
		MinSampleSize:    5,
	}
}

// Stats counts applied and dropped outcomes.
type Stats struct {
	Applied uint64 `json:"applied"`
	Skipped uint64 `json:"skipped"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Pending int    `json:"pending"`
}

// Engine applies outcomes on a background goroutine fed by a queue.
type Engine struct {
	cfg      Config
	handlers EffectivenessStore
	patterns prediction.PatternStore
	rules    RuleStore
	source   DecisionSource
	now      func() time.Time

	queue    chan audit.DecisionRecord
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool

	applied atomic.Uint64
	skipped atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	report atomic.Pointer[Report]
}

// NewEngine creates an engine. patterns, rules and source may be nil.
func NewEngine(cfg Config, handlers EffectivenessStore, patterns prediction.PatternStore, rules RuleStore, source DecisionSource) (*Engine, error) {
	if handlers == nil {
		return nil, fmt.Errorf("effectiveness store is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 5
	}
	if cfg.AnalysisWindow <= 0 {
		cfg.AnalysisWindow = 7 * 24 * time.Hour
	}
	return &Engine{
		cfg:      cfg,
		handlers: handlers,
		patterns: patterns,
		rules:    rules,
		source:   source,
		now:      time.Now,
		queue:    make(chan audit.DecisionRecord, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}, nil
}

// Enqueue hands a resolved record to the background loop without blocking.
// It returns false when the loop is disabled or the queue is full.
func (e *Engine) Enqueue(rec audit.DecisionRecord) bool {
	if !e.cfg.Enabled {
		return false
	}
	select {
	case e.queue <- rec:
		return true
	default:
		e.dropped.Add(1)
		log.WithField("decision_id", rec.ID).Warn("feedback queue full, dropping outcome")
		return false
	}
}

// Start launches the queue worker and, when configured, the periodic
// analysis.
func (e *Engine) Start(ctx context.Context) {
	if !e.cfg.Enabled || !e.started.CompareAndSwap(false, true) {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.stopChan:
				e.drain(ctx)
				return
			case rec := <-e.queue:
				e.applyLogged(ctx, rec)
			}
		}
	}()

	if e.cfg.AnalysisInterval > 0 && e.source != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(e.cfg.AnalysisInterval)
			defer ticker.Stop()
			for {
				select {
				case <-e.stopChan:
					return
				case <-ticker.C:
					if _, err := e.Analyze(ctx); err != nil {
						log.Warnf("Feedback analysis failed: %v", err)
					}
				}
			}
		}()
	}
	log.Info("Feedback engine started")
}

// Stop applies the queued outcomes and stops the background goroutines.
func (e *Engine) Stop() {
	if !e.started.Load() {
		return
	}
	e.stopOnce.Do(func() {
		close(e.stopChan)
		e.wg.Wait()
		log.Info("Feedback engine stopped")
	})
}

func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case rec := <-e.queue:
			e.applyLogged(ctx, rec)
		default:
			return
		}
	}
}

func (e *Engine) applyLogged(ctx context.Context, rec audit.DecisionRecord) {
	if err := e.Apply(ctx, rec); err != nil {
		e.failed.Add(1)
		log.WithField("decision_id", rec.ID).Errorf("failed to apply outcome: %v", err)
	}
}

// Apply folds one resolved record into the learned state. Unresolved and
// cancelled records are skipped.
func (e *Engine) Apply(ctx context.Context, rec audit.DecisionRecord) error {
	if rec.Outcome == nil || rec.Outcome.Status == audit.OutcomeCancelled {
		e.skipped.Add(1)
		return nil
	}
	var err error
	switch rec.Type {
	case audit.TypeRouting:
		err = e.applyRouting(rec)
	case audit.TypePrediction:
		err = e.applyPrediction(ctx, rec)
	default:
		e.skipped.Add(1)
		return nil
	}
	if err == nil {
		e.applied.Add(1)
	}
	return err
}

func (e *Engine) applyRouting(rec audit.DecisionRecord) error {
	handlerID := rec.Selected
	if handlerID == "" {
		e.skipped.Add(1)
		return nil
	}
	o := rec.Outcome
	success := o.Success()

	var estimated int64
	if h, ok := e.handlers.Get(handlerID); ok {
		estimated = h.CostEstimate()
	}
	err := e.handlers.UpdateEffectiveness(handlerID, func(cur types.Effectiveness) types.Effectiveness {
		return learning.UpdateEffectiveness(cur, success, o.Iterations, estimated, o.TokensUsed, o.ResolvedAt)
	})
	if errors.Is(err, util.ErrReadOnlyMode) {
		log.Debugf("read-only state directory, effectiveness of %s kept in memory", handlerID)
	} else if err != nil {
		return fmt.Errorf("handler %s effectiveness: %w", handlerID, err)
	}

	if e.rules != nil {
		fired := SplitRules(rec.Attributes[AttrRules])
		if len(fired) > 0 {
			deltas := make(map[string]float64)
			for _, r := range e.rules.GetRules() {
				deltas[r.Name] = r.Delta
			}
			for _, name := range fired {
				delta, ok := deltas[name]
				if !ok {
					continue
				}
				w := e.rules.Reinforce(name, delta, success)
				log.Debugf("rule %s weight now %.3f after %s outcome", name, w, o.Status)
			}
		}
	}
	log.WithFields(log.Fields{"request_id": rec.TaskID, "handler": handlerID}).
		Debugf("applied %s outcome to handler effectiveness", o.Status)
	return nil
}

func (e *Engine) applyPrediction(ctx context.Context, rec audit.DecisionRecord) error {
	if e.patterns == nil {
		e.skipped.Add(1)
		return nil
	}
	intent := rec.Attributes[AttrIntent]
	if intent == "" {
		return fmt.Errorf("prediction record %s has no intent attribute", rec.ID)
	}
	key := prediction.PatternKey{Intent: types.IntentType(intent), Domain: rec.Attributes[AttrDomain]}
	o := rec.Outcome

	used := make(map[string]bool, len(o.UsedTargets))
	for _, t := range o.UsedTargets {
		used[t] = true
	}
	seen := make(map[string]bool)
	var observations []prediction.Observation
	for _, c := range rec.Candidates {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		observations = append(observations, prediction.Observation{
			Target:     c.ID,
			Category:   types.PredictionCategory(c.Kind),
			Used:       used[c.ID],
			DurationMs: o.DurationMs,
			At:         o.ResolvedAt,
		})
	}
	// Targets the task used without them being predicted still count.
	for _, t := range o.UsedTargets {
		if !seen[t] {
			seen[t] = true
			observations = append(observations, prediction.Observation{Target: t, Used: true, DurationMs: o.DurationMs, At: o.ResolvedAt})
		}
	}
	if err := e.patterns.Apply(ctx, key, observations); err != nil {
		return fmt.Errorf("pattern store %s: %w", key, err)
	}
	return nil
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Applied: e.applied.Load(),
		Skipped: e.skipped.Load(),
		Dropped: e.dropped.Load(),
		Failed:  e.failed.Load(),
		Pending: len(e.queue),
	}
}
