// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package feedback

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/learning"
)

// HandlerStats aggregates resolved routings of one handler.
type HandlerStats struct {
	Uses        int     `json:"uses"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
	AvgTokens   float64 `json:"avg_tokens"`
	Confidence  float64 `json:"confidence"`
}

// IntentPreference is the best-performing handler for an intent.
type IntentPreference struct {
	HandlerID   string  `json:"handler_id"`
	Confidence  float64 `json:"confidence"`
	Uses        int     `json:"uses"`
	SuccessRate float64 `json:"success_rate"`
}

// RuleStats counts outcomes of routings where a rule fired.
type RuleStats struct {
	Fired     int `json:"fired"`
	Successes int `json:"successes"`
}

// Report summarizes resolved routing decisions over a window.
type Report struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Since       time.Time                   `json:"since"`
	Analyzed    int                         `json:"analyzed"`
	Handlers    map[string]*HandlerStats    `json:"handlers"`
	Intents     map[string]IntentPreference `json:"intents"`
	Rules       map[string]*RuleStats       `json:"rules"`
	// PeakIntents maps an hour of day to the intent dominating it.
	PeakIntents map[int]string `json:"peak_intents,omitempty"`
	Suggestions []string       `json:"suggestions"`
}

// Analyze aggregates the resolved routings of the analysis window and keeps
// the result as the latest report.
func (e *Engine) Analyze(ctx context.Context) (*Report, error) {
	if e.source == nil {
		return nil, fmt.Errorf("no decision source configured")
	}
	now := e.now()
	resolved := true
	recs, err := e.source.Query(ctx, audit.Filter{
		Type:     audit.TypeRouting,
		Since:    now.Add(-e.cfg.AnalysisWindow),
		Resolved: &resolved,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions: %w", err)
	}
	report := analyze(recs, e.cfg.MinSampleSize)
	report.GeneratedAt = now
	report.Since = now.Add(-e.cfg.AnalysisWindow)
	e.report.Store(report)
	log.Infof("Feedback analysis: %d routings, %d suggestions", report.Analyzed, len(report.Suggestions))
	return report, nil
}

// LastReport returns the most recent analysis, or nil before the first run.
func (e *Engine) LastReport() *Report { return e.report.Load() }

type counts struct {
	uses, successes int
	tokens          int64
}

func analyze(recs []audit.DecisionRecord, minSamples int) *Report {
	r := &Report{
		Handlers: make(map[string]*HandlerStats),
		Intents:  make(map[string]IntentPreference),
		Rules:    make(map[string]*RuleStats),
	}
	byIntent := make(map[string]map[string]*counts)
	hourly := make(map[int]map[string]int)

	for i := range recs {
		rec := &recs[i]
		if rec.Outcome == nil || rec.Outcome.Status == audit.OutcomeCancelled || rec.Selected == "" {
			continue
		}
		r.Analyzed++
		ok := rec.Outcome.Success()

		h := r.Handlers[rec.Selected]
		if h == nil {
			h = &HandlerStats{}
			r.Handlers[rec.Selected] = h
		}
		h.Uses++
		h.AvgTokens += float64(rec.Outcome.TokensUsed)
		if ok {
			h.Successes++
		}

		if intent := rec.Attributes[AttrIntent]; intent != "" {
			if byIntent[intent] == nil {
				byIntent[intent] = make(map[string]*counts)
			}
			c := byIntent[intent][rec.Selected]
			if c == nil {
				c = &counts{}
				byIntent[intent][rec.Selected] = c
			}
			c.uses++
			if ok {
				c.successes++
			}
			hour := rec.CreatedAt.Hour()
			if hourly[hour] == nil {
				hourly[hour] = make(map[string]int)
			}
			hourly[hour][intent]++
		}

		for _, name := range SplitRules(rec.Attributes[AttrRules]) {
			rs := r.Rules[name]
			if rs == nil {
				rs = &RuleStats{}
				r.Rules[name] = rs
			}
			rs.Fired++
			if ok {
				rs.Successes++
			}
		}
	}

	for _, h := range r.Handlers {
		h.SuccessRate = float64(h.Successes) / float64(h.Uses)
		h.AvgTokens /= float64(h.Uses)
		h.Confidence = learning.PreferenceConfidence(h.Successes, h.Uses, 0)
	}

	for intent, handlers := range byIntent {
		var best IntentPreference
		for id, c := range handlers {
			if c.uses < minSamples {
				continue
			}
			conf := learning.PreferenceConfidence(c.successes, c.uses, 0)
			if conf > best.Confidence || (conf == best.Confidence && best.HandlerID != "" && id < best.HandlerID) {
				best = IntentPreference{HandlerID: id, Confidence: conf, Uses: c.uses, SuccessRate: float64(c.successes) / float64(c.uses)}
			}
		}
		if best.HandlerID != "" {
			r.Intents[intent] = best
		}
	}

	for hour, intents := range hourly {
		total, top, topIntent := 0, 0, ""
		for intent, n := range intents {
			total += n
			if n > top || (n == top && intent < topIntent) {
				top, topIntent = n, intent
			}
		}
		if total >= 5 && float64(top)/float64(total) > 0.5 {
			if r.PeakIntents == nil {
				r.PeakIntents = make(map[int]string)
			}
			r.PeakIntents[hour] = topIntent
		}
	}

	r.Suggestions = suggestions(r, minSamples)
	return r
}

func suggestions(r *Report, minSamples int) []string {
	var out []string

	ids := make([]string, 0, len(r.Handlers))
	for id := range r.Handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		h := r.Handlers[id]
		if h.Uses >= minSamples && h.SuccessRate < 0.4 {
			out = append(out, fmt.Sprintf("Handler '%s' succeeded in %.0f%% of %d routed tasks; review its manifest or disable it", id, h.SuccessRate*100, h.Uses))
		}
	}

	intents := make([]string, 0, len(r.Intents))
	for intent := range r.Intents {
		intents = append(intents, intent)
	}
	sort.Strings(intents)
	for _, intent := range intents {
		p := r.Intents[intent]
		if p.Confidence > 0.9 && p.Uses > 20 {
			out = append(out, fmt.Sprintf("Strong performance for handler '%s' on intent '%s' (confidence %.2f)", p.HandlerID, intent, p.Confidence))
		}
	}

	rules := make([]string, 0, len(r.Rules))
	for name := range r.Rules {
		rules = append(rules, name)
	}
	sort.Strings(rules)
	for _, name := range rules {
		rs := r.Rules[name]
		if rs.Fired >= minSamples && float64(rs.Successes)/float64(rs.Fired) < 0.4 {
			out = append(out, fmt.Sprintf("Rule '%s' fired on %d routings that mostly failed; check its condition", name, rs.Fired))
		}
	}

	hours := make([]int, 0, len(r.PeakIntents))
	for h := range r.PeakIntents {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	for _, h := range hours {
		out = append(out, fmt.Sprintf("High volume of '%s' intent at %02d:00", r.PeakIntents[h], h))
	}
	return out
}
