// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package prefetch turns predictions into a tiered loading plan and runs it
// against the tiered cache.
package prefetch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/traylinx/kilorouter/internal/types"
)

// Bucket is the execution class an item is admitted to.
type Bucket string

const (
	// BucketImmediate items block the task until loaded or timed out.
	BucketImmediate Bucket = "immediate"
	// BucketEager items load on the worker pool under the task context.
	BucketEager Bucket = "eager"
	// BucketBackground items load on the worker pool and survive cancellation.
	BucketBackground Bucket = "background"
	// BucketDeferred items are only loaded on demand.
	BucketDeferred Bucket = "deferred"
)

// Constraints bound one plan.
type Constraints struct {
	// TokenBudget caps the tokens admitted to immediate and eager. Zero means unbounded.
	TokenBudget      int64         `json:"token_budget"`
	MaxImmediate     int           `json:"max_immediate"`
	MaxEager         int           `json:"max_eager"`
	Urgency          types.Urgency `json:"urgency"`
	ImmediateTimeout time.Duration `json:"immediate_timeout"`
}

// Item is one planned load. Only the scheduler mutates its state.
type Item struct {
	Target     string
	Category   types.PredictionCategory
	Tier       types.Tier
	BaseTier   types.Tier
	Confidence float64
	Cost       int
	// Sources are alternative refs tried in order when Target fails.
	Sources []string
	Bucket  Bucket
	// Note explains a budget or capacity downgrade.
	Note string

	mu       sync.Mutex
	state    types.ItemState
	gen      int
	requeued bool
	source   string
	err      error
}

func newItem(p types.Prediction, urgency types.Urgency) *Item {
	base := BaselineTier(p.Category)
	return &Item{
		Target:     p.Target,
		Category:   p.Category,
		BaseTier:   base,
		Tier:       AdjustTier(base, p.Confidence, urgency),
		Confidence: p.Confidence,
		Cost:       p.EstimatedTokens,
		Sources:    append([]string(nil), p.Alternatives...),
		state:      types.ItemPending,
	}
}

// State returns the item's lifecycle state.
func (it *Item) State() types.ItemState {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

// Err returns the error of a failed item.
func (it *Item) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Requeued reports whether an immediate load timed out and moved to background.
func (it *Item) Requeued() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.requeued
}

// begin moves a pending item to loading and returns the generation the load
// must present to finish.
func (it *Item) begin() (int, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state != types.ItemPending {
		return 0, false
	}
	it.state = types.ItemLoading
	return it.gen, true
}

// finish records a load result unless the item was requeued since begin.
func (it *Item) finish(gen int, state types.ItemState, source string, err error) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if gen != it.gen || it.state != types.ItemLoading {
		return false
	}
	it.state = state
	it.source = source
	it.err = err
	return true
}

// requeue abandons the current load and makes the item pending again.
func (it *Item) requeue() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.gen++
	it.state = types.ItemPending
	it.requeued = true
}

// expire marks a pending or loading item as expired and reports whether it did.
func (it *Item) expire() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state != types.ItemPending && it.state != types.ItemLoading {
		return false
	}
	it.gen++
	it.state = types.ItemExpired
	return true
}

// MarshalJSON includes the item's current state.
func (it *Item) MarshalJSON() ([]byte, error) {
	it.mu.Lock()
	view := struct {
		Target     string                   `json:"target"`
		Category   types.PredictionCategory `json:"category"`
		Tier       string                   `json:"tier"`
		BaseTier   string                   `json:"base_tier"`
		Confidence float64                  `json:"confidence"`
		Cost       int                      `json:"cost"`
		Sources    []string                 `json:"sources,omitempty"`
		Bucket     Bucket                   `json:"bucket"`
		Note       string                   `json:"note,omitempty"`
		State      types.ItemState          `json:"state"`
		Requeued   bool                     `json:"requeued,omitempty"`
		Source     string                   `json:"loaded_from,omitempty"`
		Error      string                   `json:"error,omitempty"`
	}{
		Target: it.Target, Category: it.Category, Tier: it.Tier.String(), BaseTier: it.BaseTier.String(),
		Confidence: it.Confidence, Cost: it.Cost, Sources: it.Sources, Bucket: it.Bucket, Note: it.Note,
		State: it.state, Requeued: it.requeued, Source: it.source,
	}
	if it.err != nil {
		view.Error = it.err.Error()
	}
	it.mu.Unlock()
	return json.Marshal(view)
}

// Plan is the partitioned output of Scheduler.Plan.
type Plan struct {
	Immediate        []*Item       `json:"immediate"`
	Eager            []*Item       `json:"eager"`
	Background       []*Item       `json:"background"`
	Deferred         []*Item       `json:"deferred"`
	Skipped          []string      `json:"skipped,omitempty"`
	TokenBudget      int64         `json:"token_budget"`
	AdmittedTokens   int64         `json:"admitted_tokens"`
	ImmediateTimeout time.Duration `json:"immediate_timeout"`
}

// Items returns every planned item in bucket order.
func (p *Plan) Items() []*Item {
	out := make([]*Item, 0, len(p.Immediate)+len(p.Eager)+len(p.Background)+len(p.Deferred))
	out = append(out, p.Immediate...)
	out = append(out, p.Eager...)
	out = append(out, p.Background...)
	return append(out, p.Deferred...)
}

// Find returns the planned item for target.
func (p *Plan) Find(target string) (*Item, bool) {
	for _, it := range p.Items() {
		if it.Target == target {
			return it, true
		}
	}
	return nil, false
}

// BaselineTier is the tier a category starts from before adjustments.
func BaselineTier(c types.PredictionCategory) types.Tier {
	switch c {
	case types.CategoryHandler, types.CategoryCodeContext:
		return types.P1
	case types.CategoryTool, types.CategoryDocumentation:
		return types.P2
	default:
		return types.P3
	}
}

// AdjustTier applies urgency upgrades and low-confidence downgrades to base.
func AdjustTier(base types.Tier, confidence float64, urgency types.Urgency) types.Tier {
	t := base
	switch {
	case urgency == types.UrgencyCritical:
		t--
	case urgency == types.UrgencyHigh && confidence >= 0.8:
		t--
	}
	switch {
	case confidence < 0.3:
		t += 2
	case confidence < 0.5:
		t++
	}
	return t.Clamp()
}

// buildPlan partitions predictions that are not already cached.
func buildPlan(preds []types.Prediction, c Constraints, cached func(string) bool) *Plan {
	plan := &Plan{TokenBudget: c.TokenBudget, ImmediateTimeout: c.ImmediateTimeout}

	seen := make(map[string]bool, len(preds))
	items := make([]*Item, 0, len(preds))
	for _, p := range preds {
		if p.Target == "" || seen[p.Target] {
			continue
		}
		seen[p.Target] = true
		if cached(p.Target) {
			plan.Skipped = append(plan.Skipped, p.Target)
			continue
		}
		items = append(items, newItem(p, c.Urgency))
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if ra, rb := valueRatio(a), valueRatio(b); ra != rb {
			return ra > rb
		}
		return a.Target < b.Target
	})

	remaining := c.TokenBudget
	fits := func(cost int) bool { return c.TokenBudget <= 0 || int64(cost) <= remaining }
	admit := func(it *Item) {
		if c.TokenBudget > 0 {
			remaining -= int64(it.Cost)
		}
		plan.AdmittedTokens += int64(it.Cost)
	}

	for _, it := range items {
		switch {
		case it.Tier == types.P4:
			it.Bucket = BucketDeferred
			plan.Deferred = append(plan.Deferred, it)
		case it.Tier <= types.P1 && len(plan.Immediate) < c.MaxImmediate && fits(it.Cost):
			it.Bucket = BucketImmediate
			admit(it)
			plan.Immediate = append(plan.Immediate, it)
		case it.Tier <= types.P2 && len(plan.Eager) < c.MaxEager && fits(it.Cost):
			it.Bucket = BucketEager
			if it.Tier <= types.P1 {
				it.Note = "immediate slots full"
			}
			admit(it)
			plan.Eager = append(plan.Eager, it)
		default:
			it.Bucket = BucketBackground
			if it.Tier <= types.P2 {
				if !fits(it.Cost) {
					it.Note = fmt.Sprintf("needs %d tokens, %d remaining", it.Cost, remaining)
				} else {
					it.Note = "eager slots full"
				}
			}
			plan.Background = append(plan.Background, it)
		}
	}
	return plan
}

func valueRatio(it *Item) float64 {
	cost := it.Cost
	if cost <= 0 {
		cost = 1
	}
	return it.Confidence / float64(cost)
}
