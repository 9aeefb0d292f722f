// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/kilorouter/internal/hooks"
)

// Config tunes the recorder.
type Config struct {
	// Retention is how long records stay warm before Tier archives them.
	Retention time.Duration `yaml:"retention" json:"retention"`
	// TierBatch bounds the records written to one archive segment.
	TierBatch int `yaml:"tier-batch" json:"tier_batch"`
}

// DefaultConfig returns 30-day retention and 1000-record segments.
func DefaultConfig() Config {
	return Config{Retention: DefaultRetention, TierBatch: 1000}
}

// Stats counts recorder activity since start.
type Stats struct {
	Hot       int    `json:"hot"`
	Recorded  uint64 `json:"recorded"`
	Resolved  uint64 `json:"resolved"`
	Cancelled uint64 `json:"cancelled"`
	Flushed   uint64 `json:"flushed"`
	Archived  uint64 `json:"archived"`
}

// Recorder appends decision records and resolves their outcomes across the
// hot, warm and cold tiers. warm, archive and logger are optional.
type Recorder struct {
	cfg     Config
	graph   *Graph
	warm    *WarmStore
	archive *Archive
	log     *Logger
	events  hooks.Publisher
	now     func() time.Time

	seq       atomic.Uint64
	resolved  atomic.Uint64
	cancelled atomic.Uint64
	flushed   atomic.Uint64
	archived  atomic.Uint64

	mu    sync.RWMutex
	hot   map[string]*DecisionRecord
	order []string

	hookMu    sync.RWMutex
	onResolve []func(DecisionRecord)
}

// NewRecorder creates a recorder and restores the decision graph from the
// warm store.
func NewRecorder(ctx context.Context, cfg Config, warm *WarmStore, archive *Archive, logger *Logger, events hooks.Publisher) (*Recorder, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.TierBatch <= 0 {
		cfg.TierBatch = 1000
	}
	if events == nil {
		events = hooks.Discard
	}
	r := &Recorder{
		cfg:     cfg,
		graph:   NewGraph(),
		warm:    warm,
		archive: archive,
		log:     logger,
		events:  events,
		now:     time.Now,
		hot:     make(map[string]*DecisionRecord),
	}
	if warm != nil && warm.IsEnabled() {
		edges, err := warm.Edges(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to restore decision graph: %w", err)
		}
		for id, preds := range edges {
			r.graph.restore(id, preds)
		}
		log.Infof("Restored %d warm decisions into the decision graph", len(edges))
	}
	return r, nil
}

// OnResolve registers fn to run after every successful outcome write.
func (r *Recorder) OnResolve(fn func(DecisionRecord)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onResolve = append(r.onResolve, fn)
}

// Record appends a new record built from e. It fails when e names a
// predecessor the recorder has never seen.
func (r *Recorder) Record(ctx context.Context, e Entry) (DecisionRecord, error) {
	if !e.Type.Valid() {
		return DecisionRecord{}, fmt.Errorf("unknown decision type %q", e.Type)
	}
	if e.TaskID == "" {
		return DecisionRecord{}, fmt.Errorf("decision requires a task id")
	}
	hash, err := HashInput(e.Input)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("failed to hash decision input: %w", err)
	}

	now := r.now()
	rec := &DecisionRecord{
		ID:          NewID(now, hash, e.Type, e.TaskID, r.seq.Add(1)),
		Type:        e.Type,
		TaskID:      e.TaskID,
		SessionID:   e.SessionID,
		CreatedAt:   now,
		InputHash:   hash,
		Candidates:  append([]Candidate(nil), e.Candidates...),
		Selected:    e.Selected,
		Confidence:  e.Confidence,
		Rationale:   e.Rationale,
		TriggeredBy: dedupe(e.TriggeredBy),
	}
	if len(e.Attributes) > 0 {
		rec.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			rec.Attributes[k] = v
		}
	}

	if err := r.graph.Add(rec.ID, rec.TriggeredBy); err != nil {
		return DecisionRecord{}, err
	}
	r.mu.Lock()
	r.hot[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	out := rec.Clone()
	r.mu.Unlock()

	r.log.LogDecision(out)
	r.events.PublishAsync(hooks.NewEvent(hooks.EventDecisionRecorded, out.TaskID, map[string]interface{}{
		"decision_id": out.ID,
		"type":        string(out.Type),
		"selected":    out.Selected,
	}))
	log.WithFields(log.Fields{"request_id": out.TaskID, "decision_id": out.ID}).
		Debugf("recorded %s decision, selected %q", out.Type, out.Selected)
	return out, nil
}

// Get returns the record id with its derived successor links.
func (r *Recorder) Get(ctx context.Context, id string) (DecisionRecord, error) {
	r.mu.RLock()
	rec, ok := r.hot[id]
	var out DecisionRecord
	if ok {
		out = rec.Clone()
	}
	r.mu.RUnlock()

	if !ok {
		if r.warm == nil || !r.warm.IsEnabled() {
			return DecisionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		stored, err := r.warm.Get(ctx, id)
		if err != nil {
			return DecisionRecord{}, err
		}
		out = *stored
	}
	out.Triggers = r.graph.Triggers(id)
	return out, nil
}

// ResolveOutcome writes the outcome of id. It succeeds exactly once per
// record; later writes fail with ErrOutcomeAlreadySet.
func (r *Recorder) ResolveOutcome(ctx context.Context, id string, o Outcome) (DecisionRecord, error) {
	if o.Status == "" {
		return DecisionRecord{}, fmt.Errorf("outcome status is required")
	}
	if o.ResolvedAt.IsZero() {
		o.ResolvedAt = r.now()
	}

	r.mu.Lock()
	rec, ok := r.hot[id]
	if ok {
		if rec.Outcome != nil {
			r.mu.Unlock()
			return DecisionRecord{}, fmt.Errorf("%w: %s", ErrOutcomeAlreadySet, id)
		}
		oc := o
		oc.UsedTargets = append([]string(nil), o.UsedTargets...)
		rec.Outcome = &oc
	}
	r.mu.Unlock()

	if !ok {
		if err := r.resolveWarm(ctx, id, &o); err != nil {
			return DecisionRecord{}, err
		}
	}

	r.resolved.Add(1)
	if o.Status == OutcomeCancelled {
		r.cancelled.Add(1)
	}
	out, err := r.Get(ctx, id)
	if err != nil {
		return DecisionRecord{}, err
	}
	r.log.LogOutcome(id, out.TaskID, o)

	r.hookMu.RLock()
	hooksCopy := append([]func(DecisionRecord){}, r.onResolve...)
	r.hookMu.RUnlock()
	for _, fn := range hooksCopy {
		fn(out.Clone())
	}
	return out, nil
}

func (r *Recorder) resolveWarm(ctx context.Context, id string, o *Outcome) error {
	if r.warm == nil || !r.warm.IsEnabled() {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	err := r.warm.ResolveOutcome(ctx, id, o)
	if !IsNotFound(err) || r.archive == nil {
		return err
	}
	archived, aerr := r.archive.Contains(id)
	if aerr != nil {
		log.Warnf("Failed to scan decision archive for %s: %v", id, aerr)
		return err
	}
	if archived {
		return fmt.Errorf("%w: %s", ErrArchived, id)
	}
	return err
}

// CancelChain resolves every unresolved record of taskID as cancelled and
// returns how many were cancelled.
func (r *Recorder) CancelChain(ctx context.Context, taskID, reason string) (int, error) {
	unresolved := false
	recs, err := r.Query(ctx, Filter{TaskID: taskID, Resolved: &unresolved})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		_, err := r.ResolveOutcome(ctx, rec.ID, Outcome{Status: OutcomeCancelled, Detail: reason})
		if errors.Is(err, ErrOutcomeAlreadySet) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		log.WithField("request_id", taskID).Infof("cancelled %d decisions: %s", n, reason)
	}
	return n, nil
}

// Query returns records matching f from the hot tier, then the warm tier,
// each in creation order.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]DecisionRecord, error) {
	var out []DecisionRecord
	seen := make(map[string]bool)

	r.mu.RLock()
	for _, id := range r.order {
		rec := r.hot[id]
		if f.Match(rec) {
			out = append(out, rec.Clone())
			seen[id] = true
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	r.mu.RUnlock()

	if r.warm != nil && r.warm.IsEnabled() && (f.Limit <= 0 || len(out) < f.Limit) {
		wf := f
		if f.Limit > 0 {
			wf.Limit = f.Limit - len(out)
		}
		warm, err := r.warm.Query(ctx, wf)
		if err != nil {
			return out, err
		}
		for _, rec := range warm {
			if seen[rec.ID] {
				continue
			}
			out = append(out, rec)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	for i := range out {
		out[i].Triggers = r.graph.Triggers(out[i].ID)
	}
	return out, nil
}

// Trace returns id and its ancestors, nearest first. The chain is read from
// the hot and warm tiers, so records written by another recorder sharing
// the warm store are followed too. Ancestors already archived are returned
// with only their id set.
func (r *Recorder) Trace(ctx context.Context, id string) ([]DecisionRecord, error) {
	known := make(map[string]DecisionRecord)
	start, err := r.Get(ctx, id)
	switch {
	case err == nil:
		known[id] = start
		recs, err := r.Query(ctx, Filter{TaskID: start.TaskID})
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			known[rec.ID] = rec
		}
	case !IsNotFound(err):
		return nil, err
	case !r.graph.Has(id):
		return nil, err
	}

	lookup := func(id string) (DecisionRecord, []string, error) {
		if rec, ok := known[id]; ok {
			return rec, rec.TriggeredBy, nil
		}
		rec, err := r.Get(ctx, id)
		if err == nil {
			return rec, rec.TriggeredBy, nil
		}
		if !IsNotFound(err) {
			return DecisionRecord{}, nil, err
		}
		preds, _ := r.graph.Predecessors(id)
		return DecisionRecord{ID: id}, preds, nil
	}

	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []DecisionRecord
	for len(queue) > 0 {
		rec, preds, err := lookup(queue[0])
		queue = queue[1:]
		if err != nil {
			return out, err
		}
		out = append(out, rec)
		for _, p := range preds {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return out, nil
}

// Validate checks that the decisions in the hot and warm tiers form an
// acyclic graph. Predecessors the recorder has seen archived count as roots.
func (r *Recorder) Validate(ctx context.Context) error {
	recs, err := r.Query(ctx, Filter{})
	if err != nil {
		return err
	}
	g := BuildGraph(recs)
	for _, rec := range recs {
		for _, p := range rec.TriggeredBy {
			if !g.Has(p) && r.graph.Has(p) {
				g.restore(p, nil)
			}
		}
	}
	return g.Validate()
}

// EndSession moves the session's hot records to the warm tier. Without a
// warm store the records stay hot.
func (r *Recorder) EndSession(ctx context.Context, sessionID string) (int, error) {
	if r.warm == nil || !r.warm.IsEnabled() {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx, func(rec *DecisionRecord) bool { return rec.SessionID == sessionID })
}

func (r *Recorder) flushLocked(ctx context.Context, match func(*DecisionRecord) bool) (int, error) {
	var batch []DecisionRecord
	for _, id := range r.order {
		if rec := r.hot[id]; match(rec) {
			batch = append(batch, rec.Clone())
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := r.warm.Insert(ctx, batch); err != nil {
		return 0, fmt.Errorf("failed to flush decisions to the warm tier: %w", err)
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if match(r.hot[id]) {
			delete(r.hot, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	r.flushed.Add(uint64(len(batch)))
	return len(batch), nil
}

// Tier moves warm records older than the retention window into archive
// segments and returns how many moved.
func (r *Recorder) Tier(ctx context.Context) (int, error) {
	if r.warm == nil || r.archive == nil || !r.warm.IsEnabled() {
		return 0, nil
	}
	cutoff := r.now().Add(-r.cfg.Retention)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := r.warm.Expired(ctx, cutoff, r.cfg.TierBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		path, err := r.archive.WriteSegment(ctx, batch)
		if err != nil {
			return total, err
		}
		ids := make([]string, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		if err := r.warm.Delete(ctx, ids); err != nil {
			return total, fmt.Errorf("archived to %s but failed to drop warm copies: %w", path, err)
		}
		total += len(batch)
		r.archived.Add(uint64(len(batch)))
		log.Infof("Archived %d decisions to %s", len(batch), path)
		if len(batch) < r.cfg.TierBatch {
			break
		}
	}
	return total, nil
}

// Stats returns activity counters.
func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	hot := len(r.hot)
	r.mu.RUnlock()
	return Stats{
		Hot:       hot,
		Recorded:  r.seq.Load(),
		Resolved:  r.resolved.Load(),
		Cancelled: r.cancelled.Load(),
		Flushed:   r.flushed.Load(),
		Archived:  r.archived.Load(),
	}
}

// Close flushes every hot record to the warm tier and closes the log and
// the store.
func (r *Recorder) Close(ctx context.Context) error {
	var errs []error
	if r.warm != nil && r.warm.IsEnabled() {
		r.mu.Lock()
		if _, err := r.flushLocked(ctx, func(*DecisionRecord) bool { return true }); err != nil {
			errs = append(errs, err)
		}
		r.mu.Unlock()
		if err := r.warm.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.log.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
