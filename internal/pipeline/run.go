// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/budget"
	"github.com/traylinx/kilorouter/internal/hooks"
	"github.com/traylinx/kilorouter/internal/intelligence/feedback"
	"github.com/traylinx/kilorouter/internal/intelligence/matcher"
	"github.com/traylinx/kilorouter/internal/intelligence/prefetch"
	"github.com/traylinx/kilorouter/internal/logging"
	"github.com/traylinx/kilorouter/internal/metrics"
	"github.com/traylinx/kilorouter/internal/types"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// cleanupTimeout bounds the ledger and audit writes made after a task ends.
const cleanupTimeout = 5 * time.Second

// run is the state of one Run call.
type run struct {
	s   *Service
	req TaskRequest
	res *TaskResult
	log *log.Entry

	// ids of the records written so far, by type
	classification string
	prediction     string
	admission      string
	modeChange     string
	routing        string
	gate           string

	ledgerOpen bool
}

func newRun(s *Service, req TaskRequest) *run {
	return &run{
		s:   s,
		req: req,
		res: &TaskResult{TaskID: req.Task.ID, Decisions: []string{}},
		log: logging.WithTask(req.Task.ID),
	}
}

func (r *run) execute(ctx context.Context) error {
	c := r.s.c
	task := r.req.Task

	// Classify.
	start := time.Now()
	ic, err := c.Classifier.Classify(task.Text, r.req.Session, r.req.Profile)
	c.Metrics.ObserveStage(metrics.StageClassify, time.Since(start))
	var amb *types.AmbiguousIntentError
	switch {
	case errors.As(err, &amb):
		r.res.Clarification = amb
		r.s.publishClarification(task.ID, amb)
		r.recordClarification(ctx, amb)
		return err
	case err != nil:
		return err
	}
	r.res.Classification = ic
	if r.classification, err = r.record(ctx, r.classificationEntry(ic)); err != nil {
		return err
	}

	// Budget and mode.
	if _, err := c.Budget.OpenTask(ctx, task.ID, task.SessionID, r.req.Allocation, types.ModeStandard); err != nil {
		return fmt.Errorf("failed to open task ledger: %w", err)
	}
	r.ledgerOpen = true
	mode, reason := r.req.Mode, "requested by caller"
	if mode == "" {
		mode, reason = budget.SelectMode(budget.SignalsFor(ic, c.Budget.RemainingRatio(task.ID)))
	}
	if err := c.Budget.SetMode(task.ID, mode); err != nil {
		return err
	}
	r.res.Mode, r.res.ModeReason = mode, reason
	c.Metrics.RecordMode(string(mode))
	if r.modeChange, err = r.record(ctx, audit.Entry{
		Type:        audit.TypeModeChange,
		Input:       map[string]interface{}{"intent": string(ic.Primary), "complexity": string(ic.Complexity), "urgency": string(ic.Urgency)},
		Selected:    string(mode),
		Confidence:  1,
		Rationale:   reason,
		Attributes:  map[string]string{feedback.AttrMode: string(mode)},
		TriggeredBy: []string{r.classification},
	}); err != nil {
		return err
	}

	// Predict.
	start = time.Now()
	preds, err := c.Predictor.Predict(ctx, ic, r.req.Session, r.req.Profile)
	c.Metrics.ObserveStage(metrics.StagePredict, time.Since(start))
	if err != nil {
		return err
	}
	r.res.Predictions = preds
	if r.prediction, err = r.record(ctx, r.predictionEntry(ic, preds)); err != nil {
		return err
	}

	// Prefetch and route run side by side. Eager prefetches are queued under
	// ctx so they must not see a group context that ends with Wait.
	var (
		g        errgroup.Group
		routing  *types.RoutingDecision
		routeErr error
	)
	g.Go(func() error {
		start := time.Now()
		defer func() { c.Metrics.ObserveStage(metrics.StageSchedule, time.Since(start)) }()
		remaining, _, bounded := c.Budget.Headroom(task.ID)
		cons := prefetch.Constraints{Urgency: ic.Urgency}
		if bounded {
			cons.TokenBudget = remaining
		}
		plan := c.Scheduler.Plan(preds.Predictions, cons)
		r.res.Plan = plan
		report, err := c.Scheduler.Execute(ctx, plan, task.ID)
		r.res.Prefetch = report
		if err != nil && isContextErr(err) {
			return err
		}
		if err != nil {
			r.log.Warnf("prefetch degraded: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		defer func() { c.Metrics.ObserveStage(metrics.StageRoute, time.Since(start)) }()
		req := matcher.Request{Classification: ic, Session: r.req.Session, Profile: r.req.Profile, Mode: mode}
		if remaining, allocated, bounded := c.Budget.Headroom(task.ID); bounded {
			req.Budget = &matcher.Budget{Remaining: remaining, Allocated: allocated}
		}
		routing, routeErr = c.Matcher.Route(ctx, req)
		if routeErr != nil && isContextErr(routeErr) {
			return routeErr
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if r.res.Plan != nil {
		if r.admission, err = r.record(ctx, r.admissionEntry(r.res.Plan)); err != nil {
			return err
		}
	}
	r.res.Routing = routing
	if routing != nil {
		c.Metrics.RecordRoute(string(routing.Status), routing.HandlerID)
		if r.routing, err = r.record(ctx, r.routingEntry(ic, routing)); err != nil {
			return err
		}
		c.Events.PublishAsync(hooks.NewEvent(hooks.EventRoutingDecision, task.ID, map[string]interface{}{
			"status":     string(routing.Status),
			"handler_id": routing.HandlerID,
			"confidence": routing.Confidence,
			"mode":       string(routing.Mode),
		}))
	}
	if routeErr != nil {
		if errors.As(routeErr, &amb) {
			r.res.Clarification = amb
			r.s.publishClarification(task.ID, amb)
		}
		r.resolveWithout(ctx, routeErr.Error(), r.classification, r.modeChange, r.routing)
		return routeErr
	}

	// Budget gate.
	if err := r.gateHandler(ctx, routing); err != nil {
		r.resolveWithout(ctx, err.Error(), r.gate)
		return err
	}

	// Context tokens for what the prefetch actually loaded.
	var loaded []string
	if r.res.Prefetch != nil {
		loaded = r.res.Prefetch.Loaded
	}
	var contextTokens int64
	for _, target := range loaded {
		if e, ok := c.Scheduler.Cache().Peek(target); ok {
			contextTokens += int64(c.Tokens.CountBytes(e.Payload))
		}
	}
	if contextTokens > 0 {
		if _, err := c.Budget.Charge(ctx, task.ID, types.CategoryContext, contextTokens); err != nil {
			r.resolveWithout(ctx, err.Error(), r.gate)
			return err
		}
	}

	// Execute.
	limit, _, _ := c.Budget.Headroom(task.ID)
	ec := types.ExecContext{
		Task:           task,
		Classification: *ic,
		Mode:           c.Budget.Mode(task.ID),
		TokenLimit:     limit,
		Resources:      loaded,
	}
	start = time.Now()
	result, execErr := c.Executor.Execute(ctx, routing.HandlerID, ec)
	c.Metrics.ObserveStage(metrics.StageExecute, time.Since(start))
	if execErr != nil && ctx.Err() != nil {
		return execErr
	}
	if execErr != nil && result.Error == "" {
		result.Success = false
		result.Error = execErr.Error()
	}
	if result.DurationMs == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
	}
	r.res.Execution = &result

	chargeErr := r.chargeExecution(ctx, result)
	r.resolveWith(ctx, result, routing.HandlerID)
	if execErr != nil {
		return execErr
	}
	return chargeErr
}

// gateHandler reserves the routed handler's cost on the task ledger.
func (r *run) gateHandler(ctx context.Context, routing *types.RoutingDecision) error {
	c := r.s.c
	task := r.req.Task
	remaining, allocated, bounded := c.Budget.Headroom(task.ID)

	var gateErr error
	if routing.Cost > 0 {
		_, gateErr = c.Budget.Reserve(ctx, task.ID, routing.HandlerID, routing.Cost)
	}
	verdict, rationale := "admitted", fmt.Sprintf("reserved %d tokens", routing.Cost)
	if !bounded {
		rationale = "unbounded ledger"
	}
	if gateErr != nil {
		verdict, rationale = "rejected", gateErr.Error()
	}

	id, err := r.record(ctx, audit.Entry{
		Type: audit.TypeBudgetGate,
		Input: map[string]interface{}{
			"handler":   routing.HandlerID,
			"cost":      routing.Cost,
			"remaining": remaining,
			"allocated": allocated,
		},
		Candidates:  []audit.Candidate{{ID: routing.HandlerID, Score: float64(routing.Cost), Kind: "handler", Selected: gateErr == nil}},
		Selected:    verdict,
		Confidence:  1,
		Rationale:   rationale,
		TriggeredBy: []string{r.routing},
	})
	r.gate = id
	if err != nil {
		return err
	}
	return gateErr
}

// chargeExecution charges what the handler reported, category by category.
// Tokens not attributed to a category are charged as generation.
func (r *run) chargeExecution(ctx context.Context, result types.ExecutionResult) error {
	c := r.s.c
	var attributed int64
	var firstErr error
	for _, cat := range types.Categories {
		n := result.TokensByCategory[cat]
		if n <= 0 {
			continue
		}
		attributed += n
		if _, err := c.Budget.Charge(ctx, r.req.Task.ID, cat, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rest := result.TokensUsed - attributed; rest > 0 {
		if _, err := c.Budget.Charge(ctx, r.req.Task.ID, types.CategoryGeneration, rest); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolveWith resolves every open decision of the task from the execution
// result.
func (r *run) resolveWith(ctx context.Context, result types.ExecutionResult, handlerID string) {
	status, detail := audit.OutcomeSuccess, ""
	if !result.Success {
		status, detail = audit.OutcomeFailure, result.Error
	}
	used := append([]string{handlerID}, result.ResourcesUsed...)
	o := audit.Outcome{
		Status:      status,
		Detail:      detail,
		Iterations:  result.Iterations,
		TokensUsed:  result.TokensUsed,
		DurationMs:  result.DurationMs,
		UsedTargets: used,
	}
	for _, id := range r.records() {
		r.resolve(ctx, id, o)
	}
}

// resolveWithout closes the decisions of a task whose handler never ran.
// The decisions named in failed are resolved as failures; the rest were never
// tested and are cancelled, so feedback leaves the handler untouched.
func (r *run) resolveWithout(ctx context.Context, reason string, failed ...string) {
	bad := audit.Outcome{Status: audit.OutcomeFailure, Detail: reason}
	untested := audit.Outcome{Status: audit.OutcomeCancelled, Detail: reason}
	isFailed := make(map[string]bool, len(failed))
	for _, id := range failed {
		isFailed[id] = true
	}
	for _, id := range r.records() {
		if isFailed[id] {
			r.resolve(ctx, id, bad)
		} else {
			r.resolve(ctx, id, untested)
		}
	}
}

func (r *run) resolve(ctx context.Context, id string, o audit.Outcome) {
	if id == "" {
		return
	}
	if _, err := r.s.c.Recorder.ResolveOutcome(context.WithoutCancel(ctx), id, o); err != nil && !errors.Is(err, audit.ErrOutcomeAlreadySet) {
		r.log.Warnf("failed to resolve decision %s: %v", id, err)
	}
}

// cancel handles a run whose context ended.
func (r *run) cancel(cause error) {
	ctx, done := context.WithTimeout(context.Background(), cleanupTimeout)
	defer done()
	if r.ledgerOpen {
		if _, err := r.s.c.Budget.Release(ctx, r.req.Task.ID, 0); err != nil {
			r.log.Warnf("failed to release reservation: %v", err)
		}
	}
	if n, err := r.s.c.Recorder.CancelChain(ctx, r.req.Task.ID, cause.Error()); err != nil {
		r.log.Warnf("failed to cancel decision chain: %v", err)
	} else if n > 0 {
		r.log.Infof("task cancelled, %d decisions closed", n)
	}
}

// closeLedger releases what the task still holds and completes its ledger.
// A ledger halted on overspend stays open unless the run was cancelled; the
// caller continues or completes it through the service.
func (r *run) closeLedger(cancelled bool) {
	if !r.ledgerOpen {
		return
	}
	ctx, done := context.WithTimeout(context.Background(), cleanupTimeout)
	defer done()
	c := r.s.c
	taskID := r.req.Task.ID
	r.ledgerOpen = false
	if _, err := c.Budget.Release(ctx, taskID, 0); err != nil {
		r.log.Warnf("failed to release reservation: %v", err)
	}
	if !cancelled {
		snap, err := c.Budget.Snapshot(ctx, budget.ScopeTask, taskID)
		if err == nil && snap.State == budget.StateExhausted {
			r.log.Infof("ledger halted on overspend at %d/%d tokens, left open", snap.Consumed, snap.Allocated)
			r.res.Ledger = &snap
			return
		}
	}
	snap, err := c.Budget.Complete(ctx, taskID)
	if err != nil {
		r.log.Warnf("failed to complete ledger: %v", err)
	}
	r.res.Ledger = &snap
}

func (r *run) records() []string {
	var out []string
	for _, id := range []string{r.classification, r.modeChange, r.prediction, r.admission, r.routing, r.gate} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (r *run) record(ctx context.Context, e audit.Entry) (string, error) {
	e.TaskID = r.req.Task.ID
	e.SessionID = r.req.Task.SessionID
	rec, err := r.s.c.Recorder.Record(ctx, e)
	if err != nil {
		return "", fmt.Errorf("failed to record %s decision: %w", e.Type, err)
	}
	r.res.Decisions = append(r.res.Decisions, rec.ID)
	return rec.ID, nil
}

func (r *run) classificationEntry(ic *types.IntentClassification) audit.Entry {
	cands := make([]audit.Candidate, 0, len(ic.Scores))
	for _, s := range ic.Scores {
		cands = append(cands, audit.Candidate{ID: string(s.Intent), Score: s.Score, Kind: "intent", Selected: s.Intent == ic.Primary})
	}
	rationale := fmt.Sprintf("domain=%s urgency=%s complexity=%s", ic.Domain, ic.Urgency, ic.Complexity)
	if len(ic.Adjustments) > 0 {
		rationale += fmt.Sprintf(" adjustments=%v", ic.Adjustments)
	}
	return audit.Entry{
		Type:       audit.TypeClassification,
		Input:      r.taskInput(),
		Candidates: cands,
		Selected:   string(ic.Primary),
		Confidence: ic.Confidence,
		Rationale:  rationale,
		Attributes: map[string]string{feedback.AttrIntent: string(ic.Primary), feedback.AttrDomain: ic.Domain},
	}
}

// recordClarification writes the classification that stopped on ambiguity
// and resolves it at once; no handler will run for it.
func (r *run) recordClarification(ctx context.Context, amb *types.AmbiguousIntentError) {
	cands := make([]audit.Candidate, 0, len(amb.Intents))
	for _, s := range amb.Intents {
		cands = append(cands, audit.Candidate{ID: string(s.Intent), Score: s.Score, Kind: "intent"})
	}
	id, err := r.record(ctx, audit.Entry{
		Type:       audit.TypeClassification,
		Input:      r.taskInput(),
		Candidates: cands,
		Rationale:  amb.Question,
	})
	if err != nil {
		r.log.Warnf("%v", err)
		return
	}
	r.resolve(ctx, id, audit.Outcome{Status: audit.OutcomeCancelled, Detail: "clarification requested"})
}

func (r *run) predictionEntry(ic *types.IntentClassification, set *types.PredictionSet) audit.Entry {
	cands := make([]audit.Candidate, 0, len(set.Predictions))
	for _, p := range set.Predictions {
		cands = append(cands, audit.Candidate{ID: p.Target, Score: p.Confidence, Kind: string(p.Category)})
	}
	var top string
	var conf float64
	if len(set.Predictions) > 0 {
		top, conf = set.Predictions[0].Target, set.Predictions[0].Confidence
	}
	rationale := fmt.Sprintf("%d predictions", len(set.Predictions))
	if set.Degraded {
		rationale += "; degraded: " + set.Reason
	}
	return audit.Entry{
		Type:        audit.TypePrediction,
		Input:       map[string]interface{}{"intent": string(ic.Primary), "domain": ic.Domain, "session": r.req.Task.SessionID},
		Candidates:  cands,
		Selected:    top,
		Confidence:  conf,
		Rationale:   rationale,
		Attributes:  map[string]string{feedback.AttrIntent: string(ic.Primary), feedback.AttrDomain: ic.Domain},
		TriggeredBy: []string{r.classification},
	}
}

func (r *run) admissionEntry(plan *prefetch.Plan) audit.Entry {
	items := plan.Items()
	cands := make([]audit.Candidate, 0, len(items)+len(plan.Skipped))
	admitted := 0
	for _, it := range items {
		deferred := it.Bucket == prefetch.BucketDeferred
		if !deferred {
			admitted++
		}
		c := audit.Candidate{ID: it.Target, Score: it.Confidence, Kind: string(it.Bucket), Selected: !deferred}
		if deferred {
			c.RejectionReason = it.Note
		}
		cands = append(cands, c)
	}
	for _, target := range plan.Skipped {
		cands = append(cands, audit.Candidate{ID: target, Kind: "cached", RejectionReason: "already cached"})
	}
	return audit.Entry{
		Type:        audit.TypePrefetchAdmission,
		Input:       map[string]interface{}{"token_budget": plan.TokenBudget, "items": len(items)},
		Candidates:  cands,
		Selected:    fmt.Sprintf("%d admitted", admitted),
		Confidence:  1,
		Rationale:   fmt.Sprintf("admitted %d tokens of budget %d", plan.AdmittedTokens, plan.TokenBudget),
		TriggeredBy: []string{r.prediction},
	}
}

func (r *run) routingEntry(ic *types.IntentClassification, d *types.RoutingDecision) audit.Entry {
	cands := make([]audit.Candidate, 0, len(d.Candidates))
	var rules []string
	for _, hc := range d.Candidates {
		cands = append(cands, audit.Candidate{
			ID:              hc.HandlerID,
			Score:           hc.Score,
			Kind:            "handler",
			Selected:        hc.HandlerID == d.HandlerID && d.HandlerID != "",
			RejectionReason: hc.RejectionReason,
		})
		if hc.HandlerID == d.HandlerID {
			rules = hc.Rules
		}
	}
	attrs := map[string]string{
		feedback.AttrIntent: string(ic.Primary),
		feedback.AttrDomain: ic.Domain,
		feedback.AttrMode:   string(d.Mode),
	}
	if len(rules) > 0 {
		attrs[feedback.AttrRules] = feedback.JoinRules(rules)
	}
	triggers := []string{r.prediction, r.modeChange}
	if r.admission != "" {
		triggers = append(triggers, r.admission)
	}
	return audit.Entry{
		Type:        audit.TypeRouting,
		Input:       map[string]interface{}{"intent": string(ic.Primary), "domain": ic.Domain, "mode": string(d.Mode)},
		Candidates:  cands,
		Selected:    d.HandlerID,
		Confidence:  d.Confidence,
		Rationale:   string(d.Status) + ": " + d.Rationale,
		Attributes:  attrs,
		TriggeredBy: triggers,
	}
}

func (r *run) taskInput() map[string]interface{} {
	in := map[string]interface{}{"text": r.req.Task.Text, "session": r.req.Task.SessionID}
	if p := r.req.Profile; p != nil && p.Domain != "" {
		in["project_domain"] = p.Domain
	}
	return in
}
