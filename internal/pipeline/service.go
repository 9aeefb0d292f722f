// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pipeline runs a task through the router: classify, predict,
// schedule prefetches and route concurrently, gate the handler on the
// budget, execute it, charge the ledger and resolve every decision.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/budget"
	"github.com/traylinx/kilorouter/internal/hooks"
	"github.com/traylinx/kilorouter/internal/intelligence/intent"
	"github.com/traylinx/kilorouter/internal/intelligence/matcher"
	"github.com/traylinx/kilorouter/internal/intelligence/prediction"
	"github.com/traylinx/kilorouter/internal/intelligence/prefetch"
	"github.com/traylinx/kilorouter/internal/metrics"
	"github.com/traylinx/kilorouter/internal/tokens"
	"github.com/traylinx/kilorouter/internal/types"
)

// Components are the parts a Service orchestrates. Executor, Events, Metrics
// and Tokens are optional.
type Components struct {
	Classifier *intent.Classifier
	Predictor  *prediction.Predictor
	Scheduler  *prefetch.Scheduler
	Matcher    *matcher.Matcher
	Budget     *budget.Manager
	Recorder   *audit.Recorder
	Executor   Executor
	Events     hooks.Publisher
	Metrics    *metrics.Metrics
	Tokens     *tokens.Estimator
}

// Service is the router's Go API.
type Service struct {
	c   Components
	now func() time.Time
}

// NewService checks the required components and fills in the optional ones.
func NewService(c Components) (*Service, error) {
	switch {
	case c.Classifier == nil:
		return nil, fmt.Errorf("pipeline requires a classifier")
	case c.Predictor == nil:
		return nil, fmt.Errorf("pipeline requires a predictor")
	case c.Scheduler == nil:
		return nil, fmt.Errorf("pipeline requires a prefetch scheduler")
	case c.Matcher == nil:
		return nil, fmt.Errorf("pipeline requires a matcher")
	case c.Budget == nil:
		return nil, fmt.Errorf("pipeline requires a budget manager")
	case c.Recorder == nil:
		return nil, fmt.Errorf("pipeline requires a decision recorder")
	}
	if c.Executor == nil {
		c.Executor = NoopExecutor{}
	}
	if c.Events == nil {
		c.Events = hooks.Discard
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Global()
	}
	if c.Tokens == nil {
		c.Tokens = tokens.Default()
	}
	return &Service{c: c, now: time.Now}, nil
}

// Components returns the orchestrated parts.
func (s *Service) Components() Components { return s.c }

// TaskRequest is one task submitted to Run.
type TaskRequest struct {
	Task    types.Task            `json:"task"`
	Session types.SessionState    `json:"session"`
	Profile *types.ProjectProfile `json:"profile,omitempty"`
	// Allocation is the task token budget. Zero uses the configured default.
	Allocation int64 `json:"allocation,omitempty"`
	// Mode, when set, overrides mode selection.
	Mode types.Mode `json:"mode,omitempty"`
}

// TaskResult collects what Run decided. Fields stay nil for stages the run
// did not reach.
type TaskResult struct {
	TaskID         string                      `json:"task_id"`
	Classification *types.IntentClassification `json:"classification,omitempty"`
	Mode           types.Mode                  `json:"mode,omitempty"`
	ModeReason     string                      `json:"mode_reason,omitempty"`
	Predictions    *types.PredictionSet        `json:"predictions,omitempty"`
	Plan           *prefetch.Plan              `json:"plan,omitempty"`
	Prefetch       *prefetch.Report            `json:"prefetch,omitempty"`
	Routing        *types.RoutingDecision      `json:"routing,omitempty"`
	Execution      *types.ExecutionResult      `json:"execution,omitempty"`
	Ledger         *budget.Snapshot            `json:"ledger,omitempty"`
	Clarification  *types.AmbiguousIntentError `json:"clarification,omitempty"`
	// Decisions are the ids of the records written for the task, in order.
	Decisions []string `json:"decisions"`
}

// Run takes a task through every stage. The result is returned even when
// err is set so the caller can see how far the task got.
//
// Cancelling ctx expires pending immediate and eager prefetches, releases
// the budget reservation and resolves the task's open decisions as
// cancelled. Background prefetches keep running.
func (s *Service) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if req.Task.ID == "" {
		req.Task.ID = uuid.NewString()
	}
	if req.Task.SessionID == "" {
		req.Task.SessionID = req.Session.SessionID
	}
	if req.Session.SessionID == "" {
		req.Session.SessionID = req.Task.SessionID
	}
	if req.Task.CreatedAt.IsZero() {
		req.Task.CreatedAt = s.now()
	}

	r := newRun(s, req)
	s.c.Metrics.TaskStarted()
	err := r.execute(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		r.cancel(err)
	case err != nil:
		r.resolveWithout(ctx, err.Error())
	}
	r.closeLedger(ctx.Err() != nil)

	success := err == nil && r.res.Execution != nil && r.res.Execution.Success
	s.c.Metrics.TaskFinished(success, ctx.Err() != nil)
	if err != nil {
		r.log.Infof("task ended: %v", err)
	}
	return r.res, err
}

// Classify classifies text against the session and project without
// recording a decision.
func (s *Service) Classify(ctx context.Context, text string, session types.SessionState, profile *types.ProjectProfile) (*types.IntentClassification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	ic, err := s.c.Classifier.Classify(text, session, profile)
	s.c.Metrics.ObserveStage(metrics.StageClassify, time.Since(start))
	var amb *types.AmbiguousIntentError
	if errors.As(err, &amb) {
		s.publishClarification("", amb)
	}
	return ic, err
}

// Route selects a handler for an existing classification.
func (s *Service) Route(ctx context.Context, req matcher.Request) (*types.RoutingDecision, error) {
	start := time.Now()
	d, err := s.c.Matcher.Route(ctx, req)
	s.c.Metrics.ObserveStage(metrics.StageRoute, time.Since(start))
	if d != nil {
		s.c.Metrics.RecordRoute(string(d.Status), d.HandlerID)
	}
	return d, err
}

// Schedule plans prefetches for preds. When execute is set the plan is run
// and the call blocks on the immediate bucket.
func (s *Service) Schedule(ctx context.Context, taskID string, preds []types.Prediction, c prefetch.Constraints, execute bool) (*prefetch.Plan, *prefetch.Report, error) {
	start := time.Now()
	defer func() { s.c.Metrics.ObserveStage(metrics.StageSchedule, time.Since(start)) }()
	plan := s.c.Scheduler.Plan(preds, c)
	if !execute {
		return plan, nil, nil
	}
	report, err := s.c.Scheduler.Execute(ctx, plan, taskID)
	return plan, report, err
}

// LoadedResource is a payload fetched on demand.
type LoadedResource struct {
	Target  string `json:"target"`
	Source  string `json:"source,omitempty"`
	Tokens  int    `json:"tokens"`
	Content string `json:"content"`
}

// LoadResource fetches target through the prefetch cache, trying each
// alternative in order when target cannot be fetched.
func (s *Service) LoadResource(ctx context.Context, target string, alternatives ...string) (*LoadedResource, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: target is required", types.ErrInput)
	}
	payload, err := s.c.Scheduler.Load(ctx, target, alternatives...)
	if err != nil {
		return nil, err
	}
	res := &LoadedResource{Target: target, Tokens: s.c.Tokens.CountBytes(payload), Content: string(payload)}
	if e, ok := s.c.Scheduler.Cache().Peek(target); ok {
		res.Source = e.Source
	}
	return res, nil
}

// ChargeBudget records consumption against a task ledger.
func (s *Service) ChargeBudget(ctx context.Context, taskID string, category types.Category, amount int64) (budget.Snapshot, error) {
	return s.c.Budget.Charge(ctx, taskID, category, amount)
}

// ContinueBudget extends an exhausted task ledger with an explicit reason.
func (s *Service) ContinueBudget(ctx context.Context, taskID string, extra int64, reason string) (budget.Snapshot, error) {
	return s.c.Budget.Continue(ctx, taskID, extra, reason)
}

// OpenTask opens a task ledger for a caller that charges it directly rather
// than through Run.
func (s *Service) OpenTask(ctx context.Context, taskID, sessionID string, allocation int64, mode types.Mode) (budget.Snapshot, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	return s.c.Budget.OpenTask(ctx, taskID, sessionID, allocation, mode)
}

// CompleteTask releases the task's reservation and closes its ledger. It
// also closes a ledger Run left open after an overspend.
func (s *Service) CompleteTask(ctx context.Context, taskID string) (budget.Snapshot, error) {
	if _, err := s.c.Budget.Release(ctx, taskID, 0); err != nil {
		return budget.Snapshot{}, err
	}
	return s.c.Budget.Complete(ctx, taskID)
}

// EndSession closes the session ledger and moves the session's decisions
// out of the hot tier. It returns how many decisions moved. The session must
// have no open task ledger.
func (s *Service) EndSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("%w: session id is required", types.ErrInput)
	}
	if err := s.c.Budget.EndSession(ctx, sessionID); err != nil {
		return 0, err
	}
	n, err := s.c.Recorder.EndSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	s.c.Events.PublishAsync(hooks.NewEvent(hooks.EventSessionEnded, "", map[string]interface{}{
		"session_id": sessionID,
		"flushed":    n,
	}))
	return n, nil
}

// QueryDecisions returns the decision records matching f.
func (s *Service) QueryDecisions(ctx context.Context, f audit.Filter) ([]audit.DecisionRecord, error) {
	return s.c.Recorder.Query(ctx, f)
}

// ReportOutcome resolves a decision left open by an external executor.
func (s *Service) ReportOutcome(ctx context.Context, id string, o audit.Outcome) (audit.DecisionRecord, error) {
	return s.c.Recorder.ResolveOutcome(ctx, id, o)
}

// InvalidateCache drops a cached resource, or every resource under prefix
// when prefix is set. It returns the number of entries removed.
func (s *Service) InvalidateCache(key string, prefix bool) int {
	c := s.c.Scheduler.Cache()
	if prefix {
		return c.InvalidatePrefix(key)
	}
	if c.Invalidate(key) {
		return 1
	}
	return 0
}

func (s *Service) publishClarification(taskID string, amb *types.AmbiguousIntentError) {
	s.c.Events.PublishAsync(hooks.NewEvent(hooks.EventClarificationRequested, taskID, map[string]interface{}{
		"stage":     amb.Stage,
		"question":  amb.Question,
		"attempt":   amb.Attempt,
		"escalated": amb.Escalated,
	}))
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
