// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package budget tracks token consumption in process, session and task
// ledgers and selects the operating mode.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/traylinx/kilorouter/internal/hooks"
	"github.com/traylinx/kilorouter/internal/store"
	"github.com/traylinx/kilorouter/internal/types"

	log "github.com/sirupsen/logrus"
)

// ErrNoLedger is returned for operations on a task without an open ledger.
var ErrNoLedger = errors.New("no open ledger")

// ErrLedgerOpen is returned when a ledger that must be closed is still open.
var ErrLedgerOpen = errors.New("ledger still open")

// Config holds the ledger allocations and thresholds. A zero allocation
// leaves that level unbounded.
type Config struct {
	ProcessTokens  int64   `yaml:"process-tokens" json:"process_tokens"`
	SessionTokens  int64   `yaml:"session-tokens" json:"session_tokens"`
	TaskTokens     int64   `yaml:"task-tokens" json:"task_tokens"`
	WarnRatio      float64 `yaml:"warn-ratio" json:"warn_ratio"`
	DowngradeRatio float64 `yaml:"downgrade-ratio" json:"downgrade_ratio"`
}

// DefaultConfig returns unbounded process and session ledgers, 50k-token
// tasks and the 80%/95% thresholds.
func DefaultConfig() Config {
	return Config{
		TaskTokens:     50000,
		WarnRatio:      0.8,
		DowngradeRatio: 0.95,
	}
}

// Manager owns the ledger hierarchy. Every ledger has its own lock; an
// operation spanning several ledgers locks task, then session, then process.
type Manager struct {
	cfg    Config
	store  store.LedgerStore
	events hooks.Publisher
	now    func() time.Time

	mu       sync.RWMutex
	process  *ledger
	sessions map[string]*ledger
	tasks    map[string]*ledger
}

// NewManager creates a manager, restoring the process ledger from st when it
// was persisted before. st and events may be nil.
func NewManager(ctx context.Context, cfg Config, st store.LedgerStore, events hooks.Publisher) (*Manager, error) {
	if st == nil {
		st = store.NewMemoryStore()
	}
	if events == nil {
		events = hooks.Discard
	}
	m := &Manager{
		cfg:      cfg,
		store:    st,
		events:   events,
		now:      time.Now,
		sessions: make(map[string]*ledger),
		tasks:    make(map[string]*ledger),
	}

	rec, err := st.LoadLedger(ctx, string(ScopeProcess), ProcessLedgerID)
	switch {
	case err == nil:
		m.process = ledgerFromRecord(rec)
		if cfg.ProcessTokens > m.process.allocated {
			m.process.allocated = cfg.ProcessTokens
		}
		log.Infof("Restored process ledger: %d/%d tokens consumed", m.process.consumed, m.process.allocated)
	case errors.Is(err, store.ErrNotFound):
		m.process = newLedger(ScopeProcess, ProcessLedgerID, "", cfg.ProcessTokens)
	default:
		return nil, fmt.Errorf("failed to restore process ledger: %w", err)
	}
	return m, nil
}

// OpenTask creates the ledger of taskID under sessionID, opening the session
// ledger on first use. A zero allocation uses the configured task allocation.
func (m *Manager) OpenTask(ctx context.Context, taskID, sessionID string, allocation int64, mode types.Mode) (Snapshot, error) {
	if taskID == "" {
		return Snapshot{}, fmt.Errorf("task id is required")
	}
	if allocation <= 0 {
		allocation = m.cfg.TaskTokens
	}
	if !mode.Valid() {
		mode = types.ModeStandard
	}

	m.mu.Lock()
	if _, exists := m.tasks[taskID]; exists {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: task %s", ErrLedgerOpen, taskID)
	}
	session, err := m.sessionLocked(ctx, sessionID)
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	task := newLedger(ScopeTask, taskID, session.id, allocation)
	task.mode = mode
	m.tasks[taskID] = task
	m.mu.Unlock()

	task.mu.Lock()
	snap := task.snapshot()
	rec := task.record(m.now())
	task.mu.Unlock()

	m.persist(ctx, rec)
	return snap, nil
}

func (m *Manager) sessionLocked(ctx context.Context, sessionID string) (*ledger, error) {
	if sessionID == "" {
		sessionID = "default"
	}
	if l, ok := m.sessions[sessionID]; ok {
		return l, nil
	}
	rec, err := m.store.LoadLedger(ctx, string(ScopeSession), sessionID)
	var l *ledger
	switch {
	case err == nil:
		l = ledgerFromRecord(rec)
	case errors.Is(err, store.ErrNotFound):
		l = newLedger(ScopeSession, sessionID, ProcessLedgerID, m.cfg.SessionTokens)
	default:
		return nil, fmt.Errorf("failed to load session ledger %s: %w", sessionID, err)
	}
	m.sessions[sessionID] = l
	return l, nil
}

// chain returns the task ledger and its ancestors in lock order.
func (m *Manager) chain(taskID string) ([]*ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNoLedger, taskID)
	}
	session, ok := m.sessions[task.parent]
	if !ok {
		return nil, fmt.Errorf("%w: session %s of task %s is closed", ErrNoLedger, task.parent, taskID)
	}
	return []*ledger{task, session, m.process}, nil
}

func lockChain(chain []*ledger) func() {
	for _, l := range chain {
		l.mu.Lock()
	}
	return func() {
		for i := len(chain) - 1; i >= 0; i-- {
			chain[i].mu.Unlock()
		}
	}
}

// Charge records amount tokens of category against the task and its
// ancestors.
//
// Before admitting the charge, a task whose tightest ledger is at or past the
// downgrade ratio is forced to economy. The charge that crosses 100% of a
// ledger is admitted and logged as an overspend override; every later charge
// on that ledger fails with *types.OverspendError until Continue is called.
func (m *Manager) Charge(ctx context.Context, taskID string, category types.Category, amount int64) (Snapshot, error) {
	if !category.Valid() {
		return Snapshot{}, fmt.Errorf("unknown budget category %q", category)
	}
	if amount <= 0 {
		return Snapshot{}, fmt.Errorf("charge amount must be positive, got %d", amount)
	}
	chain, err := m.chain(taskID)
	if err != nil {
		return Snapshot{}, err
	}

	var events []*hooks.EventContext
	unlock := lockChain(chain)
	task := chain[0]
	if task.state == StateCompleted {
		unlock()
		return Snapshot{}, fmt.Errorf("task %s is completed", taskID)
	}
	for _, l := range chain {
		if l.state == StateExhausted {
			err := l.overspend()
			unlock()
			return task.snapshot(), err
		}
	}

	if ev := m.enforceDowngradeLocked(chain, "before charge"); ev != nil {
		events = append(events, ev)
	}

	for _, l := range chain {
		l.consumed += amount
		l.byCategory[category] += amount
	}
	task.reserved -= amount
	if task.reserved < 0 {
		task.reserved = 0
	}

	for _, l := range chain {
		if !l.bounded() {
			continue
		}
		r := l.ratio()
		if r >= m.cfg.WarnRatio && !l.warned {
			l.warned = true
			events = append(events, m.event(hooks.EventBudgetWarning, taskID, l, nil))
		}
		if r >= 1 {
			l.state = StateExhausted
			log.WithFields(log.Fields{"task_id": taskID, "scope": l.scope, "ledger": l.id}).
				Warnf("overspend override: admitted %d %s tokens, ledger at %d/%d; further charges need a continuation",
					amount, category, l.consumed, l.allocated)
			events = append(events, m.event(hooks.EventBudgetExhausted, taskID, l, map[string]interface{}{"override": true}))
		}
	}
	if ev := m.enforceDowngradeLocked(chain, "after charge"); ev != nil {
		events = append(events, ev)
	}

	snap := task.snapshot()
	now := m.now()
	records := make([]store.LedgerRecord, len(chain))
	for i, l := range chain {
		records[i] = l.record(now)
	}
	unlock()

	m.persist(ctx, records...)
	m.publish(events)
	return snap, nil
}

// enforceDowngradeLocked forces the task to economy when any bounded ledger
// of the chain is at or past the downgrade ratio.
func (m *Manager) enforceDowngradeLocked(chain []*ledger, phase string) *hooks.EventContext {
	task := chain[0]
	if task.mode == types.ModeEconomy {
		return nil
	}
	for _, l := range chain {
		if l.bounded() && l.ratio() >= m.cfg.DowngradeRatio {
			from := task.mode
			task.mode = types.ModeEconomy
			log.WithFields(log.Fields{"task_id": task.id, "scope": l.scope}).
				Warnf("budget at %.0f%%, mode forced from %s to economy (%s)", l.ratio()*100, from, phase)
			return m.event(hooks.EventBudgetDowngrade, task.id, l, map[string]interface{}{
				"from":  string(from),
				"to":    string(types.ModeEconomy),
				"phase": phase,
			})
		}
	}
	return nil
}

// Reserve sets aside amount tokens for handlerID on the task ledger. It fails
// with *types.BudgetInsufficientError when the tightest ledger cannot cover it.
func (m *Manager) Reserve(ctx context.Context, taskID, handlerID string, amount int64) (Snapshot, error) {
	if amount <= 0 {
		return Snapshot{}, fmt.Errorf("reservation must be positive, got %d", amount)
	}
	chain, err := m.chain(taskID)
	if err != nil {
		return Snapshot{}, err
	}
	unlock := lockChain(chain)
	task := chain[0]
	for _, l := range chain {
		if l.state == StateExhausted {
			err := l.overspend()
			unlock()
			return task.snapshot(), err
		}
		if l.bounded() && l.remaining() < amount {
			rem := l.remaining()
			unlock()
			return task.snapshot(), &types.BudgetInsufficientError{HandlerID: handlerID, Cost: amount, Remaining: rem}
		}
	}
	task.reserved += amount
	snap := task.snapshot()
	rec := task.record(m.now())
	unlock()

	m.persist(ctx, rec)
	return snap, nil
}

// Release returns amount reserved tokens; a non-positive amount releases all.
func (m *Manager) Release(ctx context.Context, taskID string, amount int64) (Snapshot, error) {
	chain, err := m.chain(taskID)
	if err != nil {
		return Snapshot{}, err
	}
	task := chain[0]
	task.mu.Lock()
	if amount <= 0 || amount > task.reserved {
		amount = task.reserved
	}
	task.reserved -= amount
	snap := task.snapshot()
	rec := task.record(m.now())
	task.mu.Unlock()

	m.persist(ctx, rec)
	return snap, nil
}

// Continue records an explicit decision to keep spending: it adds extra tokens
// to the task ledger and to every exhausted ancestor and reopens them.
func (m *Manager) Continue(ctx context.Context, taskID string, extra int64, reason string) (Snapshot, error) {
	if extra < 0 {
		return Snapshot{}, fmt.Errorf("continuation must not be negative, got %d", extra)
	}
	if reason == "" {
		return Snapshot{}, fmt.Errorf("continuation requires a reason")
	}
	chain, err := m.chain(taskID)
	if err != nil {
		return Snapshot{}, err
	}

	unlock := lockChain(chain)
	now := m.now()
	c := store.Continuation{Extra: extra, Reason: reason, At: now}
	var events []*hooks.EventContext
	for i, l := range chain {
		if i > 0 && l.state != StateExhausted {
			continue
		}
		if l.bounded() {
			l.allocated += extra
		}
		l.continuations = append(l.continuations, c)
		if l.state == StateExhausted && (!l.bounded() || l.consumed < l.allocated) {
			l.state = StateOpen
		}
		if l.ratio() < m.cfg.WarnRatio {
			l.warned = false
		}
		events = append(events, m.event(hooks.EventBudgetContinued, taskID, l, map[string]interface{}{
			"extra":  extra,
			"reason": reason,
		}))
	}
	snap := chain[0].snapshot()
	records := make([]store.LedgerRecord, len(chain))
	for i, l := range chain {
		records[i] = l.record(now)
	}
	unlock()

	log.WithField("task_id", taskID).Infof("budget continuation: +%d tokens (%s)", extra, reason)
	m.persist(ctx, records...)
	m.publish(events)
	return snap, nil
}

// Complete closes the task ledger after checking that its category
// consumption adds up to its total consumption exactly.
func (m *Manager) Complete(ctx context.Context, taskID string) (Snapshot, error) {
	chain, err := m.chain(taskID)
	if err != nil {
		return Snapshot{}, err
	}
	task := chain[0]
	task.mu.Lock()
	var sum int64
	for _, v := range task.byCategory {
		sum += v
	}
	if sum != task.consumed {
		snap := task.snapshot()
		task.mu.Unlock()
		return snap, fmt.Errorf("task %s ledger inconsistent: categories sum to %d, consumed %d", taskID, sum, task.consumed)
	}
	task.reserved = 0
	task.state = StateCompleted
	snap := task.snapshot()
	rec := task.record(m.now())
	task.mu.Unlock()

	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()

	m.persist(ctx, rec)
	return snap, nil
}

// EndSession persists and drops a session ledger. It fails while a task of
// the session still has an open ledger. Ending an unknown session is a no-op.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	l, ok := m.sessions[sessionID]
	if ok {
		for _, t := range m.tasks {
			if t.parent == sessionID {
				m.mu.Unlock()
				return fmt.Errorf("%w: session %s has open task %s", ErrLedgerOpen, sessionID, t.id)
			}
		}
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	l.mu.Lock()
	rec := l.record(m.now())
	l.mu.Unlock()
	return m.store.SaveLedger(ctx, rec)
}

// Snapshot returns the ledger of scope and id, falling back to the store for
// closed ledgers.
func (m *Manager) Snapshot(ctx context.Context, scope Scope, id string) (Snapshot, error) {
	m.mu.RLock()
	var l *ledger
	switch scope {
	case ScopeProcess:
		l = m.process
	case ScopeSession:
		l = m.sessions[id]
	case ScopeTask:
		l = m.tasks[id]
	}
	m.mu.RUnlock()

	if l != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.snapshot(), nil
	}
	rec, err := m.store.LoadLedger(ctx, string(scope), id)
	if err != nil {
		return Snapshot{}, err
	}
	return ledgerFromRecord(rec).snapshot(), nil
}

// Headroom returns the remaining and allocated tokens of the tightest bounded
// ledger above and including the task. bounded is false when no level has an
// allocation.
func (m *Manager) Headroom(taskID string) (remaining, allocated int64, bounded bool) {
	chain, err := m.chain(taskID)
	if err != nil {
		return 0, 0, false
	}
	unlock := lockChain(chain)
	defer unlock()
	remaining = math.MaxInt64
	for _, l := range chain {
		if !l.bounded() {
			continue
		}
		if r := l.remaining(); r < remaining {
			remaining, allocated, bounded = r, l.allocated, true
		}
	}
	if !bounded {
		remaining = 0
	}
	return remaining, allocated, bounded
}

// RemainingRatio is the unspent fraction of the tightest bounded ledger, 1
// when nothing is bounded.
func (m *Manager) RemainingRatio(taskID string) float64 {
	rem, alloc, bounded := m.Headroom(taskID)
	if !bounded {
		return 1
	}
	return float64(rem) / float64(alloc)
}

// Mode returns the task's current operating mode.
func (m *Manager) Mode(taskID string) types.Mode {
	chain, err := m.chain(taskID)
	if err != nil {
		return ""
	}
	chain[0].mu.Lock()
	defer chain[0].mu.Unlock()
	return chain[0].mode
}

// SetMode overrides the task's operating mode.
func (m *Manager) SetMode(taskID string, mode types.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q", mode)
	}
	chain, err := m.chain(taskID)
	if err != nil {
		return err
	}
	chain[0].mu.Lock()
	chain[0].mode = mode
	chain[0].mu.Unlock()
	return nil
}

func (m *Manager) event(ev hooks.HookEvent, taskID string, l *ledger, extra map[string]interface{}) *hooks.EventContext {
	data := map[string]interface{}{
		"scope":     string(l.scope),
		"ledger_id": l.id,
		"allocated": l.allocated,
		"consumed":  l.consumed,
		"ratio":     l.ratio(),
	}
	for k, v := range extra {
		data[k] = v
	}
	return hooks.NewEvent(ev, taskID, data)
}

func (m *Manager) publish(events []*hooks.EventContext) {
	for _, ev := range events {
		m.events.Publish(ev)
	}
}

// persist saves records, logging failures. The in-memory ledger stays
// authoritative for the running process.
func (m *Manager) persist(ctx context.Context, records ...store.LedgerRecord) {
	for _, rec := range records {
		if err := m.store.SaveLedger(ctx, rec); err != nil {
			log.Errorf("Failed to persist %s ledger %s: %v", rec.Scope, rec.ID, err)
		}
	}
}
