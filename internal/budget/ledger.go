// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package budget

import (
	"sync"
	"time"

	"github.com/traylinx/kilorouter/internal/store"
	"github.com/traylinx/kilorouter/internal/types"
)

// Scope is the level of a ledger in the hierarchy.
type Scope string

const (
	ScopeProcess Scope = "process"
	ScopeSession Scope = "session"
	ScopeTask    Scope = "task"
)

// ProcessLedgerID is the id of the single process-wide ledger.
const ProcessLedgerID = "process"

// State is the lifecycle state of a ledger.
type State string

const (
	StateOpen      State = "open"
	StateExhausted State = "exhausted"
	StateCompleted State = "completed"
)

// Snapshot is a point-in-time copy of a ledger.
type Snapshot struct {
	Scope    Scope  `json:"scope"`
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	// Allocated is zero for an unbounded ledger.
	Allocated     int64                    `json:"allocated"`
	Consumed      int64                    `json:"consumed"`
	Reserved      int64                    `json:"reserved"`
	Remaining     int64                    `json:"remaining"`
	Overspent     int64                    `json:"overspent,omitempty"`
	Ratio         float64                  `json:"ratio"`
	ByCategory    map[types.Category]int64 `json:"by_category"`
	Mode          types.Mode               `json:"mode,omitempty"`
	State         State                    `json:"state"`
	Continuations []store.Continuation     `json:"continuations,omitempty"`
}

// Bounded reports whether the ledger has an allocation.
func (s Snapshot) Bounded() bool { return s.Allocated > 0 }

// ledger is one node of the hierarchy. Its fields are guarded by mu.
type ledger struct {
	mu            sync.Mutex
	scope         Scope
	id            string
	parent        string
	allocated     int64
	consumed      int64
	reserved      int64
	byCategory    map[types.Category]int64
	mode          types.Mode
	state         State
	warned        bool
	continuations []store.Continuation
}

func newLedger(scope Scope, id, parent string, allocated int64) *ledger {
	return &ledger{
		scope:      scope,
		id:         id,
		parent:     parent,
		allocated:  allocated,
		byCategory: make(map[types.Category]int64),
		state:      StateOpen,
	}
}

func ledgerFromRecord(rec *store.LedgerRecord) *ledger {
	l := newLedger(Scope(rec.Scope), rec.ID, rec.ParentID, rec.Allocated)
	l.consumed = rec.Consumed
	l.reserved = rec.Reserved
	l.mode = types.Mode(rec.Mode)
	if rec.State != "" {
		l.state = State(rec.State)
	}
	for k, v := range rec.ByCategory {
		l.byCategory[types.Category(k)] = v
	}
	l.continuations = append(l.continuations, rec.Continuations...)
	return l
}

func (l *ledger) bounded() bool { return l.allocated > 0 }

func (l *ledger) ratio() float64 {
	if !l.bounded() {
		return 0
	}
	return float64(l.consumed) / float64(l.allocated)
}

func (l *ledger) remaining() int64 {
	if !l.bounded() {
		return 0
	}
	r := l.allocated - l.consumed - l.reserved
	if r < 0 {
		return 0
	}
	return r
}

func (l *ledger) overspend() *types.OverspendError {
	return &types.OverspendError{Scope: string(l.scope), LedgerID: l.id, Allocated: l.allocated, Consumed: l.consumed}
}

func (l *ledger) snapshot() Snapshot {
	s := Snapshot{
		Scope:         l.scope,
		ID:            l.id,
		ParentID:      l.parent,
		Allocated:     l.allocated,
		Consumed:      l.consumed,
		Reserved:      l.reserved,
		Remaining:     l.remaining(),
		Ratio:         l.ratio(),
		ByCategory:    make(map[types.Category]int64, len(l.byCategory)),
		Mode:          l.mode,
		State:         l.state,
		Continuations: append([]store.Continuation(nil), l.continuations...),
	}
	if l.bounded() && l.consumed > l.allocated {
		s.Overspent = l.consumed - l.allocated
	}
	for k, v := range l.byCategory {
		s.ByCategory[k] = v
	}
	return s
}

func (l *ledger) record(now time.Time) store.LedgerRecord {
	rec := store.LedgerRecord{
		Scope:         string(l.scope),
		ID:            l.id,
		ParentID:      l.parent,
		Allocated:     l.allocated,
		Consumed:      l.consumed,
		Reserved:      l.reserved,
		ByCategory:    make(map[string]int64, len(l.byCategory)),
		Mode:          string(l.mode),
		State:         string(l.state),
		Continuations: append([]store.Continuation(nil), l.continuations...),
		UpdatedAt:     now,
	}
	for k, v := range l.byCategory {
		rec.ByCategory[string(k)] = v
	}
	return rec
}
