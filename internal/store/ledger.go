// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store persists budget ledgers keyed by scope and id.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no ledger is stored under the requested key.
var ErrNotFound = errors.New("ledger not found")

// Continuation is an explicit decision to keep spending past exhaustion.
type Continuation struct {
	Extra  int64     `json:"extra"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// LedgerRecord is the persisted form of one budget ledger.
type LedgerRecord struct {
	Scope         string           `json:"scope"`
	ID            string           `json:"id"`
	ParentID      string           `json:"parent_id,omitempty"`
	Allocated     int64            `json:"allocated"`
	Consumed      int64            `json:"consumed"`
	Reserved      int64            `json:"reserved"`
	ByCategory    map[string]int64 `json:"by_category"`
	Mode          string           `json:"mode,omitempty"`
	State         string           `json:"state"`
	Continuations []Continuation   `json:"continuations,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// LedgerStore persists ledger records.
type LedgerStore interface {
	SaveLedger(ctx context.Context, rec LedgerRecord) error
	// LoadLedger returns ErrNotFound for an unknown key.
	LoadLedger(ctx context.Context, scope, id string) (*LedgerRecord, error)
	// ListLedgers returns every ledger of scope ordered by id.
	ListLedgers(ctx context.Context, scope string) ([]LedgerRecord, error)
}

// MemoryStore is a LedgerStore kept in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]map[string]LedgerRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[string]map[string]LedgerRecord)}
}

// SaveLedger implements LedgerStore.
func (s *MemoryStore) SaveLedger(_ context.Context, rec LedgerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope, ok := s.ledgers[rec.Scope]
	if !ok {
		scope = make(map[string]LedgerRecord)
		s.ledgers[rec.Scope] = scope
	}
	scope[rec.ID] = cloneRecord(rec)
	return nil
}

// LoadLedger implements LedgerStore.
func (s *MemoryStore) LoadLedger(_ context.Context, scope, id string) (*LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ledgers[scope][id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneRecord(rec)
	return &c, nil
}

// ListLedgers implements LedgerStore.
func (s *MemoryStore) ListLedgers(_ context.Context, scope string) ([]LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LedgerRecord, 0, len(s.ledgers[scope]))
	for _, rec := range s.ledgers[scope] {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneRecord(rec LedgerRecord) LedgerRecord {
	c := rec
	c.ByCategory = make(map[string]int64, len(rec.ByCategory))
	for k, v := range rec.ByCategory {
		c.ByCategory[k] = v
	}
	c.Continuations = append([]Continuation(nil), rec.Continuations...)
	return c
}
