// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package audit records every routing-pipeline decision as an immutable
// DecisionRecord, links records into a DAG and tiers them from memory to
// SQLite to compressed archive segments.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/sjson"
)

var (
	// ErrOutcomeAlreadySet is returned on a second outcome write.
	ErrOutcomeAlreadySet = errors.New("decision outcome already set")
	// ErrUnknownPredecessor is returned when a record names a predecessor that was never recorded.
	ErrUnknownPredecessor = errors.New("unknown predecessor decision")
	// ErrNotFound is returned for unknown decision ids.
	ErrNotFound = errors.New("decision not found")
	// ErrArchived is returned when an outcome targets a record already moved to the cold tier.
	ErrArchived = errors.New("decision archived")
)

// DecisionType names the pipeline stage that made a decision.
type DecisionType string

const (
	TypeClassification    DecisionType = "classification"
	TypePrediction        DecisionType = "prediction"
	TypePrefetchAdmission DecisionType = "prefetch_admission"
	TypeRouting           DecisionType = "routing"
	TypeModeChange        DecisionType = "mode_change"
	TypeBudgetGate        DecisionType = "budget_gate"
)

// Valid reports whether t is a known decision type.
func (t DecisionType) Valid() bool {
	switch t {
	case TypeClassification, TypePrediction, TypePrefetchAdmission, TypeRouting, TypeModeChange, TypeBudgetGate:
		return true
	}
	return false
}

// OutcomeStatus is the resolved result of a decision.
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeFailure   OutcomeStatus = "failure"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Candidate is one option considered by a decision.
type Candidate struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	// Kind is the candidate's category, such as a prediction category.
	Kind            string `json:"kind,omitempty"`
	Selected        bool   `json:"selected,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// Outcome is written once, after the decision's effects are known.
type Outcome struct {
	Status     OutcomeStatus `json:"status"`
	Detail     string        `json:"detail,omitempty"`
	Iterations int           `json:"iterations,omitempty"`
	TokensUsed int64         `json:"tokens_used,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	// UsedTargets lists the handlers and resources the task actually used.
	UsedTargets []string  `json:"used_targets,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Success reports whether the outcome counts as a success for learning.
func (o *Outcome) Success() bool { return o != nil && o.Status == OutcomeSuccess }

// DecisionRecord is an immutable record of one decision. Only Outcome is
// written after creation, and only once.
type DecisionRecord struct {
	ID         string       `json:"id"`
	Type       DecisionType `json:"type"`
	TaskID     string       `json:"task_id"`
	SessionID  string       `json:"session_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	InputHash  string       `json:"input_hash"`
	Candidates []Candidate  `json:"candidates,omitempty"`
	Selected   string       `json:"selected,omitempty"`
	Confidence float64      `json:"confidence"`
	Rationale  string       `json:"rationale,omitempty"`
	// Attributes carry the decision context the feedback loop needs, such as
	// intent, domain, mode and fired rules.
	Attributes  map[string]string `json:"attributes,omitempty"`
	TriggeredBy []string          `json:"triggered_by,omitempty"`
	// Triggers is derived from the successors' TriggeredBy and never stored.
	Triggers []string `json:"triggers,omitempty"`
	Outcome  *Outcome `json:"outcome,omitempty"`
}

// Resolved reports whether the outcome was written.
func (r *DecisionRecord) Resolved() bool { return r.Outcome != nil }

// Clone returns a deep copy.
func (r *DecisionRecord) Clone() DecisionRecord {
	c := *r
	c.Candidates = append([]Candidate(nil), r.Candidates...)
	c.TriggeredBy = append([]string(nil), r.TriggeredBy...)
	c.Triggers = append([]string(nil), r.Triggers...)
	if r.Attributes != nil {
		c.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	if r.Outcome != nil {
		o := *r.Outcome
		o.UsedTargets = append([]string(nil), r.Outcome.UsedTargets...)
		c.Outcome = &o
	}
	return c
}

// Entry is the caller-supplied part of a new record. Input is the snapshot
// of the decision's inputs; only its hash is kept.
type Entry struct {
	Type        DecisionType
	TaskID      string
	SessionID   string
	Input       map[string]interface{}
	Candidates  []Candidate
	Selected    string
	Confidence  float64
	Rationale   string
	Attributes  map[string]string
	TriggeredBy []string
}

// Filter selects records in Query. Zero fields match everything.
type Filter struct {
	TaskID    string       `json:"task_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Type      DecisionType `json:"type,omitempty"`
	Since     time.Time    `json:"since,omitempty"`
	Until     time.Time    `json:"until,omitempty"`
	// Resolved restricts to resolved (true) or unresolved (false) records.
	Resolved *bool `json:"resolved,omitempty"`
	Limit    int   `json:"limit,omitempty"`
}

// Match reports whether rec satisfies f.
func (f Filter) Match(rec *DecisionRecord) bool {
	if f.TaskID != "" && rec.TaskID != f.TaskID {
		return false
	}
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.CreatedAt.Before(f.Until) {
		return false
	}
	if f.Resolved != nil && rec.Resolved() != *f.Resolved {
		return false
	}
	return true
}

// CanonicalInput renders input as JSON with keys in sorted order, so equal
// snapshots always produce equal bytes.
func CanonicalInput(input map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := []byte("{}")
	for _, k := range keys {
		v, err := canonicalValue(input[k])
		if err != nil {
			return nil, fmt.Errorf("input field %s: %w", k, err)
		}
		doc, err = sjson.SetRawBytes(doc, escapePath(k), v)
		if err != nil {
			return nil, fmt.Errorf("input field %s: %w", k, err)
		}
	}
	return doc, nil
}

// canonicalValue marshals v. Maps are emitted with sorted keys by the encoder.
func canonicalValue(v interface{}) ([]byte, error) {
	if m, ok := v.(map[string]interface{}); ok {
		return CanonicalInput(m)
	}
	return json.Marshal(v)
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`)

func escapePath(key string) string { return pathEscaper.Replace(key) }

// HashInput returns "sha256:<hex>" of the canonical input snapshot.
func HashInput(input map[string]interface{}) (string, error) {
	doc, err := CanonicalInput(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(doc)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// NewID returns DEC-{YYYYMMDD}-{HHMMSS}-{hash8}. The hash covers the input
// hash, the type, the task and seq so ids stay unique within a second.
func NewID(at time.Time, inputHash string, t DecisionType, taskID string, seq uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%d", inputHash, t, taskID, at.UnixNano(), seq)))
	return fmt.Sprintf("DEC-%s-%s", at.UTC().Format("20060102-150405"), hex.EncodeToString(sum[:])[:8])
}
