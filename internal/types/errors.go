// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels for errors.Is. Every typed error below matches exactly one of them.
var (
	ErrInput              = errors.New("invalid task input")
	ErrAmbiguousIntent    = errors.New("ambiguous intent")
	ErrNoCandidate        = errors.New("no handler candidate")
	ErrBudgetInsufficient = errors.New("budget insufficient")
	ErrFetchTimeout       = errors.New("fetch timed out")
	ErrFetchFailure       = errors.New("fetch failed")
	ErrOverspend          = errors.New("budget overspent")
)

// InputError reports malformed classify input. It is fatal for the run.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "invalid task input: " + e.Reason }

func (e *InputError) Is(target error) bool { return target == ErrInput }

// AmbiguousIntentError asks the caller for clarification. It is raised by the
// classifier when confidence stays under the clarification threshold and by
// the router when the best handler lands in the disambiguation band.
type AmbiguousIntentError struct {
	Stage     string            `json:"stage"`
	Question  string            `json:"question"`
	Intents   []IntentCandidate `json:"intents,omitempty"`
	Handlers  []string          `json:"handlers,omitempty"`
	Attempt   int               `json:"attempt"`
	Escalated bool              `json:"escalated"`
}

func (e *AmbiguousIntentError) Error() string {
	msg := fmt.Sprintf("ambiguous intent at %s (attempt %d)", e.Stage, e.Attempt)
	if e.Escalated {
		msg += ": unresolved after repeated clarification"
	}
	return msg
}

func (e *AmbiguousIntentError) Is(target error) bool { return target == ErrAmbiguousIntent }

// NoCandidateError is surfaced when no handler clears the floor score.
type NoCandidateError struct {
	BestScore float64
	Floor     float64
	Rejected  int
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no handler cleared floor %.2f (best %.2f, %d rejected)", e.Floor, e.BestScore, e.Rejected)
}

func (e *NoCandidateError) Is(target error) bool { return target == ErrNoCandidate }

// BudgetInsufficientError is returned when neither the top handler nor a close
// alternative fits the remaining ledger.
type BudgetInsufficientError struct {
	HandlerID string
	Cost      int64
	Remaining int64
}

func (e *BudgetInsufficientError) Error() string {
	return fmt.Sprintf("handler %s needs %d tokens, %d remaining", e.HandlerID, e.Cost, e.Remaining)
}

func (e *BudgetInsufficientError) Is(target error) bool { return target == ErrBudgetInsufficient }

// FetchTimeoutError records an immediate-tier load that exceeded its bound.
type FetchTimeoutError struct {
	Target  string
	Timeout time.Duration
}

func (e *FetchTimeoutError) Error() string {
	return fmt.Sprintf("fetch %s exceeded %s", e.Target, e.Timeout)
}

func (e *FetchTimeoutError) Is(target error) bool { return target == ErrFetchTimeout }

// FetchFailureError records a load that failed on every declared source.
type FetchFailureError struct {
	Target  string
	Sources []string
	Err     error
}

func (e *FetchFailureError) Error() string {
	return fmt.Sprintf("fetch %s failed (sources: %s): %v", e.Target, strings.Join(e.Sources, ","), e.Err)
}

func (e *FetchFailureError) Is(target error) bool { return target == ErrFetchFailure }

func (e *FetchFailureError) Unwrap() error { return e.Err }

// OverspendError halts allocation for a ledger until a continuation decision is recorded.
type OverspendError struct {
	Scope     string
	LedgerID  string
	Allocated int64
	Consumed  int64
}

func (e *OverspendError) Error() string {
	return fmt.Sprintf("%s ledger %s exhausted (%d/%d), continuation required", e.Scope, e.LedgerID, e.Consumed, e.Allocated)
}

func (e *OverspendError) Is(target error) bool { return target == ErrOverspend }
