// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package types

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchOneSentinel(t *testing.T) {
	sentinels := []error{ErrInput, ErrAmbiguousIntent, ErrNoCandidate, ErrBudgetInsufficient, ErrFetchTimeout, ErrFetchFailure, ErrOverspend}
	cases := []struct {
		err  error
		want error
	}{
		{&InputError{Reason: "empty"}, ErrInput},
		{&AmbiguousIntentError{Stage: "classify", Attempt: 1}, ErrAmbiguousIntent},
		{&NoCandidateError{BestScore: 0.3, Floor: 0.4}, ErrNoCandidate},
		{&BudgetInsufficientError{HandlerID: "h", Cost: 10, Remaining: 5}, ErrBudgetInsufficient},
		{&FetchTimeoutError{Target: "a.md", Timeout: time.Second}, ErrFetchTimeout},
		{&FetchFailureError{Target: "a.md", Sources: []string{"x"}, Err: io.EOF}, ErrFetchFailure},
		{&OverspendError{Scope: "task", LedgerID: "t1", Allocated: 10, Consumed: 12}, ErrOverspend},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("stage: %w", tc.err)
		for _, s := range sentinels {
			assert.Equal(t, s == tc.want, errors.Is(wrapped, s), "%T vs %v", tc.err, s)
		}
	}
}

func TestFetchFailureUnwraps(t *testing.T) {
	err := fmt.Errorf("prefetch: %w", &FetchFailureError{Target: "a.md", Err: io.ErrUnexpectedEOF})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	var ff *FetchFailureError
	if assert.ErrorAs(t, err, &ff) {
		assert.Equal(t, "a.md", ff.Target)
	}
}

func TestAmbiguousIntentErrorMessage(t *testing.T) {
	err := &AmbiguousIntentError{Stage: "route", Attempt: 3}
	assert.NotContains(t, err.Error(), "unresolved")
	err.Escalated = true
	assert.Contains(t, err.Error(), "unresolved after repeated clarification")
}

func TestModeOrdering(t *testing.T) {
	assert.Equal(t, ModePremium, ModeCritical.Downgrade())
	assert.Equal(t, ModeEconomy, ModeStandard.Downgrade())
	assert.Equal(t, ModeEconomy, ModeEconomy.Downgrade())
	assert.Equal(t, ModeStandard.Rank(), Mode("bogus").Rank())

	assert.Equal(t, 2.0, ModeCritical.Multiplier())
	assert.Equal(t, 0.5, ModeEconomy.Multiplier())
	assert.False(t, Mode("turbo").Valid())
}

func TestEnumValidity(t *testing.T) {
	for _, i := range Intents {
		assert.True(t, i.Valid(), i)
	}
	assert.False(t, IntentUnknown.Valid())
	assert.False(t, IntentType("celebrate").Valid())

	for _, c := range Categories {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Category("misc").Valid())

	assert.Greater(t, UrgencyCritical.Multiplier(), UrgencyHigh.Multiplier())
	assert.Less(t, UrgencyLow.Multiplier(), UrgencyMedium.Multiplier())
}
