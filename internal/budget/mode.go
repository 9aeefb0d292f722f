// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package budget

import (
	"fmt"

	"github.com/traylinx/kilorouter/internal/types"
)

// ModeSignals are the inputs of mode selection.
type ModeSignals struct {
	SecuritySensitive  bool
	ProductionCritical bool
	// LowEffort is set when the task explicitly asks for a quick or cheap answer.
	LowEffort  bool
	Complexity types.Complexity
	Confidence float64
	// RemainingRatio is the unspent fraction of the tightest ledger, 1 when unbounded.
	RemainingRatio float64
}

// SignalsFor derives mode signals from a classification and the remaining
// budget ratio.
func SignalsFor(ic *types.IntentClassification, remainingRatio float64) ModeSignals {
	return ModeSignals{
		SecuritySensitive:  ic.SecuritySensitive,
		ProductionCritical: ic.Urgency == types.UrgencyCritical,
		LowEffort:          ic.EffortHint == types.ModeEconomy,
		Complexity:         ic.Complexity,
		Confidence:         ic.Confidence,
		RemainingRatio:     remainingRatio,
	}
}

// ScarcityRatio is the remaining ratio under which the computed mode drops one tier.
const ScarcityRatio = 0.2

// SelectMode picks the operating mode. Precedence, highest first:
//  1. security-sensitive or production-critical work forces critical, even
//     when the budget is scarce;
//  2. explicit low-effort language forces economy;
//  3. otherwise high complexity or confidence under 0.6 selects premium, low
//     complexity with confidence of at least 0.8 selects economy, anything
//     else standard;
//  4. a remaining ratio under ScarcityRatio drops the result of 2 or 3 by
//     one tier, never below economy.
//
// The returned reason names the rule that decided.
func SelectMode(s ModeSignals) (types.Mode, string) {
	if s.SecuritySensitive || s.ProductionCritical {
		return types.ModeCritical, "security-sensitive or production-critical task"
	}

	var mode types.Mode
	var reason string
	switch {
	case s.LowEffort:
		mode, reason = types.ModeEconomy, "low-effort request"
	case s.Complexity == types.ComplexityHigh || s.Confidence < 0.6:
		mode, reason = types.ModePremium, fmt.Sprintf("complexity %s, confidence %.2f", s.Complexity, s.Confidence)
	case s.Complexity == types.ComplexityLow && s.Confidence >= 0.8:
		mode, reason = types.ModeEconomy, fmt.Sprintf("low complexity, confidence %.2f", s.Confidence)
	default:
		mode, reason = types.ModeStandard, "default"
	}

	if s.RemainingRatio < ScarcityRatio && mode != types.ModeEconomy {
		down := mode.Downgrade()
		return down, fmt.Sprintf("%s; downgraded from %s, %.0f%% budget left", reason, mode, s.RemainingRatio*100)
	}
	return mode, reason
}
