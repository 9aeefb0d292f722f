// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/intelligence/prediction"
	"github.com/traylinx/kilorouter/internal/steering"
	"github.com/traylinx/kilorouter/internal/types"
)

// MockEffectivenessStore is a mock implementation of EffectivenessStore.
type MockEffectivenessStore struct {
	mock.Mock
}

func (m *MockEffectivenessStore) Get(id string) (types.HandlerDescriptor, bool) {
	args := m.Called(id)
	return args.Get(0).(types.HandlerDescriptor), args.Bool(1)
}

func (m *MockEffectivenessStore) UpdateEffectiveness(id string, fn func(types.Effectiveness) types.Effectiveness) error {
	args := m.Called(id, fn)
	return args.Error(0)
}

var resolvedAt = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func routing(handler string, status audit.OutcomeStatus, rules ...string) audit.DecisionRecord {
	return audit.DecisionRecord{
		ID:        "DEC-20260504-100000-" + handler[:4] + "0000",
		Type:      audit.TypeRouting,
		TaskID:    "t1",
		CreatedAt: resolvedAt,
		Selected:  handler,
		Attributes: map[string]string{
			AttrIntent: "debug",
			AttrRules:  JoinRules(rules),
		},
		Outcome: &audit.Outcome{Status: status, Iterations: 2, TokensUsed: 2000, ResolvedAt: resolvedAt},
	}
}

func TestApplyRoutingUpdatesEffectivenessAndRules(t *testing.T) {
	store := new(MockEffectivenessStore)
	store.On("Get", "debug-helper").Return(types.HandlerDescriptor{ID: "debug-helper", TokenEstimate: types.TokenEstimate{Typical: 2000}}, true)
	var updated types.Effectiveness
	store.On("UpdateEffectiveness", "debug-helper", mock.Anything).Run(func(args mock.Arguments) {
		fn := args.Get(1).(func(types.Effectiveness) types.Effectiveness)
		updated = fn(types.Effectiveness{})
	}).Return(nil)

	rules, err := steering.NewSteeringEngine(t.TempDir())
	require.NoError(t, err)

	engine, err := NewEngine(DefaultConfig(), store, nil, rules, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Apply(context.Background(), routing("debug-helper", audit.OutcomeSuccess, steering.RuleEmergencyBoost, "unknown-rule")))

	store.AssertExpectations(t)
	assert.Equal(t, 1, updated.Uses)
	assert.InDelta(t, 0.55, updated.SuccessRate, 1e-9)
	assert.InDelta(t, 1.1, updated.AvgIterations, 1e-9)
	assert.InDelta(t, 0.55, updated.TokenEfficiency, 1e-9)
	assert.InDelta(t, 1.05, rules.Weight(steering.RuleEmergencyBoost), 1e-9)
	assert.Equal(t, uint64(1), engine.Stats().Applied)
}

func TestApplyPredictionUpdatesPatterns(t *testing.T) {
	patterns := prediction.NewMemoryStore()
	engine, err := NewEngine(DefaultConfig(), new(MockEffectivenessStore), patterns, nil, nil)
	require.NoError(t, err)

	rec := audit.DecisionRecord{
		ID:     "DEC-20260504-100000-pred0000",
		Type:   audit.TypePrediction,
		TaskID: "t1",
		Candidates: []audit.Candidate{
			{ID: "debug-helper", Kind: string(types.CategoryHandler), Score: 0.8},
			{ID: "logs/app.log", Kind: string(types.CategoryCodeContext), Score: 0.4},
		},
		Attributes: map[string]string{AttrIntent: "debug", AttrDomain: "backend"},
		Outcome:    &audit.Outcome{Status: audit.OutcomeSuccess, UsedTargets: []string{"debug-helper", "runbook.md"}, ResolvedAt: resolvedAt},
	}
	require.NoError(t, engine.Apply(context.Background(), rec))

	table, err := patterns.Table(context.Background(), prediction.PatternKey{Intent: types.IntentDebug, Domain: "backend"})
	require.NoError(t, err)
	require.Len(t, table, 2)
	helper, ok := table.Lookup("debug-helper")
	require.True(t, ok)
	assert.Equal(t, types.CategoryHandler, helper.Category)
	assert.Equal(t, 1, helper.Occurrences)
	_, ok = table.Lookup("runbook.md")
	assert.True(t, ok)
	_, ok = table.Lookup("logs/app.log")
	assert.False(t, ok)
}

func TestApplySkipsUnresolvedAndCancelled(t *testing.T) {
	store := new(MockEffectivenessStore)
	engine, err := NewEngine(DefaultConfig(), store, nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	unresolved := routing("debug-helper", audit.OutcomeSuccess)
	unresolved.Outcome = nil
	require.NoError(t, engine.Apply(ctx, unresolved))
	require.NoError(t, engine.Apply(ctx, routing("debug-helper", audit.OutcomeCancelled)))
	require.NoError(t, engine.Apply(ctx, audit.DecisionRecord{Type: audit.TypeBudgetGate, Outcome: &audit.Outcome{Status: audit.OutcomeSuccess}}))

	store.AssertNotCalled(t, "UpdateEffectiveness", mock.Anything, mock.Anything)
	assert.Equal(t, uint64(3), engine.Stats().Skipped)

	bad := audit.DecisionRecord{Type: audit.TypePrediction, Outcome: &audit.Outcome{Status: audit.OutcomeSuccess}}
	engine.patterns = prediction.NewMemoryStore()
	assert.Error(t, engine.Apply(ctx, bad))
}

func TestQueueDrainsOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := new(MockEffectivenessStore)
	store.On("Get", "debug-helper").Return(types.HandlerDescriptor{}, false)
	store.On("UpdateEffectiveness", "debug-helper", mock.Anything).Return(nil)

	engine, err := NewEngine(DefaultConfig(), store, nil, nil, nil)
	require.NoError(t, err)
	engine.Start(context.Background())
	for i := 0; i < 3; i++ {
		assert.True(t, engine.Enqueue(routing("debug-helper", audit.OutcomeFailure)))
	}
	engine.Stop()
	engine.Stop()

	store.AssertNumberOfCalls(t, "UpdateEffectiveness", 3)
	assert.Equal(t, uint64(3), engine.Stats().Applied)
	assert.Zero(t, engine.Stats().Pending)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	engine, err := NewEngine(cfg, new(MockEffectivenessStore), nil, nil, nil)
	require.NoError(t, err)

	assert.True(t, engine.Enqueue(routing("debug-helper", audit.OutcomeSuccess)))
	assert.False(t, engine.Enqueue(routing("debug-helper", audit.OutcomeSuccess)))
	assert.Equal(t, uint64(1), engine.Stats().Dropped)

	cfg.Enabled = false
	disabled, err := NewEngine(cfg, new(MockEffectivenessStore), nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, disabled.Enqueue(routing("debug-helper", audit.OutcomeSuccess)))
}

func TestSplitRules(t *testing.T) {
	assert.Nil(t, SplitRules(""))
	assert.Equal(t, []string{"a", "b"}, SplitRules("a, b,"))
	assert.Equal(t, "a,b", JoinRules([]string{"a", "b"}))
}
