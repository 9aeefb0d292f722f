package learning

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/traylinx/kilorouter/internal/types"
)

func TestBoundedEMA(t *testing.T) {
	// Unbounded step would be 0.1; clamped to 0.05.
	assert.InDelta(t, 0.05, BoundedEMA(0, 1, 0.1, 0.05), 1e-9)
	assert.InDelta(t, 0.95, BoundedEMA(1, 0, 0.1, 0.05), 1e-9)
	// Small steps pass through.
	assert.InDelta(t, 0.82, BoundedEMA(0.8, 1, 0.1, 0.05), 1e-9)
	// maxDelta <= 0 disables the bound.
	assert.InDelta(t, 0.1, BoundedEMA(0, 1, 0.1, 0), 1e-9)
}

func TestUpdateEffectiveness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := UpdateEffectiveness(types.Effectiveness{}, true, 2, 1000, 2000, now)
	assert.Equal(t, 1, first.Uses)
	assert.InDelta(t, 0.55, first.SuccessRate, 1e-9)
	assert.InDelta(t, 1.1, first.AvgIterations, 1e-9)
	assert.InDelta(t, 0.5, first.TokenEfficiency, 1e-9)
	assert.True(t, first.LastFailureAt.IsZero())

	second := UpdateEffectiveness(first, false, 0, 1000, 0, now)
	assert.Equal(t, 2, second.Uses)
	assert.InDelta(t, 0.50, second.SuccessRate, 1e-9)
	assert.Equal(t, now, second.LastFailureAt)
}

func TestUpdateBoosterWeight(t *testing.T) {
	assert.InDelta(t, 1.05, UpdateBoosterWeight(1.0, 0.1, true), 1e-9)
	assert.InDelta(t, 0.95, UpdateBoosterWeight(1.0, 0.1, false), 1e-9)
	assert.InDelta(t, 1.05, UpdateBoosterWeight(1.0, -0.15, false), 1e-9)
	assert.InDelta(t, 1.5, UpdateBoosterWeight(1.5, 0.1, true), 1e-9)
}

func TestProperty_BoundedEMANeverExceedsDelta(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("one update moves a value by at most MaxDelta", prop.ForAll(
		func(current, target float64) bool {
			next := BoundedEMA(current, target, Alpha, MaxDelta)
			return math.Abs(next-current) <= MaxDelta+1e-12
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestPreferenceConfidence(t *testing.T) {
	assert.Zero(t, PreferenceConfidence(0, 0, 0))

	short := PreferenceConfidence(10, 10, 1.0)
	assert.Less(t, short, 1.0)
	assert.Greater(t, short, 0.4)

	assert.InDelta(t, 1.0, PreferenceConfidence(100, 100, 1.0), 1e-9)
	assert.Less(t, PreferenceConfidence(50, 100, 0.5), 0.6)
	// Without quality tracking the raw rate is scaled.
	assert.InDelta(t, 0.8, PreferenceConfidence(80, 100, 0), 1e-9)
}
