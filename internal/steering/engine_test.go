package steering

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A Wednesday at 10:00.
var wednesday = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func neutralContext(handler string) *RuleContext {
	return &RuleContext{
		Handler:             handler,
		Intent:              "debug",
		Urgency:             "medium",
		MinutesSinceFailure: -1,
		Remaining:           -1,
		Cost:                1000,
	}
}

func TestBuiltinRules(t *testing.T) {
	e, err := NewSteeringEngine("")
	require.NoError(t, err)

	adj := e.Evaluate(neutralContext("h"), wednesday)
	assert.Zero(t, adj.Delta)
	assert.Empty(t, adj.Fired)

	ctx := neutralContext("h")
	ctx.Urgency = "critical"
	ctx.IntentMatch = 1.0
	adj = e.Evaluate(ctx, wednesday)
	assert.InDelta(t, 0.15, adj.Delta, 1e-9)
	assert.Equal(t, []string{RuleEmergencyBoost}, adj.Names())

	ctx = neutralContext("h")
	ctx.MinutesSinceFailure = 5
	ctx.Remaining = 500
	adj = e.Evaluate(ctx, wednesday)
	assert.InDelta(t, -0.5, adj.Delta, 1e-9)
	assert.ElementsMatch(t, []string{RuleRecentFailureCooldown, RuleInsufficientBudget}, adj.Names())
	assert.False(t, adj.Exclude)
}

func writeRules(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadRulesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "security.yaml", `
rules:
  - name: security-reviewer
    condition: SecuritySensitive && Intent == "review"
    delta: 0.1
    handlers: [sec-review]
    priority: 10
  - name: no-legacy-in-prod
    condition: Domain == "production"
    exclude: true
    handlers: [old-debugger]
  - name: broken
    condition: Intent ==
  - name: emergency-boost
    condition: "true"
    delta: 0.3
`)
	writeRules(t, dir, "notes.txt", "ignored")

	e, err := NewSteeringEngine(dir)
	require.NoError(t, err)
	require.NoError(t, e.LoadRules())

	rules := e.GetRules()
	require.Len(t, rules, 5, "three built-ins and two valid declared rules")
	assert.Equal(t, "security-reviewer", rules[0].Name, "highest priority first")

	ctx := neutralContext("sec-review")
	ctx.Intent = "review"
	ctx.SecuritySensitive = true
	adj := e.Evaluate(ctx, wednesday)
	assert.InDelta(t, 0.1, adj.Delta, 1e-9)

	ctx.Handler = "other"
	assert.Empty(t, e.Evaluate(ctx, wednesday).Fired, "rule scoped to another handler")

	ctx = neutralContext("old-debugger")
	ctx.Domain = "production"
	adj = e.Evaluate(ctx, wednesday)
	assert.True(t, adj.Exclude)
}

func TestLoadRulesMissingDirectory(t *testing.T) {
	e, err := NewSteeringEngine(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.NoError(t, e.LoadRules())
	assert.Len(t, e.GetRules(), 3)
}

func TestTimeWindows(t *testing.T) {
	ev := NewConditionEvaluator()
	assert.True(t, ev.CheckTimeRule(&Rule{}, wednesday))
	assert.True(t, ev.CheckTimeRule(&Rule{Hours: "9-17", Days: "Mon-Fri"}, wednesday))
	assert.False(t, ev.CheckTimeRule(&Rule{Hours: "18-23"}, wednesday))
	assert.True(t, ev.CheckTimeRule(&Rule{Hours: "8,10"}, wednesday))
	assert.False(t, ev.CheckTimeRule(&Rule{Days: "Fri-Mon"}, wednesday))
	assert.True(t, ev.CheckTimeRule(&Rule{Days: "Mon,Wed"}, wednesday))
	assert.True(t, ev.CheckTimeRule(&Rule{Days: "monday-wednesday"}, wednesday))

	late := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	early := time.Date(2026, 3, 5, 1, 0, 0, 0, time.UTC)
	assert.True(t, ev.CheckTimeRule(&Rule{Hours: "22-2"}, late))
	assert.True(t, ev.CheckTimeRule(&Rule{Hours: "22-2"}, early))
	assert.False(t, ev.CheckTimeRule(&Rule{Hours: "22-2"}, wednesday))
}

func TestMalformedWindowsAreRejected(t *testing.T) {
	ev := NewConditionEvaluator()
	for _, r := range []*Rule{{Hours: "25"}, {Hours: "9-x"}, {Days: "[saturday, sunday]"}, {Days: "Mon-Funday"}} {
		assert.Error(t, ev.CompileRule(r), "%+v", r)
		assert.False(t, ev.CheckTimeRule(r, wednesday), "%+v", r)
	}
	assert.NoError(t, ev.CompileRule(&Rule{Hours: "9-17", Days: "Sat-Sun"}))
}

func TestEvaluatorRejectsNonBoolean(t *testing.T) {
	ev := NewConditionEvaluator()
	_, err := ev.Compile("Cost + 1")
	assert.Error(t, err)
	_, err = ev.Compile("Unknown > 1")
	assert.Error(t, err)
}

func TestReinforceMovesWeight(t *testing.T) {
	e, err := NewSteeringEngine("")
	require.NoError(t, err)

	assert.Equal(t, 1.0, e.Weight(RuleEmergencyBoost))
	assert.InDelta(t, 1.05, e.Reinforce(RuleEmergencyBoost, 0.15, true), 1e-9)
	assert.InDelta(t, 1.0, e.Reinforce(RuleEmergencyBoost, 0.15, false), 1e-9)

	ctx := neutralContext("h")
	ctx.Urgency = "critical"
	ctx.IntentMatch = 1.0
	e.SetWeights(map[string]float64{RuleEmergencyBoost: 1.5})
	assert.InDelta(t, 0.225, e.Evaluate(ctx, wednesday).Delta, 1e-9)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	e, err := NewSteeringEngine(dir)
	require.NoError(t, err)
	require.NoError(t, e.LoadRules())

	reloaded := make(chan struct{}, 8)
	require.NoError(t, e.StartWatcher(func() { reloaded <- struct{}{} }))
	defer e.StopWatcher()

	writeRules(t, dir, "late.yaml", "rules:\n  - name: late\n    condition: \"true\"\n    delta: 0.05\n")

	assert.Eventually(t, func() bool {
		for _, r := range e.GetRules() {
			if r.Name == "late" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProperty_AdjustmentBounded(t *testing.T) {
	e, err := NewSteeringEngine("")
	require.NoError(t, err)

	properties := gopter.NewProperties(nil)
	properties.Property("adjustment stays within bounds", prop.ForAll(
		func(urgency string, minutes float64, remaining int64, w float64) bool {
			e.SetWeights(map[string]float64{
				RuleEmergencyBoost:        w,
				RuleRecentFailureCooldown: w,
				RuleInsufficientBudget:    w,
			})
			ctx := neutralContext("h")
			ctx.Urgency = urgency
			ctx.IntentMatch = 1.0
			ctx.MinutesSinceFailure = minutes
			ctx.Remaining = remaining
			d := e.Evaluate(ctx, wednesday).Delta
			return d >= MinAdjustment && d <= MaxAdjustment
		},
		gen.OneConstOf("critical", "high", "low"),
		gen.Float64Range(-1, 120),
		gen.Int64Range(-1, 5000),
		gen.Float64Range(0.5, 1.5),
	))
	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
