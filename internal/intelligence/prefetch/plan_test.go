// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package prefetch

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/kilorouter/internal/types"
)

func TestAdjustTier(t *testing.T) {
	tests := []struct {
		name       string
		category   types.PredictionCategory
		confidence float64
		urgency    types.Urgency
		want       types.Tier
	}{
		{"handler baseline", types.CategoryHandler, 0.7, types.UrgencyMedium, types.P1},
		{"critical upgrades", types.CategoryHandler, 0.7, types.UrgencyCritical, types.P0},
		{"high needs confidence", types.CategoryTool, 0.7, types.UrgencyHigh, types.P2},
		{"high with confidence", types.CategoryTool, 0.85, types.UrgencyHigh, types.P1},
		{"low confidence downgrades", types.CategoryDocumentation, 0.45, types.UrgencyMedium, types.P3},
		{"very low confidence downgrades twice", types.CategoryReference, 0.2, types.UrgencyMedium, types.P4},
		{"clamped at P4", types.CategoryReference, 0.1, types.UrgencyLow, types.P4},
		{"critical and weak cancel out", types.CategoryCodeContext, 0.4, types.UrgencyCritical, types.P1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AdjustTier(BaselineTier(tt.category), tt.confidence, tt.urgency))
		})
	}
}

func pred(target string, category types.PredictionCategory, confidence float64, tokens int) types.Prediction {
	return types.Prediction{Target: target, Category: category, Confidence: confidence, EstimatedTokens: tokens}
}

func bucketOf(t *testing.T, p *Plan, target string) Bucket {
	t.Helper()
	it, ok := p.Find(target)
	require.True(t, ok, "missing %s", target)
	return it.Bucket
}

func TestBuildPlan_Partitions(t *testing.T) {
	preds := []types.Prediction{
		pred("debug-helper", types.CategoryHandler, 0.9, 1000),
		pred("auth.go", types.CategoryCodeContext, 0.8, 400),
		pred("session.go", types.CategoryCodeContext, 0.7, 300),
		pred("linter", types.CategoryTool, 0.7, 200),
		pred("api-docs", types.CategoryDocumentation, 0.6, 800),
		pred("rfc-6749", types.CategoryReference, 0.6, 500),
		pred("old-notes", types.CategoryReference, 0.2, 100),
		pred("cached.go", types.CategoryCodeContext, 0.9, 100),
		pred("auth.go", types.CategoryCodeContext, 0.1, 1),
	}
	cached := func(k string) bool { return k == "cached.go" }

	plan := buildPlan(preds, Constraints{TokenBudget: 2000, MaxImmediate: 2, MaxEager: 2, Urgency: types.UrgencyMedium}, cached)

	assert.Equal(t, []string{"cached.go"}, plan.Skipped)
	// P1 items sorted by confidence per token: session.go, auth.go, debug-helper.
	assert.Equal(t, BucketImmediate, bucketOf(t, plan, "session.go"))
	assert.Equal(t, BucketImmediate, bucketOf(t, plan, "auth.go"))
	assert.Equal(t, BucketEager, bucketOf(t, plan, "debug-helper"))
	it, _ := plan.Find("debug-helper")
	assert.Equal(t, "immediate slots full", it.Note)

	// 300 tokens left: linter fits, api-docs does not.
	assert.Equal(t, BucketEager, bucketOf(t, plan, "linter"))
	assert.Equal(t, BucketBackground, bucketOf(t, plan, "api-docs"))
	docs, _ := plan.Find("api-docs")
	assert.Equal(t, "needs 800 tokens, 100 remaining", docs.Note)

	assert.Equal(t, BucketBackground, bucketOf(t, plan, "rfc-6749"))
	rfc, _ := plan.Find("rfc-6749")
	assert.Empty(t, rfc.Note, "P3 items go to background without a downgrade")
	assert.Equal(t, BucketDeferred, bucketOf(t, plan, "old-notes"))

	assert.Equal(t, int64(1900), plan.AdmittedTokens)
	assert.Len(t, plan.Items(), 7)
}

func TestBuildPlan_UnboundedBudget(t *testing.T) {
	preds := []types.Prediction{
		pred("a", types.CategoryHandler, 0.9, 100000),
		pred("b", types.CategoryHandler, 0.9, 100000),
	}
	plan := buildPlan(preds, Constraints{MaxImmediate: 5, MaxEager: 5}, func(string) bool { return false })
	assert.Len(t, plan.Immediate, 2)
}

func TestItem_MarshalJSON(t *testing.T) {
	it := newItem(pred("auth.go", types.CategoryCodeContext, 0.8, 400), types.UrgencyMedium)
	it.Bucket = BucketImmediate
	data, err := json.Marshal(it)
	require.NoError(t, err)
	assert.JSONEq(t, `{"target":"auth.go","category":"code-context","tier":"P1","base_tier":"P1",
		"confidence":0.8,"cost":400,"bucket":"immediate","state":"pending"}`, string(data))
}

func TestProperty_TierOrdersScheduling(t *testing.T) {
	properties := gopter.NewProperties(nil)
	categories := []types.PredictionCategory{
		types.CategoryHandler, types.CategoryCodeContext, types.CategoryTool,
		types.CategoryDocumentation, types.CategoryReference,
	}

	properties.Property("an item is only placed after a lower tier without a recorded downgrade", prop.ForAll(
		func(confs []float64, budget int64) bool {
			preds := make([]types.Prediction, 0, len(confs))
			for i, c := range confs {
				preds = append(preds, pred(string(rune('a'+i%26))+string(rune('a'+i/26)), categories[i%len(categories)], c, 100+(i*37)%400))
			}
			plan := buildPlan(preds, Constraints{TokenBudget: budget, MaxImmediate: 3, MaxEager: 5}, func(string) bool { return false })

			rank := map[Bucket]int{BucketImmediate: 0, BucketEager: 1, BucketBackground: 2, BucketDeferred: 3}
			items := plan.Items()
			for _, hi := range items {
				for _, lo := range items {
					if hi.Tier < lo.Tier && rank[hi.Bucket] > rank[lo.Bucket] && hi.Note == "" {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.Float64Range(0, 1)),
		gen.Int64Range(0, 3000),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
