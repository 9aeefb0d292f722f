// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package audit

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphRejectsUnknownPredecessor(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("classify", nil))
	require.NoError(t, g.Add("predict", []string{"classify"}))
	err := g.Add("route", []string{"predict", "ghost"})
	assert.ErrorIs(t, err, ErrUnknownPredecessor)
	assert.False(t, g.Has("route"))
	assert.Error(t, g.Add("classify", nil))
}

func TestGraphTrace(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("classify", nil))
	require.NoError(t, g.Add("predict", []string{"classify"}))
	require.NoError(t, g.Add("route", []string{"classify", "predict"}))
	require.NoError(t, g.Add("gate", []string{"route"}))

	trace, err := g.Trace("gate")
	require.NoError(t, err)
	assert.Equal(t, []string{"gate", "route", "classify", "predict"}, trace)
	assert.ElementsMatch(t, []string{"predict", "route"}, g.Triggers("classify"))

	_, err = g.Trace("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGraphValidateDetectsCycle(t *testing.T) {
	g := NewGraph()
	g.restore("a", []string{"c"})
	g.restore("b", []string{"a"})
	g.restore("c", []string{"b"})
	g.restore("d", nil)
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[a b c]")
}

func TestGraphValidateDanglingPredecessor(t *testing.T) {
	g := NewGraph()
	g.restore("a", []string{"archived"})
	assert.ErrorIs(t, g.Validate(), ErrUnknownPredecessor)
}

func TestBuildGraph(t *testing.T) {
	g := BuildGraph([]DecisionRecord{
		{ID: "classify"},
		{ID: "route", TriggeredBy: []string{"classify", "predict"}},
		{ID: "predict", TriggeredBy: []string{"classify"}},
	})
	require.NoError(t, g.Validate())
	preds, ok := g.Predecessors("route")
	require.True(t, ok)
	assert.Equal(t, []string{"classify", "predict"}, preds)
	assert.ElementsMatch(t, []string{"predict", "route"}, g.Triggers("classify"))

	g = BuildGraph([]DecisionRecord{{ID: "gate", TriggeredBy: []string{"route"}}})
	assert.ErrorIs(t, g.Validate(), ErrUnknownPredecessor)
}

func TestGraphAlwaysAcyclic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("appending with known predecessors keeps the graph acyclic", prop.ForAll(
		func(links [][]int) bool {
			g := NewGraph()
			for i, preds := range links {
				var ids []string
				for _, p := range preds {
					if i > 0 {
						ids = append(ids, fmt.Sprintf("n%d", p%i))
					}
				}
				if err := g.Add(fmt.Sprintf("n%d", i), dedupe(ids)); err != nil {
					return false
				}
			}
			return g.Validate() == nil
		},
		gen.SliceOf(gen.SliceOfN(3, gen.IntRange(0, 1000))),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
