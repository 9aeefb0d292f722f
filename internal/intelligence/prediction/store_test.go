// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package prediction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/kilorouter/internal/types"
	"github.com/traylinx/kilorouter/internal/util"
)

var debugSecurity = PatternKey{Intent: types.IntentDebug, Domain: "security"}

func TestMemoryStore_ApplyCreatesAndReinforces(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Apply(ctx, debugSecurity, []Observation{
			{Target: "auth-module", Category: types.CategoryCodeContext, Used: true, Tokens: 800, At: at},
		}))
	}

	table, err := s.Table(ctx, debugSecurity)
	require.NoError(t, err)
	require.Len(t, table, 1)
	e := table[0]
	assert.Equal(t, "auth-module", e.Target)
	assert.Equal(t, 3, e.Occurrences)
	assert.InDelta(t, 0.6, e.Frequency, 1e-9)
	assert.Equal(t, 800, e.AvgTokens)
	assert.Equal(t, at, e.LastSeen)
}

func TestMemoryStore_UnusedTargets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Now()

	// An unused target never seen before is not recorded.
	require.NoError(t, s.Apply(ctx, debugSecurity, []Observation{{Target: "ghost", Used: false, At: at}}))
	table, _ := s.Table(ctx, debugSecurity)
	assert.Empty(t, table)

	require.NoError(t, s.Apply(ctx, debugSecurity, []Observation{{Target: "logs", Used: true, At: at}}))
	require.NoError(t, s.Apply(ctx, debugSecurity, []Observation{{Target: "logs", Used: false, At: at.Add(time.Hour)}}))

	e, ok := mustTable(t, s, debugSecurity).Lookup("logs")
	require.True(t, ok)
	assert.InDelta(t, 0.45, e.Frequency, 1e-9)
	assert.Equal(t, 1, e.Occurrences)
	assert.Equal(t, at, e.LastSeen, "unused observations do not refresh last seen")
}

func TestMemoryStore_TableIsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Apply(ctx, debugSecurity, []Observation{
		{Target: "b", Used: true, At: time.Now()},
		{Target: "a", Used: true, At: time.Now()},
	}))

	table := mustTable(t, s, debugSecurity)
	assert.Equal(t, "a", table[0].Target)
	assert.Equal(t, "b", table[1].Target)

	table[0].Frequency = 99
	again := mustTable(t, s, debugSecurity)
	assert.InDelta(t, 0.5, again[0].Frequency, 1e-9)
}

func TestFileStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	sb, err := util.NewStateBoxAt(t.TempDir(), false)
	require.NoError(t, err)

	s, err := OpenFileStore(sb)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, debugSecurity, []Observation{
		{Target: "debug-helper", Category: types.CategoryHandler, Used: true, Tokens: 1200, At: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
	}))

	reopened, err := OpenFileStore(sb)
	require.NoError(t, err)
	e, ok := mustTable(t, reopened, debugSecurity).Lookup("debug-helper")
	require.True(t, ok)
	assert.Equal(t, types.CategoryHandler, e.Category)
	assert.Equal(t, 1200, e.AvgTokens)
	assert.InDelta(t, 0.5, e.Frequency, 1e-9)
}

func TestFileStore_ReadOnly(t *testing.T) {
	sb, err := util.NewStateBoxAt(t.TempDir(), true)
	require.NoError(t, err)

	s, err := OpenFileStore(sb)
	require.NoError(t, err)
	err = s.Apply(context.Background(), debugSecurity, []Observation{{Target: "x", Used: true, At: time.Now()}})
	assert.True(t, errors.Is(err, util.ErrReadOnlyMode))
}

func mustTable(t *testing.T, s PatternStore, key PatternKey) FrequencyTable {
	t.Helper()
	table, err := s.Table(context.Background(), key)
	require.NoError(t, err)
	return table
}
