// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/kilorouter/internal/hooks"
	"github.com/traylinx/kilorouter/internal/types"
	"github.com/traylinx/kilorouter/internal/util"
)

const debugManifest = `---
name: debug-helper
description: >-
  Finds the root cause of failing code.

  Keywords: debug, error, stack trace, crash
version: 1.2.0
intents: [debug]
secondary_intents: [test]
domains: [backend]
dependencies: []
alternatives: [log-reader]
behaviors: [read-logs]
token_estimate:
  min: 400
  typical: 1200
  max: 3000
---

# Debug Helper

## When to Use

Whenever something crashes.

## Process

### Phase 1: Reproduce

### Phase 2: Fix

## Guidelines

**DO:** read the logs.
**DON'T:** guess.
`

const docManifest = `---
name: doc-writer
description: "Writes docs. Keywords: documentation, readme, guide"
version: 1.0.0
intents: [document]
disabled: false
---

# Doc Writer
`

const retiredManifest = `---
name: old-debugger
description: "Keywords: debug, legacy"
version: 0.1.0
intents: [debug]
disabled: true
---
`

func writeSkill(t *testing.T, root, id, content string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(content), 0644))
	return dir
}

func loadedRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	writeSkill(t, root, "debug-helper", debugManifest)
	writeSkill(t, root, "doc-writer", docManifest)
	writeSkill(t, root, "old-debugger", retiredManifest)
	writeSkill(t, root, "broken", "no frontmatter here")

	r := NewRegistry()
	require.NoError(t, r.LoadAll(root))
	return r, root
}

func TestLoadAll(t *testing.T) {
	r, _ := loadedRegistry(t)

	assert.Equal(t, 3, r.Len(), "the malformed manifest is skipped")

	s, err := r.GetSkill("debug-helper")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", s.Version)
	assert.Equal(t, []string{"debug", "error", "stack trace", "crash"}, s.Keywords)
	assert.Equal(t, []types.IntentType{types.IntentDebug}, s.Intents)
	assert.Contains(t, s.Body, "## Process")

	d, ok := r.Get("debug-helper")
	require.True(t, ok)
	assert.Equal(t, int64(1200), d.CostEstimate())
	assert.Equal(t, []string{"log-reader"}, d.Alternatives)
	assert.Equal(t, 0.6, d.HandlesIntent(types.IntentTest))

	_, err = r.GetSkill("missing")
	assert.Error(t, err)
}

func TestLoadAllErrors(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.LoadAll(""))
	assert.Error(t, r.LoadAll(filepath.Join(t.TempDir(), "nope")))
}

func TestHandlersSkipsDisabled(t *testing.T) {
	r, _ := loadedRegistry(t)

	var ids []string
	for _, h := range r.Handlers() {
		ids = append(ids, h.ID)
	}
	assert.Equal(t, []string{"debug-helper", "doc-writer"}, ids)
	assert.False(t, r.Has("old-debugger"))
	assert.True(t, r.Has("doc-writer"))

	d, ok := r.Get("old-debugger")
	require.True(t, ok, "disabled handlers stay addressable by id")
	assert.True(t, d.Disabled)
}

func TestListCandidates(t *testing.T) {
	r, _ := loadedRegistry(t)

	ids := func(ds []types.HandlerDescriptor) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.ID)
		}
		return out
	}

	assert.Equal(t, []string{"debug-helper"}, ids(r.ListCandidates([]string{"crashes"})), "stem match")
	assert.Equal(t, []string{"debug-helper"}, ids(r.ListCandidates([]string{"trace"})), "multi-word keyword split")
	assert.Equal(t, []string{"doc-writer"}, ids(r.ListCandidates([]string{"readme"})))
	assert.Empty(t, r.ListCandidates([]string{"kubernetes"}))
	assert.Empty(t, r.ListCandidates([]string{"legacy"}), "disabled handler is not a candidate")
}

func TestKeywordsFallBackToID(t *testing.T) {
	s := NewSkill("schema-migrator", Manifest{Name: "schema-migrator", Description: "Moves schemas."})
	assert.Equal(t, []string{"schema", "migrator"}, s.Keywords)
}

func TestPutReplaces(t *testing.T) {
	r := NewRegistry()
	r.Put(NewSkill("b", Manifest{Description: "Keywords: beta"}))
	r.Put(NewSkill("a", Manifest{Description: "Keywords: alpha"}))
	r.Put(NewSkill("b", Manifest{Description: "Keywords: bravo"}))

	hs := r.Handlers()
	require.Len(t, hs, 2)
	assert.Equal(t, "a", hs[0].ID)
	assert.Equal(t, []string{"bravo"}, hs[1].Keywords)
}

func TestEffectivenessPersistence(t *testing.T) {
	sb, err := util.NewStateBoxAt(t.TempDir(), false)
	require.NoError(t, err)

	r := NewRegistry(WithEffectivenessFile(sb, sb.EffectivenessPath()))
	require.NoError(t, r.SetEffectiveness("debug-helper", types.Effectiveness{SuccessRate: 0.8, Uses: 4}))
	require.NoError(t, r.UpdateEffectiveness("debug-helper", func(e types.Effectiveness) types.Effectiveness {
		e.Uses++
		return e
	}))

	reopened := NewRegistry(WithEffectivenessFile(sb, sb.EffectivenessPath()))
	eff := reopened.Effectiveness("debug-helper")
	assert.Equal(t, 0.8, eff.SuccessRate)
	assert.Equal(t, 5, eff.Uses)
	assert.Zero(t, reopened.Effectiveness("unknown").Uses)
}

func TestEffectivenessReadOnly(t *testing.T) {
	sb, err := util.NewStateBoxAt(t.TempDir(), true)
	require.NoError(t, err)

	r := NewRegistry(WithEffectivenessFile(sb, sb.EffectivenessPath()))
	err = r.SetEffectiveness("x", types.Effectiveness{SuccessRate: 1})
	assert.ErrorIs(t, err, util.ErrReadOnlyMode)
	assert.Equal(t, 1.0, r.Effectiveness("x").SuccessRate, "in-memory value still updates")
}

func TestWatchReloads(t *testing.T) {
	r, root := loadedRegistry(t)

	bus := hooks.NewEventBus(16)
	defer bus.Shutdown()
	reloaded := make(chan struct{}, 4)
	bus.Subscribe(hooks.EventRegistryReloaded, func(*hooks.EventContext) { reloaded <- struct{}{} })

	r.events = bus
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx, 20*time.Millisecond))
	defer r.Close()

	writeSkill(t, root, "api-tester", `---
name: api-tester
description: "Keywords: api, endpoint, contract"
version: 1.0.0
intents: [test]
---
`)

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("registry was not reloaded")
	}
	assert.True(t, r.Has("api-tester"))
}

func TestWatchRequiresLoad(t *testing.T) {
	assert.Error(t, NewRegistry().Watch(context.Background(), 0))
}
