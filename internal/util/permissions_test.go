// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedState creates a decision database, a decision log and an archive
// segment with permissions that are too open.
func seedState(t *testing.T, readOnly bool) *StateBox {
	t.Helper()
	sb, err := NewStateBoxAt(t.TempDir(), readOnly)
	require.NoError(t, err)

	for _, p := range []string{sb.DecisionDBPath(), sb.DecisionLogPath(), filepath.Join(sb.ArchiveDir(), "0001.jsonl.zst")} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(sb.RootPath(), "README.txt"), []byte("notes"), 0o644))
	return sb
}

func modeOf(t *testing.T, path string) os.FileMode {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Mode().Perm()
}

func TestAuditPermissions(t *testing.T) {
	sb := seedState(t, false)

	results, err := AuditPermissions(sb)
	require.NoError(t, err)

	byPath := map[string]AuditResult{}
	for _, r := range results {
		byPath[r.Path] = r
	}
	assert.NotContains(t, byPath, filepath.Join(sb.RootPath(), "README.txt"), "plain files are not audited")

	db := byPath[sb.DecisionDBPath()]
	assert.Equal(t, os.FileMode(0o600), db.RequiredMode)
	assert.True(t, db.NeedsCorrection())

	dir := byPath[filepath.Dir(sb.DecisionDBPath())]
	assert.Equal(t, os.FileMode(0o700), dir.RequiredMode)

	assert.Equal(t, os.FileMode(0o644), modeOf(t, sb.DecisionDBPath()), "audit changes nothing")
}

func TestHardenPermissions(t *testing.T) {
	sb := seedState(t, false)

	results, err := HardenPermissions(sb)
	require.NoError(t, err)
	assert.NotEmpty(t, results)

	assert.Equal(t, os.FileMode(0o600), modeOf(t, sb.DecisionDBPath()))
	assert.Equal(t, os.FileMode(0o600), modeOf(t, sb.DecisionLogPath()))
	assert.Equal(t, os.FileMode(0o600), modeOf(t, filepath.Join(sb.ArchiveDir(), "0001.jsonl.zst")))
	assert.Equal(t, os.FileMode(0o700), modeOf(t, sb.ArchiveDir()))
	assert.Equal(t, os.FileMode(0o644), modeOf(t, filepath.Join(sb.RootPath(), "README.txt")))

	again, err := AuditPermissions(sb)
	require.NoError(t, err)
	for _, r := range again {
		assert.False(t, r.NeedsCorrection(), r.Path)
	}
}

func TestHardenPermissions_ReadOnlyOnlyAudits(t *testing.T) {
	sb := seedState(t, true)

	results, err := HardenPermissions(sb)
	require.NoError(t, err)
	for _, r := range results {
		assert.False(t, r.WasCorrected, r.Path)
	}
	assert.Equal(t, os.FileMode(0o644), modeOf(t, sb.DecisionDBPath()))
}

func TestHardenPermissions_NonExistentRoot(t *testing.T) {
	sb, err := NewStateBoxAt(filepath.Join(t.TempDir(), "missing"), false)
	require.NoError(t, err)
	results, err := HardenPermissions(sb)
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestPermissions_NilStateBox(t *testing.T) {
	_, err := AuditPermissions(nil)
	assert.Error(t, err)
	_, err = HardenPermissions(nil)
	assert.Error(t, err)
}

func TestIsSensitiveFile(t *testing.T) {
	tests := map[string]bool{
		"decisions.db":         true,
		"decisions.db-wal":     true,
		"effectiveness.json":   true,
		"decisions.jsonl":      true,
		"segment-01.jsonl.zst": true,
		"main.log":             true,
		"README.md":            false,
		"SKILL.md":             false,
	}
	for name, want := range tests {
		assert.Equal(t, want, isSensitiveFile(filepath.Join("/state", name)), name)
	}
}
