// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/kilorouter/internal/audit"
)

const testSkill = `---
name: debug-helper
description: "Finds the root cause of failing code. Keywords: debug, error, stack trace, crash"
version: 1.0.0
intents: [debug]
token_estimate:
  min: 400
  typical: 1200
  max: 3000
---

# Debug Helper
`

// writeTestConfig lays out a skills directory and a config file pointing at
// it, and returns the config path.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	skillDir := filepath.Join(root, "skills", "debug-helper")
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(testSkill), 0o644))

	conf := fmt.Sprintf(`storage:
  state-dir: %q
  skills-dir: %q
  rules-dir: %q
  hooks-dir: %q
audit:
  tier-interval: 0s
  log:
    enabled: false
learning:
  analysis-interval: 0s
`, filepath.Join(root, "state"), filepath.Join(root, "skills"), filepath.Join(root, "rules"), filepath.Join(root, "hooks"))
	path := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(conf), 0o600))
	return path, root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "kilorouter dev")
}

func TestClassifyCommand(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	out, err := execute(t, "--config", cfgPath, "classify", "fix", "production", "login", "crash")
	require.NoError(t, err)
	assert.Contains(t, out, `"primary": "debug"`)
	assert.Contains(t, out, `"urgency": "critical"`)
}

func TestRouteAndDecisionsCommands(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	out, err := execute(t, "--config", cfgPath, "route", "--session", "cli-test", "fix production login crash")
	require.NoError(t, err)
	assert.Contains(t, out, `"handler_id": "debug-helper"`)

	out, err = execute(t, "--config", cfgPath, "decisions", "--type", "routing")
	require.NoError(t, err)
	assert.Contains(t, out, "debug-helper")
	assert.Contains(t, out, "success")

	_, err = execute(t, "--config", cfgPath, "decisions", "--type", "nonsense")
	assert.Error(t, err)
}

func TestSkillCommands(t *testing.T) {
	cfgPath, root := writeTestConfig(t)

	out, err := execute(t, "--config", cfgPath, "skill", "init", "--category", "testing", "flaky-test-hunter")
	require.NoError(t, err)
	created := filepath.Join(root, "skills", "testing", "flaky-test-hunter", "SKILL.md")
	assert.Contains(t, out, created)
	assert.FileExists(t, created)

	_, err = execute(t, "--config", cfgPath, "skill", "init", "--category", "testing", "flaky-test-hunter")
	assert.Error(t, err, "existing handlers are not overwritten")

	broken := filepath.Join(root, "broken")
	require.NoError(t, os.MkdirAll(broken, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, "SKILL.md"), []byte("no frontmatter here"), 0o644))
	out, err = execute(t, "--config", cfgPath, "skill", "validate", broken)
	assert.Error(t, err)
	assert.Contains(t, out, "INVALID")
}

func TestRulesAndHooksList(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	out, err := execute(t, "--config", cfgPath, "rules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "builtin")

	out, err = execute(t, "--config", cfgPath, "hooks", "list", "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "No hooks configured")
}

func TestStateCommands(t *testing.T) {
	cfgPath, root := writeTestConfig(t)
	stateRoot := filepath.Join(root, "state")
	require.NoError(t, os.MkdirAll(stateRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stateRoot, "effectiveness.json"), []byte("{}"), 0o644))

	out, err := execute(t, "--config", cfgPath, "state", "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "effectiveness.json")

	out, err = execute(t, "--config", cfgPath, "state", "harden")
	require.NoError(t, err)
	assert.Contains(t, out, "Corrected")

	out, err = execute(t, "--config", cfgPath, "state", "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "All permissions are correct.")
}

func TestStateLogCommand(t *testing.T) {
	cfgPath, root := writeTestConfig(t)
	logPath := filepath.Join(root, "state", "decisions", "decisions.jsonl")
	l, err := audit.NewLogger(audit.LogConfig{Enabled: true, Path: logPath})
	require.NoError(t, err)
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	l.LogDecision(audit.DecisionRecord{ID: "d1", TaskID: "t1", Type: audit.TypeRouting, CreatedAt: at})
	l.LogDecision(audit.DecisionRecord{ID: "d2", TaskID: "t2", Type: audit.TypeBudgetGate, CreatedAt: at})
	l.LogOutcome("d1", "t1", audit.Outcome{Status: audit.OutcomeSuccess, ResolvedAt: at})
	require.NoError(t, l.Close())

	out, err := execute(t, "--config", cfgPath, "state", "log", "--task", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "routing")
	assert.Contains(t, out, "success")
	assert.NotContains(t, out, "d2")
}
