// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messages(r *Report, s Severity) []string {
	var out []string
	for _, i := range r.Issues {
		if i.Severity == s {
			out = append(out, i.Message)
		}
	}
	return out
}

func TestValidateCompleteManifest(t *testing.T) {
	dir := writeSkill(t, t.TempDir(), "debug-helper", debugManifest)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "references"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0755))

	r := Validate(dir)
	assert.True(t, r.Valid(), "%v", r.Issues)
	assert.Empty(t, messages(r, SeverityWarning))
	assert.ElementsMatch(t, []string{
		"Missing recommended section: ## Prerequisites",
		"Missing recommended section: ## Success Criteria",
		"Missing recommended section: ## Related Skills",
	}, messages(r, SeverityInfo))
}

func TestValidateFindsProblems(t *testing.T) {
	content := `---
name: Bad_Name
description: "Keywords: one, two"
version: v1
intents: [debug, wander]
token_estimate:
  min: 900
  typical: 100
---

# Bad

## When to Use
`
	r := ValidateContent([]byte(content))
	assert.False(t, r.Valid())

	errs := messages(r, SeverityError)
	assert.Contains(t, errs, `Unknown intent: "wander"`)
	assert.Contains(t, errs, "Missing required section: ## Process")
	assert.Contains(t, errs, "Missing required section: ## Guidelines")
	assert.Contains(t, errs, "token_estimate must satisfy min <= typical <= max (got 900/100/0)")

	warns := messages(r, SeverityWarning)
	assert.Contains(t, warns, "Name should be kebab-case: Bad_Name")
	assert.Contains(t, warns, "Only 2 keywords (recommend 5+)")
	assert.Contains(t, warns, "Version should be semver (X.Y.Z): v1")
	assert.Contains(t, warns, "token_estimate missing max")
	assert.Contains(t, warns, "Missing recommended field: behaviors")
}

func TestValidateMissingFields(t *testing.T) {
	r := ValidateContent([]byte("---\ndescription: hello\n---\n"))
	errs := messages(r, SeverityError)
	assert.Contains(t, errs, "Missing required field: name")
	assert.Contains(t, errs, "Missing required field: version")
	assert.Contains(t, messages(r, SeverityWarning), "Description has no Keywords: line")

	r = ValidateContent([]byte("---\nname: \"\"\ndescription: \"  \"\nversion:\n---\n"))
	errs = messages(r, SeverityError)
	for _, f := range []string{"name", "description", "version"} {
		assert.Contains(t, errs, "Missing required field: "+f)
	}

	r = ValidateContent([]byte("# just markdown"))
	assert.Equal(t, []string{ErrNoFrontmatter.Error()}, messages(r, SeverityError))
}

func TestValidateMissingManifest(t *testing.T) {
	r := Validate(t.TempDir())
	assert.False(t, r.Valid())
	assert.Equal(t, 1, r.Count(SeverityError))
}

func TestScaffoldProducesValidManifest(t *testing.T) {
	base := t.TempDir()
	dir, err := Scaffold(base, "api-tester", "testing", "Exercises HTTP endpoints.")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "testing", "api-tester"), dir)
	assert.FileExists(t, filepath.Join(dir, "references", "guide.md"))
	assert.FileExists(t, filepath.Join(dir, "scripts", ".gitkeep"))

	r := Validate(dir)
	assert.True(t, r.Valid(), "%v", r.Issues)
	assert.Empty(t, messages(r, SeverityWarning))

	content, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	m, body, err := ParseManifest(content)
	require.NoError(t, err)
	assert.Equal(t, "api-tester", m.Name)
	assert.Equal(t, []string{"api", "tester", "testing"}, ExtractKeywords(m.Description))
	assert.True(t, strings.HasPrefix(body, "# Api Tester"))

	reports, err := ValidateAll(base)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	_, err = Scaffold(base, "api-tester", "testing", "")
	assert.Error(t, err, "existing handler")
	_, err = Scaffold(base, "Not Kebab", "", "")
	assert.Error(t, err)
}

func TestParseManifestSkipsByteOrderMark(t *testing.T) {
	content := append([]byte("\xEF\xBB\xBF"), []byte(debugManifest)...)
	m, body, err := ParseManifest(content)
	require.NoError(t, err)
	assert.Equal(t, "debug-helper", m.Name)
	assert.True(t, strings.Contains(body, "## Process"))
}
