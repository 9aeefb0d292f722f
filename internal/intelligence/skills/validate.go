// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/traylinx/kilorouter/internal/types"
)

// Severity grades a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Report collects the findings for one manifest.
type Report struct {
	Path   string  `json:"path"`
	Issues []Issue `json:"issues,omitempty"`
}

// Valid reports whether the manifest has no errors. Warnings and infos do not
// invalidate it.
func (r *Report) Valid() bool {
	return r.Count(SeverityError) == 0
}

// Count returns the number of issues with severity s.
func (r *Report) Count(s Severity) int {
	n := 0
	for _, i := range r.Issues {
		if i.Severity == s {
			n++
		}
	}
	return n
}

func (r *Report) add(s Severity, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{Severity: s, Message: fmt.Sprintf(format, args...)})
}

var (
	requiredFields    = []string{"name", "description", "version"}
	recommendedFields = []string{"behaviors", "token_estimate", "dependencies"}
	requiredSections  = []string{"When to Use", "Process", "Guidelines"}
	optionalSections  = []string{"Prerequisites", "Success Criteria", "Related Skills"}

	kebabCase  = regexp.MustCompile(`^[a-z0-9-]+$`)
	semver     = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	phaseTitle = regexp.MustCompile(`(?m)^### Phase`)
)

// Validate checks the handler directory dir, which must contain a SKILL.md.
func Validate(dir string) *Report {
	path := filepath.Join(dir, ManifestFile)
	report := &Report{Path: path}

	content, err := os.ReadFile(path)
	if err != nil {
		report.add(SeverityError, "%s not found: %v", ManifestFile, err)
		return report
	}
	validateContent(report, content)

	for _, sub := range []string{"references", "scripts"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			report.add(SeverityInfo, "No %s/ directory", sub)
		}
	}
	return report
}

// ValidateContent checks a SKILL.md held in memory.
func ValidateContent(content []byte) *Report {
	report := &Report{}
	validateContent(report, content)
	return report
}

// ValidateAll validates every handler directory under root, sorted by path.
func ValidateAll(root string) ([]*Report, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(d.Name(), ManifestFile) {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(dirs)

	reports := make([]*Report, 0, len(dirs))
	for _, d := range dirs {
		reports = append(reports, Validate(d))
	}
	return reports, nil
}

func validateContent(r *Report, content []byte) {
	fields, body, err := parseFrontmatterMap(content)
	if err != nil {
		r.add(SeverityError, "%v", err)
		return
	}
	m, _, err := ParseManifest(content)
	if err != nil {
		r.add(SeverityError, "%v", err)
		return
	}

	for _, f := range requiredFields {
		if blank(fields[f]) {
			r.add(SeverityError, "Missing required field: %s", f)
		}
	}
	for _, f := range recommendedFields {
		if _, ok := fields[f]; !ok {
			r.add(SeverityWarning, "Missing recommended field: %s", f)
		}
	}

	if m.Name != "" && !kebabCase.MatchString(m.Name) {
		r.add(SeverityWarning, "Name should be kebab-case: %s", m.Name)
	}
	if m.Description != "" {
		if !keywordsLine.MatchString(m.Description) {
			r.add(SeverityWarning, "Description has no Keywords: line")
		} else if n := len(ExtractKeywords(m.Description)); n < 3 {
			r.add(SeverityWarning, "Only %d keywords (recommend 5+)", n)
		}
	}
	if m.Version != "" && !semver.MatchString(m.Version) {
		r.add(SeverityWarning, "Version should be semver (X.Y.Z): %s", m.Version)
	}

	if te, ok := fields["token_estimate"].(map[string]interface{}); ok {
		for _, k := range []string{"min", "typical", "max"} {
			if _, ok := te[k]; !ok {
				r.add(SeverityWarning, "token_estimate missing %s", k)
			}
		}
		if est := m.TokenEstimate; est != nil && !(est.Min <= est.Typical && est.Typical <= est.Max) {
			r.add(SeverityError, "token_estimate must satisfy min <= typical <= max (got %d/%d/%d)", est.Min, est.Typical, est.Max)
		}
	}

	for _, i := range append(append([]types.IntentType(nil), m.Intents...), m.SecondaryIntents...) {
		if !i.Valid() {
			r.add(SeverityError, "Unknown intent: %q", i)
		}
	}

	for _, s := range requiredSections {
		if !hasSection(body, s) {
			r.add(SeverityError, "Missing required section: ## %s", s)
		}
	}
	for _, s := range optionalSections {
		if !hasSection(body, s) {
			r.add(SeverityInfo, "Missing recommended section: ## %s", s)
		}
	}

	if hasSection(body, "Process") && len(phaseTitle.FindAllStringIndex(body, -1)) < 2 {
		r.add(SeverityInfo, "Process section should have at least 2 phases")
	}
	if hasSection(body, "Guidelines") && (!strings.Contains(body, "DO") || !strings.Contains(body, "DON'T")) {
		r.add(SeverityInfo, "Guidelines should have DO and DON'T sections")
	}
}

// blank reports whether a frontmatter value is absent, null or only whitespace.
func blank(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	default:
		return false
	}
}

func hasSection(body, title string) bool {
	return strings.Contains(body, "## "+title)
}
