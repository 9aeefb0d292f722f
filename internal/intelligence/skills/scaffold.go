// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skills

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

var manifestTemplate = template.Must(template.New("skill").Parse(`---
name: {{.Name}}
description: >-
  {{.Description}}

  Keywords: {{.Keywords}}
version: 1.0.0
intents: []
domains: []
behaviors: []
dependencies: []
token_estimate:
  min: 500
  typical: 1500
  max: 5000
---

# {{.Title}}

## When to Use

Use this handler when:
- [Specific situation 1]
- [Specific situation 2]

## Prerequisites

- [Tool or knowledge required]

## Process

### Phase 1: [Name]

1. [Step 1]
2. [Step 2]

### Phase 2: [Name]

1. [Step 1]
2. [Step 2]

## Guidelines

**DO:**
- [Best practice]

**DON'T:**
- [Anti-pattern]

## Common Patterns

[Describe recurring situations and how to handle them]

## Success Criteria

- [ ] [Criterion 1]
- [ ] [Criterion 2]

## References

- references/guide.md
`))

const guideTemplate = "# %s Guide\n\nDetailed reference material for the %s handler.\n"

// Scaffold creates a new handler directory at base/category/name with a
// SKILL.md template, a references/guide.md and an empty scripts/ directory.
// It returns the created directory and fails if it already exists.
func Scaffold(base, name, category, description string) (string, error) {
	if !kebabCase.MatchString(name) {
		return "", fmt.Errorf("handler name must be kebab-case: %s", name)
	}
	if category == "" {
		category = "general"
	}
	dir := filepath.Join(base, category, name)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("handler already exists: %s", dir)
	}

	parts := strings.Split(name, "-")
	title := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			title = append(title, strings.ToUpper(p[:1])+p[1:])
		}
	}
	if description == "" {
		description = "[Describe what this handler does]"
	}

	var buf bytes.Buffer
	err := manifestTemplate.Execute(&buf, map[string]string{
		"Name":        name,
		"Title":       strings.Join(title, " "),
		"Description": description,
		"Keywords":    strings.Join(append(parts, category), ", "),
	})
	if err != nil {
		return "", err
	}

	for _, sub := range []string{"references", "scripts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}
	files := map[string][]byte{
		ManifestFile:                            buf.Bytes(),
		filepath.Join("references", "guide.md"): []byte(fmt.Sprintf(guideTemplate, strings.Join(title, " "), name)),
		filepath.Join("scripts", ".gitkeep"):    nil,
	}
	for rel, data := range files {
		if err := os.WriteFile(filepath.Join(dir, rel), data, 0644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", rel, err)
		}
	}
	return dir, nil
}
