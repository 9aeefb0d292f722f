// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package skills

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/traylinx/kilorouter/internal/intelligence/lexicon"
	"github.com/traylinx/kilorouter/internal/types"
)

// ManifestFile is the file name of a handler manifest inside its directory.
const ManifestFile = "SKILL.md"

// ErrNoFrontmatter is returned for a SKILL.md without a leading YAML block.
var ErrNoFrontmatter = errors.New("missing YAML frontmatter")

// Manifest is the YAML frontmatter of a SKILL.md file.
type Manifest struct {
	Name             string               `yaml:"name" json:"name"`
	Description      string               `yaml:"description" json:"description"`
	Version          string               `yaml:"version" json:"version"`
	Intents          []types.IntentType   `yaml:"intents,omitempty" json:"intents,omitempty"`
	SecondaryIntents []types.IntentType   `yaml:"secondary_intents,omitempty" json:"secondary_intents,omitempty"`
	Domains          []string             `yaml:"domains,omitempty" json:"domains,omitempty"`
	Behaviors        []string             `yaml:"behaviors,omitempty" json:"behaviors,omitempty"`
	Dependencies     []string             `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Follows          []string             `yaml:"follows,omitempty" json:"follows,omitempty"`
	Alternatives     []string             `yaml:"alternatives,omitempty" json:"alternatives,omitempty"`
	Disabled         bool                 `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	TokenEstimate    *types.TokenEstimate `yaml:"token_estimate,omitempty" json:"token_estimate,omitempty"`
}

// ParseManifest splits a SKILL.md into its frontmatter and markdown body.
func ParseManifest(content []byte) (Manifest, string, error) {
	raw, body, err := splitFrontmatter(content)
	if err != nil {
		return Manifest{}, "", err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, "", fmt.Errorf("invalid frontmatter: %w", err)
	}
	return m, body, nil
}

// parseFrontmatterMap decodes the frontmatter generically so validation can
// tell a missing field from an empty one.
func parseFrontmatterMap(content []byte) (map[string]interface{}, string, error) {
	raw, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, "", err
	}
	fields := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &fields); err != nil {
		return nil, "", fmt.Errorf("invalid frontmatter: %w", err)
	}
	return fields, body, nil
}

func splitFrontmatter(content []byte) ([]byte, string, error) {
	content = bytes.TrimPrefix(content, []byte("\xEF\xBB\xBF"))
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, "", ErrNoFrontmatter
	}
	parts := strings.SplitN(string(content), "---", 3)
	if len(parts) < 3 {
		return nil, "", ErrNoFrontmatter
	}
	return []byte(parts[1]), strings.TrimSpace(parts[2]), nil
}

var keywordsLine = regexp.MustCompile(`(?i)keywords?:\s*(.+)`)

// ExtractKeywords returns the comma-separated keywords of the description's
// "Keywords:" line, normalized and deduplicated.
func ExtractKeywords(description string) []string {
	m := keywordsLine.FindStringSubmatch(description)
	if m == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, k := range strings.Split(m[1], ",") {
		k = lexicon.Normalize(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
