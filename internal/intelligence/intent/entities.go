// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package intent

import (
	"regexp"
	"sort"
)

// Entity kinds extracted from task text.
const (
	EntityFile      = "file"
	EntityFunction  = "function"
	EntityErrorCode = "error_code"
	EntityURL       = "url"
)

var entityPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{EntityURL, regexp.MustCompile(`https?://[^\s"'<>]+`)},
	{EntityFile, regexp.MustCompile(`(?:[\w.-]+/)*[\w-]+\.(?:go|py|js|ts|tsx|jsx|java|rb|rs|c|h|cpp|cs|php|sql|ya?ml|json|md|toml|sh|html|css)\b`)},
	{EntityFunction, regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_.]*\(\)`)},
	{EntityErrorCode, regexp.MustCompile(`\b(?:E\d{3,5}|ERR_[A-Z_]+|HTTP [45]\d{2}|[45]\d{2})\b`)},
}

// extractEntities returns the sorted, de-duplicated entities of text keyed by kind.
func extractEntities(text string) map[string][]string {
	out := make(map[string][]string)
	for _, p := range entityPatterns {
		matches := p.re.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		seen := make(map[string]bool, len(matches))
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			out[p.kind] = append(out[p.kind], m)
		}
		sort.Strings(out[p.kind])
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
