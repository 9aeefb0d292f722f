// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lexicon

import (
	"strings"
	"unicode"
)

// Match tiers. A word scores the best tier it reaches against a term set.
const (
	TierExact   = 1.0
	TierStem    = 0.8
	TierSynonym = 0.6
	TierPartial = 0.4
	TierNone    = 0.0
)

// minPartialLen is the shortest word and term length eligible for prefix matching.
const minPartialLen = 4

// TermSet is a compiled keyword list with its synonyms.
type TermSet struct {
	terms        []string
	exact        map[string]bool
	stems        map[string]bool
	synonyms     map[string]bool
	synonymStems map[string]bool
}

// NewTermSet compiles keywords and synonyms into a term set.
func NewTermSet(keywords, synonyms []string) *TermSet {
	ts := &TermSet{
		exact:        make(map[string]bool, len(keywords)),
		stems:        make(map[string]bool, len(keywords)),
		synonyms:     make(map[string]bool, len(synonyms)),
		synonymStems: make(map[string]bool, len(synonyms)),
	}
	for _, k := range keywords {
		k = Normalize(k)
		if k == "" || ts.exact[k] {
			continue
		}
		ts.terms = append(ts.terms, k)
		ts.exact[k] = true
		ts.stems[Stem(k)] = true
	}
	for _, s := range synonyms {
		s = Normalize(s)
		if s == "" {
			continue
		}
		ts.synonyms[s] = true
		ts.synonymStems[Stem(s)] = true
	}
	return ts
}

// Terms returns the keywords of the set in declaration order.
func (ts *TermSet) Terms() []string {
	out := make([]string, len(ts.terms))
	copy(out, ts.terms)
	return out
}

// Len returns the number of keywords.
func (ts *TermSet) Len() int { return len(ts.terms) }

// Has reports an exact or stem match.
func (ts *TermSet) Has(word string) bool {
	return ts.Match(word) >= TierStem
}

// Match returns the best tier word reaches against the set.
func (ts *TermSet) Match(word string) float64 {
	if ts == nil || word == "" {
		return TierNone
	}
	if ts.exact[word] {
		return TierExact
	}
	stem := Stem(word)
	if ts.stems[stem] {
		return TierStem
	}
	if ts.synonyms[word] || ts.synonymStems[stem] {
		return TierSynonym
	}
	if len(word) >= minPartialLen {
		for _, term := range ts.terms {
			if len(term) < minPartialLen {
				continue
			}
			if strings.HasPrefix(term, word) || strings.HasPrefix(word, term) {
				return TierPartial
			}
		}
	}
	return TierNone
}

// Score averages the match tier of every word against the set.
// An empty word list scores zero.
func (ts *TermSet) Score(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += ts.Match(w)
	}
	return sum / float64(len(words))
}

// Overlaps reports whether any word matches the set at any tier.
func (ts *TermSet) Overlaps(words []string) bool {
	for _, w := range words {
		if ts.Match(w) > TierNone {
			return true
		}
	}
	return false
}

// Normalize lower-cases s, drops apostrophes and collapses every run of
// non-alphanumeric characters (other than '-') into one space.
func Normalize(s string) string {
	return strings.Join(Words(s), " ")
}

// Words splits s into normalized words.
func Words(s string) []string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("'", "", "’", "").Replace(s)
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-')
	})
}

// suffixes are tried in order; the first that leaves a stem of at least three
// characters is removed.
var suffixes = []string{
	"ations", "ation", "ments", "ment", "ings", "ing", "ions", "ion",
	"ers", "er", "ies", "es", "ed", "ly", "s", "e",
}

// Stem reduces a word to a crude stem by repeatedly stripping one common
// suffix and collapsing a trailing doubled consonant until the word stops
// changing. It is deterministic and intentionally conservative.
func Stem(word string) string {
	w := strings.ToLower(word)
	for i := 0; i < 3; i++ {
		next := stemOnce(w)
		if next == w {
			break
		}
		w = next
	}
	return w
}

func stemOnce(w string) string {
	for _, suf := range suffixes {
		if !strings.HasSuffix(w, suf) || len(w)-len(suf) < 3 {
			continue
		}
		base := w[:len(w)-len(suf)]
		if suf == "ies" {
			base += "y"
		}
		w = base
		break
	}
	if n := len(w); n >= 4 && w[n-1] == w[n-2] && !isVowel(w[n-1]) && w[n-1] != 's' && w[n-1] != 'l' {
		w = w[:n-1]
	}
	return w
}

func isVowel(b byte) bool {
	switch b {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}
