// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lexicon holds the declarative keyword tables used by intent
// classification and handler matching, and the pure functions that score
// words against them.
package lexicon

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/traylinx/kilorouter/internal/types"
)

//go:embed default.yaml
var defaultLexicon []byte

// IntentEntry declares the vocabulary of one intent type.
type IntentEntry struct {
	Type     types.IntentType `yaml:"type"`
	Keywords []string         `yaml:"keywords"`
	Synonyms []string         `yaml:"synonyms"`
	Phrases  []string         `yaml:"phrases"`
}

// DomainEntry declares the vocabulary of one domain.
type DomainEntry struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// UrgencyMarkers declares the word lists driving urgency detection.
type UrgencyMarkers struct {
	Critical   []string `yaml:"critical"`
	Production []string `yaml:"production"`
	Failure    []string `yaml:"failure"`
	High       []string `yaml:"high"`
	Low        []string `yaml:"low"`
}

// EffortMarkers declares explicit effort language.
type EffortMarkers struct {
	Economy []string `yaml:"economy"`
	Premium []string `yaml:"premium"`
}

// ComplexityMarkers declares words hinting at multi-step work.
type ComplexityMarkers struct {
	Multistep []string `yaml:"multistep"`
}

// Table is the raw, declarative lexicon as read from YAML.
type Table struct {
	Intents         []IntentEntry     `yaml:"intents"`
	Domains         []DomainEntry     `yaml:"domains"`
	SecurityDomains []string          `yaml:"security_domains"`
	Urgency         UrgencyMarkers    `yaml:"urgency"`
	Effort          EffortMarkers     `yaml:"effort"`
	Complexity      ComplexityMarkers `yaml:"complexity"`
	Negators        []string          `yaml:"negators"`
	Stopwords       []string          `yaml:"stopwords"`
}

// Intent is a compiled intent entry.
type Intent struct {
	Type    types.IntentType
	Terms   *TermSet
	Phrases []string
}

// Domain is a compiled domain entry.
type Domain struct {
	Name  string
	Terms *TermSet
}

// Lexicon is the compiled, read-only form of a Table. It is safe for
// concurrent use.
type Lexicon struct {
	Intents    []Intent
	Domains    []Domain
	security   map[string]bool
	critical   *TermSet
	production *TermSet
	failure    *TermSet
	high       *TermSet
	low        *TermSet
	economy    *TermSet
	premium    *TermSet
	multistep  *TermSet
	negators   map[string]bool
	stopwords  map[string]bool
}

// Default returns the embedded lexicon.
func Default() *Lexicon {
	lex, err := Parse(defaultLexicon)
	if err != nil {
		panic(fmt.Sprintf("lexicon: embedded table is invalid: %v", err))
	}
	return lex
}

// LoadFile reads a lexicon table from a YAML file.
func LoadFile(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a YAML lexicon table.
func Parse(data []byte) (*Lexicon, error) {
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon: %w", err)
	}
	return Compile(table)
}

// Compile validates a table and builds its lookup sets.
func Compile(t Table) (*Lexicon, error) {
	if len(t.Intents) == 0 {
		return nil, fmt.Errorf("lexicon declares no intents")
	}

	lex := &Lexicon{
		security:   toSet(t.SecurityDomains),
		critical:   NewTermSet(t.Urgency.Critical, nil),
		production: NewTermSet(t.Urgency.Production, nil),
		failure:    NewTermSet(t.Urgency.Failure, nil),
		high:       NewTermSet(t.Urgency.High, nil),
		low:        NewTermSet(t.Urgency.Low, nil),
		economy:    NewTermSet(t.Effort.Economy, nil),
		premium:    NewTermSet(t.Effort.Premium, nil),
		multistep:  NewTermSet(t.Complexity.Multistep, nil),
		negators:   toSet(t.Negators),
		stopwords:  toSet(t.Stopwords),
	}

	seen := make(map[types.IntentType]bool, len(t.Intents))
	for _, entry := range t.Intents {
		if entry.Type == types.IntentUnknown {
			return nil, fmt.Errorf("lexicon intent entry without type")
		}
		if seen[entry.Type] {
			return nil, fmt.Errorf("lexicon intent %q declared twice", entry.Type)
		}
		seen[entry.Type] = true
		phrases := make([]string, 0, len(entry.Phrases))
		for _, p := range entry.Phrases {
			phrases = append(phrases, Normalize(p))
		}
		lex.Intents = append(lex.Intents, Intent{
			Type:    entry.Type,
			Terms:   NewTermSet(entry.Keywords, entry.Synonyms),
			Phrases: phrases,
		})
	}

	for _, entry := range t.Domains {
		lex.Domains = append(lex.Domains, Domain{Name: entry.Name, Terms: NewTermSet(entry.Keywords, nil)})
	}
	return lex, nil
}

// Intent returns the compiled entry for an intent type.
func (l *Lexicon) Intent(t types.IntentType) (Intent, bool) {
	for _, i := range l.Intents {
		if i.Type == t {
			return i, true
		}
	}
	return Intent{}, false
}

// IsStopword reports whether w is ignored when extracting keywords.
func (l *Lexicon) IsStopword(w string) bool { return l.stopwords[w] }

// IsNegator reports whether w negates the word that follows it.
func (l *Lexicon) IsNegator(w string) bool { return l.negators[w] }

// IsSecurityDomain reports whether a domain is security-sensitive.
func (l *Lexicon) IsSecurityDomain(domain string) bool { return l.security[domain] }

// Keywords extracts the ordered, de-duplicated, stopword-free keywords of words.
func (l *Lexicon) Keywords(words []string) []string {
	out := make([]string, 0, len(words))
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) < 2 || l.stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// Markers reports which marker lists the words hit. Matching is exact or by stem.
type Markers struct {
	Critical   bool
	Production bool
	Failure    bool
	High       bool
	Low        bool
	Economy    bool
	Premium    bool
	Multistep  int
}

// Markers scans words for urgency, effort and complexity markers.
func (l *Lexicon) Markers(words []string) Markers {
	var m Markers
	for _, w := range words {
		m.Critical = m.Critical || l.critical.Has(w)
		m.Production = m.Production || l.production.Has(w)
		m.Failure = m.Failure || l.failure.Has(w)
		m.High = m.High || l.high.Has(w)
		m.Low = m.Low || l.low.Has(w)
		m.Economy = m.Economy || l.economy.Has(w)
		m.Premium = m.Premium || l.premium.Has(w)
		if l.multistep.Has(w) {
			m.Multistep++
		}
	}
	return m
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[Normalize(item)] = true
	}
	return set
}
