// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package intent classifies raw task text into a structured intent.
package intent

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/traylinx/kilorouter/internal/intelligence/lexicon"
	"github.com/traylinx/kilorouter/internal/types"

	log "github.com/sirupsen/logrus"
)

// Config holds the classifier thresholds and adjustment sizes.
type Config struct {
	AmbiguityMargin         float64
	AmbiguityMaxPenalty     float64
	DisambiguationThreshold float64
	ClarificationThreshold  float64
	MaxClarifications       int
	MaxInputLength          int
	SessionAlignmentBoost   float64
	SessionRecencyBoost     float64
	ExplicitIntentBoost     float64
	ContradictionPenalty    float64
	ContinuityBoost         float64
	ProjectDomainBoost      float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		AmbiguityMargin:         0.15,
		AmbiguityMaxPenalty:     0.20,
		DisambiguationThreshold: 0.6,
		ClarificationThreshold:  0.4,
		MaxClarifications:       3,
		MaxInputLength:          4000,
		SessionAlignmentBoost:   0.10,
		SessionRecencyBoost:     0.15,
		ExplicitIntentBoost:     0.25,
		ContradictionPenalty:    0.20,
		ContinuityBoost:         0.10,
		ProjectDomainBoost:      0.10,
	}
}

// Classifier maps task text and session hints to an IntentClassification.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	lex *lexicon.Lexicon
	cfg Config
}

// NewClassifier creates a classifier over lex. A nil lexicon uses the embedded default.
func NewClassifier(lex *lexicon.Lexicon, cfg Config) *Classifier {
	if lex == nil {
		lex = lexicon.Default()
	}
	return &Classifier{lex: lex, cfg: cfg}
}

// Lexicon returns the lexicon the classifier scores against.
func (c *Classifier) Lexicon() *lexicon.Lexicon { return c.lex }

type scored struct {
	intent types.IntentType
	order  int
	score  float64
}

// Classify produces the intent of text.
//
// Parameters:
//   - text: The raw task description
//   - session: Snapshot of the session the task belongs to
//   - profile: Optional project profile used for domain disambiguation
//
// Returns:
//   - *types.IntentClassification: The classification, never below the clarification threshold
//   - error: *types.InputError for malformed text, *types.AmbiguousIntentError when clarification is needed
func (c *Classifier) Classify(text string, session types.SessionState, profile *types.ProjectProfile) (*types.IntentClassification, error) {
	if err := c.validate(text); err != nil {
		return nil, err
	}

	words := lexicon.Words(text)
	keywords := c.lex.Keywords(words)
	normalized := " " + strings.Join(words, " ") + " "

	scores, bearing := c.baseScores(keywords)
	var notes []string
	for i := range scores {
		s := &scores[i]
		if adj, note := c.sessionAlignment(s.intent, session); adj > 0 {
			s.score += adj
			notes = append(notes, note)
		}
		if c.explicitlyStated(s.intent, normalized) {
			s.score += c.cfg.ExplicitIntentBoost
			notes = append(notes, fmt.Sprintf("explicit:%s", s.intent))
		}
		if c.contradicted(s.intent, words) {
			s.score -= c.cfg.ContradictionPenalty
			notes = append(notes, fmt.Sprintf("contradiction:%s", s.intent))
		}
		s.score = clamp01(s.score)
	}

	domain := c.detectDomain(keywords)
	confidence, ranked := c.resolve(scores)

	if confidence < c.cfg.DisambiguationThreshold {
		if session.ActiveIntent != types.IntentUnknown {
			for i := range scores {
				if scores[i].intent == session.ActiveIntent {
					scores[i].score = clamp01(scores[i].score + c.cfg.ContinuityBoost)
					notes = append(notes, fmt.Sprintf("continuity:%s", scores[i].intent))
				}
			}
		}
		confidence, ranked = c.resolve(scores)
		if profile != nil && profile.Domain != "" && strings.EqualFold(profile.Domain, domain) && ranked[0].score > 0 {
			confidence = clamp01(confidence + c.cfg.ProjectDomainBoost)
			notes = append(notes, "project-domain:"+domain)
		}
	}

	if confidence < c.cfg.ClarificationThreshold || ranked[0].score == 0 {
		return nil, c.clarification(ranked, session)
	}

	markers := c.lex.Markers(words)
	entities := extractEntities(text)

	result := &types.IntentClassification{
		Primary:           ranked[0].intent,
		Confidence:        round4(confidence),
		Domain:            domain,
		Urgency:           c.urgency(markers),
		Keywords:          sortedCopy(keywords),
		Entities:          entities,
		Complexity:        complexity(markers, len(words), entities),
		EffortHint:        effort(markers),
		SecuritySensitive: c.securitySensitive(domain, keywords),
		Adjustments:       notes,
	}
	if len(ranked) > 1 && ranked[1].score > 0 {
		result.Secondary = ranked[1].intent
	}
	for _, s := range ranked {
		if s.score > 0 {
			result.Scores = append(result.Scores, types.IntentCandidate{Intent: s.intent, Score: round4(s.score)})
		}
	}

	log.Debugf("classified %d keywords (%d intent-bearing) as %s/%s confidence=%.2f urgency=%s",
		len(keywords), bearing, result.Primary, result.Domain, result.Confidence, result.Urgency)
	return result, nil
}

func (c *Classifier) validate(text string) error {
	if !utf8.ValidString(text) {
		return &types.InputError{Reason: "text is not valid UTF-8"}
	}
	if strings.TrimSpace(text) == "" {
		return &types.InputError{Reason: "text is empty"}
	}
	if c.cfg.MaxInputLength > 0 && utf8.RuneCountInString(text) > c.cfg.MaxInputLength {
		return &types.InputError{Reason: fmt.Sprintf("text exceeds %d characters", c.cfg.MaxInputLength)}
	}
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return &types.InputError{Reason: fmt.Sprintf("text contains control character %U", r)}
		}
	}
	if len(lexicon.Words(text)) == 0 {
		return &types.InputError{Reason: "text has no words"}
	}
	return nil
}

// baseScores averages tier matches over the intent-bearing keywords: those
// reaching some tier against at least one intent.
func (c *Classifier) baseScores(keywords []string) ([]scored, int) {
	tiers := make([][]float64, len(c.lex.Intents))
	var bearing []int
	for k, kw := range keywords {
		hit := false
		for i, in := range c.lex.Intents {
			if tiers[i] == nil {
				tiers[i] = make([]float64, len(keywords))
			}
			t := in.Terms.Match(kw)
			tiers[i][k] = t
			hit = hit || t > 0
		}
		if hit {
			bearing = append(bearing, k)
		}
	}

	scores := make([]scored, len(c.lex.Intents))
	for i, in := range c.lex.Intents {
		scores[i] = scored{intent: in.Type, order: i}
		if len(bearing) == 0 {
			continue
		}
		var sum float64
		for _, k := range bearing {
			sum += tiers[i][k]
		}
		scores[i].score = sum / float64(len(bearing))
	}
	return scores, len(bearing)
}

func (c *Classifier) sessionAlignment(intent types.IntentType, session types.SessionState) (float64, string) {
	n := len(session.RecentIntents)
	if n == 0 {
		return 0, ""
	}
	if session.RecentIntents[n-1] == intent {
		return c.cfg.SessionRecencyBoost, fmt.Sprintf("session-recent:%s", intent)
	}
	for _, past := range session.RecentIntents {
		if past == intent {
			return c.cfg.SessionAlignmentBoost, fmt.Sprintf("session-history:%s", intent)
		}
	}
	return 0, ""
}

func (c *Classifier) explicitlyStated(intent types.IntentType, normalized string) bool {
	entry, ok := c.lex.Intent(intent)
	if !ok {
		return false
	}
	for _, p := range entry.Phrases {
		if p != "" && strings.Contains(normalized, " "+p+" ") {
			return true
		}
	}
	return false
}

// contradicted reports a negator directly before (or one word before) an
// exact or stem keyword of intent, as in "don't refactor" or "without any tests".
func (c *Classifier) contradicted(intent types.IntentType, words []string) bool {
	entry, ok := c.lex.Intent(intent)
	if !ok {
		return false
	}
	for i, w := range words {
		if !c.lex.IsNegator(w) {
			continue
		}
		for j := i + 1; j <= i+2 && j < len(words); j++ {
			if entry.Terms.Has(words[j]) {
				return true
			}
		}
	}
	return false
}

// resolve ranks scores and applies the ambiguity penalty to the leader.
func (c *Classifier) resolve(scores []scored) (float64, []scored) {
	ranked := make([]scored, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].order < ranked[j].order
	})

	top := ranked[0].score
	if len(ranked) < 2 || top == 0 {
		return top, ranked
	}
	gap := top - ranked[1].score
	if gap >= c.cfg.AmbiguityMargin || c.cfg.AmbiguityMargin <= 0 {
		return top, ranked
	}
	penalty := c.cfg.AmbiguityMaxPenalty * (c.cfg.AmbiguityMargin - gap) / c.cfg.AmbiguityMargin
	return clamp01(top - penalty), ranked
}

func (c *Classifier) clarification(ranked []scored, session types.SessionState) error {
	attempt := session.ClarificationAttempts + 1
	err := &types.AmbiguousIntentError{
		Stage:     "classify",
		Attempt:   attempt,
		Escalated: c.cfg.MaxClarifications > 0 && attempt >= c.cfg.MaxClarifications,
	}
	var names []string
	for _, s := range ranked {
		if s.score <= 0 || len(err.Intents) == 3 {
			break
		}
		err.Intents = append(err.Intents, types.IntentCandidate{Intent: s.intent, Score: round4(s.score)})
		names = append(names, string(s.intent))
	}
	if len(names) == 0 {
		err.Question = "What would you like to do with this task?"
	} else {
		err.Question = fmt.Sprintf("Do you want to %s?", strings.Join(names, " or "))
	}
	log.Infof("clarification requested (attempt %d, escalated=%t)", attempt, err.Escalated)
	return err
}

func (c *Classifier) detectDomain(keywords []string) string {
	best, bestHits := "general", 0
	for _, d := range c.lex.Domains {
		hits := 0
		for _, kw := range keywords {
			if d.Terms.Has(kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = d.Name, hits
		}
	}
	return best
}

func (c *Classifier) securitySensitive(domain string, keywords []string) bool {
	if c.lex.IsSecurityDomain(domain) {
		return true
	}
	for _, d := range c.lex.Domains {
		if !c.lex.IsSecurityDomain(d.Name) {
			continue
		}
		for _, kw := range keywords {
			if d.Terms.Has(kw) {
				return true
			}
		}
	}
	return false
}

func (c *Classifier) urgency(m lexicon.Markers) types.Urgency {
	switch {
	case m.Critical || (m.Production && m.Failure):
		return types.UrgencyCritical
	case m.High || m.Failure:
		return types.UrgencyHigh
	case m.Low:
		return types.UrgencyLow
	default:
		return types.UrgencyMedium
	}
}

func complexity(m lexicon.Markers, words int, entities map[string][]string) types.Complexity {
	signals := m.Multistep
	if words > 25 {
		signals++
	}
	if words > 50 {
		signals++
	}
	total := 0
	for _, v := range entities {
		total += len(v)
	}
	if total >= 3 {
		signals++
	}
	switch {
	case signals >= 2:
		return types.ComplexityHigh
	case signals == 0 && words <= 8:
		return types.ComplexityLow
	default:
		return types.ComplexityMedium
	}
}

func effort(m lexicon.Markers) types.Mode {
	switch {
	case m.Premium:
		return types.ModePremium
	case m.Economy:
		return types.ModeEconomy
	default:
		return ""
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
