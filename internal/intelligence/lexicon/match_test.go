// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lexicon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/kilorouter/internal/types"
)

func TestStem(t *testing.T) {
	pairs := map[string]string{
		"debugging":     "debug",
		"debugger":      "debug",
		"crashes":       "crash",
		"fixed":         "fix",
		"tests":         "test",
		"refactoring":   "refactor",
		"deployment":    "deploy",
		"optimization":  "optimiz",
		"optimize":      "optimiz",
		"documentation": "docu",
		"document":      "docu",
		"fix":           "fix",
	}
	for in, want := range pairs {
		assert.Equal(t, want, Stem(in), in)
	}
}

func TestTermSet_MatchTiers(t *testing.T) {
	ts := NewTermSet([]string{"debug", "crash", "troubleshoot"}, []string{"glitch"})

	assert.Equal(t, TierExact, ts.Match("debug"))
	assert.Equal(t, TierStem, ts.Match("debugging"))
	assert.Equal(t, TierSynonym, ts.Match("glitches"))
	assert.Equal(t, TierPartial, ts.Match("trouble"))
	assert.Equal(t, TierNone, ts.Match("deploy"))
	assert.Equal(t, TierNone, ts.Match("cr"))
}

func TestTermSet_ScoreAveragesOverWords(t *testing.T) {
	ts := NewTermSet([]string{"fix", "crash"}, nil)

	assert.InDelta(t, 0.5, ts.Score([]string{"fix", "production", "login", "crash"}), 1e-9)
	assert.Equal(t, 0.0, ts.Score(nil))
	assert.True(t, ts.Overlaps([]string{"login", "crashing"}))
	assert.False(t, ts.Overlaps([]string{"login"}))
}

func TestWordsAndNormalize(t *testing.T) {
	assert.Equal(t, []string{"dont", "refactor", "the", "end-to-end", "suite"}, Words("Don't refactor THE end-to-end suite!"))
	assert.Equal(t, "help me fix", Normalize("  Help me, FIX "))
}

func TestDefaultLexicon(t *testing.T) {
	lex := Default()

	require.NotEmpty(t, lex.Intents)
	debug, ok := lex.Intent(types.IntentDebug)
	require.True(t, ok)
	assert.True(t, debug.Terms.Has("crash"))
	assert.True(t, lex.IsStopword("the"))
	assert.True(t, lex.IsNegator("dont"))
	assert.True(t, lex.IsSecurityDomain("security"))

	m := lex.Markers(Words("production login crash, then migrate the whole schema"))
	assert.True(t, m.Production)
	assert.True(t, m.Failure)
	assert.Equal(t, 3, m.Multistep)
}

func TestCompile_RejectsDuplicates(t *testing.T) {
	_, err := Compile(Table{Intents: []IntentEntry{{Type: types.IntentDebug}, {Type: types.IntentDebug}}})
	assert.Error(t, err)

	_, err = Parse([]byte("intents: []"))
	assert.Error(t, err)
}
