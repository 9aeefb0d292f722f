// Package tokens estimates token counts for budget charges and prefetch
// payload sizing.
package tokens

import (
	"sync"
	"unicode"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Estimation methods.
const (
	MethodSimple   = "simple"
	MethodTiktoken = "tiktoken"
)

// Estimator counts tokens with the cl100k_base encoding, or with a words
// times 1.3 approximation when the encoding is unavailable.
type Estimator struct {
	method string
	codec  tokenizer.Codec
}

// NewEstimator creates an estimator. Unknown methods fall back to simple, and
// so does tiktoken when its vocabulary cannot be loaded.
func NewEstimator(method string) *Estimator {
	if method != MethodTiktoken {
		return &Estimator{method: MethodSimple}
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warnf("tiktoken encoding unavailable, estimating tokens from word count: %v", err)
		return &Estimator{method: MethodSimple}
	}
	return &Estimator{method: MethodTiktoken, codec: codec}
}

// Method returns the estimation method in use.
func (e *Estimator) Method() string { return e.method }

// Count returns the estimated token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e.codec != nil {
		ids, _, err := e.codec.Encode(text)
		if err == nil {
			return len(ids)
		}
		log.Debugf("tiktoken encode failed, using word estimate: %v", err)
	}
	return simpleEstimate(text)
}

// CountBytes is Count for raw payloads.
func (e *Estimator) CountBytes(payload []byte) int {
	return e.Count(string(payload))
}

func simpleEstimate(text string) int {
	words := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
		} else if !inWord {
			words++
			inWord = true
		}
	}
	return int(float64(words) * 1.3)
}

var (
	defaultEstimator *Estimator
	once             sync.Once
)

// Default returns a shared tiktoken estimator.
func Default() *Estimator {
	once.Do(func() {
		defaultEstimator = NewEstimator(MethodTiktoken)
	})
	return defaultEstimator
}
