package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEstimatorMethods(t *testing.T) {
	assert.Equal(t, MethodSimple, NewEstimator("simple").Method())
	assert.Equal(t, MethodSimple, NewEstimator("bogus").Method())

	m := NewEstimator(MethodTiktoken).Method()
	assert.Contains(t, []string{MethodSimple, MethodTiktoken}, m)
}

func TestSimpleEstimate(t *testing.T) {
	e := NewEstimator(MethodSimple)
	assert.Zero(t, e.Count(""))
	assert.Zero(t, e.Count("   \n\t"))
	assert.Equal(t, 1, e.Count("hello"))
	// 10 words * 1.3
	assert.Equal(t, 13, e.Count("fix the production login crash before the release goes out"))
	assert.Equal(t, e.Count("a b"), e.CountBytes([]byte("a b")))
}

func TestTiktokenCount(t *testing.T) {
	e := NewEstimator(MethodTiktoken)
	if e.Method() != MethodTiktoken {
		t.Skip("cl100k_base vocabulary unavailable")
	}
	assert.Equal(t, 10, e.Count("The quick brown fox jumps over the lazy dog."))
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
