// Package learning holds the bounded update rules used by the feedback loop.
// Every learned weight in the router and predictor moves through these
// functions so that a single outcome can never shift a weight by more than
// MaxDelta.
package learning

import (
	"math"
	"time"

	"github.com/traylinx/kilorouter/internal/types"
)

const (
	// Alpha is the default smoothing factor of the moving averages.
	Alpha = 0.1
	// MaxDelta bounds the change one outcome can cause to any learned value.
	MaxDelta = 0.05
)

// BoundedEMA moves current toward target by an exponential moving average
// step, clamping the step to ±maxDelta.
func BoundedEMA(current, target, alpha, maxDelta float64) float64 {
	next := (1-alpha)*current + alpha*target
	delta := next - current
	if maxDelta > 0 {
		if delta > maxDelta {
			delta = maxDelta
		}
		if delta < -maxDelta {
			delta = -maxDelta
		}
	}
	return current + delta
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Signal converts an outcome into an EMA target.
func Signal(success bool) float64 {
	if success {
		return 1.0
	}
	return 0.0
}

// UpdateEffectiveness folds one execution outcome into a handler's rolling metrics.
//
// Parameters:
//   - current: The metrics before the outcome
//   - success: Whether the handler succeeded
//   - iterations: Iterations the handler needed (0 when unknown)
//   - estimated: The handler's typical token estimate
//   - used: Tokens actually consumed
//   - at: When the outcome was observed
//
// Returns:
//   - types.Effectiveness: The updated metrics, each moved by at most MaxDelta
func UpdateEffectiveness(current types.Effectiveness, success bool, iterations int, estimated, used int64, at time.Time) types.Effectiveness {
	next := current
	if current.Uses == 0 {
		// Neutral prior for handlers without history.
		next.SuccessRate = 0.5
		next.TokenEfficiency = 0.5
		next.AvgIterations = 1
	}

	next.SuccessRate = Clamp(BoundedEMA(next.SuccessRate, Signal(success), Alpha, MaxDelta), 0, 1)

	if iterations > 0 {
		// Iteration counts are not probabilities; smooth without the delta bound
		// but keep the same smoothing factor.
		next.AvgIterations = (1-Alpha)*next.AvgIterations + Alpha*float64(iterations)
	}

	if estimated > 0 && used > 0 {
		efficiency := Clamp(float64(estimated)/float64(used), 0, 1)
		next.TokenEfficiency = Clamp(BoundedEMA(next.TokenEfficiency, efficiency, Alpha, MaxDelta), 0, 1)
	}

	next.Uses++
	if !success {
		next.LastFailureAt = at
	}
	return next
}

// UpdateBoosterWeight moves a trigger rule's weight after an outcome of a
// handler the rule fired on. Boosts that preceded a success and penalties that
// preceded a failure are reinforced; the others are weakened. Weights stay in
// [0.5, 1.5].
func UpdateBoosterWeight(weight, adjustment float64, success bool) float64 {
	target := 0.5
	if (adjustment > 0) == success {
		target = 1.5
	}
	return Clamp(BoundedEMA(weight, target, Alpha, MaxDelta), 0.5, 1.5)
}

// PreferenceConfidence scores how far a success record can be trusted. The
// success rate (blended 70/30 with avgQuality when quality is tracked) is
// scaled by log(n+1)/log(101), so confidence only approaches the raw rate
// after about 100 samples.
func PreferenceConfidence(successes, total int, avgQuality float64) float64 {
	if total <= 0 {
		return 0
	}
	base := float64(successes) / float64(total)
	if avgQuality > 0 {
		base = base*0.7 + avgQuality*0.3
	}
	scale := 1.0
	if total < 100 {
		scale = math.Log(float64(total)+1) / math.Log(101)
	}
	return Clamp(base*scale, 0, 1)
}
