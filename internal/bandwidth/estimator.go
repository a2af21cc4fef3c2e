// Package bandwidth estimates network throughput: an
// exponential-weighted throughput estimate from completed transfers, with a
// fast (2s half-life) and a slow (10s half-life) average.
//
// The fast average reacts to sudden drops; the slow one suppresses noise
// at steady state.
package bandwidth

import "math"

const (
	fastHalfLifeSeconds = 2.0
	slowHalfLifeSeconds = 10.0

	// minSlowSamples is N in "estimate = max(fast, slow) when slow has >= N
	// samples else fast".
	minSlowSamples = 2

	minSampleDurationMs = 50
)

// ewma is an exponentially-weighted moving average with a fixed half-life,
// updated per elapsed wall-clock time rather than per fixed tick, matching
// how segment download durations arrive irregularly.
type ewma struct {
	halfLifeSeconds float64
	estimate        float64
	totalWeight     float64
}

func newEWMA(halfLife float64) *ewma {
	return &ewma{halfLifeSeconds: halfLife}
}

// sample folds in one throughput observation (bits/sec) over durationSeconds
// of wall-clock time, using an alpha derived from the half-life so that a
// sample spanning the full half-life carries 50% weight.
func (e *ewma) sample(value, durationSeconds float64) {
	alpha := math.Pow(0.5, durationSeconds/e.halfLifeSeconds)
	e.estimate = value*(1-alpha) + e.estimate*alpha
	e.totalWeight = (1 - alpha) + e.totalWeight*alpha
}

func (e *ewma) getEstimate() float64 {
	if e.totalWeight <= 0 {
		return 0
	}
	return e.estimate / e.totalWeight
}

// Estimator tracks throughput across completed segment transfers.
type Estimator struct {
	fast        *ewma
	slow        *ewma
	sampleCount int
	defaultBps  float64
}

// New creates an Estimator. defaultBandwidthBps seeds GetEstimate before any
// samples arrive.
func New(defaultBandwidthBps float64) *Estimator {
	return &Estimator{
		fast:       newEWMA(fastHalfLifeSeconds),
		slow:       newEWMA(slowHalfLifeSeconds),
		defaultBps: defaultBandwidthBps,
	}
}

// Sample folds in one completed transfer. Samples with durationMs < 50 are
// ignored as too noisy to be informative.
func (e *Estimator) Sample(bytes int64, durationMs float64) {
	if durationMs < minSampleDurationMs {
		return
	}
	durationSeconds := durationMs / 1000
	bitsPerSecond := float64(bytes) * 8 / durationSeconds
	e.fast.sample(bitsPerSecond, durationSeconds)
	e.slow.sample(bitsPerSecond, durationSeconds)
	e.sampleCount++
}

// GetEstimate returns the current bandwidth estimate in bits/sec.
// estimate = max(fast, slow) once slow has >= N samples, else fast.
func (e *Estimator) GetEstimate() float64 {
	if e.sampleCount == 0 {
		return e.defaultBps
	}
	fast := e.fast.getEstimate()
	if e.sampleCount < minSlowSamples {
		return fast
	}
	slow := e.slow.getEstimate()
	return math.Max(fast, slow)
}

// SampleCount reports how many samples have been folded in.
func (e *Estimator) SampleCount() int { return e.sampleCount }

// Reset clears all accumulated state.
func (e *Estimator) Reset() {
	e.fast = newEWMA(fastHalfLifeSeconds)
	e.slow = newEWMA(slowHalfLifeSeconds)
	e.sampleCount = 0
}
