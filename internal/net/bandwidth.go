package net

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultBandwidthEstimate seeds the estimator before any samples.
	DefaultBandwidthEstimate = 1_000_000 // bits/s

	// minSampleBytes filters out transfers too small to measure throughput.
	minSampleBytes = 16 * 1024

	// minSampleDuration filters out transfers served entirely from a local
	// cache or socket buffer.
	minSampleDuration = 50 * time.Millisecond

	fastHalfLife = 2.0 // seconds
	slowHalfLife = 5.0
)

// ewma is an exponentially weighted moving average over weighted samples.
type ewma struct {
	halfLife    float64
	estimate    float64
	totalWeight float64
}

func (e *ewma) sample(weight, value float64) {
	adj := math.Pow(0.5, weight/e.halfLife)
	e.estimate = adj*e.estimate + (1-adj)*value
	e.totalWeight += weight
}

// get returns the zero-bias-corrected estimate.
func (e *ewma) get() float64 {
	if e.totalWeight == 0 {
		return 0
	}
	zeroFactor := 1 - math.Pow(0.5, e.totalWeight/e.halfLife)
	return e.estimate / zeroFactor
}

// BandwidthEstimator tracks throughput from completed segment transfers. It
// keeps a fast and a slow moving average and reports the more pessimistic of
// the two, so a sudden drop is reacted to quickly while a spike is not
// trusted immediately.
type BandwidthEstimator struct {
	mu           sync.Mutex
	fast         ewma
	slow         ewma
	defaultV     float64
	sampledBytes int64
}

// NewBandwidthEstimator seeds an estimator with defaultEstimate bits/s.
func NewBandwidthEstimator(defaultEstimate float64) *BandwidthEstimator {
	return &BandwidthEstimator{
		fast:     ewma{halfLife: fastHalfLife},
		slow:     ewma{halfLife: slowHalfLife},
		defaultV: defaultEstimate,
	}
}

// Sample records a transfer of byteCount bytes taking duration (excluding
// time to first byte). Tiny or instantaneous transfers are ignored.
func (b *BandwidthEstimator) Sample(duration time.Duration, byteCount int64) {
	if byteCount < minSampleBytes || duration < minSampleDuration {
		return
	}
	bps := float64(byteCount*8) / duration.Seconds()
	weight := duration.Seconds()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.fast.sample(weight, bps)
	b.slow.sample(weight, bps)
	b.sampledBytes += byteCount
}

// Estimate returns the current bandwidth estimate in bits/s, falling back to
// the configured default until enough data has been observed.
func (b *BandwidthEstimator) Estimate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sampledBytes < 2*minSampleBytes {
		return b.defaultV
	}
	return math.Min(b.fast.get(), b.slow.get())
}

// HasGoodEstimate reports whether real samples back the estimate.
func (b *BandwidthEstimator) HasGoodEstimate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sampledBytes >= 2*minSampleBytes
}
