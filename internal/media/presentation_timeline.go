package media

import (
	"math"
	"sync"
	"time"
)

// PresentationTimeline tracks the availability window of a presentation: how
// far playback may seek, where the live edge is, and how segment observations
// move both. One timeline exists per manifest and is consulted by the
// streaming engine and the playhead.
type PresentationTimeline struct {
	mu sync.RWMutex

	duration            float64 // seconds; +Inf until known
	presentationStart   float64 // unix seconds; live only
	startLocked         bool
	segmentAvailability float64 // seconds; +Inf for static
	static              bool
	clockOffset         time.Duration

	maxSegmentDuration  float64
	minSegmentStartTime float64
	maxSegmentEndTime   float64
	sawSegments         bool

	delay float64 // presentation delay applied to the live edge

	now func() time.Time
}

// NewPresentationTimeline builds a timeline. presentationStart is the
// presentation's epoch in unix seconds (live), delay the configured
// presentation delay.
func NewPresentationTimeline(presentationStart, delay float64, static bool) *PresentationTimeline {
	return &PresentationTimeline{
		duration:            math.Inf(1),
		presentationStart:   presentationStart,
		segmentAvailability: math.Inf(1),
		static:              static,
		maxSegmentDuration:  1,
		delay:               delay,
		now:                 time.Now,
	}
}

// Duration returns the presentation duration in seconds (+Inf while
// unknown/live).
func (t *PresentationTimeline) Duration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.duration
}

// SetDuration sets the presentation duration in seconds.
func (t *PresentationTimeline) SetDuration(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.duration = d
}

// IsLive reports whether the presentation is dynamic.
func (t *PresentationTimeline) IsLive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.static && math.IsInf(t.duration, 1)
}

// IsInProgress reports a dynamic presentation with a known end (event-style).
func (t *PresentationTimeline) IsInProgress() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.static && !math.IsInf(t.duration, 1)
}

// SetStatic marks the presentation static (e.g. live stream ended).
func (t *PresentationTimeline) SetStatic(static bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.static = static
}

// SetClockOffset records the client/server clock skew.
func (t *PresentationTimeline) SetClockOffset(offset time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clockOffset = offset
}

// SetSegmentAvailabilityDuration sets the rolling availability window length
// in seconds.
func (t *PresentationTimeline) SetSegmentAvailabilityDuration(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segmentAvailability = d
}

// SegmentAvailabilityDuration returns the rolling window length in seconds.
func (t *PresentationTimeline) SegmentAvailabilityDuration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.segmentAvailability
}

// LockStartTime freezes presentationStart. Once playback consumes the
// availability window the start must not move backward, or the window would
// jump under the playhead.
func (t *PresentationTimeline) LockStartTime() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked = true
}

// SetPresentationStart moves the presentation epoch; ignored once locked.
func (t *PresentationTimeline) SetPresentationStart(unixSeconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startLocked {
		return
	}
	t.presentationStart = unixSeconds
}

// MaxSegmentDuration returns the longest observed segment duration, used by
// the streaming engine's pacing bound.
func (t *PresentationTimeline) MaxSegmentDuration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxSegmentDuration
}

// NotifySegments folds a batch of stitched references into the timeline's
// observed bounds. Called whenever a segment index is (re)populated.
func (t *PresentationTimeline) NotifySegments(refs []*SegmentReference) {
	if len(refs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range refs {
		if d := r.EndTime() - r.StartTime(); d > t.maxSegmentDuration {
			t.maxSegmentDuration = d
		}
		if !t.sawSegments || r.StartTime() < t.minSegmentStartTime {
			t.minSegmentStartTime = r.StartTime()
		}
		if !t.sawSegments || r.EndTime() > t.maxSegmentEndTime {
			t.maxSegmentEndTime = r.EndTime()
		}
		t.sawSegments = true
	}
}

// NotifyMaxSegmentDuration raises the observed max segment duration.
func (t *PresentationTimeline) NotifyMaxSegmentDuration(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > t.maxSegmentDuration {
		t.maxSegmentDuration = d
	}
}

// liveEdge returns the current presentation time of the live edge, before
// delay, in presentation seconds.
func (t *PresentationTimeline) liveEdge() float64 {
	now := float64(t.now().Add(t.clockOffset).UnixMilli()) / 1000
	return now - t.presentationStart
}

// SeekRangeStart returns the earliest seekable presentation time.
func (t *PresentationTimeline) SeekRangeStart() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.static || math.IsInf(t.segmentAvailability, 1) {
		if t.sawSegments && t.minSegmentStartTime > 0 {
			return t.minSegmentStartTime
		}
		return 0
	}
	start := t.seekRangeEndLocked(0) - t.segmentAvailability
	return math.Max(start, 0)
}

// SeekRangeEnd returns the latest seekable presentation time, honoring the
// configured presentation delay for live content.
func (t *PresentationTimeline) SeekRangeEnd() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seekRangeEndLocked(t.delay)
}

func (t *PresentationTimeline) seekRangeEndLocked(delay float64) float64 {
	if t.static || !math.IsInf(t.duration, 1) {
		d := t.duration
		if t.sawSegments && t.maxSegmentEndTime < d {
			d = t.maxSegmentEndTime
		}
		return d
	}
	edge := t.liveEdge() - t.maxSegmentDuration - delay
	if t.sawSegments && t.maxSegmentEndTime < edge {
		edge = t.maxSegmentEndTime
	}
	return math.Max(edge, 0)
}

// AvailabilityStart returns the earliest time whose segments are still
// fetchable; segment indexes evict behind it.
func (t *PresentationTimeline) AvailabilityStart() float64 {
	return t.SeekRangeStart()
}
