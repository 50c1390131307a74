package media

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresentationTimeline_StaticSeekRange(t *testing.T) {
	tl := NewPresentationTimeline(0, 0, true)
	tl.SetDuration(50)
	tl.NotifySegments(makeRefs(t, 0, 5))

	assert.False(t, tl.IsLive())
	assert.Equal(t, 0.0, tl.SeekRangeStart())
	assert.Equal(t, 50.0, tl.SeekRangeEnd())
	assert.Equal(t, 10.0, tl.MaxSegmentDuration())
}

func TestPresentationTimeline_SeekRangeEndClampedToObservedSegments(t *testing.T) {
	tl := NewPresentationTimeline(0, 0, true)
	tl.SetDuration(100)
	tl.NotifySegments(makeRefs(t, 0, 3))

	// Declared duration exceeds what segments cover; the seek range must not.
	assert.Equal(t, 30.0, tl.SeekRangeEnd())
}

func TestPresentationTimeline_LiveEdge(t *testing.T) {
	start := 1000.0
	tl := NewPresentationTimeline(start, 2, false)
	tl.NotifyMaxSegmentDuration(6)
	tl.now = func() time.Time { return time.Unix(1100, 0) }
	tl.NotifySegments(makeRefs(t, 0, 10)) // segments cover [0,100)

	assert.True(t, tl.IsLive())
	// edge = (1100-1000) - maxSegDur(10 from segments) - delay(2) = 88.
	assert.InDelta(t, 88.0, tl.SeekRangeEnd(), 1e-9)

	tl.SetSegmentAvailabilityDuration(30)
	assert.InDelta(t, 60.0, tl.SeekRangeStart(), 1e-9) // end(no delay)=90 - 30
}

func TestPresentationTimeline_LockStartTime(t *testing.T) {
	tl := NewPresentationTimeline(1000, 0, false)
	tl.SetPresentationStart(900)
	tl.LockStartTime()
	tl.SetPresentationStart(500) // ignored once locked
	tl.now = func() time.Time { return time.Unix(1000, 0) }
	tl.NotifyMaxSegmentDuration(0)

	// Edge computed against the locked start of 900, not 500.
	require.InDelta(t, 100.0-tl.MaxSegmentDuration(), tl.SeekRangeEnd(), 1e-9)
}

func TestPresentationTimeline_ClockOffset(t *testing.T) {
	tl := NewPresentationTimeline(0, 0, false)
	tl.now = func() time.Time { return time.Unix(50, 0) }
	tl.SetClockOffset(10 * time.Second)

	before := tl.SeekRangeEnd()
	tl.SetClockOffset(20 * time.Second)
	assert.InDelta(t, before+10, tl.SeekRangeEnd(), 1e-9)
}

func TestPresentationTimeline_InProgress(t *testing.T) {
	tl := NewPresentationTimeline(0, 0, false)
	assert.True(t, tl.IsLive())
	assert.False(t, tl.IsInProgress())

	tl.SetDuration(3600)
	assert.False(t, tl.IsLive())
	assert.True(t, tl.IsInProgress())

	tl.SetStatic(true)
	assert.False(t, tl.IsInProgress())
}

func TestPresentationTimeline_NotifySegmentsTracksBounds(t *testing.T) {
	tl := NewPresentationTimeline(0, 0, true)
	tl.NotifySegments(makeRefs(t, 20, 2))
	tl.SetDuration(math.Inf(1))

	// Static with segments: start clamps to the first observed segment.
	assert.Equal(t, 20.0, tl.SeekRangeStart())
	assert.Equal(t, 40.0, tl.SeekRangeEnd())
}
