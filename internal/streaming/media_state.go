package streaming

import (
	"time"

	"github.com/streva/streva/internal/media"
	"github.com/streva/streva/internal/mp4"
)

// Phase is the lifecycle state of one media state. Exactly one phase holds at
// a time, which makes the old performingUpdate/clearingBuffer flag pair
// structurally exclusive.
type Phase int

const (
	// PhaseIdle means no work is in progress; a tick may fire.
	PhaseIdle Phase = iota
	// PhaseUpdating means a tick is deciding what to do next.
	PhaseUpdating
	// PhaseFetching means segment bytes are on the wire.
	PhaseFetching
	// PhaseAppending means fetched bytes are being handed to the buffer.
	PhaseAppending
	// PhaseClearing means a queued buffer clear is executing.
	PhaseClearing
	// PhaseErrored means a fatal error suppressed scheduling; only Retry
	// leaves this phase.
	PhaseErrored
	// PhaseEnded means this type reached the presentation duration.
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseUpdating:
		return "updating"
	case PhaseFetching:
		return "fetching"
	case PhaseAppending:
		return "appending"
	case PhaseClearing:
		return "clearing"
	case PhaseErrored:
		return "errored"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// clearRequest is a queued buffer clear. A zero safeMargin clears the whole
// buffer; a positive one keeps [playhead, playhead+safeMargin) so an
// already-smooth switch does not cause a visible gap.
type clearRequest struct {
	safeMargin float64
}

// MediaState is the per-content-type bookkeeping driving one fetch/append/
// evict loop. All fields are guarded by the engine mutex; blocking work
// snapshots what it needs and re-validates generation afterwards.
type MediaState struct {
	Type media.ContentType

	stream  *media.Stream
	it      *media.Iterator
	nextRef *media.SegmentReference // located but not yet appended

	lastAppended *media.SegmentReference
	lastInit     *media.InitSegmentReference
	initInfo     *mp4.InitInfo // track metadata from the last MP4 init, nil until parsed

	propsSet            bool
	lastTimestampOffset float64
	lastWindowStart     float64
	lastWindowEnd       float64

	phase        Phase
	pendingClear *clearRequest
	err          error

	op    PendingFetch
	timer *time.Timer

	// generation increments on every switch, seek, and clear. Blocking
	// operations capture it before suspending and abandon their results
	// when it moved.
	generation uint64
}

// quotaLadder is the buffering-goal scale schedule applied on quota errors.
// Once exhausted, the next quota error is fatal.
var quotaLadder = []float64{0.8, 0.6, 0.4, 0.2, 0.16, 0.12, 0.08, 0.04}
