package media

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// ReferenceStatus describes whether a segment can currently be fetched.
type ReferenceStatus int

const (
	// StatusAvailable segments may be fetched and appended.
	StatusAvailable ReferenceStatus = iota
	// StatusUnavailable segments exist in the index but must not be fetched
	// right now (e.g. announced early by a low-latency manifest).
	StatusUnavailable
	// StatusMissing segments returned a not-found from the origin; the
	// streaming engine backs off and re-polls them.
	StatusMissing
)

func (s ReferenceStatus) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusUnavailable:
		return "unavailable"
	case StatusMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// ByteRange addresses a slice of a resource. End is inclusive; nil End means
// "to end of resource".
type ByteRange struct {
	Start int64
	End   *int64 // nil = open-ended
}

// Length returns the byte length, or -1 when open-ended.
func (b ByteRange) Length() int64 {
	if b.End == nil {
		return -1
	}
	return *b.End - b.Start + 1
}

// MediaQuality carries stream-quality metadata attached to an init segment so
// observers can report quality changes at append time.
type MediaQuality struct {
	Bandwidth int64
	Codecs    string
	MimeType  string
	Width     int
	Height    int
	AudioRate int
	Channels  int
}

// InitSegmentReference describes a container initialization segment shared by
// one or more media segments. Compared by value to decide whether the
// streaming engine must re-fetch and re-append it.
type InitSegmentReference struct {
	URIs      []string
	ByteRange ByteRange
	Quality   *MediaQuality
}

// NewInitSegmentReference builds an init segment reference over uris and an
// optional byte range (endByte nil for open-ended).
func NewInitSegmentReference(uris []string, startByte int64, endByte *int64) *InitSegmentReference {
	return &InitSegmentReference{
		URIs:      slices.Clone(uris),
		ByteRange: ByteRange{Start: startByte, End: endByte},
	}
}

// Equal reports value equality. Two nil references are equal; quality
// metadata participates so an init segment carried over a quality switch is
// re-announced.
func (r *InitSegmentReference) Equal(other *InitSegmentReference) bool {
	if r == nil || other == nil {
		return r == other
	}
	if !slices.Equal(r.URIs, other.URIs) {
		return false
	}
	if r.ByteRange.Start != other.ByteRange.Start {
		return false
	}
	if (r.ByteRange.End == nil) != (other.ByteRange.End == nil) {
		return false
	}
	if r.ByteRange.End != nil && *r.ByteRange.End != *other.ByteRange.End {
		return false
	}
	if (r.Quality == nil) != (other.Quality == nil) {
		return false
	}
	if r.Quality != nil && *r.Quality != *other.Quality {
		return false
	}
	return true
}

// SegmentKey holds per-segment encryption material for AES-128 full-segment
// encryption. IV may be nil, in which case it is derived from the media
// sequence number at decrypt time.
type SegmentKey struct {
	Method         string // "aes-128"
	KeyURIs        []string
	Key            []byte // resolved key bytes, 16 bytes once fetched
	IV             []byte // 16 bytes, or nil to derive from sequence number
	SequenceNumber uint64
}

// TileLayout describes the grid of a tiled thumbnail (image stream) segment.
type TileLayout struct {
	Columns int
	Rows    int
}

// SegmentReference describes one media segment: where its bytes live and what
// presentation time interval it covers. References are immutable after
// creation except for their status, which may transition to missing or back
// to available as the origin's view of the segment changes; status reads and
// writes are safe across goroutines (manifest producers flip it while the
// streaming engine reads it).
type SegmentReference struct {
	startTime float64
	endTime   float64

	// trueEndTime is the end time before any Fit trimming; duration-sensitive
	// consumers (thumbnail tiles) need the untrimmed duration.
	trueEndTime float64

	uris      []string
	byteRange ByteRange

	initSegment     *InitSegmentReference
	timestampOffset float64
	appendWindow    [2]float64

	// partial holds low-latency sub-range references covering this segment.
	partial []*SegmentReference

	tile     *TileLayout
	syncTime *float64
	key      *SegmentKey

	status atomic.Int32 // ReferenceStatus
}

// NewSegmentReference validates the time range and builds a reference.
// appendWindowEnd of +Inf is expressed as math.Inf(1).
func NewSegmentReference(
	startTime, endTime float64,
	uris []string,
	startByte int64, endByte *int64,
	initSegment *InitSegmentReference,
	timestampOffset, appendWindowStart, appendWindowEnd float64,
) (*SegmentReference, error) {
	if startTime >= endTime {
		return nil, fmt.Errorf("segment reference start %v must precede end %v", startTime, endTime)
	}
	// The zero status is StatusAvailable.
	return &SegmentReference{
		startTime:       startTime,
		endTime:         endTime,
		trueEndTime:     endTime,
		uris:            slices.Clone(uris),
		byteRange:       ByteRange{Start: startByte, End: endByte},
		initSegment:     initSegment,
		timestampOffset: timestampOffset,
		appendWindow:    [2]float64{appendWindowStart, appendWindowEnd},
	}, nil
}

func (r *SegmentReference) StartTime() float64   { return r.startTime }
func (r *SegmentReference) EndTime() float64     { return r.endTime }
func (r *SegmentReference) TrueEndTime() float64 { return r.trueEndTime }

// URIs returns the candidate fetch locations. Lazily resolved producers hand
// in a snapshot; callers must not mutate the slice.
func (r *SegmentReference) URIs() []string { return r.uris }

func (r *SegmentReference) ByteRange() ByteRange              { return r.byteRange }
func (r *SegmentReference) Init() *InitSegmentReference       { return r.initSegment }
func (r *SegmentReference) TimestampOffset() float64          { return r.timestampOffset }
func (r *SegmentReference) AppendWindowStart() float64        { return r.appendWindow[0] }
func (r *SegmentReference) AppendWindowEnd() float64          { return r.appendWindow[1] }
func (r *SegmentReference) Partial() []*SegmentReference      { return r.partial }
func (r *SegmentReference) Tile() *TileLayout                 { return r.tile }
func (r *SegmentReference) SyncTime() *float64                { return r.syncTime }
func (r *SegmentReference) Key() *SegmentKey                  { return r.key }
func (r *SegmentReference) Status() ReferenceStatus {
	return ReferenceStatus(r.status.Load())
}
func (r *SegmentReference) SetPartial(p []*SegmentReference) { r.partial = p }
func (r *SegmentReference) SetTile(t *TileLayout) { r.tile = t }
func (r *SegmentReference) SetSyncTime(t float64) { r.syncTime = &t }
func (r *SegmentReference) SetKey(k *SegmentKey) { r.key = k }
func (r *SegmentReference) SetStatus(s ReferenceStatus) { r.status.Store(int32(s)) }

// MarkAsUnavailable flags the reference so the streaming engine skips it
// until the manifest re-announces it.
func (r *SegmentReference) MarkAsUnavailable() { r.SetStatus(StatusUnavailable) }

// MarkAsMissing records an origin 404 so the engine backs off before
// retrying this reference.
func (r *SegmentReference) MarkAsMissing() { r.SetStatus(StatusMissing) }

// HasByteRange reports whether the segment addresses a sub-range of its
// resource rather than the whole resource.
func (r *SegmentReference) HasByteRange() bool {
	return r.byteRange.Start != 0 || r.byteRange.End != nil
}

// Size returns the segment's byte size if known from its byte range, or -1.
func (r *SegmentReference) Size() int64 { return r.byteRange.Length() }

// trim clips the reference to [start, end], preserving trueEndTime.
func (r *SegmentReference) trim(start, end float64) {
	if r.startTime < start {
		r.startTime = start
	}
	if r.endTime > end {
		r.endTime = end
	}
}
