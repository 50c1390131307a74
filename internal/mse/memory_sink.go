package mse

import (
	"sync"

	"github.com/streva/streva/internal/media"
)

// MemorySink is an in-memory BufferSink used by the simulation harness and by
// tests. It models buffered ranges from the references it receives and can
// enforce an artificial byte quota to exercise quota handling.
type MemorySink struct {
	mu sync.Mutex

	mimeType string
	ranges   []BufferedRange
	bytes    int64

	timestampOffset   float64
	appendWindowStart float64
	appendWindowEnd   float64
	sequenceMode      bool

	endOfStream bool
	duration    float64

	// Quota, when positive, causes appends that would exceed it to fail
	// with ErrQuotaExceeded.
	Quota int64

	// AppendErr, when set, is returned by the next Append and cleared.
	AppendErr error

	appends     int
	initAppends int
	clears      int
}

// NewMemorySink builds an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// FailNextAppend arms AppendErr under the sink lock, so tests can inject a
// failure while the sink is in use.
func (m *MemorySink) FailNextAppend(err error) {
	m.mu.Lock()
	m.AppendErr = err
	m.mu.Unlock()
}

func (m *MemorySink) Init(mimeType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mimeType = mimeType
	return nil
}

func (m *MemorySink) Append(data []byte, ref *media.SegmentReference, hasClosedCaptions bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.AppendErr; err != nil {
		m.AppendErr = nil
		return err
	}
	if m.Quota > 0 && m.bytes+int64(len(data)) > m.Quota {
		return ErrQuotaExceeded
	}
	m.bytes += int64(len(data))
	if ref == nil {
		m.initAppends++
		return nil
	}
	m.appends++
	m.addRange(ref.StartTime()+m.timestampOffset, ref.EndTime()+m.timestampOffset)
	return nil
}

// addRange inserts and coalesces a buffered interval.
func (m *MemorySink) addRange(start, end float64) {
	const mergeTolerance = 0.01
	out := m.ranges[:0]
	inserted := false
	for _, r := range m.ranges {
		switch {
		case r.End < start-mergeTolerance:
			out = append(out, r)
		case r.Start > end+mergeTolerance:
			if !inserted {
				out = append(out, BufferedRange{start, end}, r)
				inserted = true
			} else {
				out = append(out, r)
			}
		default:
			start = min(start, r.Start)
			end = max(end, r.End)
		}
	}
	if !inserted {
		out = append(out, BufferedRange{start, end})
	}
	m.ranges = out
}

func (m *MemorySink) Remove(start, end float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []BufferedRange
	for _, r := range m.ranges {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, BufferedRange{r.Start, start})
		}
		if r.End > end {
			out = append(out, BufferedRange{end, r.End})
		}
	}
	m.ranges = out
	return nil
}

func (m *MemorySink) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges = nil
	m.bytes = 0
	m.endOfStream = false
	m.clears++
	return nil
}

func (m *MemorySink) SetStreamProperties(timestampOffset, appendWindowStart, appendWindowEnd float64, sequenceMode bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timestampOffset = timestampOffset
	m.appendWindowStart = appendWindowStart
	m.appendWindowEnd = appendWindowEnd
	m.sequenceMode = sequenceMode
	return nil
}

func (m *MemorySink) BufferedRanges() []BufferedRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BufferedRange, len(m.ranges))
	copy(out, m.ranges)
	return out
}

func (m *MemorySink) EndOfStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endOfStream = true
	return nil
}

func (m *MemorySink) SetDuration(seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duration = seconds
	return nil
}

// Snapshot of observable state, for assertions and simulation reporting.

func (m *MemorySink) MimeType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mimeType
}

func (m *MemorySink) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

func (m *MemorySink) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends
}

func (m *MemorySink) InitAppends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initAppends
}

// Clears returns how many times the sink was fully cleared.
func (m *MemorySink) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

func (m *MemorySink) IsEnded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endOfStream
}

func (m *MemorySink) Duration() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

func (m *MemorySink) TimestampOffset() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timestampOffset
}

func (m *MemorySink) AppendWindow() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendWindowStart, m.appendWindowEnd
}

func (m *MemorySink) SequenceMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequenceMode
}
