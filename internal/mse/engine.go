// Package mse serializes media buffer operations. Each content type owns a
// strict FIFO queue of asynchronous operations against its buffer sink;
// different types proceed in parallel. Blocking operations (duration changes,
// end of stream) drain and pause every queue simultaneously through a join
// barrier before running.
package mse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streva/streva/internal/media"
)

// ErrQuotaExceeded is returned by sinks when an append overflows the
// platform's buffer quota. The streaming engine reacts with its buffering
// goal reduction ladder.
var ErrQuotaExceeded = errors.New("buffer quota exceeded")

// ErrEngineDestroyed is returned for operations enqueued after Destroy.
var ErrEngineDestroyed = errors.New("media source engine destroyed")

// BufferedRange is one contiguous buffered interval in presentation seconds.
type BufferedRange struct {
	Start float64
	End   float64
}

// BufferSink is the per-content-type media buffer the engine drives. It is
// implemented by the host's SourceBuffer wrapper; implementations may block
// and are called from one goroutine at a time per sink.
type BufferSink interface {
	Init(mimeType string) error
	Append(data []byte, ref *media.SegmentReference, hasClosedCaptions bool) error
	Remove(start, end float64) error
	Clear() error
	SetStreamProperties(timestampOffset, appendWindowStart, appendWindowEnd float64, sequenceMode bool) error
	BufferedRanges() []BufferedRange
	EndOfStream() error
	SetDuration(seconds float64) error
}

// operation is one queue entry. barrier entries coordinate blocking
// operations across queues.
type operation struct {
	run     func() error
	done    chan error
	barrier *barrier
}

type barrier struct {
	arrived sync.WaitGroup
	release chan struct{}
}

// Engine owns one operation queue per content type.
type Engine struct {
	mu     sync.Mutex
	queues map[media.ContentType]chan *operation
	sinks  map[media.ContentType]BufferSink
	logger *slog.Logger

	destroyed bool
	wg        sync.WaitGroup
}

// NewEngine builds an engine over the given sinks. Types absent from sinks
// cannot be streamed.
func NewEngine(sinks map[media.ContentType]BufferSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		queues: make(map[media.ContentType]chan *operation, len(sinks)),
		sinks:  sinks,
		logger: logger,
	}
	for ct, sink := range sinks {
		q := make(chan *operation, 64)
		e.queues[ct] = q
		e.wg.Add(1)
		go e.runQueue(ct, sink, q)
	}
	return e
}

func (e *Engine) runQueue(ct media.ContentType, sink BufferSink, q chan *operation) {
	defer e.wg.Done()
	for op := range q {
		if op.barrier != nil {
			// Join: report arrival, then hold this queue until the blocking
			// operation has run.
			op.barrier.arrived.Done()
			<-op.barrier.release
			if op.done != nil {
				op.done <- nil
			}
			continue
		}
		err := op.run()
		if err != nil {
			e.logger.Debug("buffer operation failed",
				slog.String("content_type", string(ct)),
				slog.String("error", err.Error()))
		}
		op.done <- err
	}
}

// HasSink reports whether a sink exists for the content type.
func (e *Engine) HasSink(ct media.ContentType) bool {
	_, ok := e.sinks[ct]
	return ok
}

// enqueue schedules fn on the type's queue and returns its completion
// channel.
func (e *Engine) enqueue(ct media.ContentType, fn func() error) (chan error, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, ErrEngineDestroyed
	}
	q, ok := e.queues[ct]
	if !ok {
		return nil, fmt.Errorf("no buffer sink for content type %q", ct)
	}
	done := make(chan error, 1)
	q <- &operation{run: fn, done: done}
	return done, nil
}

// do runs fn through the type's FIFO queue and waits for it.
func (e *Engine) do(ctx context.Context, ct media.ContentType, fn func() error) error {
	done, err := e.enqueue(ct, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init initializes the sink's buffer for a mime type.
func (e *Engine) Init(ctx context.Context, ct media.ContentType, mimeType string) error {
	sink := e.sinks[ct]
	return e.do(ctx, ct, func() error { return sink.Init(mimeType) })
}

// AppendBuffer appends segment data. ref is nil for init segments.
func (e *Engine) AppendBuffer(ctx context.Context, ct media.ContentType, data []byte, ref *media.SegmentReference, hasClosedCaptions bool) error {
	sink := e.sinks[ct]
	return e.do(ctx, ct, func() error { return sink.Append(data, ref, hasClosedCaptions) })
}

// Remove evicts [start, end) from the type's buffer.
func (e *Engine) Remove(ctx context.Context, ct media.ContentType, start, end float64) error {
	sink := e.sinks[ct]
	return e.do(ctx, ct, func() error { return sink.Remove(start, end) })
}

// Clear empties the type's buffer.
func (e *Engine) Clear(ctx context.Context, ct media.ContentType) error {
	sink := e.sinks[ct]
	return e.do(ctx, ct, func() error { return sink.Clear() })
}

// SetStreamProperties applies timestamp offset and append window before the
// next append.
func (e *Engine) SetStreamProperties(ctx context.Context, ct media.ContentType, timestampOffset, appendWindowStart, appendWindowEnd float64, sequenceMode bool) error {
	sink := e.sinks[ct]
	return e.do(ctx, ct, func() error {
		return sink.SetStreamProperties(timestampOffset, appendWindowStart, appendWindowEnd, sequenceMode)
	})
}

// BufferStart returns the earliest buffered time for the type, or -1 when
// nothing is buffered.
func (e *Engine) BufferStart(ct media.ContentType) float64 {
	ranges := e.sinks[ct].BufferedRanges()
	if len(ranges) == 0 {
		return -1
	}
	return ranges[0].Start
}

// BufferEnd returns the latest buffered time for the type, or -1.
func (e *Engine) BufferEnd(ct media.ContentType) float64 {
	ranges := e.sinks[ct].BufferedRanges()
	if len(ranges) == 0 {
		return -1
	}
	return ranges[len(ranges)-1].End
}

// IsBuffered reports whether time lies inside a buffered range for the type.
func (e *Engine) IsBuffered(ct media.ContentType, time float64) bool {
	for _, r := range e.sinks[ct].BufferedRanges() {
		if time >= r.Start && time < r.End {
			return true
		}
	}
	return false
}

// BufferedAheadOf returns how many seconds are buffered contiguously ahead of
// time for the type, tolerating sub-frame gaps between ranges.
func (e *Engine) BufferedAheadOf(ct media.ContentType, time float64) float64 {
	const gapTolerance = 0.04
	total := 0.0
	cursor := time
	for _, r := range e.sinks[ct].BufferedRanges() {
		if r.End <= cursor {
			continue
		}
		if r.Start > cursor+gapTolerance {
			break
		}
		total += r.End - max(cursor, r.Start)
		cursor = r.End
	}
	return total
}

// blockAll enqueues a barrier on every queue, runs fn once all queues have
// drained to it, then releases them.
func (e *Engine) blockAll(ctx context.Context, fn func() error) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrEngineDestroyed
	}
	b := &barrier{release: make(chan struct{})}
	b.arrived.Add(len(e.queues))
	for _, q := range e.queues {
		q <- &operation{barrier: b}
	}
	e.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		b.arrived.Wait()
		err := fn()
		close(b.release)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetDuration changes the global presentation duration. Runs as a blocking
// operation: every type's queue is drained and paused around it.
func (e *Engine) SetDuration(ctx context.Context, seconds float64) error {
	return e.blockAll(ctx, func() error {
		for _, sink := range e.sinks {
			if err := sink.SetDuration(seconds); err != nil {
				return err
			}
		}
		return nil
	})
}

// EndOfStream signals that no further segments will be appended for any
// type. Blocking, like SetDuration.
func (e *Engine) EndOfStream(ctx context.Context) error {
	return e.blockAll(ctx, func() error {
		for _, sink := range e.sinks {
			if err := sink.EndOfStream(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Destroy stops all queues. Pending operations complete; later enqueues fail
// with ErrEngineDestroyed.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	for _, q := range e.queues {
		close(q)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
