// Package streaming drives the per-content-type fetch/append/evict loops
// that keep the playback buffer healthy: one scheduler tick machine per
// audio/video/text state, cross-type pacing, quota-pressure handling, and
// switch/seek coordination against the buffer queues.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/streva/streva/internal/media"
	"github.com/streva/streva/internal/mp4"
	"github.com/streva/streva/internal/mse"
	strevanet "github.com/streva/streva/internal/net"
)

// maxRunAheadSegments bounds how far one type may buffer past the slowest
// type, in units of the manifest's max segment duration. Keeps small-segment
// streams (audio) from racing ahead of large ones (video).
const maxRunAheadSegments = 1

// segmentMissingBackoff is how long to wait before re-trying a reference the
// origin answered 404/410 for.
const segmentMissingBackoff = time.Second

// Engine orchestrates the per-type media states. Construct with NewEngine,
// set callbacks, then Start. All public methods are safe for concurrent use.
type Engine struct {
	cfg     Config
	fetcher Fetcher
	buffer  *mse.Engine
	// playhead reports the current presentation time in seconds.
	playhead func() float64
	logger   *slog.Logger

	// OnSegmentAppended is invoked after each media segment lands in the
	// buffer. OnError receives fatal errors, gated by the failure backoff.
	// Both must be set before Start.
	OnSegmentAppended func(ct media.ContentType, ref *media.SegmentReference)
	OnError           func(err error)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	manifest  *media.Manifest
	states    map[media.ContentType]*MediaState
	started   bool
	destroyed bool

	// Quota pressure: goalScaleIdx indexes quotaLadder (-1 = full goal);
	// reducingType is the one type allowed to walk the ladder until it
	// appends successfully again.
	goalScaleIdx int
	reducingType media.ContentType

	failureCount int
	lastFailure  time.Time

	keyCache map[string][]byte
	endedEOS bool
}

// NewEngine builds a streaming engine over a buffer engine and a fetcher.
// playhead must report the current presentation time.
func NewEngine(cfg Config, fetcher Fetcher, buffer *mse.Engine, playhead func() float64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:          cfg,
		fetcher:      fetcher,
		buffer:       buffer,
		playhead:     playhead,
		logger:       logger.With(slog.String("component", "streaming")),
		ctx:          ctx,
		cancel:       cancel,
		states:       make(map[media.ContentType]*MediaState),
		goalScaleIdx: -1,
		keyCache:     make(map[string][]byte),
	}
}

// Start begins streaming the given variant, plus an optional text stream.
// It initializes the buffer sinks, sets the media duration for static
// presentations, and schedules the first tick for every type.
func (e *Engine) Start(manifest *media.Manifest, variant *media.Variant, text *media.Stream) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return media.NewError(media.SeverityCritical, media.CategoryMedia,
			media.CodeEngineDestroyed, nil)
	}
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("streaming engine already started")
	}
	e.started = true
	e.manifest = manifest

	var streams []*media.Stream
	if variant != nil {
		if variant.Audio != nil {
			streams = append(streams, variant.Audio)
		}
		if variant.Video != nil {
			streams = append(streams, variant.Video)
		}
	}
	if text != nil {
		streams = append(streams, text)
	}
	for _, s := range streams {
		e.states[s.Type] = &MediaState{Type: s.Type, stream: s}
	}
	e.mu.Unlock()

	for _, s := range streams {
		if err := e.buffer.Init(e.ctx, s.Type, fullMimeType(s)); err != nil {
			return fmt.Errorf("init %s buffer: %w", s.Type, err)
		}
	}
	if !manifest.Timeline.IsLive() {
		if err := e.buffer.SetDuration(e.ctx, manifest.Timeline.Duration()); err != nil {
			return fmt.Errorf("set duration: %w", err)
		}
	}

	e.mu.Lock()
	for _, ms := range e.states {
		e.scheduleLocked(ms, 0)
	}
	e.mu.Unlock()
	e.logger.Info("streaming started", slog.Int("types", len(streams)))
	return nil
}

// SwitchVariant makes the given variant's streams active. When clearBuffer
// is set, buffered content past safeMargin seconds ahead of the playhead is
// dropped so the new streams take effect quickly.
func (e *Engine) SwitchVariant(variant *media.Variant, clearBuffer bool, safeMargin float64) {
	if variant.Audio != nil {
		e.switchInternal(variant.Audio, clearBuffer, safeMargin)
	}
	if variant.Video != nil {
		e.switchInternal(variant.Video, clearBuffer, safeMargin)
	}
}

// SwitchTextStream makes a new text stream active. Text switches always
// clear, since text buffers are cheap and stale cues are visible.
func (e *Engine) SwitchTextStream(stream *media.Stream) {
	e.switchInternal(stream, true, 0)
}

func (e *Engine) switchInternal(stream *media.Stream, clearBuffer bool, safeMargin float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	ms := e.states[stream.Type]
	if ms == nil {
		if stream.Type != media.ContentTypeText || !e.buffer.HasSink(stream.Type) {
			e.logger.Warn("switch for inactive content type", slog.String("type", string(stream.Type)))
			return
		}
		ms = &MediaState{Type: stream.Type, stream: stream}
		e.states[stream.Type] = ms
		go func() {
			if err := e.buffer.Init(e.ctx, stream.Type, fullMimeType(stream)); err != nil {
				e.logger.Warn("text buffer init failed", slog.Any("error", err))
				return
			}
			e.mu.Lock()
			if !e.destroyed && e.states[stream.Type] == ms {
				e.scheduleLocked(ms, 0)
			}
			e.mu.Unlock()
		}()
		return
	}
	if ms.stream == stream {
		return
	}

	e.logger.Debug("switching stream",
		slog.String("type", string(stream.Type)),
		slog.String("from", ms.stream.ID),
		slog.String("to", stream.ID))

	old := ms.stream
	ms.stream = stream
	ms.it = nil
	ms.nextRef = nil
	ms.generation++

	if ms.op != nil && e.shouldAbortFetchLocked(ms, old, stream) {
		ms.op.Abort()
	}
	if clearBuffer {
		ms.pendingClear = &clearRequest{safeMargin: safeMargin}
	}
	if ms.phase == PhaseIdle || ms.phase == PhaseEnded {
		ms.phase = PhaseIdle
		e.scheduleLocked(ms, 0)
	}
	// Otherwise the in-flight operation's completion reschedules, and the
	// queued clear (if any) runs on that tick.
}

// shouldAbortFetchLocked decides whether an in-flight fetch for the old
// stream is worth abandoning in favor of the new one. Abort only when the
// new segment can plausibly arrive faster than the old one's remaining
// bytes, and the buffer can absorb the new fetch without an immediate
// rebuffer. The size-from-bandwidth fallback is a heuristic, not a promise.
func (e *Engine) shouldAbortFetchLocked(ms *MediaState, old, next *media.Stream) bool {
	bw := e.fetcher.BandwidthEstimate()
	if bw <= 0 {
		return false
	}
	idx := next.Index()
	if idx == nil {
		return false
	}
	timeNeeded := e.timeNeededLocked(ms)
	pos := idx.Find(timeNeeded)
	if pos < 0 {
		return false
	}
	ref := idx.Get(pos)
	if ref == nil {
		return false
	}

	newBytes := ref.Size()
	if newBytes <= 0 {
		newBytes = int64(float64(next.Bandwidth) * (ref.EndTime() - ref.StartTime()) / 8)
	}
	oldBytes := int64(0)
	if ms.nextRef != nil {
		oldBytes = ms.nextRef.Size()
	}
	if oldBytes <= 0 {
		oldBytes = int64(float64(old.Bandwidth) * e.manifest.Timeline.MaxSegmentDuration() / 8)
	}
	remaining := oldBytes - ms.op.BytesReceived()
	if remaining <= newBytes {
		// The old fetch is nearly done; let it land.
		return false
	}
	timeToFetch := float64(newBytes*8) / bw
	buffered := e.buffer.BufferedAheadOf(ms.Type, e.playhead())
	return buffered >= timeToFetch+e.cfg.RebufferingGoal
}

// Seeked tells the engine the playhead moved. Iterators are always reset;
// a type whose buffer does not cover the new position gets its in-flight
// work aborted and its buffer cleared.
func (e *Engine) Seeked() {
	presTime := e.playhead()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	for _, ms := range e.states {
		ms.it = nil
		ms.nextRef = nil
		ms.lastAppended = nil
		if e.buffer.IsBuffered(ms.Type, presTime) {
			if ms.phase == PhaseEnded {
				ms.phase = PhaseIdle
			}
			if ms.phase == PhaseIdle {
				e.scheduleLocked(ms, 0)
			}
			continue
		}
		ms.generation++
		if ms.op != nil {
			ms.op.Abort()
		}
		ms.pendingClear = &clearRequest{}
		if ms.phase == PhaseIdle || ms.phase == PhaseEnded {
			ms.phase = PhaseIdle
			e.scheduleLocked(ms, 0)
		}
	}
	e.endedEOS = false
}

// Retry clears fatal error flags and resumes any errored media state. It
// reports whether anything was resumed.
func (e *Engine) Retry() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return false
	}
	retried := false
	for _, ms := range e.states {
		if ms.phase != PhaseErrored {
			continue
		}
		ms.phase = PhaseIdle
		ms.err = nil
		e.scheduleLocked(ms, 0)
		retried = true
	}
	if retried {
		e.failureCount = 0
	}
	return retried
}

// UnloadTextStream stops streaming text and drops its media state.
func (e *Engine) UnloadTextStream() {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms := e.states[media.ContentTypeText]
	if ms == nil {
		return
	}
	ms.generation++
	if ms.op != nil {
		ms.op.Abort()
	}
	if ms.timer != nil {
		ms.timer.Stop()
	}
	delete(e.states, media.ContentTypeText)
}

// Destroy stops all scheduling and aborts in-flight work. The buffer engine
// is owned by the caller and is not destroyed here. Idempotent.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	for _, ms := range e.states {
		if ms.timer != nil {
			ms.timer.Stop()
		}
		if ms.op != nil {
			ms.op.Abort()
		}
	}
	e.mu.Unlock()
	e.cancel()
}

// State exposes a media state for inspection.
func (e *Engine) State(ct media.ContentType) *MediaState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[ct]
}

// Phase returns the current phase for a content type, or PhaseIdle when the
// type is not streaming.
func (e *Engine) Phase(ct media.ContentType) Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ms := e.states[ct]; ms != nil {
		return ms.phase
	}
	return PhaseIdle
}

// ActiveStream returns the stream currently driving a content type.
func (e *Engine) ActiveStream(ct media.ContentType) *media.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ms := e.states[ct]; ms != nil {
		return ms.stream
	}
	return nil
}

// InitInfo returns the track metadata read from the last appended MP4 init
// segment, or nil when none parsed yet for this content type.
func (e *Engine) InitInfo(ct media.ContentType) *mp4.InitInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ms := e.states[ct]; ms != nil {
		return ms.initInfo
	}
	return nil
}

// BufferingGoal returns the effective goal after any quota reduction.
func (e *Engine) BufferingGoal() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.BufferingGoal * e.goalScaleLocked()
}

func (e *Engine) goalScaleLocked() float64 {
	if e.goalScaleIdx < 0 {
		return 1
	}
	return quotaLadder[e.goalScaleIdx]
}

// scheduleLocked (re)arms the tick timer for one media state.
func (e *Engine) scheduleLocked(ms *MediaState, delay time.Duration) {
	if ms.timer != nil {
		ms.timer.Stop()
	}
	ms.timer = time.AfterFunc(delay, func() { e.onUpdate(ms) })
}

// onUpdate is one scheduler tick for one media state.
func (e *Engine) onUpdate(ms *MediaState) {
	e.mu.Lock()
	if e.destroyed || e.states[ms.Type] != ms {
		e.mu.Unlock()
		return
	}
	// A tick only fires from idle. In-flight work reschedules on its own
	// completion, so dropping the tick here cannot stall the loop.
	if ms.phase != PhaseIdle {
		e.mu.Unlock()
		return
	}
	if ms.pendingClear != nil {
		req := *ms.pendingClear
		ms.pendingClear = nil
		ms.phase = PhaseClearing
		gen := ms.generation
		e.mu.Unlock()
		e.clearBuffer(ms, gen, req)
		return
	}
	ms.phase = PhaseUpdating
	gen := ms.generation
	e.mu.Unlock()

	delay, reschedule := e.update(ms, gen)
	if !reschedule {
		return
	}
	e.mu.Lock()
	if !e.destroyed && e.states[ms.Type] == ms {
		if ms.phase == PhaseUpdating {
			ms.phase = PhaseIdle
		}
		if ms.phase == PhaseIdle {
			if ms.generation != gen {
				// Superseded by a switch or seek mid-decision;
				// look again right away.
				delay = 0
			}
			e.scheduleLocked(ms, delay)
		}
	}
	e.mu.Unlock()
}

// update decides what this type needs next. It either kicks off
// fetchAndAppend (returning reschedule=false, the completion path owns the
// next tick) or reports the delay before the next look.
func (e *Engine) update(ms *MediaState, gen uint64) (delay time.Duration, reschedule bool) {
	e.mu.Lock()
	stream := ms.stream
	e.mu.Unlock()

	// Create the segment index lazily; it may fetch (SIDX). Anything can
	// change while we wait, so re-validate before using it.
	if !stream.HasIndex() {
		err := stream.CreateSegmentIndex()
		e.mu.Lock()
		changed := e.destroyed || e.states[ms.Type] != ms || ms.generation != gen || ms.stream != stream
		e.mu.Unlock()
		if changed {
			return 0, true
		}
		if err != nil {
			e.handleError(ms, gen, err)
			return 0, false
		}
	}

	presTime := e.playhead()
	e.mu.Lock()
	if ms.generation != gen || ms.stream != stream {
		e.mu.Unlock()
		return 0, true
	}
	timeNeeded := e.timeNeededLocked(ms)
	duration := e.manifest.Timeline.Duration()

	if timeNeeded >= duration {
		ms.phase = PhaseEnded
		allEnded := !e.endedEOS
		for ct, other := range e.states {
			if ct == media.ContentTypeText {
				continue
			}
			if other.phase != PhaseEnded {
				allEnded = false
			}
		}
		if allEnded {
			e.endedEOS = true
		}
		e.mu.Unlock()
		e.logger.Debug("content type ended", slog.String("type", string(ms.Type)))
		if allEnded {
			if err := e.buffer.EndOfStream(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("end of stream failed", slog.Any("error", err))
			}
		}
		return 0, false
	}

	goal := e.cfg.BufferingGoal * e.goalScaleLocked()
	if e.buffer.BufferedAheadOf(ms.Type, presTime) >= goal {
		e.mu.Unlock()
		return e.cfg.UpdateInterval / 2, true
	}

	if ms.nextRef == nil {
		if ms.it == nil {
			if idx := stream.Index(); idx != nil {
				ms.it = idx.IteratorForTime(timeNeeded)
			}
		}
		if ms.it != nil {
			ms.nextRef = ms.it.Next()
		}
	}
	ref := ms.nextRef
	if ref == nil {
		// The manifest may grow (live); look again later.
		e.mu.Unlock()
		return e.cfg.UpdateInterval, true
	}

	// Unavailable references must not be fetched until the manifest
	// re-announces them. Missing ones stay eligible: the not-found backoff
	// already paced this tick, and the origin may serve them now.
	if ref.Status() == media.StatusUnavailable {
		e.mu.Unlock()
		return e.cfg.UpdateInterval, true
	}

	// Pacing: never run more than one max-duration segment ahead of the
	// slowest audio/video state. Text is exempt: its segments are cheap
	// and its cadence is unrelated to the media pipeline.
	if ms.Type != media.ContentTypeText {
		minNeeded := math.Inf(1)
		for ct, other := range e.states {
			// Errored states make no progress; pacing against them
			// would wedge the healthy types.
			if ct == media.ContentTypeText || other.phase == PhaseErrored {
				continue
			}
			if tn := e.timeNeededLocked(other); tn < minNeeded {
				minNeeded = tn
			}
		}
		maxRunAhead := e.manifest.Timeline.MaxSegmentDuration() * maxRunAheadSegments
		if !math.IsInf(minNeeded, 1) && timeNeeded >= minNeeded+maxRunAhead {
			e.mu.Unlock()
			return e.cfg.UpdateInterval, true
		}
	}

	ms.phase = PhaseFetching
	e.mu.Unlock()
	e.fetchAndAppend(ms, gen, stream, ref, presTime)
	return 0, false
}

// timeNeededLocked is where the next segment for this type must start: the
// end of the last appended segment, or the playhead before anything landed.
func (e *Engine) timeNeededLocked(ms *MediaState) float64 {
	if ms.lastAppended != nil {
		return ms.lastAppended.EndTime()
	}
	return e.playhead()
}

// fetchAndAppend runs the critical section for one segment: stream property
// updates, init segment, media bytes, decryption, eviction, append. Any
// suspension re-validates the generation before touching shared state.
func (e *Engine) fetchAndAppend(ms *MediaState, gen uint64, stream *media.Stream, ref *media.SegmentReference, presTime float64) {
	ctx := e.ctx

	// Re-apply timestamp offset and append window when they changed since
	// the last append. Batching both into one queue operation keeps the
	// buffer from observing a half-updated pair.
	e.mu.Lock()
	needProps := !ms.propsSet ||
		ms.lastTimestampOffset != ref.TimestampOffset() ||
		ms.lastWindowStart != ref.AppendWindowStart() ||
		ms.lastWindowEnd != ref.AppendWindowEnd()
	e.mu.Unlock()
	if needProps {
		err := e.buffer.SetStreamProperties(ctx, ms.Type,
			ref.TimestampOffset(), ref.AppendWindowStart(), ref.AppendWindowEnd(), stream.SequenceMode)
		if err != nil {
			e.handleError(ms, gen, err)
			return
		}
		if !e.stillCurrent(ms, gen) {
			return
		}
		e.mu.Lock()
		ms.propsSet = true
		ms.lastTimestampOffset = ref.TimestampOffset()
		ms.lastWindowStart = ref.AppendWindowStart()
		ms.lastWindowEnd = ref.AppendWindowEnd()
		e.mu.Unlock()
	}

	// Fetch and append the init segment when it differs by value from the
	// one the buffer last saw.
	init := ref.Init()
	e.mu.Lock()
	needInit := init != nil && !init.Equal(ms.lastInit)
	e.mu.Unlock()
	if needInit {
		data, err := e.fetchSegmentBytes(ctx, ms, gen, init.URIs, initByteRange(init), nil)
		if err != nil {
			e.handleError(ms, gen, err)
			return
		}
		if !e.stillCurrent(ms, gen) {
			return
		}
		if err := e.buffer.AppendBuffer(ctx, ms.Type, data, nil, false); err != nil {
			e.handleError(ms, gen, err)
			return
		}
		if !e.stillCurrent(ms, gen) {
			return
		}
		var info *mp4.InitInfo
		if isMP4(stream.MimeType) {
			var perr error
			if info, perr = mp4.InspectInit(data); perr != nil {
				// A malformed init is the buffer's problem to reject;
				// here it only costs us the track metadata.
				e.logger.Warn("init segment not inspectable",
					slog.String("type", string(ms.Type)),
					slog.String("error", perr.Error()))
			} else {
				e.logger.Debug("init segment",
					slog.String("type", string(ms.Type)),
					slog.String("codec", info.Codec),
					slog.Uint64("timescale", uint64(info.Timescale)),
					slog.String("language", info.Language))
			}
		}
		e.mu.Lock()
		ms.lastInit = init
		ms.initInfo = info
		e.mu.Unlock()
	}

	// Media bytes. In low-latency mode complete MP4 boxes are appended as
	// they arrive; the remainder goes with the reference at the end so the
	// buffered range is accounted exactly once.
	var scanner *mp4.BoxScanner
	var streamed int
	var onChunk func([]byte)
	if e.cfg.LowLatencyMode && ref.Key() == nil && isMP4(stream.MimeType) {
		scanner = &mp4.BoxScanner{}
		chunkFailed := false
		onChunk = func(chunk []byte) {
			// After one failed append, streamed only stays a clean
			// prefix if no later chunk lands; the remainder goes with
			// the whole-segment append below instead.
			if chunkFailed {
				return
			}
			boxes := scanner.Feed(chunk)
			if len(boxes) == 0 {
				return
			}
			// Blocking here applies backpressure to the read loop,
			// which is what we want: never buffer more than the
			// append queue can drain.
			if err := e.buffer.AppendBuffer(ctx, ms.Type, boxes, nil, false); err != nil {
				chunkFailed = true
				return
			}
			streamed += len(boxes)
		}
	}
	var br *media.ByteRange
	if ref.HasByteRange() {
		r := ref.ByteRange()
		br = &r
	}
	data, err := e.fetchSegmentBytes(ctx, ms, gen, ref.URIs(), br, onChunk)
	if err != nil {
		e.handleError(ms, gen, err)
		return
	}
	if !e.stillCurrent(ms, gen) {
		return
	}

	if key := ref.Key(); key != nil {
		keyBytes, kerr := e.resolveKey(ctx, key)
		if kerr == nil {
			data, kerr = decryptSegment(data, keyBytes, key)
		}
		if kerr != nil {
			e.handleError(ms, gen, kerr)
			return
		}
	}

	// Evict behind the playhead before appending, so the append has room.
	if err := e.evictBehind(ctx, ms, presTime); err != nil {
		e.handleError(ms, gen, err)
		return
	}
	if !e.stillCurrent(ms, gen) {
		return
	}

	e.mu.Lock()
	ms.phase = PhaseAppending
	e.mu.Unlock()
	payload := data
	if streamed > 0 && streamed <= len(data) {
		payload = data[streamed:]
	}
	if err := e.buffer.AppendBuffer(ctx, ms.Type, payload, ref, stream.ClosedCaptions); err != nil {
		e.handleError(ms, gen, err)
		return
	}
	if !e.stillCurrent(ms, gen) {
		return
	}

	e.mu.Lock()
	if ms.generation != gen {
		ms.phase = PhaseIdle
		e.scheduleLocked(ms, 0)
		e.mu.Unlock()
		return
	}
	if ref.Status() == media.StatusMissing {
		// The origin served it after all; clear the not-found mark.
		ref.SetStatus(media.StatusAvailable)
	}
	ms.lastAppended = ref
	ms.nextRef = nil
	ms.phase = PhaseIdle
	if e.reducingType == ms.Type {
		// This type recovered from quota pressure; others may reduce now.
		e.reducingType = ""
	}
	e.failureCount = 0
	e.scheduleLocked(ms, 0)
	cb := e.OnSegmentAppended
	e.mu.Unlock()

	e.logger.Debug("segment appended",
		slog.String("type", string(ms.Type)),
		slog.Float64("start", ref.StartTime()),
		slog.Float64("end", ref.EndTime()))
	if cb != nil {
		cb(ms.Type, ref)
	}
}

// fetchSegmentBytes issues one abortable fetch and parks the handle on the
// media state so switches and seeks can abort it.
func (e *Engine) fetchSegmentBytes(ctx context.Context, ms *MediaState, gen uint64, uris []string, br *media.ByteRange, onChunk func([]byte)) ([]byte, error) {
	op := e.fetcher.Fetch(ctx, strevanet.RequestTypeSegment, strevanet.Request{
		URIs:      uris,
		ByteRange: br,
		Policy:    e.cfg.RetryPolicy,
		OnChunk:   onChunk,
	})
	e.mu.Lock()
	if e.destroyed || ms.generation != gen {
		e.mu.Unlock()
		op.Abort()
		_, err := op.Wait(ctx)
		if err == nil {
			err = media.NewError(media.SeverityRecoverable, media.CategoryNetwork,
				media.CodeOperationAborted, nil)
		}
		return nil, err
	}
	ms.op = op
	e.mu.Unlock()

	resp, err := op.Wait(ctx)

	e.mu.Lock()
	if ms.op == op {
		ms.op = nil
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// evictBehind trims buffered content older than the bufferBehind budget.
func (e *Engine) evictBehind(ctx context.Context, ms *MediaState, presTime float64) error {
	if e.cfg.BufferBehind <= 0 {
		return nil
	}
	start := e.buffer.BufferStart(ms.Type)
	limit := presTime - e.cfg.BufferBehind
	if start < 0 || start >= limit {
		return nil
	}
	e.logger.Debug("evicting buffer",
		slog.String("type", string(ms.Type)),
		slog.Float64("from", start),
		slog.Float64("to", limit))
	return e.buffer.Remove(ctx, ms.Type, start, limit)
}

// clearBuffer executes a queued clear and restarts the loop from scratch.
func (e *Engine) clearBuffer(ms *MediaState, gen uint64, req clearRequest) {
	var err error
	if req.safeMargin > 0 {
		// Keep a safe window ahead of the playhead so the switch does
		// not interrupt playback.
		presTime := e.playhead()
		duration := e.manifest.Timeline.Duration()
		err = e.buffer.Remove(e.ctx, ms.Type, presTime+req.safeMargin, duration)
	} else {
		err = e.buffer.Clear(e.ctx, ms.Type)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed || e.states[ms.Type] != ms {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("buffer clear failed",
			slog.String("type", string(ms.Type)), slog.Any("error", err))
	}
	ms.lastAppended = nil
	ms.lastInit = nil
	ms.it = nil
	ms.nextRef = nil
	ms.propsSet = false
	ms.phase = PhaseIdle
	// The generation may have moved again while clearing; the next tick
	// recomputes everything from current state either way.
	_ = gen
	e.scheduleLocked(ms, 0)
}

// stillCurrent reports whether a suspended operation's world is intact. If
// it was superseded, ownership of the tick loop is handed back so the
// superseding action (switch, seek, clear) proceeds.
func (e *Engine) stillCurrent(ms *MediaState, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed || e.states[ms.Type] != ms {
		return false
	}
	if ms.generation == gen {
		return true
	}
	ms.phase = PhaseIdle
	e.scheduleLocked(ms, 0)
	return false
}

// handleError routes a fetch-and-append failure per policy.
func (e *Engine) handleError(ms *MediaState, gen uint64, err error) {
	e.mu.Lock()
	if e.destroyed || e.states[ms.Type] != ms {
		e.mu.Unlock()
		return
	}

	switch {
	case media.IsCode(err, media.CodeOperationAborted) || errors.Is(err, context.Canceled):
		// Aborts are part of normal control flow, not errors.
		ms.phase = PhaseIdle
		e.scheduleLocked(ms, 0)
		e.mu.Unlock()
		return

	case media.IsCode(err, media.CodeSegmentMissing):
		if ms.nextRef != nil {
			ms.nextRef.MarkAsMissing()
		}
		ms.phase = PhaseIdle
		e.scheduleLocked(ms, segmentMissingBackoff)
		e.mu.Unlock()
		e.logger.Warn("segment missing, backing off",
			slog.String("type", string(ms.Type)))
		return

	case ms.Type == media.ContentTypeText && e.cfg.IgnoreTextStreamFailures:
		if ms.timer != nil {
			ms.timer.Stop()
		}
		delete(e.states, media.ContentTypeText)
		e.mu.Unlock()
		e.logger.Warn("dropping text stream after failure", slog.Any("error", err))
		return

	case errors.Is(err, mse.ErrQuotaExceeded) || media.IsCode(err, media.CodeQuotaExceeded):
		if e.reducingType != "" && e.reducingType != ms.Type {
			// Another type is already walking the ladder; wait for it
			// to recover before piling on.
			ms.phase = PhaseIdle
			e.scheduleLocked(ms, e.cfg.UpdateInterval)
			e.mu.Unlock()
			return
		}
		if e.goalScaleIdx+1 < len(quotaLadder) {
			e.reducingType = ms.Type
			e.goalScaleIdx++
			scale := quotaLadder[e.goalScaleIdx]
			ms.phase = PhaseIdle
			e.scheduleLocked(ms, e.cfg.UpdateInterval)
			e.mu.Unlock()
			e.logger.Warn("quota exceeded, reducing buffering goal",
				slog.String("type", string(ms.Type)),
				slog.Float64("scale", scale))
			return
		}
		// Ladder exhausted.
		err = media.NewError(media.SeverityCritical, media.CategoryMedia,
			media.CodeQuotaExceeded, err)
	}

	ms.phase = PhaseErrored
	ms.err = err
	cb := e.OnError
	gate := e.failureGateLocked()
	e.mu.Unlock()

	e.logger.Error("media state failed",
		slog.String("type", string(ms.Type)), slog.Any("error", err))
	if cb == nil {
		return
	}
	if gate <= 0 {
		cb(err)
		return
	}
	t := time.NewTimer(gate)
	go func() {
		defer t.Stop()
		select {
		case <-e.ctx.Done():
		case <-t.C:
			cb(err)
		}
	}()
}

// failureGateLocked returns how long to delay the failure callback. The
// first failure reports immediately; repeats back off exponentially. A long
// quiet period resets the gate.
func (e *Engine) failureGateLocked() time.Duration {
	now := time.Now()
	if e.failureCount > 0 && now.Sub(e.lastFailure) > 2*e.cfg.FailureBackoffMax {
		e.failureCount = 0
	}
	e.lastFailure = now
	count := e.failureCount
	e.failureCount++
	if count == 0 {
		return 0
	}
	gate := time.Duration(float64(e.cfg.FailureBackoffBase) * math.Pow(2, float64(count-1)))
	if gate > e.cfg.FailureBackoffMax {
		gate = e.cfg.FailureBackoffMax
	}
	return gate
}

// Err returns the fatal error for a type, if any.
func (e *Engine) Err(ct media.ContentType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ms := e.states[ct]; ms != nil {
		return ms.err
	}
	return nil
}

func initByteRange(init *media.InitSegmentReference) *media.ByteRange {
	if init.ByteRange.Start == 0 && init.ByteRange.End == nil {
		return nil
	}
	r := init.ByteRange
	return &r
}

func isMP4(mimeType string) bool {
	switch mimeType {
	case "video/mp4", "audio/mp4", "application/mp4":
		return true
	}
	return false
}

func fullMimeType(s *media.Stream) string {
	if s.Codecs == "" {
		return s.MimeType
	}
	return fmt.Sprintf("%s; codecs=%q", s.MimeType, s.Codecs)
}
