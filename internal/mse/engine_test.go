package mse

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streva/streva/internal/media"
)

func ref(t *testing.T, start, end float64) *media.SegmentReference {
	t.Helper()
	r, err := media.NewSegmentReference(start, end, nil, 0, nil, nil, 0, 0, math.Inf(1))
	require.NoError(t, err)
	return r
}

func newTestEngine(t *testing.T) (*Engine, *MemorySink, *MemorySink) {
	t.Helper()
	audio := NewMemorySink()
	video := NewMemorySink()
	e := NewEngine(map[media.ContentType]BufferSink{
		media.ContentTypeAudio: audio,
		media.ContentTypeVideo: video,
	}, nil)
	t.Cleanup(e.Destroy)
	return e, audio, video
}

func TestEngine_AppendTracksBufferedRanges(t *testing.T) {
	e, _, video := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Init(ctx, media.ContentTypeVideo, "video/mp4"))
	require.NoError(t, e.AppendBuffer(ctx, media.ContentTypeVideo, []byte("init"), nil, false))
	require.NoError(t, e.AppendBuffer(ctx, media.ContentTypeVideo, []byte("seg0"), ref(t, 0, 10), false))
	require.NoError(t, e.AppendBuffer(ctx, media.ContentTypeVideo, []byte("seg1"), ref(t, 10, 20), false))

	assert.Equal(t, "video/mp4", video.MimeType())
	assert.Equal(t, 1, video.InitAppends())
	assert.Equal(t, 0.0, e.BufferStart(media.ContentTypeVideo))
	assert.Equal(t, 20.0, e.BufferEnd(media.ContentTypeVideo))
	assert.True(t, e.IsBuffered(media.ContentTypeVideo, 15))
	assert.False(t, e.IsBuffered(media.ContentTypeVideo, 20))
	assert.InDelta(t, 15.0, e.BufferedAheadOf(media.ContentTypeVideo, 5), 1e-9)
}

func TestEngine_BufferedAheadOfStopsAtGaps(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.AppendBuffer(ctx, media.ContentTypeAudio, []byte("a"), ref(t, 0, 10), false))
	require.NoError(t, e.AppendBuffer(ctx, media.ContentTypeAudio, []byte("b"), ref(t, 30, 40), false))

	assert.InDelta(t, 10.0, e.BufferedAheadOf(media.ContentTypeAudio, 0), 1e-9)
}

func TestEngine_RemoveSplitsRanges(t *testing.T) {
	e, audio, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.AppendBuffer(ctx, media.ContentTypeAudio, []byte("a"), ref(t, 0, 30), false))
	require.NoError(t, e.Remove(ctx, media.ContentTypeAudio, 10, 20))

	ranges := audio.BufferedRanges()
	require.Len(t, ranges, 2)
	assert.Equal(t, BufferedRange{0, 10}, ranges[0])
	assert.Equal(t, BufferedRange{20, 30}, ranges[1])
}

func TestEngine_FIFOOrderPerType(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		done, err := e.enqueue(media.ContentTypeAudio, func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		wg.Add(1)
		go func() { defer wg.Done(); <-done }()
	}
	wg.Wait()
	_ = ctx

	for i := 0; i < 20; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestEngine_BlockingOperationDrainsAllQueues(t *testing.T) {
	e, audio, video := newTestEngine(t)
	ctx := context.Background()

	// Queue slow appends on both types, then a blocking SetDuration. The
	// duration change must observe both appends completed.
	var wg sync.WaitGroup
	for _, ct := range []media.ContentType{media.ContentTypeAudio, media.ContentTypeVideo} {
		ct := ct
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.do(ctx, ct, func() error {
				time.Sleep(30 * time.Millisecond)
				return nil
			})
		}()
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, e.SetDuration(ctx, 120))
	wg.Wait()

	assert.Equal(t, 120.0, audio.Duration())
	assert.Equal(t, 120.0, video.Duration())
}

func TestEngine_EndOfStreamReachesAllSinks(t *testing.T) {
	e, audio, video := newTestEngine(t)
	require.NoError(t, e.EndOfStream(context.Background()))
	assert.True(t, audio.IsEnded())
	assert.True(t, video.IsEnded())
}

func TestEngine_QuotaErrorPropagates(t *testing.T) {
	e, audio, _ := newTestEngine(t)
	audio.Quota = 3

	err := e.AppendBuffer(context.Background(), media.ContentTypeAudio, []byte("too big"), ref(t, 0, 10), false)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestEngine_DestroyRejectsFurtherOps(t *testing.T) {
	audio := NewMemorySink()
	e := NewEngine(map[media.ContentType]BufferSink{media.ContentTypeAudio: audio}, nil)
	e.Destroy()
	e.Destroy() // idempotent

	err := e.AppendBuffer(context.Background(), media.ContentTypeAudio, nil, ref(t, 0, 1), false)
	assert.ErrorIs(t, err, ErrEngineDestroyed)
	assert.ErrorIs(t, e.SetDuration(context.Background(), 1), ErrEngineDestroyed)
}

func TestEngine_UnknownTypeFails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.False(t, e.HasSink(media.ContentTypeText))
	err := e.Clear(context.Background(), media.ContentTypeText)
	assert.Error(t, err)
}
