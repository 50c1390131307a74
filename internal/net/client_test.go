package net

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streva/streva/internal/media"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2,
		FuzzFactor:    0,
		Timeout:       time.Second,
	}
}

func TestClient_FetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("segment-bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	pr := c.Request(context.Background(), RequestTypeSegment, Request{
		URIs:   []string{srv.URL},
		Policy: testPolicy(),
	})
	resp, err := pr.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("segment-bytes"), resp.Data)
	assert.Equal(t, srv.URL, resp.URI)
	assert.EqualValues(t, len("segment-bytes"), pr.BytesReceived())
}

func TestClient_ByteRangeHeader(t *testing.T) {
	var gotRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange.Store(r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("abc"))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	end := int64(499)
	pr := c.Request(context.Background(), RequestTypeSegment, Request{
		URIs:      []string{srv.URL},
		ByteRange: &media.ByteRange{Start: 100, End: &end},
		Policy:    testPolicy(),
	})
	_, err := pr.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bytes=100-499", gotRange.Load())
}

func TestClient_EmptyURIListFailsWithoutPanic(t *testing.T) {
	c := NewClient(nil, nil)
	pr := c.Request(context.Background(), RequestTypeSegment, Request{})
	_, err := pr.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, media.IsCode(err, media.CodeHTTPError))
}

func TestClient_NotFoundIsSegmentMissingWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	pr := c.Request(context.Background(), RequestTypeSegment, Request{
		URIs:   []string{srv.URL},
		Policy: testPolicy(),
	})
	_, err := pr.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, media.IsCode(err, media.CodeSegmentMissing))
	assert.EqualValues(t, 1, calls.Load(), "404 must not be retried by the client")
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	pr := c.Request(context.Background(), RequestTypeSegment, Request{
		URIs:   []string{srv.URL},
		Policy: testPolicy(),
	})
	resp, err := pr.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Data)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_AbortSurfacesOperationAborted(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.Client(), nil)
	pr := c.Request(context.Background(), RequestTypeSegment, Request{
		URIs:   []string{srv.URL},
		Policy: testPolicy(),
	})
	time.Sleep(20 * time.Millisecond)
	pr.Abort()
	<-pr.Done()
	_, err := pr.Result()
	require.Error(t, err)
	assert.True(t, media.IsCode(err, media.CodeOperationAborted), "got %v", err)
}

func TestClient_TransparentGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		_, _ = gw.Write([]byte("compressed payload"))
		_ = gw.Close()
	}))
	defer srv.Close()

	// The default transport would decompress itself; use a bare one so the
	// client's own path is exercised.
	base := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	c := NewClient(base, nil)
	pr := c.Request(context.Background(), RequestTypeSegment, Request{
		URIs:   []string{srv.URL},
		Policy: testPolicy(),
	})
	resp, err := pr.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("compressed payload"), resp.Data)
}

func TestClient_ChunkCallback(t *testing.T) {
	payload := make([]byte, 200*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	var chunked atomic.Int64
	c := NewClient(srv.Client(), nil)
	pr := c.Request(context.Background(), RequestTypeSegment, Request{
		URIs:    []string{srv.URL},
		Policy:  testPolicy(),
		OnChunk: func(data []byte) { chunked.Add(int64(len(data))) },
	})
	resp, err := pr.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, resp.Data, len(payload))
	assert.EqualValues(t, len(payload), chunked.Load())
}

func TestBackoffDelay_GrowthAndFuzzBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, BackoffFactor: 2, FuzzFactor: 0}
	assert.Equal(t, 100*time.Millisecond, backoffDelay(p, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(p, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(p, 3))

	p.FuzzFactor = 0.5
	for i := 0; i < 100; i++ {
		d := backoffDelay(p, 2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestBandwidthEstimator(t *testing.T) {
	b := NewBandwidthEstimator(500_000)
	assert.Equal(t, 500_000.0, b.Estimate(), "default until samples arrive")
	assert.False(t, b.HasGoodEstimate())

	// Two 1MB transfers over 1s each: 8 Mbit/s.
	b.Sample(time.Second, 1<<20)
	b.Sample(time.Second, 1<<20)
	assert.True(t, b.HasGoodEstimate())
	est := b.Estimate()
	assert.InDelta(t, 8*float64(1<<20), est, float64(1<<20)/2)

	// Tiny samples are ignored.
	b.Sample(time.Millisecond, 100)
	assert.Equal(t, est, b.Estimate())
}
