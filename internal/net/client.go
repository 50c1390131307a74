// Package net provides the segment fetch layer: an HTTP client with
// automatic retries, exponential backoff with fuzz, transparent
// decompression, abortable in-flight operations, and bandwidth estimation
// feeding the streaming engine's adaptation decisions.
package net

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/oklog/ulid/v2"

	"github.com/streva/streva/internal/media"
)

// RequestType tags a request for logging and policy selection.
type RequestType int

const (
	RequestTypeManifest RequestType = iota
	RequestTypeSegment
	RequestTypeLicense
	RequestTypeKey
)

func (t RequestType) String() string {
	switch t {
	case RequestTypeManifest:
		return "manifest"
	case RequestTypeSegment:
		return "segment"
	case RequestTypeLicense:
		return "license"
	case RequestTypeKey:
		return "key"
	default:
		return "unknown"
	}
}

// RetryPolicy controls retry behavior for one request.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	FuzzFactor    float64
	Timeout       time.Duration
}

// DefaultRetryPolicy mirrors the defaults used for segment requests.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   2,
		BaseDelay:     time.Second,
		BackoffFactor: 2.0,
		FuzzFactor:    0.5,
		Timeout:       30 * time.Second,
	}
}

// Request describes one fetch.
type Request struct {
	URIs      []string
	ByteRange *media.ByteRange
	Headers   map[string]string
	Policy    RetryPolicy

	// OnChunk, when set, receives body chunks as they arrive (low-latency
	// mode). The full body is still returned on completion.
	OnChunk func(data []byte)
}

// Response is a completed fetch.
type Response struct {
	Data            []byte
	Headers         http.Header
	URI             string
	TimeToFirstByte time.Duration
	Duration        time.Duration
}

// Client issues abortable, retrying requests.
type Client struct {
	base      *http.Client
	logger    *slog.Logger
	userAgent string
	bandwidth *BandwidthEstimator
}

// NewClient builds a client over base (nil for a default http.Client).
func NewClient(base *http.Client, logger *slog.Logger) *Client {
	if base == nil {
		base = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:      base,
		logger:    logger,
		userAgent: "streva/1.0",
		bandwidth: NewBandwidthEstimator(DefaultBandwidthEstimate),
	}
}

// Bandwidth returns the client's shared bandwidth estimator.
func (c *Client) Bandwidth() *BandwidthEstimator { return c.bandwidth }

// Request starts an abortable fetch. The returned operation completes on its
// Done channel; Abort cancels it, surfacing CodeOperationAborted.
func (c *Client) Request(ctx context.Context, typ RequestType, req Request) *PendingRequest {
	ctx, cancel := context.WithCancel(ctx)
	pr := newPendingRequest(cancel)
	go func() {
		resp, err := c.fetchWithRetry(ctx, typ, req, pr)
		pr.complete(resp, err)
	}()
	return pr
}

// fetchWithRetry walks the candidate URIs, applying the retry policy with
// exponential backoff across attempts.
func (c *Client) fetchWithRetry(ctx context.Context, typ RequestType, req Request, pr *PendingRequest) (*Response, error) {
	policy := req.Policy
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	// Lazily resolved references can surface with no candidate locations.
	if len(req.URIs) == 0 {
		return nil, media.NewError(media.SeverityCritical, media.CategoryNetwork,
			media.CodeHTTPError, fmt.Errorf("request has no uris"))
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(policy, attempt)
			c.logger.Debug("retrying request",
				slog.String("type", typ.String()),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, abortedOr(ctx, lastErr)
			}
		}

		uri := req.URIs[attempt%len(req.URIs)]
		resp, err := c.fetchOnce(ctx, typ, uri, req, pr)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, media.NewError(media.SeverityRecoverable, media.CategoryNetwork,
				media.CodeOperationAborted, err)
		}
		// Missing segments are handled by the caller's own backoff; further
		// attempts here would hit the same 404.
		if media.IsCode(err, media.CodeSegmentMissing) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, typ RequestType, uri string, req Request, pr *PendingRequest) (*Response, error) {
	if req.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Policy.Timeout)
		defer cancel()
	}

	requestID := ulid.Make().String()
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, media.NewError(media.SeverityCritical, media.CategoryNetwork, media.CodeHTTPError, err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if br := req.ByteRange; br != nil && (br.Start != 0 || br.End != nil) {
		if br.End != nil {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", br.Start, *br.End))
		} else {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", br.Start))
		}
	}

	resp, err := c.base.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, media.NewError(media.SeverityRecoverable, media.CategoryNetwork, media.CodeTimeout, err)
		}
		if ctx.Err() == context.Canceled {
			return nil, context.Canceled
		}
		return nil, media.NewError(media.SeverityRecoverable, media.CategoryNetwork, media.CodeHTTPError, err)
	}
	defer resp.Body.Close()

	ttfb := time.Since(start)
	if err := classifyStatus(resp.StatusCode); err != nil {
		c.logger.Debug("request failed",
			slog.String("request_id", requestID),
			slog.String("type", typ.String()),
			slog.String("uri", uri),
			slog.Int("status", resp.StatusCode))
		return nil, err
	}

	body, err := decompressedReader(resp)
	if err != nil {
		return nil, media.NewError(media.SeverityRecoverable, media.CategoryNetwork, media.CodeHTTPError, err)
	}

	data, err := readAll(body, req.OnChunk, pr)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, context.Canceled
		}
		return nil, media.NewError(media.SeverityRecoverable, media.CategoryNetwork, media.CodeHTTPError, err)
	}

	elapsed := time.Since(start)
	if typ == RequestTypeSegment {
		c.bandwidth.Sample(elapsed-ttfb, int64(len(data)))
	}
	c.logger.Debug("request complete",
		slog.String("request_id", requestID),
		slog.String("type", typ.String()),
		slog.String("uri", uri),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", elapsed))

	return &Response{
		Data:            data,
		Headers:         resp.Header,
		URI:             uri,
		TimeToFirstByte: ttfb,
		Duration:        elapsed,
	}, nil
}

// readAll drains body, forwarding chunks and tracking progress on pr so the
// abort decision can see bytes remaining.
func readAll(body io.Reader, onChunk func([]byte), pr *PendingRequest) ([]byte, error) {
	var out []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			pr.addBytes(int64(n))
			if onChunk != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk)
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func decompressedReader(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// classifyStatus maps HTTP statuses onto the error taxonomy. 404 and 410 are
// the "segment missing" family: recoverable, handled by the caller's fixed
// backoff rather than by client retries.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return media.NewError(media.SeverityRecoverable, media.CategoryNetwork, media.CodeSegmentMissing, nil).
			WithData("status", status)
	default:
		return media.NewError(media.SeverityRecoverable, media.CategoryNetwork, media.CodeHTTPError, nil).
			WithData("status", status)
	}
}

// backoffDelay computes the delay before the given attempt (1-based) with
// multiplicative backoff and uniform fuzz of ±FuzzFactor.
func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffFactor
	}
	if p.FuzzFactor > 0 {
		fuzz := 1 + p.FuzzFactor*(2*rand.Float64()-1)
		delay *= fuzz
	}
	return time.Duration(delay)
}

func abortedOr(ctx context.Context, lastErr error) error {
	if ctx.Err() == context.Canceled {
		return media.NewError(media.SeverityRecoverable, media.CategoryNetwork, media.CodeOperationAborted, ctx.Err())
	}
	if lastErr != nil {
		return lastErr
	}
	return media.NewError(media.SeverityRecoverable, media.CategoryNetwork, media.CodeTimeout, ctx.Err())
}
