package streaming

import (
	"context"

	strevanet "github.com/streva/streva/internal/net"
)

// PendingFetch is the abortable handle the engine holds for an in-flight
// request. *strevanet.PendingRequest satisfies it.
type PendingFetch interface {
	Wait(ctx context.Context) (*strevanet.Response, error)
	Abort()
	BytesReceived() int64
}

// Fetcher issues segment and key requests. The engine consumes this instead
// of the HTTP client directly so tests can script fetches.
type Fetcher interface {
	Fetch(ctx context.Context, typ strevanet.RequestType, req strevanet.Request) PendingFetch
	// BandwidthEstimate returns the current estimate in bits per second,
	// or 0 when unknown.
	BandwidthEstimate() float64
}

// NetFetcher adapts the HTTP client to the Fetcher interface.
type NetFetcher struct {
	Client *strevanet.Client
}

func (f NetFetcher) Fetch(ctx context.Context, typ strevanet.RequestType, req strevanet.Request) PendingFetch {
	return f.Client.Request(ctx, typ, req)
}

func (f NetFetcher) BandwidthEstimate() float64 {
	return f.Client.Bandwidth().Estimate()
}
