package net

import (
	"context"
	"sync"
	"sync/atomic"
)

// PendingRequest is an abortable in-flight fetch. The operation completes
// exactly once; Done is closed after the result is recorded.
type PendingRequest struct {
	cancel context.CancelFunc
	done   chan struct{}

	bytesReceived atomic.Int64

	mu   sync.Mutex
	resp *Response
	err  error
	once sync.Once
}

func newPendingRequest(cancel context.CancelFunc) *PendingRequest {
	return &PendingRequest{cancel: cancel, done: make(chan struct{})}
}

// Done is closed when the request has completed, failed, or been aborted.
func (p *PendingRequest) Done() <-chan struct{} { return p.done }

// Abort cancels the request. Safe to call at any time, including after
// completion; the eventual result of an aborted request carries
// CodeOperationAborted.
func (p *PendingRequest) Abort() { p.cancel() }

// Result returns the outcome; valid only after Done is closed.
func (p *PendingRequest) Result() (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resp, p.err
}

// Wait blocks until completion or ctx expiry.
func (p *PendingRequest) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		p.Abort()
		<-p.done
		return p.Result()
	}
}

// BytesReceived reports progress so far, used by the streaming engine's
// abort-on-switch decision.
func (p *PendingRequest) BytesReceived() int64 { return p.bytesReceived.Load() }

func (p *PendingRequest) addBytes(n int64) { p.bytesReceived.Add(n) }

func (p *PendingRequest) complete(resp *Response, err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.resp, p.err = resp, err
		p.mu.Unlock()
		p.cancel()
		close(p.done)
	})
}
