package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streva/streva/internal/drm"
)

// simKeySystem is the key system the synthetic presentation advertises.
const simKeySystem = "com.example.sim"

// simCDM is both the key-system provider and the license transport for the
// simulation: negotiation grants simKeySystem and the license server echoes
// a token every session accepts.
type simCDM struct {
	mu       sync.Mutex
	sessions []*simSession
	posts    int
}

func newSimCDM() *simCDM { return &simCDM{} }

func (c *simCDM) RequestKeySystemAccess(configs []drm.KeySystemConfig) (drm.KeySystemAccess, error) {
	for _, cfg := range configs {
		if cfg.KeySystem == simKeySystem {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no supported key system among %d candidate(s)", len(configs))
}

func (c *simCDM) KeySystem() string                       { return simKeySystem }
func (c *simCDM) CreateMediaKeys() (drm.MediaKeys, error) { return c, nil }
func (c *simCDM) SetServerCertificate(cert []byte) error  { return nil }

func (c *simCDM) CreateSession(sessionType string) (drm.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &simSession{id: fmt.Sprintf("sim-session-%d", len(c.sessions))}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *simCDM) Post(ctx context.Context, uri string, body []byte) ([]byte, error) {
	c.mu.Lock()
	c.posts++
	c.mu.Unlock()
	return append([]byte("sim-license:"), body...), nil
}

// Posts returns the number of license exchanges performed.
func (c *simCDM) Posts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.posts
}

// simSession is one in-process MediaKeySession. A license update marks the
// session's key usable.
type simSession struct {
	mu       sync.Mutex
	id       string
	cb       drm.SessionCallbacks
	statuses map[string]drm.KeyStatus
}

func (s *simSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *simSession) SetCallbacks(cb drm.SessionCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

func (s *simSession) GenerateRequest(initDataType string, initData []byte) error {
	go s.callbacks().OnMessage(drm.MessageTypeLicenseRequest, append([]byte("sim-request:"), initData...))
	return nil
}

func (s *simSession) Load(sessionID string) (bool, error) { return false, nil }

func (s *simSession) Update(response []byte) error {
	s.mu.Lock()
	s.statuses = map[string]drm.KeyStatus{s.id: drm.KeyStatusUsable}
	cb := s.cb
	s.mu.Unlock()
	if cb.OnKeyStatusesChange != nil {
		cb.OnKeyStatusesChange()
	}
	return nil
}

func (s *simSession) Close() error { return nil }

func (s *simSession) Remove() error {
	go s.callbacks().OnMessage(drm.MessageTypeLicenseRelease, []byte("sim-release"))
	return nil
}

func (s *simSession) Expiration() time.Time { return time.Time{} }

func (s *simSession) KeyStatuses() map[string]drm.KeyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]drm.KeyStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

func (s *simSession) callbacks() drm.SessionCallbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}
