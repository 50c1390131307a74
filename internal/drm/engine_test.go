package drm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streva/streva/internal/media"
)

// --- fakes ---

type fakeAccess struct {
	keySystem string
	mk        *fakeMediaKeys
}

func (f *fakeAccess) KeySystem() string { return f.keySystem }
func (f *fakeAccess) CreateMediaKeys() (MediaKeys, error) {
	if f.mk == nil {
		f.mk = newFakeMediaKeys()
	}
	return f.mk, nil
}

type fakeProvider struct {
	mu         sync.Mutex
	calls      int
	gotConfigs []KeySystemConfig
	grant      string // key system to grant; "" grants the first
	err        error
	lastAccess *fakeAccess
}

func (f *fakeProvider) RequestKeySystemAccess(configs []KeySystemConfig) (KeySystemAccess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotConfigs = configs
	if f.err != nil {
		return nil, f.err
	}
	ks := f.grant
	if ks == "" && len(configs) > 0 {
		ks = configs[0].KeySystem
	}
	f.lastAccess = &fakeAccess{keySystem: ks}
	return f.lastAccess, nil
}

type fakeMediaKeys struct {
	mu            sync.Mutex
	cert          []byte
	certErr       error
	sessions      []*fakeSession
	nextLoadFound bool
}

func newFakeMediaKeys() *fakeMediaKeys { return &fakeMediaKeys{} }

func (f *fakeMediaKeys) CreateSession(sessionType string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{
		id:          fmt.Sprintf("session-%d", len(f.sessions)),
		sessionType: sessionType,
		loadFound:   f.nextLoadFound,
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeMediaKeys) SetServerCertificate(cert []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.certErr != nil {
		return f.certErr
	}
	f.cert = cert
	return nil
}

type fakeSession struct {
	mu          sync.Mutex
	id          string
	sessionType string
	cb          SessionCallbacks
	statuses    map[string]KeyStatus
	expiration  time.Time
	updates     [][]byte
	loadFound   bool
	closed      bool
	closeHangs  bool
	removeErr   error
}

func (s *fakeSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *fakeSession) SetCallbacks(cb SessionCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

func (s *fakeSession) GenerateRequest(initDataType string, initData []byte) error {
	go s.callbacks().OnMessage(MessageTypeLicenseRequest, []byte("request:"+string(initData)))
	return nil
}

func (s *fakeSession) Load(sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadFound, nil
}

func (s *fakeSession) Update(response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, response)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	hang := s.closeHangs
	s.closed = true
	s.mu.Unlock()
	if hang {
		select {} // platform bug: close never resolves
	}
	return nil
}

func (s *fakeSession) Remove() error {
	s.mu.Lock()
	err := s.removeErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	go s.callbacks().OnMessage(MessageTypeLicenseRelease, []byte("release"))
	return nil
}

func (s *fakeSession) Expiration() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiration
}

func (s *fakeSession) KeyStatuses() map[string]KeyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]KeyStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

func (s *fakeSession) callbacks() SessionCallbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

func (s *fakeSession) setStatuses(st map[string]KeyStatus) {
	s.mu.Lock()
	s.statuses = st
	s.mu.Unlock()
	s.callbacks().OnKeyStatusesChange()
}

type fakeTransport struct {
	mu    sync.Mutex
	posts [][]byte
	uris  []string
	err   error
}

func (f *fakeTransport) Post(ctx context.Context, uri string, body []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.posts = append(f.posts, body)
	f.uris = append(f.uris, uri)
	return append([]byte("license-for:"), body...), nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

// --- helpers ---

func widevineInfo() media.DrmInfo {
	return media.DrmInfo{KeySystem: "com.widevine.alpha", LicenseServerURI: "https://license.example/wv"}
}

func newTestEngine(t *testing.T, cfg Config, provider *fakeProvider, transport *fakeTransport) *Engine {
	t.Helper()
	if provider == nil {
		provider = &fakeProvider{}
	}
	if transport == nil {
		transport = &fakeTransport{}
	}
	cfg.KeyStatusBatchDelay = 20 * time.Millisecond
	cfg.ExpirationCheckInterval = 10 * time.Millisecond
	cfg.ExpirationGrace = time.Millisecond
	if cfg.SessionCloseTimeout == 0 {
		cfg.SessionCloseTimeout = 100 * time.Millisecond
	}
	e := NewEngine(cfg, provider, transport, nil)
	t.Cleanup(e.Destroy)
	return e
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// --- tests ---

func TestEngine_InitClearContent(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, Config{}, provider, nil)

	require.NoError(t, e.Init(nil))
	assert.Equal(t, "", e.KeySystem())
	assert.Equal(t, 0, provider.calls)

	assert.Error(t, e.Init(nil), "second Init must fail")
}

func TestEngine_InitNegotiationOrder(t *testing.T) {
	provider := &fakeProvider{grant: "com.widevine.alpha"}
	cfg := Config{PreferredKeySystems: []string{"com.apple.fps"}}
	e := newTestEngine(t, cfg, provider, nil)

	infos := []media.DrmInfo{
		{KeySystem: "org.w3.clearkey"}, // no server: diagnostics only
		widevineInfo(),
		{KeySystem: "com.apple.fps"}, // preferred despite no server
	}
	require.NoError(t, e.Init(infos))
	require.Equal(t, 1, provider.calls, "exactly one negotiation per engine")

	order := make([]string, len(provider.gotConfigs))
	for i, c := range provider.gotConfigs {
		order[i] = c.KeySystem
	}
	assert.Equal(t, []string{"com.apple.fps", "com.widevine.alpha", "org.w3.clearkey"}, order)
	assert.Equal(t, "com.widevine.alpha", e.KeySystem())
}

func TestEngine_InitKeySystemUnavailable(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("no cdm")}
	e := newTestEngine(t, Config{}, provider, nil)

	err := e.Init([]media.DrmInfo{widevineInfo()})
	require.Error(t, err)
	assert.True(t, media.IsCode(err, media.CodeKeySystemUnavailable))
}

func TestEngine_ServerCertificate(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, Config{}, provider, nil)

	info := widevineInfo()
	info.ServerCertificate = []byte("cert-bytes")
	require.NoError(t, e.Init([]media.DrmInfo{info}))

	mk := providerAccess(provider).mk
	mk.mu.Lock()
	defer mk.mu.Unlock()
	assert.Equal(t, []byte("cert-bytes"), mk.cert)
}

func TestEngine_SessionLicenseRoundTrip(t *testing.T) {
	provider := &fakeProvider{}
	transport := &fakeTransport{}
	e := newTestEngine(t, Config{}, provider, transport)
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))

	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("pssh-1")))
	waitFor(t, func() bool { return transport.count() == 1 }, "license request")

	require.Len(t, e.SessionStates(), 1)
	waitFor(t, func() bool {
		for _, st := range e.SessionStates() {
			if st == SessionUpdated {
				return true
			}
		}
		return false
	}, "session updated")
	assert.Equal(t, "https://license.example/wv", transport.uris[0])

	// Duplicate init data creates no second session.
	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("pssh-1")))
	assert.Len(t, e.SessionStates(), 1)
}

func TestEngine_UpdateAppliesOutOfBandResponse(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, Config{DelayLicenseRequestUntilPlayed: true}, provider, nil)
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))
	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("pssh-1")))

	var id string
	for sid := range e.SessionStates() {
		id = sid
	}
	require.NoError(t, e.Update(id, []byte("oob-license")))

	states := e.SessionStates()
	assert.Equal(t, SessionUpdated, states[id])
	session := provider.lastAccess.mk.sessions[0]
	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.updates, 1)
	assert.Equal(t, []byte("oob-license"), session.updates[0])
}

func TestEngine_UpdateUnknownSession(t *testing.T) {
	e := newTestEngine(t, Config{}, nil, nil)
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))

	err := e.Update("nope", []byte("resp"))
	require.Error(t, err)
	assert.True(t, media.IsCode(err, media.CodeSessionNotFound))
}

func TestEngine_DelayedLicenseFlushedInOrderOnPlay(t *testing.T) {
	transport := &fakeTransport{}
	e := newTestEngine(t, Config{DelayLicenseRequestUntilPlayed: true}, nil, transport)
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))

	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("a")))
	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("b")))

	// Messages are produced asynchronously; wait for them to be queued.
	waitFor(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.queued) == 2
	}, "queued messages")
	assert.Equal(t, 0, transport.count())

	e.PlaybackStarted()
	waitFor(t, func() bool { return transport.count() == 2 }, "flushed licenses")
	assert.Equal(t, []byte("request:a"), transport.posts[0])
	assert.Equal(t, []byte("request:b"), transport.posts[1])
}

func TestEngine_KeyStatusBatching(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, Config{}, provider, &fakeTransport{})
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))

	var mu sync.Mutex
	var announcements []map[string]KeyStatus
	e.OnKeyStatuses = func(st map[string]KeyStatus) {
		mu.Lock()
		announcements = append(announcements, st)
		mu.Unlock()
	}

	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("a")))
	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("b")))

	access := providerAccess(provider)
	require.Len(t, access.mk.sessions, 2)
	access.mk.sessions[0].setStatuses(map[string]KeyStatus{"key1": KeyStatusUsable})
	access.mk.sessions[1].setStatuses(map[string]KeyStatus{"key2": KeyStatusUsable})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(announcements) > 0
	}, "batched announcement")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, announcements, 1, "rapid updates from two sessions coalesce")
	assert.Equal(t, map[string]KeyStatus{"key1": KeyStatusUsable, "key2": KeyStatusUsable}, announcements[0])
	assert.True(t, e.AreAllKeysUsable())
}

func TestEngine_ExpiredKeysReportedOnce(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, Config{}, provider, &fakeTransport{})
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))

	var mu sync.Mutex
	var errs []error
	e.OnError = func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("a")))
	s := providerAccess(provider).mk.sessions[0]
	s.setStatuses(map[string]KeyStatus{"key1": KeyStatusExpired})
	waitFor(t, func() bool { return len(e.KeyStatuses()) == 1 }, "first announcement")

	// A second change keeping everything expired must not re-report.
	s.setStatuses(map[string]KeyStatus{"key1": KeyStatusExpired, "key2": KeyStatusExpired})
	waitFor(t, func() bool { return len(e.KeyStatuses()) == 2 }, "second announcement")

	mu.Lock()
	defer mu.Unlock()
	expired := 0
	for _, err := range errs {
		if media.IsCode(err, media.CodeKeyExpired) {
			expired++
		}
	}
	assert.Equal(t, 1, expired)
}

func TestEngine_RemoveSessionWaitsForReleaseRoundTrip(t *testing.T) {
	provider := &fakeProvider{}
	transport := &fakeTransport{}
	e := newTestEngine(t, Config{}, provider, transport)
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))
	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("a")))
	waitFor(t, func() bool { return transport.count() == 1 }, "license request")

	var id string
	for sid := range e.SessionStates() {
		id = sid
	}
	require.NoError(t, e.RemoveSession(context.Background(), id))
	assert.GreaterOrEqual(t, transport.count(), 2, "release message went to the server")
	assert.Empty(t, e.SessionStates())

	err := e.RemoveSession(context.Background(), "nope")
	assert.True(t, media.IsCode(err, media.CodeSessionNotFound))
}

func TestEngine_ExpirationSweepClosesExpiredSessions(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, Config{}, provider, &fakeTransport{})
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))
	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("a")))

	s := providerAccess(provider).mk.sessions[0]
	s.mu.Lock()
	s.expiration = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	waitFor(t, func() bool { return len(e.SessionStates()) == 0 }, "expired session closed")
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.closed)
}

func TestEngine_ExpirationSweepSkipsPendingRemove(t *testing.T) {
	provider := &fakeProvider{}
	transport := &fakeTransport{err: fmt.Errorf("server down")}
	e := newTestEngine(t, Config{}, provider, transport)
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))
	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("a")))

	var id string
	for sid := range e.SessionStates() {
		id = sid
	}
	s := providerAccess(provider).mk.sessions[0]
	s.mu.Lock()
	s.expiration = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	// Simulate a remove in flight.
	e.mu.Lock()
	e.sessions[id].removePending = true
	e.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, e.SessionStates(), 1, "session with pending remove must not be swept")
}

func TestEngine_DestroyRacesHangingClose(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, Config{SessionCloseTimeout: 50 * time.Millisecond}, provider, &fakeTransport{})
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))
	require.NoError(t, e.NewSession(context.Background(), "cenc", []byte("a")))

	providerAccess(provider).mk.sessions[0].mu.Lock()
	providerAccess(provider).mk.sessions[0].closeHangs = true
	providerAccess(provider).mk.sessions[0].mu.Unlock()

	start := time.Now()
	e.Destroy()
	assert.Less(t, time.Since(start), time.Second, "destroy must not block on a hanging close")

	err := e.NewSession(context.Background(), "cenc", []byte("b"))
	assert.True(t, media.IsCode(err, media.CodeEngineDestroyed))
}

func TestEngine_LoadSession(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, Config{}, provider, &fakeTransport{})
	require.NoError(t, e.Init([]media.DrmInfo{widevineInfo()}))

	found, err := e.LoadSession(context.Background(), "persisted-1")
	require.NoError(t, err)
	assert.False(t, found, "unknown persisted session reports not found")
	assert.Empty(t, e.SessionStates())

	mk := providerAccess(provider).mk
	mk.mu.Lock()
	mk.nextLoadFound = true
	mk.mu.Unlock()

	found, err = e.LoadSession(context.Background(), "persisted-2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, map[string]SessionState{"persisted-2": SessionLoaded}, e.SessionStates())
}

// providerAccess digs the fakeAccess back out of the provider's last grant.
func providerAccess(p *fakeProvider) *fakeAccess {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAccess
}
