package drm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streva/streva/internal/media"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionLoading
	SessionLoaded
	SessionNotFound
	SessionRequestSent
	SessionUpdated
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionLoading:
		return "loading"
	case SessionLoaded:
		return "loaded"
	case SessionNotFound:
		return "not-found"
	case SessionRequestSent:
		return "request-sent"
	case SessionUpdated:
		return "updated"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the application's DRM preferences.
type Config struct {
	// PreferredKeySystems are tried before everything else, in order.
	PreferredKeySystems []string
	// Servers maps key system to license server URI.
	Servers map[string]string
	// Advanced holds per-key-system settings merged into manifest DrmInfo.
	Advanced map[string]AdvancedConfig
	// DelayLicenseRequestUntilPlayed queues license requests until the first
	// playback start.
	DelayLicenseRequestUntilPlayed bool

	KeyStatusBatchDelay     time.Duration
	ExpirationCheckInterval time.Duration
	ExpirationGrace         time.Duration
	SessionCloseTimeout     time.Duration
	Retry                   struct {
		MaxAttempts int
	}
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		KeyStatusBatchDelay:     500 * time.Millisecond,
		ExpirationCheckInterval: time.Second,
		ExpirationGrace:         time.Second,
		SessionCloseTimeout:     time.Second,
	}
}

// sessionRecord is the engine's bookkeeping for one active session.
type sessionRecord struct {
	id          string
	session     Session
	initData    []byte
	sessionType string
	state       SessionState
	loaded      bool
	expiration  time.Time

	// releaseDone is closed when the license-release round trip for a
	// pending remove has completed.
	removePending bool
	releaseDone   chan struct{}
}

// Engine drives key-system negotiation and session lifecycle. Streams' DRM
// info is handed to Init exactly once; sessions are created as init data is
// discovered (manifest or media).
type Engine struct {
	cfg       Config
	provider  KeySystemProvider
	transport LicenseTransport
	logger    *slog.Logger

	mu          sync.Mutex
	negotiated  bool
	access      KeySystemAccess
	mediaKeys   MediaKeys
	activeInfo  *media.DrmInfo
	sessions    map[string]*sessionRecord
	rawStatuses map[string]KeyStatus
	announced   map[string]KeyStatus
	batchTimer  *time.Timer

	playbackStarted bool
	queued          []queuedMessage
	expiredReported bool
	destroyed       bool

	sweepStop chan struct{}
	sweepDone chan struct{}

	// OnError receives critical DRM errors. OnKeyStatuses receives the
	// announced (batched) key status map. OnExpirationUpdated reports
	// per-session expiry changes.
	OnError             func(err error)
	OnKeyStatuses       func(statuses map[string]KeyStatus)
	OnExpirationUpdated func(sessionID string, expiration time.Time)

	now func() time.Time
}

type queuedMessage struct {
	rec     *sessionRecord
	msgType MessageType
	message []byte
}

// NewEngine builds an engine. provider and transport are the platform CDM
// binding and license transport.
func NewEngine(cfg Config, provider KeySystemProvider, transport LicenseTransport, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.KeyStatusBatchDelay <= 0 {
		cfg.KeyStatusBatchDelay = def.KeyStatusBatchDelay
	}
	if cfg.ExpirationCheckInterval <= 0 {
		cfg.ExpirationCheckInterval = def.ExpirationCheckInterval
	}
	if cfg.ExpirationGrace <= 0 {
		cfg.ExpirationGrace = def.ExpirationGrace
	}
	if cfg.SessionCloseTimeout <= 0 {
		cfg.SessionCloseTimeout = def.SessionCloseTimeout
	}
	e := &Engine{
		cfg:         cfg,
		provider:    provider,
		transport:   transport,
		logger:      logger,
		sessions:    make(map[string]*sessionRecord),
		rawStatuses: make(map[string]KeyStatus),
		announced:   make(map[string]KeyStatus),
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
		now:         time.Now,
	}
	go e.expirationSweep()
	return e
}

// Init negotiates a key system for the given DrmInfo sets. Called once;
// clear content (no DRM info anywhere) succeeds without negotiation.
// Preference order: application-preferred key systems, then key systems with
// a license server, then the rest (tried purely for diagnostics).
func (e *Engine) Init(infos []media.DrmInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeEngineDestroyed, nil)
	}
	if e.negotiated {
		return fmt.Errorf("drm engine already initialized")
	}
	e.negotiated = true

	if len(infos) == 0 {
		// Clear content; nothing to negotiate.
		return nil
	}

	filled := make([]media.DrmInfo, 0, len(infos))
	for _, info := range infos {
		filled = append(filled, FillDrmInfoDefaults(info, e.cfg.Servers, e.cfg.Advanced))
	}
	ordered := orderForNegotiation(filled, e.cfg.PreferredKeySystems)

	configs := make([]KeySystemConfig, 0, len(ordered))
	for _, info := range ordered {
		configs = append(configs, KeySystemConfig{
			KeySystem:       info.KeySystem,
			Robustness:      info.Robustness,
			PersistentState: info.PersistentState,
			DistinctiveID:   info.DistinctiveID,
		})
	}

	access, err := e.provider.RequestKeySystemAccess(configs)
	if err != nil {
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeKeySystemUnavailable, err)
	}
	e.access = access
	for i := range ordered {
		if ordered[i].KeySystem == access.KeySystem() {
			e.activeInfo = &ordered[i]
			break
		}
	}
	if e.activeInfo == nil {
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeKeySystemUnavailable,
			fmt.Errorf("granted key system %q matches no candidate", access.KeySystem()))
	}

	mk, err := access.CreateMediaKeys()
	if err != nil {
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeKeySystemUnavailable, err)
	}
	e.mediaKeys = mk

	if cert := e.activeInfo.ServerCertificate; len(cert) > 0 {
		if err := mk.SetServerCertificate(cert); err != nil {
			return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeServerCertFailed, err)
		}
	}
	return nil
}

// orderForNegotiation sorts candidate infos: preferred key systems first (in
// preference order), then infos with a license server, then the rest.
func orderForNegotiation(infos []media.DrmInfo, preferred []string) []media.DrmInfo {
	rank := func(info media.DrmInfo) int {
		for i, ks := range preferred {
			if info.KeySystem == ks {
				return i
			}
		}
		if info.LicenseServerURI != "" {
			return len(preferred)
		}
		return len(preferred) + 1
	}
	out := cloneInfos(infos)
	// Stable insertion sort; candidate lists are tiny.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rank(out[j]) < rank(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// KeySystem returns the negotiated key system, or "" for clear content.
func (e *Engine) KeySystem() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.access == nil {
		return ""
	}
	return e.access.KeySystem()
}

// NewSession creates a session for freshly discovered init data and fires the
// license request. Duplicate init data is ignored.
func (e *Engine) NewSession(ctx context.Context, initDataType string, initData []byte) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeEngineDestroyed, nil)
	}
	if e.mediaKeys == nil {
		e.mu.Unlock()
		return fmt.Errorf("drm engine has no media keys; Init not run or clear content")
	}
	for _, rec := range e.sessions {
		if bytes.Equal(rec.initData, initData) {
			e.mu.Unlock()
			return nil
		}
	}
	sessionType := SessionTypeTemporary
	if e.activeInfo != nil && e.activeInfo.SessionType != "" {
		sessionType = e.activeInfo.SessionType
	}
	mk := e.mediaKeys
	e.mu.Unlock()

	session, err := mk.CreateSession(sessionType)
	if err != nil {
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeLicenseRequestFailed, err)
	}
	rec := &sessionRecord{
		id:          sessionID(session),
		session:     session,
		initData:    bytes.Clone(initData),
		sessionType: sessionType,
		state:       SessionCreated,
	}
	e.track(rec)

	if err := session.GenerateRequest(initDataType, initData); err != nil {
		e.untrack(rec.id)
		// Best-effort close of the failed session.
		_ = session.Close()
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeLicenseRequestFailed, err)
	}
	e.setState(rec, SessionRequestSent)
	return nil
}

// LoadSession restores a persisted session. The returned bool is false when
// the platform has no record of it.
func (e *Engine) LoadSession(ctx context.Context, persistedID string) (bool, error) {
	e.mu.Lock()
	if e.destroyed || e.mediaKeys == nil {
		e.mu.Unlock()
		return false, media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeEngineDestroyed, nil)
	}
	mk := e.mediaKeys
	e.mu.Unlock()

	session, err := mk.CreateSession(SessionTypePersistentLicense)
	if err != nil {
		return false, media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeLicenseRequestFailed, err)
	}
	rec := &sessionRecord{
		id:          persistedID,
		session:     session,
		sessionType: SessionTypePersistentLicense,
		state:       SessionLoading,
	}
	e.track(rec)

	found, err := session.Load(persistedID)
	if err != nil {
		e.untrack(rec.id)
		return false, media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeLicenseRequestFailed, err)
	}
	if !found {
		e.setState(rec, SessionNotFound)
		e.untrack(rec.id)
		_ = session.Close()
		return false, nil
	}
	rec.loaded = true
	e.setState(rec, SessionLoaded)
	return true, nil
}

// track registers the record and wires session callbacks.
func (e *Engine) track(rec *sessionRecord) {
	rec.session.SetCallbacks(SessionCallbacks{
		OnMessage: func(msgType MessageType, message []byte) {
			e.handleMessage(rec, msgType, message)
		},
		OnKeyStatusesChange: func() {
			e.handleKeyStatuses(rec)
		},
	})
	e.mu.Lock()
	e.sessions[rec.id] = rec
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

func (e *Engine) setState(rec *sessionRecord, s SessionState) {
	e.mu.Lock()
	rec.state = s
	e.mu.Unlock()
}

// handleMessage forwards a session message to the license server, queueing
// it when license requests are configured to wait for first play.
func (e *Engine) handleMessage(rec *sessionRecord, msgType MessageType, message []byte) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	if e.cfg.DelayLicenseRequestUntilPlayed && !e.playbackStarted && msgType != MessageTypeLicenseRelease {
		e.queued = append(e.queued, queuedMessage{rec: rec, msgType: msgType, message: message})
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.sendMessage(rec, msgType, message)
}

// sendMessage performs the license round trip for one message.
func (e *Engine) sendMessage(rec *sessionRecord, msgType MessageType, message []byte) {
	e.mu.Lock()
	var uri string
	if e.activeInfo != nil {
		uri = e.activeInfo.LicenseServerURI
	}
	e.mu.Unlock()

	fail := func(code string, err error) {
		e.logger.Warn("license exchange failed",
			slog.String("session_id", rec.id),
			slog.String("message_type", string(msgType)),
			slog.String("error", err.Error()))
		e.emitError(media.NewError(media.SeverityCritical, media.CategoryDRM, code, err))
		if msgType == MessageTypeLicenseRelease {
			e.finishRelease(rec)
		}
	}
	if uri == "" {
		fail(media.CodeLicenseRequestFailed, fmt.Errorf("no license server for key system"))
		return
	}

	resp, err := e.transport.Post(context.Background(), uri, message)
	if err != nil {
		fail(media.CodeLicenseRequestFailed, err)
		return
	}
	if err := rec.session.Update(resp); err != nil {
		fail(media.CodeLicenseUpdateFailed, err)
		return
	}
	e.setState(rec, SessionUpdated)
	e.noteExpiration(rec)
	if msgType == MessageTypeLicenseRelease {
		e.finishRelease(rec)
	}
}

func (e *Engine) finishRelease(rec *sessionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.releaseDone != nil {
		close(rec.releaseDone)
		rec.releaseDone = nil
	}
}

func (e *Engine) noteExpiration(rec *sessionRecord) {
	exp := rec.session.Expiration()
	e.mu.Lock()
	changed := !exp.Equal(rec.expiration)
	rec.expiration = exp
	cb := e.OnExpirationUpdated
	e.mu.Unlock()
	if changed && cb != nil {
		cb(rec.id, exp)
	}
}

// PlaybackStarted flushes license requests queued by
// DelayLicenseRequestUntilPlayed, in arrival order.
func (e *Engine) PlaybackStarted() {
	e.mu.Lock()
	e.playbackStarted = true
	queued := e.queued
	e.queued = nil
	e.mu.Unlock()
	for _, q := range queued {
		e.sendMessage(q.rec, q.msgType, q.message)
	}
}

// handleKeyStatuses folds a session's statuses into the raw map and
// (re)arms the batch timer. Rapid updates from several sessions coalesce
// into one announcement.
func (e *Engine) handleKeyStatuses(rec *sessionRecord) {
	statuses := rec.session.KeyStatuses()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	maps.Copy(e.rawStatuses, statuses)
	if e.batchTimer == nil {
		e.batchTimer = time.AfterFunc(e.cfg.KeyStatusBatchDelay, e.announceKeyStatuses)
	}
}

// announceKeyStatuses publishes the batched statuses.
func (e *Engine) announceKeyStatuses() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.batchTimer = nil
	e.announced = maps.Clone(e.rawStatuses)
	announced := e.announced
	cb := e.OnKeyStatuses

	allExpired := len(announced) > 0
	for _, st := range announced {
		if st != KeyStatusExpired {
			allExpired = false
			break
		}
	}
	reportExpired := allExpired && !e.expiredReported
	if reportExpired {
		e.expiredReported = true
	}
	if !allExpired {
		e.expiredReported = false
	}
	e.mu.Unlock()

	if cb != nil {
		cb(maps.Clone(announced))
	}
	if reportExpired {
		e.emitError(media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeKeyExpired, nil))
	}
}

// KeyStatuses returns the announced (batched) key status map.
func (e *Engine) KeyStatuses() map[string]KeyStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.announced)
}

// AreAllKeysUsable reports whether every announced key is usable; the
// streaming engine consults this indirectly through append failures.
func (e *Engine) AreAllKeysUsable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.announced {
		if st != KeyStatusUsable {
			return false
		}
	}
	return true
}

// Update applies an out-of-band license response to a tracked session, for
// hosts that run their own license exchange instead of the transport.
func (e *Engine) Update(id string, response []byte) error {
	e.mu.Lock()
	rec, tracked := e.sessions[id]
	e.mu.Unlock()
	if !tracked {
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeSessionNotFound, nil).
			WithData("session_id", id)
	}
	if err := rec.session.Update(response); err != nil {
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeLicenseUpdateFailed, err)
	}
	e.setState(rec, SessionUpdated)
	e.noteExpiration(rec)
	return nil
}

// RemoveSession removes a persisted license. For tracked sessions it waits
// for the license-release message round trip, not just the platform remove
// call.
func (e *Engine) RemoveSession(ctx context.Context, id string) error {
	e.mu.Lock()
	rec, tracked := e.sessions[id]
	var release chan struct{}
	if tracked {
		rec.removePending = true
		release = make(chan struct{})
		rec.releaseDone = release
	}
	e.mu.Unlock()
	if !tracked {
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeSessionNotFound, nil).
			WithData("session_id", id)
	}

	if err := rec.session.Remove(); err != nil {
		e.mu.Lock()
		rec.removePending = false
		rec.releaseDone = nil
		e.mu.Unlock()
		return media.NewError(media.SeverityCritical, media.CategoryDRM, media.CodeLicenseRequestFailed, err)
	}

	select {
	case <-release:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.untrack(id)
	return nil
}

// expirationSweep proactively closes sessions whose license has expired,
// unless a remove is pending on them (closing mid-remove would orphan the
// license).
func (e *Engine) expirationSweep() {
	defer close(e.sweepDone)
	ticker := time.NewTicker(e.cfg.ExpirationCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		now := e.now()
		var toClose []*sessionRecord
		for _, rec := range e.sessions {
			e.noteExpirationLocked(rec)
			if rec.removePending || rec.expiration.IsZero() {
				continue
			}
			if now.After(rec.expiration.Add(e.cfg.ExpirationGrace)) {
				rec.state = SessionClosing
				toClose = append(toClose, rec)
				delete(e.sessions, rec.id)
			}
		}
		e.mu.Unlock()

		for _, rec := range toClose {
			e.logger.Info("closing expired drm session", slog.String("session_id", rec.id))
			e.closeWithTimeout(rec.session)
			e.setState(rec, SessionClosed)
		}
	}
}

func (e *Engine) noteExpirationLocked(rec *sessionRecord) {
	exp := rec.session.Expiration()
	if exp.Equal(rec.expiration) {
		return
	}
	rec.expiration = exp
	if cb := e.OnExpirationUpdated; cb != nil {
		go cb(rec.id, exp)
	}
}

// closeWithTimeout races session close against a cap, tolerating platforms
// whose close call never returns.
func (e *Engine) closeWithTimeout(s Session) {
	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.SessionCloseTimeout):
	}
}

// SessionStates returns a snapshot of session lifecycle states by id.
func (e *Engine) SessionStates() map[string]SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]SessionState, len(e.sessions))
	for id, rec := range e.sessions {
		out[id] = rec.state
	}
	return out
}

func (e *Engine) emitError(err error) {
	e.mu.Lock()
	cb := e.OnError
	destroyed := e.destroyed
	e.mu.Unlock()
	if cb != nil && !destroyed {
		cb(err)
	}
}

// Destroy closes all sessions (each capped by SessionCloseTimeout) and stops
// background work. Idempotent.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	if e.batchTimer != nil {
		e.batchTimer.Stop()
		e.batchTimer = nil
	}
	sessions := make([]*sessionRecord, 0, len(e.sessions))
	for _, rec := range e.sessions {
		sessions = append(sessions, rec)
	}
	e.sessions = make(map[string]*sessionRecord)
	close(e.sweepStop)
	e.mu.Unlock()

	<-e.sweepDone
	for _, rec := range sessions {
		e.closeWithTimeout(rec.session)
	}
}

// sessionID returns the platform session id, or a generated one when the
// platform has not assigned an id yet.
func sessionID(s Session) string {
	if id := s.ID(); id != "" {
		return id
	}
	return uuid.NewString()
}
