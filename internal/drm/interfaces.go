package drm

import (
	"context"
	"time"
)

// KeyStatus is the platform-reported state of one content key.
type KeyStatus string

const (
	KeyStatusUsable           KeyStatus = "usable"
	KeyStatusExpired          KeyStatus = "expired"
	KeyStatusOutputRestricted KeyStatus = "output-restricted"
	KeyStatusPending          KeyStatus = "status-pending"
	KeyStatusInternalError    KeyStatus = "internal-error"
	KeyStatusReleased         KeyStatus = "released"
)

// SessionType selects license persistence.
const (
	SessionTypeTemporary         = "temporary"
	SessionTypePersistentLicense = "persistent-license"
)

// MessageType classifies a session message for the license server.
type MessageType string

const (
	MessageTypeLicenseRequest MessageType = "license-request"
	MessageTypeLicenseRenewal MessageType = "license-renewal"
	MessageTypeLicenseRelease MessageType = "license-release"
)

// KeySystemConfig is one candidate configuration for negotiation.
type KeySystemConfig struct {
	KeySystem       string
	Robustness      string
	PersistentState bool
	DistinctiveID   bool
}

// KeySystemAccess is the result of a successful negotiation.
type KeySystemAccess interface {
	KeySystem() string
	CreateMediaKeys() (MediaKeys, error)
}

// KeySystemProvider performs key-system negotiation. Implemented by the
// platform CDM binding; exactly one negotiation happens per engine instance.
type KeySystemProvider interface {
	RequestKeySystemAccess(configs []KeySystemConfig) (KeySystemAccess, error)
}

// MediaKeys creates sessions for one negotiated key system.
type MediaKeys interface {
	CreateSession(sessionType string) (Session, error)
	SetServerCertificate(cert []byte) error
}

// SessionCallbacks receives asynchronous session events. Callbacks may fire
// from arbitrary goroutines.
type SessionCallbacks struct {
	// OnMessage delivers a message destined for the license server.
	OnMessage func(msgType MessageType, message []byte)
	// OnKeyStatusesChange fires after the session's key statuses move.
	OnKeyStatusesChange func()
}

// Session is one MediaKeySession.
type Session interface {
	ID() string
	SetCallbacks(cb SessionCallbacks)
	GenerateRequest(initDataType string, initData []byte) error
	// Load restores a persisted session; false means not found.
	Load(sessionID string) (bool, error)
	Update(response []byte) error
	Close() error
	Remove() error
	// Expiration returns the license expiry, or the zero time when none.
	Expiration() time.Time
	KeyStatuses() map[string]KeyStatus
}

// LicenseTransport exchanges license messages with a server.
type LicenseTransport interface {
	Post(ctx context.Context, uri string, body []byte) ([]byte, error)
}
