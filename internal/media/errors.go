// Package media defines the segment reference and timeline data model used
// by the streaming engine: immutable segment references, time-indexed segment
// indexes, and the presentation timeline derived from segment observations.
package media

import (
	"errors"
	"fmt"
)

// Severity classifies whether an error ends playback of the affected stream.
type Severity int

const (
	// SeverityRecoverable errors are retried or rescheduled internally.
	SeverityRecoverable Severity = iota + 1
	// SeverityCritical errors stop the affected media state until Retry.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityRecoverable:
		return "recoverable"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Category identifies the subsystem an error originated in.
type Category int

const (
	CategoryNetwork Category = iota + 1
	CategoryMedia
	CategoryManifest
	CategoryDRM
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryMedia:
		return "media"
	case CategoryManifest:
		return "manifest"
	case CategoryDRM:
		return "drm"
	default:
		return "unknown"
	}
}

// Error codes surfaced to the application.
const (
	CodeSegmentMissing       = "SEGMENT_MISSING"
	CodeHTTPError            = "HTTP_ERROR"
	CodeTimeout              = "TIMEOUT"
	CodeOperationAborted     = "OPERATION_ABORTED"
	CodeQuotaExceeded        = "QUOTA_EXCEEDED"
	CodeBufferOperationError = "BUFFER_OPERATION_FAILED"
	CodeSegmentDecryptError  = "SEGMENT_DECRYPT_FAILED"
	CodeMalformedTimeline    = "MALFORMED_TIMELINE"
	CodeNonMonotonicIndex    = "NON_MONOTONIC_INDEX"
	CodeMissingInitSegment   = "MISSING_INIT_SEGMENT"
	CodeKeySystemUnavailable = "KEY_SYSTEM_UNAVAILABLE"
	CodeLicenseRequestFailed = "LICENSE_REQUEST_FAILED"
	CodeLicenseUpdateFailed  = "LICENSE_UPDATE_FAILED"
	CodeServerCertFailed     = "SERVER_CERTIFICATE_FAILED"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeKeyExpired           = "KEY_EXPIRED"
	CodeEngineDestroyed      = "ENGINE_DESTROYED"
)

// Error is a structured playback error carrying severity, category, a stable
// code, and contextual data such as an HTTP status or a byte range.
type Error struct {
	Severity Severity
	Category Category
	Code     string
	Data     map[string]any
	cause    error
}

// NewError builds a structured error. The data map may be nil.
func NewError(sev Severity, cat Category, code string, cause error) *Error {
	return &Error{Severity: sev, Category: cat, Code: code, cause: cause}
}

// WithData attaches a contextual key/value pair and returns the error.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any, 4)
	}
	e.Data[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s %s: %v", e.Severity, e.Category, e.Code, e.cause)
	}
	return fmt.Sprintf("%s/%s %s", e.Severity, e.Category, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

// AsError extracts the structured error from an error chain, or wraps err as
// a critical media error if none is present.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(SeverityCritical, CategoryMedia, CodeBufferOperationError, err)
}
