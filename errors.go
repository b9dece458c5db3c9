package tandem

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the tandem package.
var (
	// ErrClosed is returned when operations are attempted on a closed core.
	ErrClosed = errors.New("core is closed")

	// ErrFraming is returned when a wire frame is oversized, truncated or
	// carries an unrecognized kind. Framing errors are fatal for the
	// connection that produced them.
	ErrFraming = errors.New("framing error")

	// ErrAuthFailed is returned when a peer fails the pairing handshake.
	// Unlike other transport errors it is never retried automatically;
	// recovery requires re-pairing.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited is returned when a connection exceeds its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout is returned when a handshake, discovery scan, or exchange
	// exceeds its configured window.
	ErrTimeout = errors.New("operation timed out")

	// ErrConnectionClosed is returned when the remote side closed the
	// connection mid-session.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidBundle is returned when a bundle payload is empty, truncated,
	// or fails integrity checks. An invalid bundle is rejected without
	// aborting the session.
	ErrInvalidBundle = errors.New("invalid bundle")

	// ErrUnknownPeer is returned when no pairing secret is registered for a
	// peer device.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrSyncInFlight is returned internally when a session for a peer is
	// already running; callers are coalesced rather than failed.
	ErrSyncInFlight = errors.New("sync session already in flight")
)

// ValidationCode classifies reducer validation failures.
type ValidationCode int

const (
	// CodeAlreadyExists indicates a create event for an existing id.
	CodeAlreadyExists ValidationCode = iota
	// CodeNotFound indicates an update or delete event for a missing id.
	CodeNotFound
	// CodeIDMismatch indicates the payload id and envelope entity id differ.
	CodeIDMismatch
	// CodeMissingEntityID indicates neither payload nor envelope carry an id.
	CodeMissingEntityID
	// CodeInvalidReference indicates a cross-entity reference does not
	// resolve against the current document.
	CodeInvalidReference
	// CodeInvariantViolation indicates a domain invariant would be broken,
	// including deletion-guard failures.
	CodeInvariantViolation
	// CodeUnhandledEventType indicates an event type no reducer handles.
	CodeUnhandledEventType
)

// String returns the canonical name of the validation code.
func (c ValidationCode) String() string {
	switch c {
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeNotFound:
		return "NotFound"
	case CodeIDMismatch:
		return "IdMismatch"
	case CodeMissingEntityID:
		return "MissingEntityId"
	case CodeInvalidReference:
		return "InvalidReference"
	case CodeInvariantViolation:
		return "InvariantViolation"
	case CodeUnhandledEventType:
		return "UnhandledEventType"
	default:
		return "Unknown"
	}
}

// ValidationError is raised synchronously by a reducer. It is surfaced
// verbatim to the dispatching caller and never retried.
type ValidationError struct {
	Code      ValidationCode
	EventType string
	EntityID  string
	Message   string
}

func (e *ValidationError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s [%s %s]", e.Code, e.Message, e.EventType, e.EntityID)
	}
	return fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, e.EventType)
}

// Is reports whether target is a ValidationError with the same code.
func (e *ValidationError) Is(target error) bool {
	var ve *ValidationError
	if errors.As(target, &ve) {
		return ve.Code == e.Code
	}
	return false
}

func newValidationError(code ValidationCode, eventType, entityID, format string, args ...any) *ValidationError {
	return &ValidationError{
		Code:      code,
		EventType: eventType,
		EntityID:  entityID,
		Message:   fmt.Sprintf(format, args...),
	}
}

// IsValidation reports whether err is a reducer validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransportErrorType categorizes transport failures.
type TransportErrorType int

const (
	// TransportErrorUnknown is an unclassified transport error.
	TransportErrorUnknown TransportErrorType = iota
	// TransportErrorFraming indicates a malformed wire frame.
	TransportErrorFraming
	// TransportErrorAuth indicates a failed pairing handshake.
	TransportErrorAuth
	// TransportErrorRateLimited indicates the request budget was exceeded.
	TransportErrorRateLimited
	// TransportErrorTimeout indicates a deadline expired.
	TransportErrorTimeout
	// TransportErrorClosed indicates the connection was closed.
	TransportErrorClosed
)

// TransportError provides detailed information about a connection failure.
type TransportError struct {
	Type    TransportErrorType
	PeerID  string
	Message string
	Cause   error
}

func (e *TransportError) Error() string {
	if e.PeerID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [peer %s]: %v", e.Message, e.PeerID, e.Cause)
		}
		return fmt.Sprintf("%s [peer %s]", e.Message, e.PeerID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is implements error matching against the transport sentinels.
func (e *TransportError) Is(target error) bool {
	switch e.Type {
	case TransportErrorFraming:
		return target == ErrFraming
	case TransportErrorAuth:
		return target == ErrAuthFailed
	case TransportErrorRateLimited:
		return target == ErrRateLimited
	case TransportErrorTimeout:
		return target == ErrTimeout
	case TransportErrorClosed:
		return target == ErrConnectionClosed
	}
	return false
}

func newTransportError(errType TransportErrorType, peerID, message string, cause error) *TransportError {
	return &TransportError{
		Type:    errType,
		PeerID:  peerID,
		Message: message,
		Cause:   cause,
	}
}

// BundleError describes a rejected bundle payload.
type BundleError struct {
	Message string
	Cause   error
}

func (e *BundleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid bundle: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("invalid bundle: %s", e.Message)
}

func (e *BundleError) Unwrap() error { return e.Cause }

// Is implements error matching for BundleError.
func (e *BundleError) Is(target error) bool {
	return target == ErrInvalidBundle
}

func newBundleError(message string, cause error) *BundleError {
	return &BundleError{Message: message, Cause: cause}
}
