// Package herrors provides the hub's standardized error taxonomy.
//
// Unlike an HTTP API's status-code mapping, the hub's errors map onto two
// distinct surfaces: a machine-readable kind carried inside a reply envelope
// for per-message failures, and a websocket close code for per-connection
// failures. A single Kind often needs both.
package herrors

import "fmt"

// Kind is a machine-readable error identifier, surfaced in error.kind inside
// reply envelopes where applicable.
type Kind string

const (
	KindBadToken           Kind = "bad_token"
	KindExpiredToken       Kind = "expired_token"
	KindMissingAuth        Kind = "missing_auth"
	KindForbiddenRole      Kind = "forbidden_role"
	KindRateLimited        Kind = "rate_limited"
	KindBanned             Kind = "banned"
	KindUnknownEvent       Kind = "unknown_event"
	KindNoSuchServer       Kind = "no_such_server"
	KindMalformedEnvelope  Kind = "malformed_envelope"
	KindFrameTooLarge      Kind = "frame_too_large"
	KindAckTimeout         Kind = "ack_timeout"
	KindInternal           Kind = "internal"
)

// HubError is the hub's standard error type. It always carries a Kind; Cause
// is optional context for logging, never sent to the peer.
type HubError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *HubError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *HubError) Unwrap() error { return e.Cause }

// New builds a HubError with no wrapped cause.
func New(kind Kind, message string) *HubError {
	return &HubError{Kind: kind, Message: message}
}

// Wrap builds a HubError around an underlying cause.
func Wrap(kind Kind, message string, cause error) *HubError {
	return &HubError{Kind: kind, Message: message, Cause: cause}
}

// CloseCode maps a Kind to the websocket close code used when the error
// terminates the connection rather than just replying to a message. Kinds
// that are purely per-message (never connection-terminating) return 0.
func (e *HubError) CloseCode() int {
	switch e.Kind {
	case KindBadToken, KindExpiredToken, KindMissingAuth:
		return 4401
	case KindBanned:
		return 1008
	case KindMalformedEnvelope:
		return 4400
	case KindFrameTooLarge:
		return 1009
	default:
		return 0
	}
}

// Common constructors, mirroring the concrete failures named in the
// component design.
func BadToken(cause error) *HubError      { return Wrap(KindBadToken, "token signature invalid", cause) }
func ExpiredToken() *HubError             { return New(KindExpiredToken, "token has expired") }
func MissingAuth() *HubError              { return New(KindMissingAuth, "authorization header required") }
func ForbiddenRole() *HubError            { return New(KindForbiddenRole, "role does not permit this event") }
func RateLimited() *HubError              { return New(KindRateLimited, "admission rate exceeded") }
func Banned() *HubError                   { return New(KindBanned, "remote address is banned") }
func UnknownEvent(eventType string) *HubError {
	return New(KindUnknownEvent, "unrecognized eventType: "+eventType)
}
func NoSuchServer(serverID string) *HubError {
	return New(KindNoSuchServer, "no adapter registered for server_id: "+serverID)
}
func MalformedEnvelope(cause error) *HubError {
	return Wrap(KindMalformedEnvelope, "envelope is not valid JSON", cause)
}
func FrameTooLarge() *HubError { return New(KindFrameTooLarge, "frame exceeds maximum size") }
func AckTimeout(messageID string) *HubError {
	return New(KindAckTimeout, "no command_result received for messageId: "+messageID)
}
func Internal(cause error) *HubError { return Wrap(KindInternal, "internal error", cause) }
