// Package envelope defines the wire message format exchanged between the hub
// and both adapter and client connections.
package envelope

import "encoding/json"

// Envelope is the JSON object carried over every connection, in both
// directions. Unknown fields are preserved on pass-through routes but
// ignored by the router.
type Envelope struct {
	EventType   string          `json:"eventType"`
	Data        json.RawMessage `json:"data,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
	ReplyTo     string          `json:"replyTo,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	RequiresAck bool            `json:"requiresAck,omitempty"`

	// Raw holds the original frame bytes when the envelope is being
	// forwarded verbatim. A router that rewrites any field clears it; the
	// send loop writes Raw untouched when set, so top-level fields outside
	// the struct survive pass-through routes.
	Raw json.RawMessage `json:"-"`
}

// Role is the totally ordered client privilege level: Guest < Player < Admin < System.
type Role int

const (
	RoleGuest Role = iota
	RolePlayer
	RoleAdmin
	RoleSystem

	RoleCount = int(RoleSystem) + 1
)

// ParseRole converts the wire representation of a role into a Role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "guest":
		return RoleGuest, true
	case "player":
		return RolePlayer, true
	case "admin":
		return RoleAdmin, true
	case "system":
		return RoleSystem, true
	default:
		return 0, false
	}
}

func (r Role) String() string {
	switch r {
	case RoleGuest:
		return "guest"
	case RolePlayer:
		return "player"
	case RoleAdmin:
		return "admin"
	case RoleSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ErrorData is the payload shape of an {eventType: "error"} envelope.
type ErrorData struct {
	Kind string `json:"kind"`
}

// NewError builds an error envelope of the given kind, optionally replying to
// the message that triggered it.
func NewError(kind, replyTo string) Envelope {
	data, _ := json.Marshal(ErrorData{Kind: kind})
	return Envelope{EventType: "error", Data: data, ReplyTo: replyTo}
}
