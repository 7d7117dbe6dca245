// Package auth validates bearer tokens presented at handshake and produces
// typed principals. Each listener has its own independently-keyed
// TokenManager, and validation failures come back as a closed set of
// classified kinds rather than a single opaque error.
package auth

import "github.com/bconhub/hub/internal/envelope"

// PrincipalKind distinguishes the three identities a session can carry.
type PrincipalKind int

const (
	KindUnauthenticatedAdapter PrincipalKind = iota
	KindAdapter
	KindClient
)

// Principal is the validated identity attached to a session. Exactly one of
// the kind-specific field groups is meaningful, selected by Kind.
type Principal struct {
	Kind PrincipalKind

	// Adapter fields.
	ServerID   string
	ServerName string

	// Client fields.
	UserID      string
	DisplayName string
	Role        envelope.Role
}

// Adapter builds an authenticated adapter principal.
func Adapter(serverID, serverName string) Principal {
	return Principal{Kind: KindAdapter, ServerID: serverID, ServerName: serverName}
}

// Client builds an authenticated (or synthetic Guest) client principal.
func Client(userID, displayName string, role envelope.Role) Principal {
	return Principal{Kind: KindClient, UserID: userID, DisplayName: displayName, Role: role}
}

// ID returns the value rate-limiting and logging key this principal on:
// server_id for adapters, user_id for clients and guests.
func (p Principal) ID() string {
	if p.Kind == KindAdapter {
		return p.ServerID
	}
	return p.UserID
}
