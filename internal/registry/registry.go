// Package registry implements the hub's in-memory directory of live
// sessions and the auxiliary K/V store. All state here is process-local
// and lost on restart.
//
// One RWMutex guards the session map and its secondary indexes, kept
// separate from the router's hot path so readers (broadcast fan-out) never
// block behind a session's own send queue. Displacing an adapter signals
// the old session cooperatively through its close-flag rather than tearing
// its connection down from under it.
package registry

import (
	"sync"
	"time"

	"github.com/bconhub/hub/internal/auth"
	"github.com/bconhub/hub/internal/envelope"
)

// ConnID is a monotonic, process-local connection identifier.
type ConnID uint64

// Origin identifies which listener produced a session.
type Origin int

const (
	AdapterListener Origin = iota
	ClientListener
)

// Session is the narrow contract the registry needs from a live connection.
// The concrete implementation lives in package session; registry never
// imports it, since sessions are the ones that insert themselves here.
type Session interface {
	ConnID() ConnID
	Principal() auth.Principal
	Origin() Origin
	RemoteAddr() string
	// Send enqueues an envelope for delivery, applying the session's
	// overflow policy; it never blocks the caller.
	Send(envelope.Envelope)
	// Close sets the session's close-flag, writes a close frame with the
	// given code/reason and closes the connection; the session's own
	// send/receive loops observe the flag and exit.
	Close(code int, reason string)
	// LastPong reports when the connection last answered a heartbeat ping,
	// letting the supervisor's sweep check liveness without touching the
	// session itself.
	LastPong() time.Time
}

// Registry is the hub's session directory and K/V store, shared by every
// connection's receive loop and the router's fan-out.
type Registry struct {
	mu               sync.RWMutex
	sessions         map[ConnID]Session
	adaptersByServer map[string]ConnID
	clientsByRole    [envelope.RoleCount]map[ConnID]struct{}

	kv *kvStore
}

// New builds an empty Registry. kvByteBudget bounds the total size of the
// K/V store in bytes; see kv.go.
func New(kvByteBudget int) *Registry {
	r := &Registry{
		sessions:         make(map[ConnID]Session),
		adaptersByServer: make(map[string]ConnID),
		kv:               newKVStore(kvByteBudget),
	}
	for i := range r.clientsByRole {
		r.clientsByRole[i] = make(map[ConnID]struct{})
	}
	return r
}

// Insert adds a session to the registry, updating its role or server-id
// index. If the session is an Adapter whose server_id is already claimed,
// the prior session is displaced: its close-flag is set via Close and its
// index entry is overwritten with the new connection, atomically with
// respect to readers.
func (r *Registry) Insert(s Session) (displaced Session) {
	r.mu.Lock()

	r.sessions[s.ConnID()] = s

	p := s.Principal()
	switch p.Kind {
	case auth.KindAdapter:
		if prevID, ok := r.adaptersByServer[p.ServerID]; ok {
			if prev, ok := r.sessions[prevID]; ok {
				displaced = prev
			}
		}
		r.adaptersByServer[p.ServerID] = s.ConnID()
	case auth.KindClient:
		r.clientsByRole[p.Role][s.ConnID()] = struct{}{}
	}

	if displaced != nil {
		delete(r.sessions, displaced.ConnID())
	}
	r.mu.Unlock()

	// Close can write the close frame to the displaced session's socket;
	// keep that IO outside the registry lock.
	if displaced != nil {
		displaced.Close(1001, "server_displaced")
	}
	return displaced
}

// Remove drops all index entries for connID. Idempotent.
func (r *Registry) Remove(connID ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID ConnID) {
	s, ok := r.sessions[connID]
	if !ok {
		return
	}
	delete(r.sessions, connID)

	p := s.Principal()
	switch p.Kind {
	case auth.KindAdapter:
		if cur, ok := r.adaptersByServer[p.ServerID]; ok && cur == connID {
			delete(r.adaptersByServer, p.ServerID)
		}
	case auth.KindClient:
		delete(r.clientsByRole[p.Role], connID)
	}
}

// AdapterForServer returns the session currently registered for serverID,
// if any.
func (r *Registry) AdapterForServer(serverID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.adaptersByServer[serverID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[connID]
	return s, ok
}

// Session looks up a session by connection id.
func (r *Registry) Session(connID ConnID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// ClientsWithRole returns every connected client session at exactly role.
// Broadcast fan-out walks one role-indexed set at a time instead of
// scanning every session.
func (r *Registry) ClientsWithRole(role envelope.Role) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.clientsByRole[role]))
	for connID := range r.clientsByRole[role] {
		if s, ok := r.sessions[connID]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Counts returns the number of active adapter sessions and, per role, the
// number of active client sessions, feeding the active_adapters and
// active_clients_by_role gauges.
func (r *Registry) Counts() (adapters int, byRole [envelope.RoleCount]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters = len(r.adaptersByServer)
	for role := range r.clientsByRole {
		byRole[role] = len(r.clientsByRole[role])
	}
	return adapters, byRole
}

// Len returns the total number of live sessions, adapters and clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns every live session, for the supervisor's sweep and the
// shutdown broadcast.
func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// KVSet stores a value for key, evicting the oldest-inserted entries if the
// total byte budget is crossed. Returns an error if v alone exceeds the
// per-entry cap.
func (r *Registry) KVSet(key, value string) error {
	return r.kv.set(key, value)
}

// KVGet returns the value for key, or ("", false) if absent.
func (r *Registry) KVGet(key string) (string, bool) {
	return r.kv.get(key)
}

// KVDelete removes key. Idempotent.
func (r *Registry) KVDelete(key string) {
	r.kv.delete(key)
}
