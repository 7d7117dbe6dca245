// Package session implements the hub's per-connection state machine: one
// receive goroutine, one send goroutine, and one heartbeat ticker per live
// connection. Overflow policy on the outbound queue depends on which
// listener produced the connection: drop-oldest for clients, fatal-close
// for adapters.
package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bconhub/hub/internal/auth"
	"github.com/bconhub/hub/internal/envelope"
	"github.com/bconhub/hub/internal/herrors"
	"github.com/bconhub/hub/internal/ratelimit"
	"github.com/bconhub/hub/internal/registry"
)

// Handler processes an admitted envelope from a session. Implemented by
// package router; kept as a narrow interface here so this package never
// imports router, mirroring the registry.Session split.
type Handler interface {
	HandleEnvelope(src *Session, env envelope.Envelope)
}

// Metrics is the narrow slice of metrics.Collector a session reports
// through. Optional: a nil Metrics in Config leaves every call site a no-op
// check, so transport need not wire one in tests that don't care about it.
type Metrics interface {
	IncMessagesIn()
	IncMessagesOut()
	IncConnectionError()
	IncRateLimitDenied()
}

// Origin re-exports registry.Origin so callers need not import both
// packages just to name a listener.
type Origin = registry.Origin

const (
	AdapterListener = registry.AdapterListener
	ClientListener  = registry.ClientListener
)

// Config carries the per-session parameters the transport layer already
// knows at accept time (computed once from the global hub Config plus the
// session's own principal).
type Config struct {
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	SendQueueSize     int
	DrainBudget       int
	MaxFrameBytes     int64

	RateLimitKey string
	RateLimit    int

	Metrics Metrics
}

// Session is one live connection's runtime state. It is the only component
// that writes to its own socket: the receive loop, send loop, and
// heartbeat ticker below are the sole writers/readers of its fields.
type Session struct {
	connID     registry.ConnID
	principal  auth.Principal
	origin     registry.Origin
	remoteAddr string
	conn       *websocket.Conn

	limiter   *ratelimit.Limiter
	handler   Handler
	cfg       Config
	createdAt time.Time

	lastReceived atomic.Int64 // unix nano
	lastPong     atomic.Int64 // unix nano

	closed      atomic.Bool
	closeOnce   sync.Once
	closeResult atomic.Pointer[closeInfo]
	closeSignal chan struct{}

	out *outbox

	parseErrMu    sync.Mutex
	parseErrCount int
	parseErrSince time.Time

	rateLimitReplyMu sync.Mutex
	lastRateLimitAt  time.Time
}

type closeInfo struct {
	code   int
	reason string
}

// New builds a Session bound to an already-upgraded websocket connection.
// connID is allocated by the caller (the transport layer) before Insert
// into the registry, per the design note that sessions never self-assign
// identity.
func New(connID registry.ConnID, principal auth.Principal, origin registry.Origin, remoteAddr string, conn *websocket.Conn, limiter *ratelimit.Limiter, handler Handler, cfg Config) *Session {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 1024
	}
	if cfg.DrainBudget <= 0 {
		cfg.DrainBudget = cfg.SendQueueSize
	}
	now := time.Now()
	s := &Session{
		connID:      connID,
		principal:   principal,
		origin:      origin,
		remoteAddr:  remoteAddr,
		conn:        conn,
		limiter:     limiter,
		handler:     handler,
		cfg:         cfg,
		createdAt:   now,
		closeSignal: make(chan struct{}),
	}
	s.lastReceived.Store(now.UnixNano())
	s.lastPong.Store(now.UnixNano())
	s.out = newOutbox(cfg.SendQueueSize, origin == registry.AdapterListener)
	return s
}

func (s *Session) ConnID() registry.ConnID     { return s.connID }
func (s *Session) Principal() auth.Principal   { return s.principal }
func (s *Session) Origin() registry.Origin     { return s.origin }
func (s *Session) RemoteAddr() string          { return s.remoteAddr }
func (s *Session) CreatedAt() time.Time        { return s.createdAt }
func (s *Session) LastReceived() time.Time     { return time.Unix(0, s.lastReceived.Load()) }
func (s *Session) LastPong() time.Time         { return time.Unix(0, s.lastPong.Load()) }
func (s *Session) IsClosed() bool              { return s.closed.Load() }

// Send enqueues env for delivery, applying the session's overflow policy.
// Never blocks the caller — this is what lets a broadcasting router fan
// out to thousands of sessions without one slow peer stalling the rest.
func (s *Session) Send(env envelope.Envelope) {
	if s.closed.Load() {
		return
	}
	if fatal := s.out.push(env); fatal {
		s.Close(1001, "send_queue_overflow")
	}
}

// Close sets the close-flag and records the code/reason used on the
// eventual close frame. Safe to call more than once and from any
// goroutine, including the registry's displacement path mutating a
// session other than its own — the atomic close-flag is exactly the
// cross-goroutine signal the design notes require instead of a lock that
// would cross task boundaries.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeResult.Store(&closeInfo{code: code, reason: reason})
		s.closed.Store(true)
		close(s.closeSignal)

		// Write the close frame and tear down the socket here, not only
		// from the receive loop's own exit path: a displacement or a
		// heartbeat timeout may fire from a goroutine other than this
		// session's own receive loop, and a pending ReadMessage in that
		// loop only unblocks once the connection itself is closed.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func (s *Session) closeCodeAndReason() (int, string) {
	if ci := s.closeResult.Load(); ci != nil {
		return ci.code, ci.reason
	}
	return websocket.CloseNormalClosure, ""
}

// touchReceived updates last_received to now.
func (s *Session) touchReceived() { s.lastReceived.Store(time.Now().UnixNano()) }

// touchPong updates last_pong to now.
func (s *Session) touchPong() { s.lastPong.Store(time.Now().UnixNano()) }

// admit runs the admission check for one inbound message and, on denial,
// sends the rate-limited reply at most once per second.
func (s *Session) admit() bool {
	if s.limiter.Admit(s.cfg.RateLimitKey, s.remoteAddr, s.cfg.RateLimit) == ratelimit.Allow {
		return true
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncRateLimitDenied()
	}

	s.rateLimitReplyMu.Lock()
	shouldReply := time.Since(s.lastRateLimitAt) >= time.Second
	if shouldReply {
		s.lastRateLimitAt = time.Now()
	}
	s.rateLimitReplyMu.Unlock()

	if shouldReply {
		s.Send(envelope.NewError(string(herrors.KindRateLimited), ""))
	}
	return false
}

// recordParseError tracks consecutive-parse-error flooding. Only adapter
// sessions are flood-checked: an adapter that can't speak the protocol is
// disconnected, while a malformed client frame is just dropped.
func (s *Session) recordParseError() (shouldClose bool) {
	if s.origin != registry.AdapterListener {
		return false
	}
	s.parseErrMu.Lock()
	defer s.parseErrMu.Unlock()

	now := time.Now()
	if now.Sub(s.parseErrSince) > time.Minute {
		s.parseErrCount = 0
		s.parseErrSince = now
	}
	s.parseErrCount++
	return s.parseErrCount >= 10
}

// decodeEnvelope unmarshals one frame, classifying JSON errors into the
// malformed_envelope kind.
func decodeEnvelope(data []byte) (envelope.Envelope, *herrors.HubError) {
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope.Envelope{}, herrors.MalformedEnvelope(err)
	}
	if env.EventType == "" {
		return envelope.Envelope{}, herrors.New(herrors.KindMalformedEnvelope, "eventType is required")
	}
	return env, nil
}

var _ registry.Session = (*Session)(nil)
