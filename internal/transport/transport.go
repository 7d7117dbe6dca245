// Package transport implements the hub's two connection-accepting
// listeners (component C4): the adapter listener and the client listener.
// Both share an identical accept pipeline — origin check, ban check, token
// validation, session creation — differing only in which token secret
// validates the bearer credential and which principal kind the handshake
// produces.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/bconhub/hub/internal/auth"
	"github.com/bconhub/hub/internal/config"
	"github.com/bconhub/hub/internal/envelope"
	"github.com/bconhub/hub/internal/logging"
	"github.com/bconhub/hub/internal/metrics"
	"github.com/bconhub/hub/internal/ratelimit"
	"github.com/bconhub/hub/internal/registry"
	"github.com/bconhub/hub/internal/session"
)

const (
	defaultSendQueueSize = 1024
	maxFrameBytes        = 1 << 20 // larger frames close with 1009
)

// Handler is the narrow contract transport needs from the routing layer,
// matching session.Handler so the router can be swapped for a fake in
// tests without transport importing package router.
type Handler = session.Handler

// Deps are the already-constructed components transport wires together.
type Deps struct {
	Config        *config.Config
	Registry      *registry.Registry
	Limiter       *ratelimit.Limiter
	Handler       Handler
	AdapterTokens *auth.TokenManager
	ClientTokens  *auth.TokenManager
	// Metrics is optional. When set, authentication failures are counted
	// and a /metrics scrape endpoint is mounted next to /health.
	Metrics *metrics.Collector
}

// Transport owns the two listeners and the per-connection accept pipeline.
type Transport struct {
	cfg           *config.Config
	reg           *registry.Registry
	limiter       *ratelimit.Limiter
	handler       Handler
	adapterTokens *auth.TokenManager
	clientTokens  *auth.TokenManager
	metrics       *metrics.Collector
	startedAt     time.Time

	nextConnID atomic.Uint64

	adapterUpgrader websocket.Upgrader
	clientUpgrader  websocket.Upgrader

	adapterServer *http.Server
	clientServer  *http.Server
}

// New builds a Transport ready to Start. Nothing is listening yet.
func New(d Deps) *Transport {
	originCheck := checkOrigin(d.Config.AllowedOrigins)
	return &Transport{
		cfg:           d.Config,
		reg:           d.Registry,
		limiter:       d.Limiter,
		handler:       d.Handler,
		adapterTokens: d.AdapterTokens,
		clientTokens:  d.ClientTokens,
		metrics:       d.Metrics,
		startedAt:     time.Now(),
		adapterUpgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originCheck,
		},
		clientUpgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originCheck,
		},
	}
}

// Start launches both listeners in background goroutines and returns
// immediately; listener failures are logged, not returned, since by the
// time they would occur the caller's startup sequence has already moved
// on to waiting for the shutdown signal.
func (t *Transport) Start() {
	gin.SetMode(gin.ReleaseMode)

	t.adapterServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.AdapterPort),
		Handler:           t.adapterEngine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.clientServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.ClientPort),
		Handler:           t.clientEngine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go t.serve(t.adapterServer, "adapter", t.cfg.AdapterPort)
	go t.serve(t.clientServer, "client", t.cfg.ClientPort)
}

func (t *Transport) serve(srv *http.Server, name string, port int) {
	logging.Transport().Info().Str("listener", name).Int("port", port).Msg("listener starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Transport().Error().Err(err).Str("listener", name).Msg("listener stopped unexpectedly")
	}
}

// Shutdown stops both listeners from accepting new connections, waiting up
// to ctx's deadline for in-flight upgrade requests to finish.
func (t *Transport) Shutdown(ctx context.Context) error {
	var errs []string
	if err := t.adapterServer.Shutdown(ctx); err != nil {
		errs = append(errs, "adapter: "+err.Error())
	}
	if err := t.clientServer.Shutdown(ctx); err != nil {
		errs = append(errs, "client: "+err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("listener shutdown: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (t *Transport) rateLimitForRole(role envelope.Role) int {
	switch role {
	case envelope.RoleGuest:
		return t.cfg.RateLimits.GuestPerMinute
	case envelope.RolePlayer:
		return t.cfg.RateLimits.PlayerPerMinute
	case envelope.RoleAdmin:
		return t.cfg.RateLimits.AdminPerMinute
	case envelope.RoleSystem:
		return t.cfg.RateLimits.SystemRequestsPerMinute
	default:
		return t.cfg.RateLimits.GuestPerMinute
	}
}

// acceptSession builds a Session over an already-upgraded connection,
// inserts it into the registry (applying adapter displacement if needed),
// and hands it its own goroutine.
func (t *Transport) acceptSession(conn *websocket.Conn, principal auth.Principal, origin registry.Origin, remoteAddr, rateLimitKey string, rateLimit int) {
	connID := registry.ConnID(t.nextConnID.Add(1))
	cfg := session.Config{
		HeartbeatInterval: time.Duration(t.cfg.HeartbeatIntervalSeconds) * time.Second,
		ConnectionTimeout: time.Duration(t.cfg.ConnectionTimeoutSeconds) * time.Second,
		SendQueueSize:     defaultSendQueueSize,
		MaxFrameBytes:     maxFrameBytes,
		RateLimitKey:      rateLimitKey,
		RateLimit:         rateLimit,
	}
	// A *metrics.Collector assigned into the session.Metrics interface field
	// while nil would produce a non-nil interface wrapping a nil pointer, so
	// the field is left unset (true nil interface) unless a collector was
	// actually configured.
	if t.metrics != nil {
		cfg.Metrics = t.metrics
	}
	sess := session.New(connID, principal, origin, remoteAddr, conn, t.limiter, t.handler, cfg)

	if displaced := t.reg.Insert(sess); displaced != nil {
		logging.Transport().Info().
			Uint64("displaced_conn_id", uint64(displaced.ConnID())).
			Str("server_id", principal.ServerID).
			Msg("adapter displaced by reconnect")
	}

	go func() {
		sess.Run()
		t.reg.Remove(connID)
	}()
}

// closeUpgraded writes a close frame with the given app-specific code and
// tears down conn. Used for handshake failures discovered only after the
// HTTP-to-websocket upgrade has already completed, since HTTP status codes
// cannot carry the hub's 4400-series close codes.
func closeUpgraded(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
