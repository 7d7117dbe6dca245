package transport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bconhub/hub/internal/auth"
	"github.com/bconhub/hub/internal/envelope"
	"github.com/bconhub/hub/internal/logging"
	"github.com/bconhub/hub/internal/ratelimit"
	"github.com/bconhub/hub/internal/registry"
)

func (t *Transport) adapterEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/connect", t.handleAdapterConnect)
	return r
}

func (t *Transport) clientEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/connect", t.handleClientConnect)
	r.GET("/health", t.handleHealth)
	if t.metrics != nil {
		r.GET("/metrics", gin.WrapH(t.metrics.Handler()))
	}
	return r
}

// handleAdapterConnect implements the adapter half of the accept pipeline:
// ban check, upgrade, pre-auth rate check, bearer token validation,
// session creation.
func (t *Transport) handleAdapterConnect(c *gin.Context) {
	remoteIP := c.ClientIP()
	if t.limiter.IsBanned(remoteIP) {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	conn, err := t.adapterUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Transport().Warn().Err(err).Str("remote_addr", remoteIP).Msg("adapter upgrade failed")
		return
	}

	unauthKey := "unauth-adapter:" + remoteIP
	if t.limiter.Admit(unauthKey, remoteIP, t.cfg.RateLimits.UnauthenticatedAdapterAttemptsPerMinute) != ratelimit.Allow {
		closeUpgraded(conn, 4429, "rate_limited")
		return
	}

	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		if banned := t.limiter.RecordViolation(remoteIP); banned {
			logging.Transport().Warn().Str("remote_addr", remoteIP).Msg("remote address banned after repeated unauthenticated adapter attempts")
		}
		if t.metrics != nil {
			t.metrics.IncAuthFailure()
		}
		closeUpgraded(conn, 4401, "missing_auth")
		return
	}

	principal, hubErr := t.adapterTokens.ValidateAdapter(token)
	if hubErr != nil {
		if banned := t.limiter.RecordViolation(remoteIP); banned {
			logging.Transport().Warn().Str("remote_addr", remoteIP).Msg("remote address banned after repeated unauthenticated adapter attempts")
		}
		if t.metrics != nil {
			t.metrics.IncAuthFailure()
		}
		closeUpgraded(conn, 4401, string(hubErr.Kind))
		return
	}

	t.acceptSession(conn, principal, registry.AdapterListener, remoteIP, "adapter:"+principal.ServerID, t.cfg.RateLimits.SystemRequestsPerMinute)
}

// handleClientConnect implements the client half of the accept pipeline:
// ban check, upgrade, optional bearer token (Guest if absent), session
// creation.
func (t *Transport) handleClientConnect(c *gin.Context) {
	remoteIP := c.ClientIP()
	if t.limiter.IsBanned(remoteIP) {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	conn, err := t.clientUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Transport().Warn().Err(err).Str("remote_addr", remoteIP).Msg("client upgrade failed")
		return
	}

	var principal auth.Principal
	if header := c.GetHeader("Authorization"); header != "" {
		token := bearerToken(header)
		p, hubErr := t.clientTokens.ValidateClient(token)
		if hubErr != nil {
			if t.metrics != nil {
				t.metrics.IncAuthFailure()
			}
			closeUpgraded(conn, 4401, string(hubErr.Kind))
			return
		}
		principal = p
	} else {
		principal = auth.Client(uuid.NewString(), "", envelope.RoleGuest)
	}

	limit := t.rateLimitForRole(principal.Role)
	t.acceptSession(conn, principal, registry.ClientListener, remoteIP, "client:"+principal.UserID, limit)
}

// handleHealth serves the plain status endpoint on the client port.
func (t *Transport) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"uptime_seconds":     int(time.Since(t.startedAt).Seconds()),
		"active_connections": t.reg.Len(),
		"version":            t.cfg.ServerInfo.Version,
	})
}
