// Package router implements the hub's routing fabric (component C6): a
// pure classify-and-dispatch step between a session's receive loop and its
// destinations' send queues, plus the pending-ack table that correlates
// requiresAck client requests with the adapter's eventual command_result.
package router

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bconhub/hub/internal/envelope"
	"github.com/bconhub/hub/internal/herrors"
	"github.com/bconhub/hub/internal/logging"
	"github.com/bconhub/hub/internal/registry"
	"github.com/bconhub/hub/internal/session"
)

// Router implements session.Handler, dispatching each admitted envelope to
// its destination set per the routing matrix.
type Router struct {
	reg        *registry.Registry
	ackTimeout time.Duration
	acks       *ackTable
}

// New builds a Router bound to reg. ackTimeout is the requiresAck deadline
// (ack_timeout_seconds in config, default 15s).
func New(reg *registry.Registry, ackTimeout time.Duration) *Router {
	return &Router{reg: reg, ackTimeout: ackTimeout, acks: newAckTable()}
}

// HandleEnvelope implements session.Handler. It only narrows src to
// registry.Session, the interface the routing logic actually needs, so the
// dispatch methods below can be exercised directly in tests against a bare
// fake without a real websocket-backed Session.
func (r *Router) HandleEnvelope(src *session.Session, env envelope.Envelope) {
	var s registry.Session = src
	switch s.Origin() {
	case registry.AdapterListener:
		r.routeFromAdapter(s, env)
	case registry.ClientListener:
		r.routeFromClient(s, env)
	}
}

func (r *Router) routeFromAdapter(src registry.Session, env envelope.Envelope) {
	if env.EventType == EventCommandResult {
		r.resolveCommandResult(env)
		return
	}

	principal := src.Principal()
	env.Data = stampServerID(env.Data, principal.ServerID)
	env.Raw = nil // data was rewritten; the original frame no longer matches

	for _, dst := range r.reg.ClientsWithRole(envelope.RoleSystem) {
		dst.Send(env)
	}
	for role := envelope.RoleGuest; role < envelope.RoleSystem; role++ {
		if !visibleToRole(env.EventType, role) {
			continue
		}
		for _, dst := range r.reg.ClientsWithRole(role) {
			dst.Send(env)
		}
	}
}

func (r *Router) resolveCommandResult(env envelope.Envelope) {
	if env.ReplyTo == "" {
		return
	}
	connID, ok := r.acks.resolve(env.ReplyTo)
	if !ok {
		logging.Router().Debug().Str("reply_to", env.ReplyTo).Msg("dropping unmatched command_result")
		return
	}
	dst, ok := r.reg.Session(connID)
	if !ok {
		return
	}
	dst.Send(env)
}

func (r *Router) routeFromClient(src registry.Session, env envelope.Envelope) {
	principal := src.Principal()

	if env.EventType == EventGetServerInfo {
		if _, allowed := clientAllowedEvents[principal.Role][EventGetServerInfo]; allowed {
			r.replyServerInfo(src, env)
			return
		}
	}

	if _, routable := clientRoutableEvents[env.EventType]; !routable {
		src.Send(envelope.NewError(string(herrors.KindUnknownEvent), env.MessageID))
		return
	}
	if _, allowed := clientAllowedEvents[principal.Role][env.EventType]; !allowed {
		src.Send(envelope.NewError(string(herrors.KindForbiddenRole), env.MessageID))
		return
	}

	serverID, ok := extractServerID(env.Data)
	if !ok || serverID == "" {
		src.Send(envelope.NewError(string(herrors.KindNoSuchServer), env.MessageID))
		return
	}
	adapter, ok := r.reg.AdapterForServer(serverID)
	if !ok {
		src.Send(envelope.NewError(string(herrors.KindNoSuchServer), env.MessageID))
		return
	}

	if env.RequiresAck {
		if env.MessageID == "" {
			env.MessageID = uuid.NewString()
			env.Raw = nil // the generated id must reach the adapter
		}
		r.acks.add(env.MessageID, src.ConnID(), time.Now().Add(r.ackTimeout))
	}

	adapter.Send(env)
}

func (r *Router) replyServerInfo(src registry.Session, env envelope.Envelope) {
	serverID, _ := extractServerID(env.Data)
	adapter, online := r.reg.AdapterForServer(serverID)

	info := struct {
		ServerID   string `json:"server_id"`
		Online     bool   `json:"online"`
		ServerName string `json:"server_name,omitempty"`
	}{ServerID: serverID, Online: online}
	if online {
		info.ServerName = adapter.Principal().ServerName
	}

	data, _ := json.Marshal(info)
	src.Send(envelope.Envelope{
		EventType: EventServerInfo,
		Data:      data,
		ReplyTo:   env.MessageID,
		Timestamp: time.Now().Unix(),
	})
}

// SweepExpiredAcks pops every pending ack whose deadline has passed as of
// now and synthesizes an ack_timeout error back to each waiting source.
// Called by the supervisor's one-second sweep.
func (r *Router) SweepExpiredAcks(now time.Time) {
	for _, pa := range r.acks.sweepExpired(now) {
		src, ok := r.reg.Session(pa.sourceConnID)
		if !ok {
			continue
		}
		src.Send(envelope.NewError(string(herrors.KindAckTimeout), pa.messageID))
	}
}

// PendingAcks reports the number of outstanding pending acks, for metrics.
func (r *Router) PendingAcks() int {
	return r.acks.len()
}

func extractServerID(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var probe struct {
		ServerID string `json:"server_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", false
	}
	return probe.ServerID, probe.ServerID != ""
}

func stampServerID(data json.RawMessage, serverID string) json.RawMessage {
	fields := map[string]json.RawMessage{}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &fields)
	}
	idJSON, _ := json.Marshal(serverID)
	fields["server_id"] = idJSON
	out, _ := json.Marshal(fields)
	return out
}
