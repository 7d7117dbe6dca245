package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bconhub/hub/internal/auth"
	"github.com/bconhub/hub/internal/envelope"
	"github.com/bconhub/hub/internal/registry"
)

// fakeSession mirrors registry_test.go's fakeSession: a real struct driven
// directly rather than a mock.
type fakeSession struct {
	id        registry.ConnID
	principal auth.Principal
	origin    registry.Origin
	sent      []envelope.Envelope
}

func (f *fakeSession) ConnID() registry.ConnID       { return f.id }
func (f *fakeSession) Principal() auth.Principal     { return f.principal }
func (f *fakeSession) Origin() registry.Origin       { return f.origin }
func (f *fakeSession) RemoteAddr() string            { return "127.0.0.1" }
func (f *fakeSession) Send(e envelope.Envelope)      { f.sent = append(f.sent, e) }
func (f *fakeSession) Close(code int, reason string) {}
func (f *fakeSession) LastPong() time.Time           { return time.Now() }

func newReg() *registry.Registry { return registry.New(1 << 20) }

func adapterJSON(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

func TestRouteFromAdapterStampsServerIDAndFansOutByVisibility(t *testing.T) {
	reg := newReg()
	adapter := &fakeSession{id: 1, principal: auth.Adapter("srv1", "Server One"), origin: registry.AdapterListener}
	reg.Insert(adapter)

	guest := &fakeSession{id: 2, principal: auth.Client("g1", "", envelope.RoleGuest), origin: registry.ClientListener}
	admin := &fakeSession{id: 3, principal: auth.Client("a1", "", envelope.RoleAdmin), origin: registry.ClientListener}
	sys := &fakeSession{id: 4, principal: auth.Client("s1", "", envelope.RoleSystem), origin: registry.ClientListener}
	reg.Insert(guest)
	reg.Insert(admin)
	reg.Insert(sys)

	r := New(reg, 15*time.Second)

	// chat_message is visible to every role.
	env := envelope.Envelope{EventType: EventChatMessage, Data: adapterJSON(t, map[string]any{"text": "hi"})}
	r.routeFromAdapter(adapter, env)

	for _, dst := range []*fakeSession{guest, admin, sys} {
		require.Len(t, dst.sent, 1)
		var data map[string]any
		require.NoError(t, json.Unmarshal(dst.sent[0].Data, &data))
		assert.Equal(t, "srv1", data["server_id"])
	}

	// custom_command_executed is Admin/System only.
	guest.sent, admin.sent, sys.sent = nil, nil, nil
	env2 := envelope.Envelope{EventType: EventCustomCommandExecuted, Data: adapterJSON(t, map[string]any{"cmd": "x"})}
	r.routeFromAdapter(adapter, env2)

	assert.Empty(t, guest.sent)
	assert.Len(t, admin.sent, 1)
	assert.Len(t, sys.sent, 1)
}

func TestRouteFromClientPlayerSendChatReachesAdapter(t *testing.T) {
	reg := newReg()
	adapter := &fakeSession{id: 1, principal: auth.Adapter("srv1", ""), origin: registry.AdapterListener}
	reg.Insert(adapter)
	player := &fakeSession{id: 2, principal: auth.Client("p1", "", envelope.RolePlayer), origin: registry.ClientListener}
	reg.Insert(player)

	r := New(reg, 15*time.Second)
	env := envelope.Envelope{EventType: EventSendChat, Data: adapterJSON(t, map[string]any{"server_id": "srv1", "text": "hello"})}
	r.routeFromClient(player, env)

	require.Len(t, adapter.sent, 1)
	assert.Equal(t, EventSendChat, adapter.sent[0].EventType)
}

func TestRouteFromClientGuestRejectedForExecuteCommand(t *testing.T) {
	reg := newReg()
	adapter := &fakeSession{id: 1, principal: auth.Adapter("srv1", ""), origin: registry.AdapterListener}
	reg.Insert(adapter)
	guest := &fakeSession{id: 2, principal: auth.Client("g1", "", envelope.RoleGuest), origin: registry.ClientListener}
	reg.Insert(guest)

	r := New(reg, 15*time.Second)
	env := envelope.Envelope{EventType: EventExecuteCommand, Data: adapterJSON(t, map[string]any{"server_id": "srv1"})}
	r.routeFromClient(guest, env)

	assert.Empty(t, adapter.sent)
	require.Len(t, guest.sent, 1)
	assert.Equal(t, EventError, guest.sent[0].EventType)
	var data envelope.ErrorData
	require.NoError(t, json.Unmarshal(guest.sent[0].Data, &data))
	assert.Equal(t, "forbidden_role", data.Kind)
}

func TestRouteFromClientUnrecognizedEventTypeIsUnknownEvent(t *testing.T) {
	reg := newReg()
	guest := &fakeSession{id: 1, principal: auth.Client("g1", "", envelope.RoleGuest), origin: registry.ClientListener}
	reg.Insert(guest)

	r := New(reg, 15*time.Second)
	env := envelope.Envelope{EventType: "do_a_barrel_roll"}
	r.routeFromClient(guest, env)

	require.Len(t, guest.sent, 1)
	var data envelope.ErrorData
	require.NoError(t, json.Unmarshal(guest.sent[0].Data, &data))
	assert.Equal(t, "unknown_event", data.Kind)
}

func TestRouteFromClientNoSuchServer(t *testing.T) {
	reg := newReg()
	player := &fakeSession{id: 1, principal: auth.Client("p1", "", envelope.RolePlayer), origin: registry.ClientListener}
	reg.Insert(player)

	r := New(reg, 15*time.Second)
	env := envelope.Envelope{EventType: EventSendChat, Data: adapterJSON(t, map[string]any{"server_id": "ghost"})}
	r.routeFromClient(player, env)

	require.Len(t, player.sent, 1)
	assert.Equal(t, EventError, player.sent[0].EventType)
	var data envelope.ErrorData
	require.NoError(t, json.Unmarshal(player.sent[0].Data, &data))
	assert.Equal(t, "no_such_server", data.Kind)
}

func TestRequiresAckRoundTripDeliversCommandResult(t *testing.T) {
	reg := newReg()
	adapter := &fakeSession{id: 1, principal: auth.Adapter("srv1", ""), origin: registry.AdapterListener}
	reg.Insert(adapter)
	admin := &fakeSession{id: 2, principal: auth.Client("a1", "", envelope.RoleAdmin), origin: registry.ClientListener}
	reg.Insert(admin)

	r := New(reg, 15*time.Second)
	req := envelope.Envelope{
		EventType:   EventExecuteCommand,
		Data:        adapterJSON(t, map[string]any{"server_id": "srv1", "cmd": "say hi"}),
		MessageID:   "msg-1",
		RequiresAck: true,
	}
	r.routeFromClient(admin, req)

	require.Len(t, adapter.sent, 1)
	assert.Equal(t, 1, r.PendingAcks())

	result := envelope.Envelope{EventType: EventCommandResult, ReplyTo: "msg-1", Data: adapterJSON(t, map[string]any{"ok": true})}
	r.routeFromAdapter(adapter, result)

	require.Len(t, admin.sent, 1)
	assert.Equal(t, EventCommandResult, admin.sent[0].EventType)
	assert.Equal(t, 0, r.PendingAcks())
}

func TestAckTimeoutSweepSynthesizesError(t *testing.T) {
	reg := newReg()
	adapter := &fakeSession{id: 1, principal: auth.Adapter("srv1", ""), origin: registry.AdapterListener}
	reg.Insert(adapter)
	admin := &fakeSession{id: 2, principal: auth.Client("a1", "", envelope.RoleAdmin), origin: registry.ClientListener}
	reg.Insert(admin)

	r := New(reg, 10*time.Millisecond)
	req := envelope.Envelope{
		EventType:   EventExecuteCommand,
		Data:        adapterJSON(t, map[string]any{"server_id": "srv1"}),
		MessageID:   "msg-2",
		RequiresAck: true,
	}
	r.routeFromClient(admin, req)

	r.SweepExpiredAcks(time.Now().Add(20 * time.Millisecond))

	require.Len(t, admin.sent, 1)
	assert.Equal(t, EventError, admin.sent[0].EventType)
	var data envelope.ErrorData
	require.NoError(t, json.Unmarshal(admin.sent[0].Data, &data))
	assert.Equal(t, "ack_timeout", data.Kind)
	assert.Equal(t, 0, r.PendingAcks())
}

func TestGetServerInfoNeverForwardedToAdapter(t *testing.T) {
	reg := newReg()
	adapter := &fakeSession{id: 1, principal: auth.Adapter("srv1", "Server One"), origin: registry.AdapterListener}
	reg.Insert(adapter)
	guest := &fakeSession{id: 2, principal: auth.Client("g1", "", envelope.RoleGuest), origin: registry.ClientListener}
	reg.Insert(guest)

	r := New(reg, 15*time.Second)
	env := envelope.Envelope{EventType: EventGetServerInfo, Data: adapterJSON(t, map[string]any{"server_id": "srv1"}), MessageID: "q1"}
	r.routeFromClient(guest, env)

	assert.Empty(t, adapter.sent)
	require.Len(t, guest.sent, 1)
	assert.Equal(t, EventServerInfo, guest.sent[0].EventType)
}
