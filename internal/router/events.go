package router

import "github.com/bconhub/hub/internal/envelope"

// Event type constants name the adapter<->client wire vocabulary.
const (
	EventHeartbeat             = "heartbeat"
	EventExecuteCommand        = "execute_command"
	EventSendChat              = "send_chat"
	EventBluemap               = "bluemap"
	EventRegisterCommand       = "register_command"
	EventUnregisterCommand     = "unregister_command"
	EventClearCommands         = "clear_commands"
	EventBconConfig            = "bcon_config"
	EventGetServerInfo         = "get_server_info"
	EventCommandResult         = "command_result"
	EventChatMessage           = "chat_message"
	EventPlayerJoined          = "player_joined"
	EventPlayerLeft            = "player_left"
	EventCustomCommandExecuted = "custom_command_executed"
	EventError                 = "error"
	EventServerInfo            = "server_info"
)

// clientRoutableEvents is the full set of eventTypes the routing matrix
// recognizes from any client role, regardless of which role may actually
// send them. An eventType outside this set is genuinely unrecognized
// (unknown_event); one inside it but not in the caller's own
// clientAllowedEvents entry is recognized but off-limits for that role
// (forbidden_role).
var clientRoutableEvents = map[string]struct{}{
	EventExecuteCommand:    {},
	EventSendChat:          {},
	EventBluemap:           {},
	EventRegisterCommand:   {},
	EventUnregisterCommand: {},
	EventClearCommands:     {},
	EventBconConfig:        {},
	EventGetServerInfo:     {},
}

// clientAllowedEvents is the routing matrix's per-role allowed event set for
// client-sourced messages. Roles are totally ordered, so every role also
// carries the entries of the roles below it — an Admin can do anything a
// Player can.
var clientAllowedEvents = map[envelope.Role]map[string]struct{}{
	envelope.RoleGuest: {
		EventGetServerInfo: {},
	},
	envelope.RolePlayer: {
		EventGetServerInfo: {},
		EventSendChat:      {},
	},
	envelope.RoleAdmin: {
		EventGetServerInfo:  {},
		EventExecuteCommand: {},
		EventSendChat:       {},
		EventBluemap:        {},
	},
	envelope.RoleSystem: {
		EventGetServerInfo:     {},
		EventExecuteCommand:    {},
		EventSendChat:          {},
		EventBluemap:           {},
		EventRegisterCommand:   {},
		EventUnregisterCommand: {},
		EventClearCommands:     {},
		EventBconConfig:        {},
	},
}

// adapterVisibleToAll is the set of adapter-sourced events visible to every
// client role, including Guest. Everything else is Admin/System only
// (default-deny), per the per-event visibility filter.
var adapterVisibleToAll = map[string]struct{}{
	EventChatMessage:  {},
	EventPlayerJoined: {},
	EventPlayerLeft:   {},
}

func visibleToRole(eventType string, role envelope.Role) bool {
	if role >= envelope.RoleAdmin {
		return true
	}
	if _, ok := adapterVisibleToAll[eventType]; ok {
		return true
	}
	return false
}
