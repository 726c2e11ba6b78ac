package bus

import "time"

// Event kinds published by the session core. Subscribers filter by prefix,
// so the part before the first dot is the namespace.
const (
	KindChannelState        = "channel.state_changed"
	KindChannelHandlerPanic = "channel.handler_panic"

	KindChatSnapshot = "chat.snapshot_applied"
	KindChatMessage  = "chat.message_applied"
	KindChatRefetch  = "chat.refetch_requested"

	KindCallPhase        = "call.phase_changed"
	KindCallBusyRejected = "call.busy_rejected"

	KindScopeLogin  = "scope.logged_in"
	KindScopeLogout = "scope.logged_out"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespace returns the prefix of Kind up to and including the first dot.
func (e Event) Namespace() string {
	for i := 0; i < len(e.Kind); i++ {
		if e.Kind[i] == '.' {
			return e.Kind[:i+1]
		}
	}
	return e.Kind
}
