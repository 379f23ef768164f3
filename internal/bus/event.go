package bus

import "time"

// Event kinds published inside the daemon.
const (
	KindPresenceChanged    = "presence.changed"
	KindMessageCreated     = "message.created"
	KindMessageUpdated     = "message.updated"
	KindMessageDeleted     = "message.deleted"
	KindRoomDeleted        = "room.deleted"
	KindRelayCompleted     = "relay.completed"
	KindBindingCreated     = "binding.created"
	KindBindingDeactivated = "binding.deactivated"
	KindBindingValidated   = "binding.validated"
	KindBindingInvalidated = "binding.invalidated"
	KindInboundDropped     = "inbound.dropped"
	KindPlatformStatus     = "platform.status_changed"
	KindPairingCode        = "platform.pairing_code"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
