package bus

import "time"

// Event kinds published on the bus. Subscribers filter by prefix, so the
// namespaces ("remote.", "message.", "conn.") are part of the contract.
const (
	KindRemoteMessage = "remote.message" // payload *model.Message
	KindRemoteBatch   = "remote.batch"   // payload []*model.Message

	KindMessageQueued     = "message.queued"
	KindMessageUpdated    = "message.updated"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindConnOnline  = "conn.online"
	KindConnOffline = "conn.offline"
	KindConnChanged = "conn.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
