package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced. The engine uses:
//
//	remote.batch                inbound events handed to the merge engine
//	message.upserted            a message row was inserted or updated
//	message.reconciled          a provisional identity was rewritten
//	message.send_ack            a send was acknowledged by the remote store
//	message.send_failed         a send failed permanently
//	conversation.status_changed a conversation sync state transition
//	conversation.refreshed      the read model for a conversation changed
//	net.online                  connectivity regained (published by the host)
//	outbox.flush                explicit request to drain pending sends
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
