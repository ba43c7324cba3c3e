// Package remote defines the contract the engine consumes from the
// authoritative backend. The engine is agnostic to what implements it — a
// document database, a relational service, or a custom server — only these
// operations matter. Implementations are constructed by the host application
// and injected at engine construction time; there is no ambient global client.
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a transient failure: the message stays pending and is
// retried on the next connectivity-regained or explicit-flush trigger. A send
// that neither acknowledges nor errors within the adapter's own bounded
// interval must surface as ErrUnavailable.
var ErrUnavailable = errors.New("remote store unavailable")

// ErrPermissionDenied marks a permanent failure: the message is marked failed
// and left to an explicit user retry, never silently dropped.
var ErrPermissionDenied = errors.New("permission denied by remote store")

// Content is the payload of a message: text and/or a media reference.
type Content struct {
	Type     string // "text" or "media"
	Text     string
	MediaRef string
}

// Event is one remotely-observed message, as delivered by a subscription.
// Delivery is at-least-once: the same event may be redelivered after a
// reconnect, and events may arrive out of timestamp order across a reconnect
// boundary.
type Event struct {
	ServerID       string
	ConversationID string
	SenderID       string
	Content        Content
	Timestamp      time.Time // server-assigned, authoritative
	DeliveredTo    []string
}

// BatchFunc receives inbound event batches. It may be invoked from any
// goroutine; implementations must not assume any relation to the caller's
// thread.
type BatchFunc func(events []Event)

// Subscription is a handle on an attached conversation subscription.
type Subscription interface {
	Close() error
}

// ConversationInfo is the authoritative conversation metadata fetched from
// the remote store, denormalized into the local cache on open.
type ConversationInfo struct {
	ID                 string
	Kind               string // "direct" or "group"
	Participants       []string
	ParticipantDetails map[string]string
}

// Adapter is the narrow surface of the authoritative backend consumed by the
// engine.
type Adapter interface {
	// Send writes one message and returns the server-assigned identity.
	// Fails with ErrUnavailable or ErrPermissionDenied.
	Send(ctx context.Context, conversationID string, content Content) (serverID string, err error)

	// FetchConversation returns authoritative conversation metadata.
	FetchConversation(ctx context.Context, conversationID string) (*ConversationInfo, error)

	// Subscribe attaches a change feed for one conversation.
	Subscribe(conversationID string, fn BatchFunc) (Subscription, error)

	// PushReadMarker publishes the local user's last-seen position so other
	// participants observe the read receipt. Best-effort.
	PushReadMarker(ctx context.Context, conversationID, participantID string, upTo time.Time) error
}
