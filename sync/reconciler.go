package sync

import (
	"fmt"
	"time"

	"github.com/gcamora/chatsync/bus"
	"github.com/gcamora/chatsync/store"
	"go.uber.org/zap"
)

// Reconciler rewrites provisional message identities once the remote store
// acknowledges a send with its server-assigned identity.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, bus: b, logger: logger}
}

// Ack records a send acknowledgment: the cached row inserted under
// provisionalID is rewritten in place to serverID (status sent, synced,
// provisional id retained as local_id). If the remote subscription already
// delivered the message under serverID, this degrades to a no-op update.
func (r *Reconciler) Ack(conversationID, provisionalID, serverID string, serverTs time.Time) error {
	var ts int64
	if !serverTs.IsZero() {
		ts = serverTs.UnixMilli()
	}
	ok, err := r.db.ReconcileIdentity(conversationID, provisionalID, serverID, ts)
	if err != nil {
		return fmt.Errorf("reconcile identity: %w", err)
	}
	if !ok {
		r.logger.Warn("send ack for unknown message",
			zap.String("conversation_id", conversationID),
			zap.String("provisional_id", provisionalID),
			zap.String("server_id", serverID))
		return store.ErrNotFound
	}

	r.bus.Publish(bus.Event{
		Kind:      "message.reconciled",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
			"msg_id":          serverID,
			"local_id":        provisionalID,
		},
	})
	return nil
}
