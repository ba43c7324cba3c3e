// Package sync reconciles inbound remote events with the local cache: it
// decides whether each event is already represented locally (by identity or
// by a similarity heuristic) before inserting, and rewrites provisional
// identities once server identities are known.
package sync

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gcamora/chatsync/bus"
	"github.com/gcamora/chatsync/remote"
	"github.com/gcamora/chatsync/store"
	"go.uber.org/zap"
)

// RemoteBatch is the bus payload carrying inbound events for one
// conversation, published by the orchestrator's subscription callback under
// kind "remote.batch".
type RemoteBatch struct {
	ConversationID string
	Events         []remote.Event
}

// BatchMerged is published under kind "sync.batch_merged" after a batch that
// inserted or reconciled at least one message, so the orchestrator can
// refresh read-state bookkeeping.
type BatchMerged struct {
	ConversationID string
	Changed        int
	NewestTS       int64
}

// Engine handles idempotent ingestion of remote events into the store.
// It subscribes to "remote." events on the bus and processes them.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
	window time.Duration
	cancel context.CancelFunc
}

// NewEngine creates a new merge engine. window bounds the similarity match
// used to catch a subscription delivering a message before its send ack.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger, selfID string, window time.Duration) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
		selfID: selfID,
		window: window,
	}
}

// Start subscribes to inbound remote batches on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("remote.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				batch, ok := evt.Payload.(RemoteBatch)
				if !ok {
					continue
				}
				if _, err := e.MergeBatch(batch.ConversationID, batch.Events); err != nil {
					e.logger.Error("failed to merge remote batch",
						zap.Error(err),
						zap.String("conversation_id", batch.ConversationID),
						zap.Int("events", len(batch.Events)))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// MergeBatch processes a batch of remote events for a conversation. For each
// event: an exact identity match (current or provisional) is an at-least-once
// redelivery and is skipped; otherwise a similarity match against a
// still-pending row reconciles that row to the server identity in place;
// anything else is inserted as a new message. Returns how many events
// inserted or reconciled.
func (e *Engine) MergeBatch(conversationID string, events []remote.Event) (int, error) {
	changed := 0
	var newestTS int64
	for i := range events {
		evt := &events[i]
		did, err := e.mergeEvent(conversationID, evt)
		if err != nil {
			return changed, fmt.Errorf("merge event %s: %w", evt.ServerID, err)
		}
		if did {
			changed++
			if ts := evt.Timestamp.UnixMilli(); ts > newestTS {
				newestTS = ts
			}
		}
	}

	if changed > 0 {
		e.bus.Publish(bus.Event{
			Kind:      "sync.batch_merged",
			Timestamp: time.Now(),
			Payload: BatchMerged{
				ConversationID: conversationID,
				Changed:        changed,
				NewestTS:       newestTS,
			},
		})
	}
	return changed, nil
}

func (e *Engine) mergeEvent(conversationID string, evt *remote.Event) (bool, error) {
	ts := evt.Timestamp.UnixMilli()
	contentType := evt.Content.Type
	if contentType == "" {
		contentType = store.ContentText
	}

	// Primary rule: exact identity match covers the normal reconciliation
	// path and at-least-once redelivery.
	existing, err := e.db.GetMessage(conversationID, evt.ServerID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		// Redelivery. If the row somehow missed its ack, force it durable.
		if existing.SyncStatus != store.SyncSynced {
			if err := e.db.UpdateMessageStatus(conversationID, existing.MsgID,
				store.StatusSent, store.SyncSynced, ""); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	// The conversation row must exist before any insert or bump (foreign-key
	// discipline); this also advances the denormalized preview.
	if err := e.db.UpsertConversation(&store.Conversation{
		ID:                 conversationID,
		LastMessageAt:      ts,
		LastMessagePreview: truncate(previewOf(evt), 100),
	}); err != nil {
		return false, err
	}

	// Fallback similarity rule: same sender, content type and text within the
	// window means this event is the authoritative version of an
	// already-present provisional row, not a new message. Two legitimately
	// identical rapid-fire messages from the same sender can collapse here;
	// the remote store exposes no idempotency token to do better.
	similar, err := e.db.FindSimilar(conversationID, evt.SenderID, contentType, evt.Content.Text, ts, e.window)
	if err != nil {
		return false, err
	}
	if similar != nil {
		if _, err := e.db.ReconcileIdentity(conversationID, similar.MsgID, evt.ServerID, ts); err != nil {
			return false, err
		}
		e.publishMessageEvent("message.reconciled", conversationID, evt.ServerID, similar.MsgID)
		return true, nil
	}

	inserted, err := e.db.InsertMessage(&store.Message{
		ConversationID: conversationID,
		MsgID:          evt.ServerID,
		SenderID:       evt.SenderID,
		ContentType:    contentType,
		Body:           evt.Content.Text,
		MediaRef:       evt.Content.MediaRef,
		FromMe:         evt.SenderID == e.selfID,
		Status:         store.StatusDelivered,
		SyncStatus:     store.SyncSynced,
		DeliveredTo:    evt.DeliveredTo,
		Timestamp:      ts,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	if evt.SenderID != e.selfID {
		if err := e.db.IncrementUnread(conversationID, e.selfID); err != nil {
			e.logger.Warn("failed to bump unread count",
				zap.Error(err), zap.String("conversation_id", conversationID))
		}
	}
	e.publishMessageEvent("message.upserted", conversationID, evt.ServerID, "")
	return true, nil
}

func (e *Engine) publishMessageEvent(kind, conversationID, msgID, localID string) {
	e.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
			"msg_id":          msgID,
			"local_id":        localID,
		},
	})
}

func previewOf(evt *remote.Event) string {
	if evt.Content.Text != "" {
		return evt.Content.Text
	}
	return evt.Content.MediaRef
}

// truncate caps a preview at maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
