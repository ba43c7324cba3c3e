// Package outbox drives delivery of messages not yet confirmed durable on
// the remote store. The queue itself is the cache's pending view; this
// package only decides when to drain it and how to classify failures.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/gcamora/chatsync/bus"
	"github.com/gcamora/chatsync/remote"
	"github.com/gcamora/chatsync/store"
	syncpkg "github.com/gcamora/chatsync/sync"
	"go.uber.org/zap"
)

// Sender drains pending messages oldest-first through the remote adapter.
// There is no retry timer: a drain runs once at start, then only on
// connectivity-regained ("net.online") and explicit-flush ("outbox.flush")
// events. A single goroutine serializes drains, so a message is never sent
// twice concurrently.
type Sender struct {
	db     *store.DB
	ada    remote.Adapter
	rec    *syncpkg.Reconciler
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	kick   chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, adapter remote.Adapter, rec *syncpkg.Reconciler, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:     db,
		ada:    adapter,
		rec:    rec,
		bus:    b,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
}

// Start drains once (messages left pending by a previous process run) and
// then waits for drain triggers.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe("net.online", 16)
	flushCh, unsubFlush := s.bus.Subscribe("outbox.flush", 64)

	s.Kick()
	go func() {
		defer unsub()
		defer unsubFlush()
		for {
			select {
			case <-s.kick:
				s.drain(ctx)
			case <-ch:
				s.drain(ctx)
			case <-flushCh:
				s.drain(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sender. Already-issued sends run to completion or failure;
// a send is never abandoned once its optimistic row exists.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Kick requests a drain without going through the bus.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) drain(ctx context.Context) {
	pending, err := s.db.PendingMessages()
	if err != nil {
		s.logger.Error("failed to read pending messages", zap.Error(err))
		return
	}

	for i := range pending {
		m := &pending[i]
		serverID, err := s.ada.Send(ctx, m.ConversationID, remote.Content{
			Type:     m.ContentType,
			Text:     m.Body,
			MediaRef: m.MediaRef,
		})
		switch {
		case err == nil:
			if err := s.rec.Ack(m.ConversationID, m.MsgID, serverID, time.Time{}); err != nil {
				s.logger.Error("failed to reconcile send ack",
					zap.Error(err), zap.String("msg_id", m.MsgID))
				continue
			}
			s.logger.Info("message sent",
				zap.String("msg_id", m.MsgID), zap.String("server_id", serverID))
			s.bus.Publish(bus.Event{
				Kind:      "message.send_ack",
				Timestamp: time.Now(),
				Payload: map[string]string{
					"conversation_id": m.ConversationID,
					"local_id":        m.MsgID,
					"server_id":       serverID,
				},
			})

		case errors.Is(err, remote.ErrPermissionDenied):
			// Permanent: surfaced to the user with a retry affordance, never
			// silently dropped.
			if uerr := s.db.UpdateMessageStatus(m.ConversationID, m.MsgID,
				m.Status, store.SyncFailed, err.Error()); uerr != nil {
				s.logger.Error("failed to mark message failed",
					zap.Error(uerr), zap.String("msg_id", m.MsgID))
			}
			s.logger.Warn("send rejected",
				zap.Error(err), zap.String("msg_id", m.MsgID))
			s.bus.Publish(bus.Event{
				Kind:      "message.send_failed",
				Timestamp: time.Now(),
				Payload: map[string]string{
					"conversation_id": m.ConversationID,
					"msg_id":          m.MsgID,
					"error":           err.Error(),
				},
			})

		default:
			// Transient (ErrUnavailable or unclassified): the message stays
			// pending and the drain stops until the next trigger.
			s.logger.Warn("send deferred, remote unavailable",
				zap.Error(err), zap.String("msg_id", m.MsgID))
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
