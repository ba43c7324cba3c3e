// Package orchestrator owns the per-conversation subscription lifecycle and
// sequences local-first reads, remote attachment and cache updates. It is the
// only component the UI and the command layer call into.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gcamora/chatsync/bus"
	"github.com/gcamora/chatsync/remote"
	"github.com/gcamora/chatsync/status"
	"github.com/gcamora/chatsync/store"
	syncpkg "github.com/gcamora/chatsync/sync"
)

// ErrNotOpen is returned for operations that require an open conversation.
var ErrNotOpen = errors.New("conversation not open")

// Params configures an Orchestrator.
type Params struct {
	SelfID   string
	PageSize int
}

// Orchestrator coordinates the send path, the inbound merge path and
// pagination for every open conversation. Writes are serialized by the store
// itself (identity-keyed insert/ignore); the orchestrator holds no lock
// around cache access, only around its own session bookkeeping.
type Orchestrator struct {
	db       *store.DB
	ada      remote.Adapter
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string
	pageSize int

	mu     sync.Mutex
	open   map[string]*conversation
	cancel context.CancelFunc
}

// conversation is the orchestrator's bookkeeping for one open conversation.
type conversation struct {
	machine      *status.Machine
	sub          remote.Subscription
	oldestLoaded int64
	ctx          context.Context
	cancel       context.CancelFunc
}

// New creates an orchestrator around an injected remote adapter.
func New(db *store.DB, adapter remote.Adapter, b *bus.Bus, logger *zap.Logger, p Params) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.PageSize <= 0 {
		p.PageSize = 50
	}
	return &Orchestrator{
		db:       db,
		ada:      adapter,
		bus:      b,
		logger:   logger,
		selfID:   p.SelfID,
		pageSize: p.PageSize,
		open:     make(map[string]*conversation),
	}
}

// Start wires the orchestrator to the bus: merged batches advance read-state
// and connectivity-regained events re-attach dropped subscriptions.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	mergedCh, unsubMerged := o.bus.Subscribe("sync.batch_merged", 256)
	onlineCh, unsubOnline := o.bus.Subscribe("net.online", 16)

	go func() {
		defer unsubMerged()
		defer unsubOnline()
		for {
			select {
			case evt := <-mergedCh:
				if merged, ok := evt.Payload.(syncpkg.BatchMerged); ok {
					o.onBatchMerged(ctx, merged)
				}
			case <-onlineCh:
				o.reattachSubscriptions()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop closes every open conversation and detaches from the bus.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.open))
	for id := range o.open {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		_ = o.Close(id)
	}
	if o.cancel != nil {
		o.cancel()
	}
}

// Open loads a conversation for display: the cached window is returned
// immediately and the conversation goes Live as soon as that local read
// finishes — the UI never blocks on the network. Authoritative metadata fetch
// and subscription attachment proceed in the background; if the remote is
// unavailable the conversation stays Live on cached data and the
// subscription is re-attached on the next connectivity-regained event.
func (o *Orchestrator) Open(ctx context.Context, conversationID string) ([]store.Message, error) {
	o.mu.Lock()
	if _, ok := o.open[conversationID]; ok {
		o.mu.Unlock()
		return o.Messages(conversationID, o.pageSize)
	}
	convCtx, cancel := context.WithCancel(context.Background())
	conv := &conversation{
		machine: status.NewMachine(conversationID, o.bus),
		ctx:     convCtx,
		cancel:  cancel,
	}
	o.open[conversationID] = conv
	o.mu.Unlock()

	if err := conv.machine.Transition(status.Loading); err != nil {
		return nil, err
	}

	msgs, err := o.db.ListMessages(conversationID, 0, o.pageSize)
	if err != nil {
		o.dropSession(conversationID)
		return nil, fmt.Errorf("read cached window: %w", err)
	}

	o.mu.Lock()
	if len(msgs) > 0 {
		conv.oldestLoaded = msgs[len(msgs)-1].Timestamp
	}
	o.mu.Unlock()

	if err := conv.machine.Transition(status.Live); err != nil {
		o.dropSession(conversationID)
		return nil, err
	}

	// Both remote touches run off the open path: Subscribe may block as long
	// as any other network call.
	go o.fetchMetadata(convCtx, conversationID)
	go o.attachSubscription(conversationID, conv)

	return o.visible(msgs), nil
}

// Close releases the remote subscription and cancels any in-flight
// pagination or metadata fetch. Already-issued sends are not cancelled: a
// send, once optimistically recorded, always completes or fails.
func (o *Orchestrator) Close(conversationID string) error {
	o.mu.Lock()
	conv, ok := o.open[conversationID]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	delete(o.open, conversationID)
	o.mu.Unlock()

	conv.cancel()
	if conv.sub != nil {
		if err := conv.sub.Close(); err != nil {
			o.logger.Warn("failed to close subscription",
				zap.Error(err), zap.String("conversation_id", conversationID))
		}
	}
	return conv.machine.Transition(status.Closed)
}

// SendText records a text message optimistically in the cache under a
// provisional identity and kicks the outbound queue. The network send never
// blocks this path. Returns the provisional identity.
func (o *Orchestrator) SendText(ctx context.Context, conversationID, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%w: empty message text", store.ErrValidation)
	}
	return o.send(ctx, conversationID, remote.Content{Type: store.ContentText, Text: text})
}

// SendMedia records a media message by reference; upload itself is the media
// pipeline's concern.
func (o *Orchestrator) SendMedia(ctx context.Context, conversationID, mediaRef string) (string, error) {
	if mediaRef == "" {
		return "", fmt.Errorf("%w: empty media reference", store.ErrValidation)
	}
	return o.send(ctx, conversationID, remote.Content{Type: store.ContentMedia, MediaRef: mediaRef})
}

func (o *Orchestrator) send(ctx context.Context, conversationID string, content remote.Content) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("%w: missing conversation id", store.ErrValidation)
	}
	if err := o.ensureConversation(ctx, conversationID); err != nil {
		return "", err
	}

	provisionalID := uuid.New().String()
	now := time.Now().UnixMilli()
	if _, err := o.db.InsertMessage(&store.Message{
		ConversationID: conversationID,
		MsgID:          provisionalID,
		SenderID:       o.selfID,
		ContentType:    content.Type,
		Body:           content.Text,
		MediaRef:       content.MediaRef,
		FromMe:         true,
		Status:         store.StatusSending,
		SyncStatus:     store.SyncPending,
		Timestamp:      now,
	}); err != nil {
		return "", fmt.Errorf("optimistic insert: %w", err)
	}

	preview := content.Text
	if preview == "" {
		preview = content.MediaRef
	}
	if err := o.db.UpsertConversation(&store.Conversation{
		ID:                 conversationID,
		LastMessageAt:      now,
		LastMessagePreview: truncate(preview, 100),
	}); err != nil {
		o.logger.Warn("failed to bump conversation preview",
			zap.Error(err), zap.String("conversation_id", conversationID))
	}

	o.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
			"msg_id":          provisionalID,
		},
	})
	o.bus.Publish(bus.Event{Kind: "outbox.flush", Timestamp: time.Now()})

	return provisionalID, nil
}

// LoadOlder extends the visible window by one page, bounded by the oldest
// currently-loaded message. This only ever reads the cache.
func (o *Orchestrator) LoadOlder(conversationID string) ([]store.Message, error) {
	o.mu.Lock()
	conv, ok := o.open[conversationID]
	if !ok {
		o.mu.Unlock()
		return nil, ErrNotOpen
	}
	before := conv.oldestLoaded
	convCtx := conv.ctx
	o.mu.Unlock()

	if convCtx.Err() != nil {
		return nil, ErrNotOpen
	}
	// An empty window at open means there is nothing older; without this
	// guard ListMessages would treat 0 as "from the latest" and hand back
	// rows the window already shows.
	if before == 0 {
		return nil, nil
	}

	msgs, err := o.db.ListMessages(conversationID, before, o.pageSize)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		o.mu.Lock()
		if cur, ok := o.open[conversationID]; ok {
			cur.oldestLoaded = msgs[len(msgs)-1].Timestamp
		}
		o.mu.Unlock()
	}
	return o.visible(msgs), nil
}

// Messages re-reads the current read model for a conversation, newest first,
// with rows soft-deleted for the local user filtered out.
func (o *Orchestrator) Messages(conversationID string, limit int) ([]store.Message, error) {
	msgs, err := o.db.ListMessages(conversationID, 0, limit)
	if err != nil {
		return nil, err
	}
	return o.visible(msgs), nil
}

// Retry re-queues a permanently-failed message after explicit user action.
func (o *Orchestrator) Retry(conversationID, msgID string) error {
	if err := o.db.UpdateMessageStatus(conversationID, msgID,
		store.StatusSending, store.SyncPending, ""); err != nil {
		return err
	}
	o.bus.Publish(bus.Event{Kind: "outbox.flush", Timestamp: time.Now()})
	return nil
}

// SoftDeleteMessage hides a message for the local user only.
func (o *Orchestrator) SoftDeleteMessage(conversationID, msgID string) error {
	if err := o.db.SoftDeleteMessage(conversationID, msgID, o.selfID); err != nil {
		return err
	}
	o.publishRefreshed(conversationID)
	return nil
}

// DeleteConversation closes the conversation and removes it with all its
// messages.
func (o *Orchestrator) DeleteConversation(conversationID string) error {
	if err := o.Close(conversationID); err != nil {
		return err
	}
	return o.db.DeleteConversation(conversationID)
}

// Events exposes the engine's notification stream to the UI. The UI
// re-renders on "message." and "conversation." events.
func (o *Orchestrator) Events(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return o.bus.Subscribe(namespace, bufSize)
}

func (o *Orchestrator) ensureConversation(ctx context.Context, conversationID string) error {
	c, err := o.db.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if c != nil {
		return nil
	}
	info, err := o.ada.FetchConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("%w: unknown conversation %s", store.ErrValidation, conversationID)
	}
	return o.db.UpsertConversation(&store.Conversation{
		ID:                 info.ID,
		Kind:               info.Kind,
		Participants:       info.Participants,
		ParticipantDetails: info.ParticipantDetails,
	})
}

func (o *Orchestrator) fetchMetadata(ctx context.Context, conversationID string) {
	info, err := o.ada.FetchConversation(ctx, conversationID)
	if err != nil {
		o.logger.Warn("metadata fetch failed, serving cached data",
			zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	if err := o.db.UpsertConversation(&store.Conversation{
		ID:                 info.ID,
		Kind:               info.Kind,
		Participants:       info.Participants,
		ParticipantDetails: info.ParticipantDetails,
	}); err != nil {
		o.logger.Error("failed to upsert conversation metadata",
			zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	o.publishRefreshed(conversationID)
}

func (o *Orchestrator) attachSubscription(conversationID string, conv *conversation) {
	sub, err := o.ada.Subscribe(conversationID, func(events []remote.Event) {
		o.bus.Publish(bus.Event{
			Kind:      "remote.batch",
			Timestamp: time.Now(),
			Payload: syncpkg.RemoteBatch{
				ConversationID: conversationID,
				Events:         events,
			},
		})
	})
	if err != nil {
		// Stay Live on cached data; re-attach on net.online.
		o.logger.Warn("subscription attach failed",
			zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	o.mu.Lock()
	if _, stillOpen := o.open[conversationID]; !stillOpen {
		o.mu.Unlock()
		_ = sub.Close()
		return
	}
	conv.sub = sub
	o.mu.Unlock()
}

func (o *Orchestrator) reattachSubscriptions() {
	o.mu.Lock()
	detached := make(map[string]*conversation)
	for id, conv := range o.open {
		if conv.sub == nil {
			detached[id] = conv
		}
	}
	o.mu.Unlock()

	for id, conv := range detached {
		o.attachSubscription(id, conv)
	}
}

// onBatchMerged advances the local user's read marker to the newest merged
// message while the conversation is open, and pushes the read receipt so
// other participants observe it.
func (o *Orchestrator) onBatchMerged(ctx context.Context, merged syncpkg.BatchMerged) {
	o.mu.Lock()
	conv, ok := o.open[merged.ConversationID]
	o.mu.Unlock()
	if !ok || conv.machine.Current() != status.Live {
		return
	}

	if err := o.db.MarkRead(merged.ConversationID, o.selfID, merged.NewestTS); err != nil {
		o.logger.Error("failed to advance read marker",
			zap.Error(err), zap.String("conversation_id", merged.ConversationID))
	}
	go func() {
		upTo := time.UnixMilli(merged.NewestTS)
		if err := o.ada.PushReadMarker(ctx, merged.ConversationID, o.selfID, upTo); err != nil {
			o.logger.Warn("failed to push read marker",
				zap.Error(err), zap.String("conversation_id", merged.ConversationID))
		}
	}()

	o.publishRefreshed(merged.ConversationID)
}

func (o *Orchestrator) publishRefreshed(conversationID string) {
	o.bus.Publish(bus.Event{
		Kind:      "conversation.refreshed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}

func (o *Orchestrator) dropSession(conversationID string) {
	o.mu.Lock()
	conv, ok := o.open[conversationID]
	delete(o.open, conversationID)
	o.mu.Unlock()
	if ok {
		conv.cancel()
	}
}

// visible filters out rows soft-deleted for the local user.
func (o *Orchestrator) visible(msgs []store.Message) []store.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.DeletedForActor(o.selfID) {
			continue
		}
		out = append(out, m)
	}
	return out
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
