package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gcamora/chatsync/bus"
	"github.com/gcamora/chatsync/outbox"
	"github.com/gcamora/chatsync/remote"
	"github.com/gcamora/chatsync/status"
	"github.com/gcamora/chatsync/store"
	syncpkg "github.com/gcamora/chatsync/sync"
)

// mockRemote is an in-memory remote store with controllable failure modes.
type mockRemote struct {
	mu        sync.Mutex
	infos     map[string]*remote.ConversationInfo
	fetchErr  error
	subErr    error
	subDelay  time.Duration
	sendErr   error
	nextID    int
	sends     []remote.Content
	callbacks map[string]remote.BatchFunc
	subs      int
	closed    int
	readMarks []string
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		infos:     make(map[string]*remote.ConversationInfo),
		callbacks: make(map[string]remote.BatchFunc),
	}
}

func (m *mockRemote) Send(_ context.Context, convID string, content remote.Content) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.nextID++
	m.sends = append(m.sends, content)
	return fmt.Sprintf("srv-%d", m.nextID), nil
}

func (m *mockRemote) FetchConversation(_ context.Context, convID string) (*remote.ConversationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if info, ok := m.infos[convID]; ok {
		return info, nil
	}
	return &remote.ConversationInfo{ID: convID, Kind: store.KindDirect}, nil
}

func (m *mockRemote) Subscribe(convID string, fn remote.BatchFunc) (remote.Subscription, error) {
	m.mu.Lock()
	delay := m.subDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return nil, m.subErr
	}
	m.subs++
	m.callbacks[convID] = fn
	return &mockSub{onClose: func() {
		m.mu.Lock()
		m.closed++
		delete(m.callbacks, convID)
		m.mu.Unlock()
	}}, nil
}

func (m *mockRemote) PushReadMarker(_ context.Context, convID, participantID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readMarks = append(m.readMarks, convID+"/"+participantID)
	return nil
}

// deliver pushes events through the registered subscription callback, as the
// remote store would.
func (m *mockRemote) deliver(t *testing.T, convID string, events ...remote.Event) {
	t.Helper()
	m.mu.Lock()
	fn, ok := m.callbacks[convID]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription registered for %s", convID)
	}
	fn(events)
}

func (m *mockRemote) subCount() (subs, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs, m.closed
}

func (m *mockRemote) setSubErr(err error) {
	m.mu.Lock()
	m.subErr = err
	m.mu.Unlock()
}

type mockSub struct {
	once    sync.Once
	onClose func()
}

func (s *mockSub) Close() error {
	s.once.Do(s.onClose)
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedMessages(t *testing.T, db *store.DB, convID string, n int, baseTS int64) {
	t.Helper()
	if err := db.UpsertConversation(&store.Conversation{ID: convID}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if _, err := db.InsertMessage(&store.Message{
			ConversationID: convID,
			MsgID:          fmt.Sprintf("m-%03d", i),
			SenderID:       "alice",
			Body:           fmt.Sprintf("message %d", i),
			Status:         store.StatusDelivered,
			SyncStatus:     store.SyncSynced,
			Timestamp:      baseTS + int64(i)*1000,
		}); err != nil {
			t.Fatal(err)
		}
	}
}

// waitSubs blocks until the mock has n live subscriptions; attach runs off
// the open path.
func waitSubs(t *testing.T, mock *mockRemote, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if subs, _ := mock.subCount(); subs == n {
			return
		}
		select {
		case <-deadline:
			subs, _ := mock.subCount()
			t.Fatalf("subscriptions = %d, want %d", subs, n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func TestOpenServesCachedWindow(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := newMockRemote()
	o := New(db, mock, b, nil, Params{SelfID: "me", PageSize: 50})

	seedMessages(t, db, "c1", 60, 1_000_000)

	statusCh, unsub := b.Subscribe("conversation.status_changed", 10)
	defer unsub()

	msgs, err := o.Open(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 50 {
		t.Fatalf("got %d messages, want the newest page of 50", len(msgs))
	}
	if msgs[0].MsgID != "m-059" || msgs[49].MsgID != "m-010" {
		t.Errorf("window = %s..%s, want m-059..m-010", msgs[0].MsgID, msgs[49].MsgID)
	}

	// Loading then Live, in order.
	evt := waitEvent(t, statusCh, "conversation.status_changed")
	if sc := evt.Payload.(status.StatusChange); sc.To != status.Loading {
		t.Errorf("first transition to %s, want LOADING", sc.To)
	}
	evt = waitEvent(t, statusCh, "conversation.status_changed")
	if sc := evt.Payload.(status.StatusChange); sc.To != status.Live {
		t.Errorf("second transition to %s, want LIVE", sc.To)
	}

	waitSubs(t, mock, 1)
}

// TestOpenOfflineStaysLive verifies the cache-first contract: when the remote
// is down the cached window is still served and the conversation goes Live.
func TestOpenOfflineStaysLive(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := newMockRemote()
	mock.fetchErr = remote.ErrUnavailable
	mock.setSubErr(remote.ErrUnavailable)
	o := New(db, mock, b, nil, Params{SelfID: "me", PageSize: 50})

	seedMessages(t, db, "c1", 5, 1_000_000)

	msgs, err := o.Open(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Errorf("got %d messages offline, want 5 from cache", len(msgs))
	}

	// The conversation is usable: sends queue locally.
	id, err := o.SendText(context.Background(), "c1", "queued offline")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("no provisional id returned")
	}
	pending, _ := db.PendingMessages()
	if len(pending) != 1 {
		t.Errorf("got %d pending, want 1", len(pending))
	}
}

func TestLoadOlderPaginatesFromCache(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	o := New(db, newMockRemote(), b, nil, Params{SelfID: "me", PageSize: 50})

	seedMessages(t, db, "c1", 120, 1_000_000)

	first, err := o.Open(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 50 {
		t.Fatalf("open window = %d, want 50", len(first))
	}

	second, err := o.LoadOlder("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 50 {
		t.Fatalf("second page = %d, want 50", len(second))
	}
	if second[0].MsgID != "m-069" || second[49].MsgID != "m-020" {
		t.Errorf("second page = %s..%s, want m-069..m-020", second[0].MsgID, second[49].MsgID)
	}

	third, err := o.LoadOlder("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(third) != 20 {
		t.Errorf("third page = %d, want the remaining 20", len(third))
	}
}

// TestOpenDoesNotBlockOnSubscribe verifies the cached window is served even
// when attaching the subscription takes as long as any other network call.
func TestOpenDoesNotBlockOnSubscribe(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := newMockRemote()
	mock.subDelay = 500 * time.Millisecond
	o := New(db, mock, b, nil, Params{SelfID: "me", PageSize: 50})

	seedMessages(t, db, "c1", 5, 1_000_000)

	start := time.Now()
	msgs, err := o.Open(context.Background(), "c1")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = o.Close("c1") }()

	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if elapsed >= mock.subDelay {
		t.Errorf("Open took %v, must return the cached window before the attach completes", elapsed)
	}

	// The subscription still attaches in the background.
	waitSubs(t, mock, 1)
}

// TestLoadOlderEmptyWindow: a conversation that had no cached rows at open
// has nothing older to page into, even after new messages arrive.
func TestLoadOlderEmptyWindow(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	o := New(db, newMockRemote(), b, nil, Params{SelfID: "me", PageSize: 50})

	seedMessages(t, db, "c1", 0, 0)
	msgs, err := o.Open(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages, want 0", len(msgs))
	}

	// Messages merged after open are the visible window, not older history.
	seedMessages(t, db, "c1", 3, 1_000_000)

	older, err := o.LoadOlder("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 0 {
		t.Errorf("got %d rows from LoadOlder, want 0 (window already shows the newest page)", len(older))
	}
	visible, err := o.Messages("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 3 {
		t.Errorf("got %d visible messages, want 3", len(visible))
	}
}

func TestLoadOlderRequiresOpen(t *testing.T) {
	db := testDB(t)
	o := New(db, newMockRemote(), bus.New(), nil, Params{SelfID: "me"})

	if _, err := o.LoadOlder("never-opened"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("err = %v, want ErrNotOpen", err)
	}
}

// TestSendNoDuplicateAcrossAckAndEcho runs the full pipeline: optimistic
// insert, outbound drain, send ack, then the subscription echoing the same
// message under its server identity. Exactly one row must survive.
func TestSendNoDuplicateAcrossAckAndEcho(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := newMockRemote()

	engine := syncpkg.NewEngine(db, b, nil, "me", 5*time.Second)
	engine.Start(context.Background())
	defer engine.Stop()

	rec := syncpkg.NewReconciler(db, b, nil)
	sender := outbox.NewSender(db, mock, rec, b, nil)
	sender.Start(context.Background())
	defer sender.Stop()

	o := New(db, mock, b, nil, Params{SelfID: "me", PageSize: 50})
	seedMessages(t, db, "c1", 0, 0)

	if _, err := o.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = o.Close("c1") }()
	waitSubs(t, mock, 1)

	ackCh, unsub := b.Subscribe("message.send_ack", 10)
	defer unsub()

	provID, err := o.SendText(context.Background(), "c1", "on my way")
	if err != nil {
		t.Fatal(err)
	}

	evt := waitEvent(t, ackCh, "message.send_ack")
	serverID := evt.Payload.(map[string]string)["server_id"]

	// The remote store echoes the message back on the subscription.
	mock.deliver(t, "c1", remote.Event{
		ServerID:       serverID,
		ConversationID: "c1",
		SenderID:       "me",
		Content:        remote.Content{Type: store.ContentText, Text: "on my way"},
		Timestamp:      time.Now(),
	})
	time.Sleep(200 * time.Millisecond)

	msgs, err := o.Messages("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1 across send/ack/echo", len(msgs))
	}
	got := msgs[0]
	if got.MsgID != serverID || got.LocalID != provID {
		t.Errorf("identities = %s/%s, want %s/%s", got.MsgID, got.LocalID, serverID, provID)
	}
	if got.SyncStatus != store.SyncSynced {
		t.Errorf("sync_status = %s, want synced", got.SyncStatus)
	}
}

func TestSendValidation(t *testing.T) {
	db := testDB(t)
	o := New(db, newMockRemote(), bus.New(), nil, Params{SelfID: "me"})

	if _, err := o.SendText(context.Background(), "c1", ""); !errors.Is(err, store.ErrValidation) {
		t.Errorf("empty text err = %v, want ErrValidation", err)
	}
	if _, err := o.SendMedia(context.Background(), "c1", ""); !errors.Is(err, store.ErrValidation) {
		t.Errorf("empty media ref err = %v, want ErrValidation", err)
	}
	if _, err := o.SendText(context.Background(), "", "hi"); !errors.Is(err, store.ErrValidation) {
		t.Errorf("missing conversation err = %v, want ErrValidation", err)
	}
}

// TestSendToUncachedConversation verifies the conversation row is created
// from remote metadata before the optimistic insert, and that an unreachable
// unknown conversation is rejected rather than violating referential
// integrity.
func TestSendToUncachedConversation(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := newMockRemote()
	mock.infos["g1"] = &remote.ConversationInfo{
		ID: "g1", Kind: store.KindGroup, Participants: []string{"me", "alice", "bob"},
	}
	o := New(db, mock, b, nil, Params{SelfID: "me"})

	if _, err := o.SendText(context.Background(), "g1", "hello group"); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation("g1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Kind != store.KindGroup || len(c.Participants) != 3 {
		t.Errorf("conversation = %+v, want group with 3 participants", c)
	}

	mock.fetchErr = remote.ErrUnavailable
	if _, err := o.SendText(context.Background(), "ghost", "hi"); !errors.Is(err, store.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation for unknown unreachable conversation", err)
	}
}

func TestCloseReleasesSubscription(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := newMockRemote()
	o := New(db, mock, b, nil, Params{SelfID: "me"})

	seedMessages(t, db, "c1", 3, 1_000_000)
	if _, err := o.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	waitSubs(t, mock, 1)

	statusCh, unsub := b.Subscribe("conversation.status_changed", 10)
	defer unsub()

	if err := o.Close("c1"); err != nil {
		t.Fatal(err)
	}

	evt := waitEvent(t, statusCh, "conversation.status_changed")
	if sc := evt.Payload.(status.StatusChange); sc.To != status.Closed {
		t.Errorf("transition to %s, want CLOSED", sc.To)
	}
	if _, closed := mock.subCount(); closed != 1 {
		t.Errorf("closed subscriptions = %d, want 1", closed)
	}
	if _, err := o.LoadOlder("c1"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("pagination after close err = %v, want ErrNotOpen", err)
	}

	// Closing twice is harmless.
	if err := o.Close("c1"); err != nil {
		t.Errorf("second close err = %v, want nil", err)
	}
}

// TestReattachOnReconnect verifies a conversation opened while offline gets
// its subscription attached by the connectivity-regained event, without the
// user re-opening it.
func TestReattachOnReconnect(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := newMockRemote()
	mock.setSubErr(remote.ErrUnavailable)
	o := New(db, mock, b, nil, Params{SelfID: "me"})
	o.Start(context.Background())
	defer o.Stop()

	seedMessages(t, db, "c1", 3, 1_000_000)
	if _, err := o.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = o.Close("c1") }()

	if subs, _ := mock.subCount(); subs != 0 {
		t.Fatalf("subscriptions = %d while offline, want 0", subs)
	}

	mock.setSubErr(nil)
	b.Publish(bus.Event{Kind: "net.online", Timestamp: time.Now()})

	waitSubs(t, mock, 1)
}

// TestBatchMergedAdvancesReadState verifies that merging inbound messages
// into an open Live conversation advances the local read marker and pushes a
// read receipt to the remote store.
func TestBatchMergedAdvancesReadState(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := newMockRemote()

	engine := syncpkg.NewEngine(db, b, nil, "me", 5*time.Second)
	engine.Start(context.Background())
	defer engine.Stop()

	o := New(db, mock, b, nil, Params{SelfID: "me"})
	o.Start(context.Background())
	defer o.Stop()

	seedMessages(t, db, "c1", 0, 0)
	if _, err := o.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = o.Close("c1") }()
	waitSubs(t, mock, 1)

	refreshCh, unsub := b.Subscribe("conversation.refreshed", 10)
	defer unsub()

	mock.deliver(t, "c1", remote.Event{
		ServerID:       "s1",
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        remote.Content{Type: store.ContentText, Text: "hey"},
		Timestamp:      time.Now(),
	})

	waitEvent(t, refreshCh, "conversation.refreshed")

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCounts["me"] != 0 {
		t.Errorf("unread = %d for open conversation, want 0", c.UnreadCounts["me"])
	}
	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if _, ok := msgs[0].ReadBy["me"]; !ok {
		t.Error("message not stamped read by the local user")
	}

	// The read receipt reaches the remote store too.
	deadline := time.After(2 * time.Second)
	for {
		mock.mu.Lock()
		n := len(mock.readMarks)
		mock.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("read marker never pushed to the remote store")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRetryRequeuesFailedMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	o := New(db, newMockRemote(), b, nil, Params{SelfID: "me"})

	seedMessages(t, db, "c1", 0, 0)
	if _, err := db.InsertMessage(&store.Message{
		ConversationID: "c1", MsgID: "p1", SenderID: "me",
		Body: "rejected once", FromMe: true,
		Status: store.StatusSending, SyncStatus: store.SyncFailed,
		SendError: "permission denied", Timestamp: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	flushCh, unsub := b.Subscribe("outbox.flush", 10)
	defer unsub()

	if err := o.Retry("c1", "p1"); err != nil {
		t.Fatal(err)
	}

	pending, _ := db.PendingMessages()
	if len(pending) != 1 {
		t.Fatalf("got %d pending after retry, want 1", len(pending))
	}
	if pending[0].SendError != "" {
		t.Errorf("send_error = %q after retry, want cleared", pending[0].SendError)
	}
	waitEvent(t, flushCh, "outbox.flush")
}

func TestSoftDeleteHidesFromReadModel(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	o := New(db, newMockRemote(), b, nil, Params{SelfID: "me"})

	seedMessages(t, db, "c1", 3, 1_000_000)

	if err := o.SoftDeleteMessage("c1", "m-001"); err != nil {
		t.Fatal(err)
	}

	msgs, err := o.Messages("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d visible messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.MsgID == "m-001" {
			t.Error("soft-deleted message still visible")
		}
	}

	// The row itself survives for other participants.
	raw, _ := db.ListMessages("c1", 0, 10)
	if len(raw) != 3 {
		t.Errorf("got %d raw rows, want 3", len(raw))
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := newMockRemote()
	o := New(db, mock, b, nil, Params{SelfID: "me"})

	seedMessages(t, db, "c1", 3, 1_000_000)
	if _, err := o.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	waitSubs(t, mock, 1)

	if err := o.DeleteConversation("c1"); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("conversation row survived deletion")
	}
	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 0 {
		t.Errorf("got %d orphan messages, want 0", len(msgs))
	}
	if _, closed := mock.subCount(); closed != 1 {
		t.Errorf("closed subscriptions = %d, want 1", closed)
	}
}
