package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/gcamora/chatsync/bus"
	"github.com/gcamora/chatsync/remote"
	"github.com/gcamora/chatsync/store"
)

func TestAckRewritesProvisionalRow(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	r := NewReconciler(db, b, nil)

	if err := db.UpsertConversation(&store.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	sent := time.Now()
	if _, err := db.InsertMessage(&store.Message{
		ConversationID: "c1", MsgID: "p1", SenderID: "me",
		Body: "on my way", FromMe: true, Timestamp: sent.UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("message.reconciled", 10)
	defer unsub()

	if err := r.Ack("c1", "p1", "s1", sent.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].MsgID != "s1" || msgs[0].LocalID != "p1" {
		t.Errorf("identities = %s/%s, want s1/p1", msgs[0].MsgID, msgs[0].LocalID)
	}
	if msgs[0].Status != store.StatusSent || msgs[0].SyncStatus != store.SyncSynced {
		t.Errorf("status = %s/%s, want sent/synced", msgs[0].Status, msgs[0].SyncStatus)
	}

	select {
	case evt := <-ch:
		payload := evt.Payload.(map[string]string)
		if payload["msg_id"] != "s1" || payload["local_id"] != "p1" {
			t.Errorf("payload = %v, want s1/p1", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.reconciled event")
	}
}

// TestAckAfterSubscriptionMerge covers the reconnect-replay scenario: the
// subscription already merged the message under its server identity, then the
// belated ack arrives. It must be a no-op update, never a second row.
func TestAckAfterSubscriptionMerge(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil, "me", testWindow)
	r := NewReconciler(db, b, nil)

	if err := db.UpsertConversation(&store.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	sent := time.Now()
	if _, err := db.InsertMessage(&store.Message{
		ConversationID: "c1", MsgID: "p1", SenderID: "me",
		Body: "hello", FromMe: true, Timestamp: sent.UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	// Subscription wins the race.
	if _, err := e.MergeBatch("c1", []remote.Event{
		textEvent("s1", "c1", "me", "hello", sent.Add(time.Second)),
	}); err != nil {
		t.Fatal(err)
	}

	// The ack then lands.
	if err := r.Ack("c1", "p1", "s1", sent.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	// Replay of the same server event after a reconnect.
	if _, err := e.MergeBatch("c1", []remote.Event{
		textEvent("s1", "c1", "me", "hello", sent.Add(time.Second)),
	}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1", len(msgs))
	}
	if msgs[0].MsgID != "s1" || msgs[0].LocalID != "p1" {
		t.Errorf("identities = %s/%s, want s1/p1", msgs[0].MsgID, msgs[0].LocalID)
	}
}

func TestAckUnknownMessage(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, bus.New(), nil)

	if err := db.UpsertConversation(&store.Conversation{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	err := r.Ack("c1", "ghost", "s1", time.Now())
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
