package store

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Message delivery status, as observed by the sender.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Message sync status against the remote store.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// Message content types.
const (
	ContentText  = "text"
	ContentMedia = "media"
)

// Conversation is the ownership boundary for messages. A conversation row
// must exist locally before any message referencing it may be inserted.
type Conversation struct {
	ID                 string
	Kind               string
	Participants       []string
	ParticipantDetails map[string]string
	LastMessageAt      int64 // unix ms
	LastMessagePreview string
	UnreadCounts       map[string]int
}

// Message is the atomic unit of conversation content. MsgID is the current
// identity: provisional at creation, rewritten to the server identity on
// reconciliation, at which point LocalID retains the provisional one.
type Message struct {
	RowID          int64
	ConversationID string
	MsgID          string
	LocalID        string
	SenderID       string
	ContentType    string
	Body           string
	MediaRef       string
	FromMe         bool
	Status         string
	SyncStatus     string
	SendError      string
	DeliveredTo    []string
	ReadBy         map[string]int64 // participant -> read timestamp (unix ms)
	DeletedFor     []string
	Timestamp      int64 // unix ms
}

// DeletedForActor reports whether the message is soft-deleted for the given
// participant.
func (m *Message) DeletedForActor(actor string) bool {
	for _, id := range m.DeletedFor {
		if id == actor {
			return true
		}
	}
	return false
}
