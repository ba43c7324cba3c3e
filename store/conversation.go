package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation record. Metadata
// fields only overwrite when the incoming value is non-empty, so a minimal
// row created on first message reference does not clobber a later
// authoritative fetch (and vice versa). last_message_at only moves forward.
// Unread counts are never touched here; they are managed by IncrementUnread
// and MarkRead.
func (db *DB) UpsertConversation(c *Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("%w: conversation id is empty", ErrValidation)
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, participants, participant_details, last_message_at, last_message_preview, unread_counts, created_at, updated_at)
		VALUES (?, COALESCE(NULLIF(?, ''), 'direct'), ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = CASE WHEN NULLIF(excluded.kind, 'direct') IS NOT NULL THEN excluded.kind ELSE conversations.kind END,
			participants = CASE WHEN excluded.participants != '[]' THEN excluded.participants ELSE conversations.participants END,
			participant_details = CASE WHEN excluded.participant_details != '{}' THEN excluded.participant_details ELSE conversations.participant_details END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, encodeStrings(c.Participants), encodeStringMap(c.ParticipantDetails),
		c.LastMessageAt, c.LastMessagePreview, encodeIntMap(c.UnreadCounts), now, now)
	return err
}

// GetConversation returns a single conversation by id, or nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var participants, details, unread string
	err := db.QueryRow(`
		SELECT id, kind, participants, participant_details, last_message_at, last_message_preview, unread_counts
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &participants, &details, &c.LastMessageAt, &c.LastMessagePreview, &unread)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Participants = decodeStrings(participants)
	c.ParticipantDetails = decodeStringMap(details)
	c.UnreadCounts = decodeIntMap(unread)
	return &c, nil
}

// ListConversations returns conversations sorted by last message timestamp
// descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, participants, participant_details, last_message_at, last_message_preview, unread_counts
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var participants, details, unread string
		if err := rows.Scan(&c.ID, &c.Kind, &participants, &details, &c.LastMessageAt, &c.LastMessagePreview, &unread); err != nil {
			return nil, err
		}
		c.Participants = decodeStrings(participants)
		c.ParticipantDetails = decodeStringMap(details)
		c.UnreadCounts = decodeIntMap(unread)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation. Its messages are removed by the
// ON DELETE CASCADE foreign key.
func (db *DB) DeleteConversation(id string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// IncrementUnread bumps the unread counter of one participant.
func (db *DB) IncrementUnread(conversationID, participantID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRow(`SELECT unread_counts FROM conversations WHERE id = ?`, conversationID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	counts := decodeIntMap(raw)
	if counts == nil {
		counts = make(map[string]int)
	}
	counts[participantID]++
	if _, err := tx.Exec(`UPDATE conversations SET unread_counts = ?, updated_at = ? WHERE id = ?`,
		encodeIntMap(counts), time.Now().UnixMilli(), conversationID); err != nil {
		return err
	}
	return tx.Commit()
}
