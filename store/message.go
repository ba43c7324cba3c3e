package store

import (
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `id, conversation_id, msg_id, local_id, sender_id, content_type, body, media_ref, from_me, status, sync_status, send_error, delivered_to, read_by, deleted_for, timestamp`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var deliveredTo, readBy, deletedFor string
	err := r.Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.LocalID, &m.SenderID,
		&m.ContentType, &m.Body, &m.MediaRef, &m.FromMe, &m.Status, &m.SyncStatus,
		&m.SendError, &deliveredTo, &readBy, &deletedFor, &m.Timestamp)
	if err != nil {
		return nil, err
	}
	m.DeliveredTo = decodeStrings(deliveredTo)
	m.ReadBy = decodeTimeMap(readBy)
	m.DeletedFor = decodeStrings(deletedFor)
	return &m, nil
}

func validateMessage(m *Message) error {
	switch {
	case m.ConversationID == "":
		return fmt.Errorf("%w: missing conversation id", ErrValidation)
	case m.MsgID == "":
		return fmt.Errorf("%w: missing message id", ErrValidation)
	case m.SenderID == "":
		return fmt.Errorf("%w: missing sender id", ErrValidation)
	case m.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", ErrValidation)
	}
	return nil
}

// InsertMessage inserts a message. The insert is idempotent under identical
// identity: a second insert of the same (conversation_id, msg_id) is silently
// ignored and reported as inserted=false — the same message may arrive once
// from the optimistic local path and again from the remote subscription. The
// first insert's content is preserved, never merged. Inserting into an
// unknown conversation fails with ErrForeignKey; the caller must upsert the
// conversation first.
func (db *DB) InsertMessage(m *Message) (inserted bool, err error) {
	if err := validateMessage(m); err != nil {
		return false, err
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = ContentText
	}
	status := m.Status
	if status == "" {
		status = StatusSending
	}
	syncStatus := m.SyncStatus
	if syncStatus == "" {
		syncStatus = SyncPending
	}
	res, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, local_id, sender_id, content_type, body, media_ref, from_me, status, sync_status, send_error, delivered_to, read_by, deleted_for, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO NOTHING`,
		m.ConversationID, m.MsgID, m.LocalID, m.SenderID, contentType, m.Body, m.MediaRef,
		m.FromMe, status, syncStatus, m.SendError,
		encodeStrings(m.DeliveredTo), encodeTimeMap(m.ReadBy), encodeStrings(m.DeletedFor),
		m.Timestamp, time.Now().UnixMilli())
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, fmt.Errorf("%w: %s", ErrForeignKey, m.ConversationID)
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMessage returns a message by its current or provisional identity, or
// nil when absent.
func (db *DB) GetMessage(conversationID, id string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND (msg_id = ? OR (local_id != '' AND local_id = ?))`,
		conversationID, id, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages for a conversation using keyset pagination by
// timestamp, newest first. Ordering is always by timestamp, never by
// insertion order. beforeTs <= 0 means "from the latest".
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// UpdateMessageStatus rewrites the status fields of one message in place.
func (db *DB) UpdateMessageStatus(conversationID, msgID, status, syncStatus, sendError string) error {
	res, err := db.Exec(`
		UPDATE messages SET status = ?, sync_status = ?, send_error = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		status, syncStatus, sendError, conversationID, msgID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteMessage hides a message for one participant. The row remains for
// everyone else; physical removal only happens via retention or cascade.
func (db *DB) SoftDeleteMessage(conversationID, msgID, actor string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRow(`SELECT deleted_for FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	deleted := decodeStrings(raw)
	for _, id := range deleted {
		if id == actor {
			return tx.Commit() // already hidden, idempotent
		}
	}
	deleted = append(deleted, actor)
	if _, err := tx.Exec(`UPDATE messages SET deleted_for = ? WHERE conversation_id = ? AND msg_id = ?`,
		encodeStrings(deleted), conversationID, msgID); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkRead stamps the reader's read timestamp on every message from other
// senders up to and including upTo, and resets the reader's unread counter on
// the conversation.
func (db *DB) MarkRead(conversationID, readerID string, upTo int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, read_by FROM messages
		WHERE conversation_id = ? AND timestamp <= ? AND sender_id != ?`,
		conversationID, upTo, readerID)
	if err != nil {
		return err
	}

	type pending struct {
		rowID  int64
		readBy map[string]int64
	}
	var toStamp []pending
	for rows.Next() {
		var rowID int64
		var raw string
		if err := rows.Scan(&rowID, &raw); err != nil {
			_ = rows.Close()
			return err
		}
		readBy := decodeTimeMap(raw)
		if _, ok := readBy[readerID]; ok {
			continue
		}
		if readBy == nil {
			readBy = make(map[string]int64)
		}
		toStamp = append(toStamp, pending{rowID: rowID, readBy: readBy})
	}
	if err := rows.Close(); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, p := range toStamp {
		p.readBy[readerID] = now
		if _, err := tx.Exec(`UPDATE messages SET read_by = ? WHERE id = ?`,
			encodeTimeMap(p.readBy), p.rowID); err != nil {
			return err
		}
	}

	var rawCounts string
	if err := tx.QueryRow(`SELECT unread_counts FROM conversations WHERE id = ?`, conversationID).Scan(&rawCounts); err == nil {
		counts := decodeIntMap(rawCounts)
		if counts[readerID] != 0 {
			delete(counts, readerID)
			if _, err := tx.Exec(`UPDATE conversations SET unread_counts = ?, updated_at = ? WHERE id = ?`,
				encodeIntMap(counts), now, conversationID); err != nil {
				return err
			}
		}
	} else if err != sql.ErrNoRows {
		return err
	}

	return tx.Commit()
}
