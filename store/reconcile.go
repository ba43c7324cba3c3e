package store

import (
	"database/sql"
	"time"
)

// ReconcileIdentity rewrites a provisionally-identified row to its
// server-assigned identity: msg_id becomes serverID, local_id retains the
// provisional id, status moves to sent and sync_status to synced. The rewrite
// is a single UPDATE, never delete+insert, so an in-flight read cursor never
// observes the row missing.
//
// If the remote subscription already merged the same logical message under
// its server identity before the send ack arrived, the ack degrades to a
// no-op update of the server row. Should both rows exist (a similarity-match
// miss), the provisional leftover is removed in the same transaction to
// restore the one-row-per-final-identity invariant.
//
// serverTs, when positive, replaces the client timestamp: the server
// timestamp is authoritative once known. Returns false when neither identity
// matched any row.
func (db *DB) ReconcileIdentity(conversationID, provisionalID, serverID string, serverTs int64) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var serverRowID int64
	err = tx.QueryRow(`SELECT id FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, serverID).Scan(&serverRowID)
	switch {
	case err == nil:
		// Server identity already present: adopt the provisional id and force
		// the row synced.
		if _, err := tx.Exec(`
			UPDATE messages SET
				local_id = CASE WHEN local_id = '' THEN ? ELSE local_id END,
				status = CASE WHEN status = ? THEN ? ELSE status END,
				sync_status = ?,
				send_error = ''
			WHERE id = ?`,
			provisionalID, StatusSending, StatusSent, SyncSynced, serverRowID); err != nil {
			return false, err
		}
		if provisionalID != serverID {
			if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
				conversationID, provisionalID); err != nil {
				return false, err
			}
		}
		return true, tx.Commit()
	case err != sql.ErrNoRows:
		return false, err
	}

	res, err := tx.Exec(`
		UPDATE messages SET
			msg_id = ?,
			local_id = ?,
			status = CASE WHEN status = ? THEN ? ELSE status END,
			sync_status = ?,
			send_error = '',
			timestamp = CASE WHEN ? > 0 THEN ? ELSE timestamp END
		WHERE conversation_id = ? AND msg_id = ?`,
		serverID, provisionalID, StatusSending, StatusSent, SyncSynced,
		serverTs, serverTs, conversationID, provisionalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, tx.Commit()
}

// FindSimilar looks for a still-pending row that plausibly is the same
// logical message as a remote event carrying a different identity: same
// sender, same content type and text, timestamps within the window. Only
// unreconciled rows qualify — a synced row under a different server identity
// is a genuinely distinct message. Returns nil when nothing matches.
//
// This heuristic can misclassify two identical rapid-fire messages from the
// same sender as one; see the dedup engine for where that trade-off is made.
func (db *DB) FindSimilar(conversationID, senderID, contentType, body string, ts int64, window time.Duration) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND content_type = ? AND body = ?
			AND sync_status = ? AND ABS(timestamp - ?) < ?
		ORDER BY ABS(timestamp - ?) ASC
		LIMIT 1`,
		conversationID, senderID, contentType, body,
		SyncPending, ts, window.Milliseconds(), ts))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
