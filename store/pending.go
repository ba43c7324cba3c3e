package store

// PendingMessages returns every message not yet confirmed durable on the
// remote store, oldest first. The outbound queue is exactly this view: there
// is no separate queue table to drift out of sync with the cache.
func (db *DB) PendingMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE sync_status = ?
		ORDER BY timestamp ASC`, SyncPending)
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
