package store

import "time"

// DeleteMessagesOlderThan physically removes messages outside the retention
// horizon. Rows still pending are spared regardless of age: an unsent message
// is never lost to the sweep. This is a maintenance operation, not part of
// the synchronization contract; days <= 0 disables it. Returns the number of
// rows removed.
func (db *DB) DeleteMessagesOlderThan(days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	res, err := db.Exec(`DELETE FROM messages WHERE timestamp < ? AND sync_status != ?`,
		cutoff, SyncPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
