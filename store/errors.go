package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// ErrValidation marks malformed input (e.g. missing conversation id).
// Nothing is persisted.
var ErrValidation = errors.New("invalid message")

// ErrForeignKey marks an insert whose conversation has no local row. The
// caller is responsible for upserting the conversation first; this is a
// programming error, not a user-facing one.
var ErrForeignKey = errors.New("conversation not present in local cache")

// ErrNotFound marks an update that matched no row.
var ErrNotFound = errors.New("message not found")

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
