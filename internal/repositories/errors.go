package repositories

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	user, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique constraint,
// for example when registering a tenant with a slug that already exists.
var ErrConflict = errors.New("record already exists")

// isUniqueConstraintErr reports whether err looks like a unique-index
// violation from either the sqlite or postgres driver. GORM does not
// normalize this across drivers, so we match on substring rather than a
// driver-specific error type.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}