package engine

import "errors"

var (
	// ErrUnsupportedFormat is returned by NewEncoder for any format other
	// than "csv", "json", or "xlsx".
	ErrUnsupportedFormat = errors.New("engine: unsupported export format")

	// ErrEmptySource names the case of a source query that yields zero rows.
	// Run does not return it: a zero-row export completes normally with a
	// RowCount of 0.
	ErrEmptySource = errors.New("engine: source query returned no rows")
)
