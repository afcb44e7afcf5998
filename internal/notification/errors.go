package notification

import "errors"

// Sentinel errors returned by the notification service and its senders.
// Callers should use errors.Is for comparison.
var (
	// ErrSendFailed is returned when a notification could not be delivered.
	// It is non-fatal from the caller's perspective — job state has already
	// been committed by the event listener before notification fan-out runs.
	ErrSendFailed = errors.New("notification: send failed")

	// ErrConfigNotFound is returned when no SMTP configuration exists yet.
	ErrConfigNotFound = errors.New("notification: configuration not found")

	// ErrInvalidConfig is returned when SMTP settings exist but are incomplete
	// or malformed.
	ErrInvalidConfig = errors.New("notification: invalid configuration")
)
