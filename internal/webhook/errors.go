package webhook

import (
	"errors"
	"strconv"
)

// ErrCircuitOpen is returned by Deliver when the tenant's DB-backed webhook
// circuit predicate is tripped; the caller (internal/worker) should leave the
// delivery PENDING without attempting a send.
var ErrCircuitOpen = errors.New("webhook: tenant circuit open")

// nonRetryableError wraps a 4xx (except 429) response, which fails the
// delivery permanently rather than retrying.
type nonRetryableError struct {
	statusCode int
	body       string
}

func (e *nonRetryableError) Error() string {
	return "webhook: non-retryable response status " + strconv.Itoa(e.statusCode)
}
