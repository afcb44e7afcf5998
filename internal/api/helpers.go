package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/exportkit-io/exportkit/internal/repositories"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// timeFormat is the wire format for every timestamp field in API responses.
const timeFormat = "2006-01-02T15:04:05Z07:00"

// listResponse wraps a paginated collection with its total count, shared by
// every list endpoint's JSON shape.
type listResponse[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}

// paginationOpts reads limit/offset query parameters, clamping limit to
// [1, maxPageLimit] and defaulting to defaultPageLimit when absent or
// unparseable.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}

// parseUUID extracts and parses a chi URL parameter as a UUID, writing a 400
// response and returning ok=false on failure so callers can early-return.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param)
		return uuid.UUID{}, false
	}
	return id, true
}

func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
