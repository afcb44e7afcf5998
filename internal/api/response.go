// Package api implements the HTTP REST API for exportkit. It uses chi as
// the router and exposes every tenant-facing resource under /api/v1.
// Authentication is enforced by the credential-gate middleware on every
// route except the public health probe; the internal dashboard surface is
// authenticated separately via JWT.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper for all API responses.
// Successful responses wrap the payload in a "data" key; error responses are
// flat so a client can read body.code directly.
//
// Success:  {"data": <payload>}
// Error:    {"error": "<human>", "code": "<machine>", "message"?: "<extra>"}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// Accepted writes a 202 Accepted response with the payload wrapped in {"data": payload}.
func Accepted(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusAccepted, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errJSON writes a flat JSON error response with the given status, a
// human-readable message at the top-level "error" key, and a stable error
// code at "code": one of MISSING_API_KEY, INVALID_API_KEY, FORBIDDEN,
// IP_NOT_ALLOWED, VALIDATION_ERROR, RATE_LIMIT_EXCEEDED, CIRCUIT_BREAKER,
// JOB_NOT_FOUND, KEY_NOT_FOUND, KEY_ALREADY_REVOKED, EXPORT_NOT_READY,
// EXPORT_EXPIRED, EMAIL_MISMATCH, DELETION_FAILED, ROUTE_NOT_FOUND,
// INTERNAL_ERROR — stable across releases so clients can branch on body.code
// instead of the message text.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": message,
		"code":  code,
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "VALIDATION_ERROR")
}

// ErrMissingAPIKey writes a 401 response for a missing or malformed
// Authorization header.
func ErrMissingAPIKey(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "missing or malformed Authorization header", "MISSING_API_KEY")
}

// ErrInvalidAPIKey writes a 401 response for an unrecognized, revoked, or
// digest-mismatched API key.
func ErrInvalidAPIKey(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "invalid API key", "INVALID_API_KEY")
}

// ErrUnauthorized writes a 401 Unauthorized error response for the dashboard
// session surface.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "UNAUTHENTICATED")
}

// ErrForbidden writes a 403 Forbidden error response.
func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions", "FORBIDDEN")
}

// ErrIPNotAllowed writes a 403 response for a request from a source address
// outside the tenant's configured IP allowlist.
func ErrIPNotAllowed(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "source ip not allowed", "IP_NOT_ALLOWED")
}

// ErrJobNotFound writes a 404 response for an unknown or foreign-tenant job id.
func ErrJobNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
}

// ErrKeyNotFound writes a 404 response for an unknown or foreign-tenant
// credential id.
func ErrKeyNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "credential not found", "KEY_NOT_FOUND")
}

// ErrNotFound writes a generic 404 Not Found error response, used by the
// dashboard surface where no more specific stable code applies.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "ROUTE_NOT_FOUND")
}

// ErrKeyAlreadyRevoked writes a 409 response for a revoke/delete call against
// a credential that is already revoked.
func ErrKeyAlreadyRevoked(w http.ResponseWriter) {
	errJSON(w, http.StatusConflict, "credential already revoked", "KEY_ALREADY_REVOKED")
}

// ErrConflict writes a 409 Conflict error response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "CONFLICT")
}

// ErrUnprocessable writes a 422 Unprocessable Entity error response.
// Used when the request is well-formed but fails business validation.
func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, message, "VALIDATION_ERROR")
}

// ErrExportNotReady writes a 400 response for a download request against a
// job that has not yet reached COMPLETED.
func ErrExportNotReady(w http.ResponseWriter) {
	errJSON(w, http.StatusBadRequest, "export result is not ready for download", "EXPORT_NOT_READY")
}

// ErrExportExpired writes a 410 Gone response for a download request whose
// result object has already passed its retention-driven expiry. Uses its own
// stable code, distinct from ErrExportNotReady's 400, so clients can branch
// on "still running" versus "gone for good".
func ErrExportExpired(w http.ResponseWriter) {
	errJSON(w, http.StatusGone, "export result has expired and was deleted", "EXPORT_EXPIRED")
}

// ErrEmailMismatch writes a 400 response for an account-deletion request
// whose confirmation email does not match the tenant's contact email.
func ErrEmailMismatch(w http.ResponseWriter) {
	errJSON(w, http.StatusBadRequest, "confirmation email does not match account email", "EMAIL_MISMATCH")
}

// ErrDeletionFailed writes a 500 response when account erasure cannot finish
// (anonymizing the audit trail or suspending the tenant failed).
func ErrDeletionFailed(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusInternalServerError, message, "DELETION_FAILED")
}

// ErrRateLimited writes a 429 Too Many Requests error response. Callers are
// expected to have already set the X-RateLimit-* and Retry-After headers.
func ErrRateLimited(w http.ResponseWriter) {
	errJSON(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMIT_EXCEEDED")
}

// ErrCircuitBreaker writes a 429 response when a tenant's webhook circuit is
// open and the triggering request is being rejected as a result.
func ErrCircuitBreaker(w http.ResponseWriter) {
	errJSON(w, http.StatusTooManyRequests, "webhook circuit is open for this tenant", "CIRCUIT_BREAKER")
}

// ErrRouteNotFound writes a 404 response for a request to an undefined route.
func ErrRouteNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "no such route", "ROUTE_NOT_FOUND")
}

// ErrInternal writes a 500 Internal Server Error response.
// The internal error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "INTERNAL_ERROR")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
