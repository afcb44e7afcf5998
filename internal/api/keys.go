package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/authgate"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// KeyHandler manages a tenant's API-key credentials.
type KeyHandler struct {
	credentials repositories.CredentialRepository
	logger      *zap.Logger
}

func NewKeyHandler(credentials repositories.CredentialRepository, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{credentials: credentials, logger: logger.Named("key_handler")}
}

// keyResponse omits SecretDigest and Prefix never round-trips the plaintext —
// only Create's response carries the one-time secret.
type keyResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Prefix     string  `json:"prefix"`
	Scope      string  `json:"scope"`
	RevokedAt  *string `json:"revoked_at"`
	LastUsedAt *string `json:"last_used_at"`
	CreatedAt  string  `json:"created_at"`
}

func keyToResponse(c *db.Credential) keyResponse {
	resp := keyResponse{
		ID:        c.ID.String(),
		Name:      c.Name,
		Prefix:    c.Prefix,
		Scope:     c.Scope,
		CreatedAt: c.CreatedAt.UTC().Format(timeFormat),
	}
	if c.RevokedAt != nil {
		s := c.RevokedAt.UTC().Format(timeFormat)
		resp.RevokedAt = &s
	}
	if c.LastUsedAt != nil {
		s := c.LastUsedAt.UTC().Format(timeFormat)
		resp.LastUsedAt = &s
	}
	return resp
}

type createKeyRequest struct {
	Name  string `json:"name"`
	Scope string `json:"scope"`
}

type createKeyResponse struct {
	keyResponse
	// Secret is the plaintext API key, returned exactly once. It is never
	// retrievable again — only its digest is persisted.
	Secret string `json:"secret"`
}

// Create handles POST /api/v1/keys. Requires ADMIN scope — a credential can
// mint siblings but not escalate beyond its own authority, enforced at the
// router via RequireScope(ScopeAdmin).
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	scope := authgate.Scope(req.Scope)
	switch scope {
	case authgate.ScopeRead, authgate.ScopeWrite, authgate.ScopeAdmin:
	default:
		ErrBadRequest(w, "scope must be one of READ, WRITE, ADMIN")
		return
	}

	principal, _ := authgate.FromContext(r.Context())
	tenantID, err := parseUUIDString(principal.TenantID)
	if err != nil {
		ErrInternal(w)
		return
	}

	generated, err := authgate.GenerateKey()
	if err != nil {
		h.logger.Error("failed to generate credential", zap.Error(err))
		ErrInternal(w)
		return
	}

	cred := &db.Credential{
		TenantID:     tenantID,
		Name:         req.Name,
		Prefix:       generated.Prefix,
		SecretDigest: generated.Digest,
		Scope:        string(scope),
	}
	if err := h.credentials.Create(r.Context(), cred); err != nil {
		h.logger.Error("failed to create credential", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, createKeyResponse{keyResponse: keyToResponse(cred), Secret: generated.Plaintext})
}

// List handles GET /api/v1/keys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := authgate.FromContext(r.Context())
	tenantID, err := parseUUIDString(principal.TenantID)
	if err != nil {
		ErrInternal(w)
		return
	}

	creds, total, err := h.credentials.ListByTenant(r.Context(), tenantID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list credentials", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]keyResponse, len(creds))
	for i := range creds {
		items[i] = keyToResponse(&creds[i])
	}
	Ok(w, listResponse[keyResponse]{Items: items, Total: total})
}

// patchKeyRequest supports renaming a key. Scope and secret are immutable
// after creation — issue a new key and revoke the old one to rotate.
type patchKeyRequest struct {
	Name *string `json:"name"`
}

// Patch handles PATCH /api/v1/keys/{id}.
func (h *KeyHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	cred, ok := h.loadOwned(w, r, id)
	if !ok {
		return
	}

	var req patchKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		cred.Name = *req.Name
	}

	if err := h.credentials.Update(r.Context(), cred); err != nil {
		h.logger.Error("failed to update key", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, keyToResponse(cred))
}

// Delete handles DELETE /api/v1/keys/{id}, revoking the credential. Revoking
// an already-revoked key is a conflict, not a no-op.
func (h *KeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	cred, ok := h.loadOwned(w, r, id)
	if !ok {
		return
	}
	if cred.RevokedAt != nil {
		ErrKeyAlreadyRevoked(w)
		return
	}

	if err := h.credentials.Revoke(r.Context(), id); err != nil {
		h.logger.Error("failed to revoke credential", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// loadOwned fetches a credential and verifies it belongs to the requesting
// tenant, writing KEY_NOT_FOUND for both "doesn't exist" and "exists but
// belongs to someone else" — a credential must never learn cross-tenant ids
// exist via a distinguishable error code.
func (h *KeyHandler) loadOwned(w http.ResponseWriter, r *http.Request, id uuid.UUID) (*db.Credential, bool) {
	cred, err := h.credentials.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrKeyNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to load credential", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	principal, _ := authgate.FromContext(r.Context())
	if cred.TenantID.String() != principal.TenantID {
		ErrKeyNotFound(w)
		return nil, false
	}
	return cred, true
}
