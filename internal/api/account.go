package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/authgate"
	"github.com/exportkit-io/exportkit/internal/objectstore"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// dataExportURLExpiry is the lifetime of the presigned URL returned from the
// GDPR self-service export endpoint: 24h, longer than a job result's 1h since
// an operator may not be at their desk when it lands.
const dataExportURLExpiry = 24 * time.Hour

// archiveListLimit bounds how many rows of each resource are gathered into a
// self-service data export — generous enough to cover any real tenant's
// history without risking an unbounded query against a noisy-neighbor tenant.
const archiveListLimit = 10000

// AccountHandler exposes the tenant's GDPR-facing self-service surface:
// audit log inspection, a full data export, and account erasure.
type AccountHandler struct {
	tenants     repositories.TenantRepository
	jobs        repositories.JobRepository
	credentials repositories.CredentialRepository
	audit       repositories.AuditRepository
	store       *objectstore.Store
	logger      *zap.Logger
}

func NewAccountHandler(
	tenants repositories.TenantRepository,
	jobs repositories.JobRepository,
	credentials repositories.CredentialRepository,
	audit repositories.AuditRepository,
	store *objectstore.Store,
	logger *zap.Logger,
) *AccountHandler {
	return &AccountHandler{
		tenants: tenants, jobs: jobs, credentials: credentials,
		audit: audit, store: store, logger: logger.Named("account_handler"),
	}
}

type auditEntryResponse struct {
	ID         string `json:"id"`
	ActorType  string `json:"actorType"`
	ActorID    string `json:"actorId"`
	Action     string `json:"action"`
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	CreatedAt  string `json:"createdAt"`
}

// AuditLogs handles GET /api/v1/audit-logs. Requires READ scope.
func (h *AccountHandler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	principal, _ := authgate.FromContext(r.Context())
	tenantID, err := parseUUIDString(principal.TenantID)
	if err != nil {
		ErrInternal(w)
		return
	}

	entries, total, err := h.audit.ListByTenant(r.Context(), tenantID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list audit logs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		items[i] = auditEntryResponse{
			ID:         e.ID.String(),
			ActorType:  e.ActorType,
			ActorID:    e.ActorID,
			Action:     e.Action,
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			CreatedAt:  e.CreatedAt.UTC().Format(timeFormat),
		}
	}
	Ok(w, listResponse[auditEntryResponse]{Items: items, Total: total})
}

type dataExportResponse struct {
	DownloadURL string `json:"downloadUrl"`
	ExpiresAt   string `json:"expiresAt"`
	FileSize    int    `json:"fileSize"`
}

// dataExportArchive is the JSON document uploaded as the tenant's GDPR
// self-service export, bundling the resources a tenant can plausibly be
// asked to produce for a data-portability request.
type dataExportArchive struct {
	ExportedAt  string `json:"exportedAt"`
	Tenant      any    `json:"tenant"`
	Jobs        []any  `json:"jobs"`
	Credentials []any  `json:"credentials"`
	AuditLogs   []any  `json:"auditLogs"`
}

// DataExport handles GET /api/v1/account/data-export. It assembles a JSON
// snapshot of everything the tenant owns, uploads it alongside (not inside)
// the regular export-result prefix, and returns a 24h presigned URL.
func (h *AccountHandler) DataExport(w http.ResponseWriter, r *http.Request) {
	principal, _ := authgate.FromContext(r.Context())
	tenantID, err := parseUUIDString(principal.TenantID)
	if err != nil {
		ErrInternal(w)
		return
	}

	tenant, err := h.tenants.GetByID(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to load tenant for data export", zap.Error(err))
		ErrInternal(w)
		return
	}

	jobs, _, err := h.jobs.List(r.Context(), tenantID, repositories.ListOptions{Limit: archiveListLimit})
	if err != nil {
		h.logger.Error("failed to list jobs for data export", zap.Error(err))
		ErrInternal(w)
		return
	}
	creds, _, err := h.credentials.ListByTenant(r.Context(), tenantID, repositories.ListOptions{Limit: archiveListLimit})
	if err != nil {
		h.logger.Error("failed to list credentials for data export", zap.Error(err))
		ErrInternal(w)
		return
	}
	entries, _, err := h.audit.ListByTenant(r.Context(), tenantID, repositories.ListOptions{Limit: archiveListLimit})
	if err != nil {
		h.logger.Error("failed to list audit logs for data export", zap.Error(err))
		ErrInternal(w)
		return
	}

	archive := dataExportArchive{
		ExportedAt:  time.Now().UTC().Format(timeFormat),
		Tenant:      tenant,
		Jobs:        toAnySlice(jobs),
		Credentials: toAnySlice(creds),
		AuditLogs:   toAnySlice(entries),
	}
	body, err := json.Marshal(archive)
	if err != nil {
		h.logger.Error("failed to marshal data export archive", zap.Error(err))
		ErrInternal(w)
		return
	}

	key := "data-exports/" + tenantID.String() + "/" + time.Now().UTC().Format("20060102T150405Z") + ".json"
	if err := h.store.Put(r.Context(), key, strings.NewReader(string(body)), "application/json"); err != nil {
		h.logger.Error("failed to upload data export archive", zap.Error(err))
		ErrInternal(w)
		return
	}

	url, err := h.store.PresignGet(r.Context(), key, dataExportURLExpiry)
	if err != nil {
		h.logger.Error("failed to presign data export url", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, dataExportResponse{
		DownloadURL: url,
		ExpiresAt:   time.Now().Add(dataExportURLExpiry).UTC().Format(timeFormat),
		FileSize:    len(body),
	})
}

type deleteAccountRequest struct {
	ConfirmEmail string `json:"confirmEmail"`
}

type deleteAccountResponse struct {
	Success             bool     `json:"success"`
	R2ObjectsDeleted    int      `json:"r2ObjectsDeleted"`
	AuditLogsAnonymized int      `json:"auditLogsAnonymized"`
	R2Errors            []string `json:"r2Errors"`
}

// Delete handles DELETE /api/v1/account. It erases every export result
// object belonging to the tenant, anonymizes its audit trail, and suspends
// the tenant row — it does not hard-delete the tenant itself, since
// UsageRecord and WebhookDelivery rows reference it by id for billing
// reconciliation that must survive the account's closure.
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req deleteAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	principal, _ := authgate.FromContext(r.Context())
	tenantID, err := parseUUIDString(principal.TenantID)
	if err != nil {
		ErrInternal(w)
		return
	}

	tenant, err := h.tenants.GetByID(r.Context(), tenantID)
	if err != nil {
		ErrNotFound(w)
		return
	}
	if tenant.ContactEmail == "" || !strings.EqualFold(tenant.ContactEmail, req.ConfirmEmail) {
		ErrEmailMismatch(w)
		return
	}

	jobs, _, err := h.jobs.List(r.Context(), tenantID, repositories.ListOptions{Limit: archiveListLimit})
	if err != nil {
		h.logger.Error("failed to list jobs for account deletion", zap.Error(err))
		ErrInternal(w)
		return
	}

	deleted := 0
	var r2Errors []string
	for _, j := range jobs {
		if j.ResultKey == "" {
			continue
		}
		if err := h.store.Delete(r.Context(), j.ResultKey); err != nil {
			h.logger.Warn("failed to delete result object during account erasure",
				zap.String("tenant_id", tenantID.String()), zap.String("key", j.ResultKey), zap.Error(err))
			r2Errors = append(r2Errors, j.ResultKey+": "+err.Error())
			continue
		}
		deleted++
	}

	anonymizedCount := 0
	if entries, _, err := h.audit.ListByTenant(r.Context(), tenantID, repositories.ListOptions{Limit: archiveListLimit}); err == nil {
		anonymizedCount = len(entries)
	}
	if err := h.audit.AnonymizeForTenant(r.Context(), tenantID); err != nil {
		h.logger.Error("failed to anonymize audit logs during account erasure", zap.Error(err))
		ErrDeletionFailed(w, "failed to anonymize audit trail")
		return
	}

	tenant.Suspended = true
	tenant.ContactEmail = ""
	tenant.WebhookURL = ""
	if err := h.tenants.Update(r.Context(), tenant); err != nil {
		h.logger.Error("failed to suspend tenant during account erasure", zap.Error(err))
		ErrDeletionFailed(w, "failed to finalize account suspension")
		return
	}

	Ok(w, deleteAccountResponse{
		Success:             true,
		R2ObjectsDeleted:    deleted,
		AuditLogsAnonymized: anonymizedCount,
		R2Errors:            r2Errors,
	})
}

func toAnySlice[T any](items []T) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}
