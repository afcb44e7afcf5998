package api

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/admission"
	"github.com/exportkit-io/exportkit/internal/authgate"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/objectstore"
	"github.com/exportkit-io/exportkit/internal/ratelimit"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// downloadURLExpiry is the lifetime of the presigned URL returned from the
// download endpoint: 1 hour.
const downloadURLExpiry = 1 * time.Hour

// JobHandler exposes the tenant-facing job admission, inspection, and
// download surface. Jobs themselves are never mutated here beyond creation —
// every terminal write belongs to internal/jobstate.
type JobHandler struct {
	jobs      repositories.JobRepository
	tenants   repositories.TenantRepository
	admitter  *admission.Admitter
	loopGuard *ratelimit.LoopGuard
	store     *objectstore.Store
	logger    *zap.Logger
}

func NewJobHandler(
	jobs repositories.JobRepository,
	tenants repositories.TenantRepository,
	admitter *admission.Admitter,
	loopGuard *ratelimit.LoopGuard,
	store *objectstore.Store,
	logger *zap.Logger,
) *JobHandler {
	return &JobHandler{
		jobs: jobs, tenants: tenants, admitter: admitter,
		loopGuard: loopGuard, store: store,
		logger: logger.Named("job_handler"),
	}
}

type jobResponse struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Type      string  `json:"type"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
	Result    *result `json:"result,omitempty"`
	Error     *string `json:"error,omitempty"`
}

type result struct {
	RowCount  int64 `json:"rowCount"`
	SizeBytes int64 `json:"sizeBytes"`
}

func jobToResponse(j *db.Job) jobResponse {
	resp := jobResponse{
		ID:        j.ID.String(),
		Status:    j.Status,
		Progress:  j.Progress,
		Type:      j.Format,
		CreatedAt: j.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt: j.UpdatedAt.UTC().Format(timeFormat),
	}
	if j.Status == "COMPLETED" {
		resp.Result = &result{RowCount: j.ResultRowCount, SizeBytes: j.ResultSizeBytes}
	}
	if j.Status == "FAILED" && j.Error != "" {
		resp.Error = &j.Error
	}
	return resp
}

type createJobRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type createJobResponse struct {
	ID       string `json:"id"`
	BrokerID string `json:"brokerId"`
	Status   string `json:"status"`
}

// Create handles POST /api/v1/jobs. Requires WRITE scope, the export-creation
// rate-limit tier, and loop-guard protection — all enforced by router
// middleware before this handler runs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		ErrBadRequest(w, "type is required")
		return
	}
	switch req.Type {
	case "csv", "json", "xlsx":
	default:
		ErrBadRequest(w, "type must be one of csv, json, xlsx")
		return
	}

	principal, _ := authgate.FromContext(r.Context())
	tenantID, err := parseUUIDString(principal.TenantID)
	if err != nil {
		ErrInternal(w)
		return
	}
	credentialID, err := parseUUIDString(principal.CredentialID)
	if err != nil {
		ErrInternal(w)
		return
	}

	normalized := append([]byte(req.Type+":"), req.Payload...)
	if h.loopGuard.Check(r.Context(), principal.CredentialID, normalized) {
		h.logger.Warn("loop guard rejected repeated job submission",
			zap.String("credential_id", principal.CredentialID),
			zap.String("payload_hash", hashHex(normalized)))
		ErrRateLimited(w)
		return
	}

	tenant, err := h.tenants.GetByID(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to load tenant for admission", zap.Error(err))
		ErrInternal(w)
		return
	}

	payload := string(req.Payload)
	if payload == "" {
		payload = "{}"
	}

	job, err := h.admitter.Admit(r.Context(), admission.Request{
		TenantID:     tenantID,
		CredentialID: credentialID,
		Format:       req.Type,
		Query:        payload,
		PlanTier:     tenant.PlanTier,
	})
	if err != nil {
		// job row still exists as QUEUED even when Admit returns an error
		// (the broker enqueue failed) — the reconciliation sweep marks it
		// FAILED after the grace period, so the caller still gets back a job
		// id it can poll for that outcome.
		h.logger.Error("admission reported an error; job left for reconciliation", zap.Error(err))
	}
	if job == nil {
		ErrInternal(w)
		return
	}

	Created(w, createJobResponse{ID: job.ID.String(), BrokerID: job.BrokerID, Status: job.Status})
}

// GetByID handles GET /api/v1/jobs/{id}. Requires READ scope.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	Ok(w, jobToResponse(job))
}

// List handles GET /api/v1/jobs?status&limit&offset. Requires READ scope.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := authgate.FromContext(r.Context())
	tenantID, err := parseUUIDString(principal.TenantID)
	if err != nil {
		ErrInternal(w)
		return
	}

	opts := paginationOpts(r)
	opts.Status = r.URL.Query().Get("status")

	jobs, total, err := h.jobs.List(r.Context(), tenantID, opts)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listResponse[jobResponse]{Items: items, Total: total})
}

type downloadResponse struct {
	DownloadURL   string `json:"downloadUrl"`
	ExpiresAt     string `json:"expiresAt"`
	FileExpiresAt string `json:"fileExpiresAt"`
}

// Download handles GET /api/v1/jobs/{id}/download. Requires READ scope and
// is rate-limited on the download tier by router middleware.
func (h *JobHandler) Download(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	if job.Status != "COMPLETED" {
		ErrExportNotReady(w)
		return
	}
	if job.FileExpiresAt != nil && time.Now().After(*job.FileExpiresAt) {
		ErrExportExpired(w)
		return
	}

	url, err := h.store.PresignGet(r.Context(), job.ResultKey, downloadURLExpiry)
	if err != nil {
		h.logger.Error("failed to presign download url", zap.String("job_id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := downloadResponse{
		DownloadURL: url,
		ExpiresAt:   time.Now().Add(downloadURLExpiry).UTC().Format(timeFormat),
	}
	if job.FileExpiresAt != nil {
		resp.FileExpiresAt = job.FileExpiresAt.UTC().Format(timeFormat)
	}
	Ok(w, resp)
}

// loadOwned fetches the {id} job and confirms it belongs to the requesting
// tenant, responding JOB_NOT_FOUND for both absence and cross-tenant access.
func (h *JobHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*db.Job, bool) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return nil, false
	}
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrJobNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to load job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	principal, _ := authgate.FromContext(r.Context())
	if job.TenantID.String() != principal.TenantID {
		ErrJobNotFound(w)
		return nil, false
	}
	return job, true
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	const n = 12
	const hextable = "0123456789abcdef"
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = hextable[sum[i]>>4]
		out[i*2+1] = hextable[sum[i]&0xf]
	}
	return string(out)
}
