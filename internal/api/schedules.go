package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/authgate"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
	"github.com/exportkit-io/exportkit/internal/scheduleengine"
)

// ScheduleHandler manages a tenant's recurring export schedules.
type ScheduleHandler struct {
	schedules   repositories.ScheduleRepository
	credentials repositories.CredentialRepository
	logger      *zap.Logger
}

func NewScheduleHandler(
	schedules repositories.ScheduleRepository,
	credentials repositories.CredentialRepository,
	logger *zap.Logger,
) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, credentials: credentials, logger: logger.Named("schedule_handler")}
}

type scheduleResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	CronExpr  string  `json:"cronExpr"`
	Timezone  string  `json:"timezone"`
	Format    string  `json:"format"`
	Query     string  `json:"query"`
	Enabled   bool    `json:"enabled"`
	NextRunAt *string `json:"nextRunAt"`
	LastRunAt *string `json:"lastRunAt"`
	LastJobID *string `json:"lastJobId"`
	CreatedAt string  `json:"createdAt"`
}

func scheduleToResponse(s *db.Schedule) scheduleResponse {
	resp := scheduleResponse{
		ID:        s.ID.String(),
		Name:      s.Name,
		CronExpr:  s.CronExpr,
		Timezone:  s.Timezone,
		Format:    s.Format,
		Query:     s.Query,
		Enabled:   s.Enabled,
		CreatedAt: s.CreatedAt.UTC().Format(timeFormat),
	}
	if s.NextRunAt != nil {
		v := s.NextRunAt.UTC().Format(timeFormat)
		resp.NextRunAt = &v
	}
	if s.LastRunAt != nil {
		v := s.LastRunAt.UTC().Format(timeFormat)
		resp.LastRunAt = &v
	}
	if s.LastJobID != nil {
		v := s.LastJobID.String()
		resp.LastJobID = &v
	}
	return resp
}

type createScheduleRequest struct {
	Name         string `json:"name"`
	CronExpr     string `json:"cronExpr"`
	Timezone     string `json:"timezone"`
	Format       string `json:"format"`
	Query        string `json:"query"`
	CredentialID string `json:"credentialId"`
}

// Create handles POST /api/v1/schedules. Requires ADMIN scope — a schedule
// carries its own CredentialID that the engine uses for every future
// admission, so minting one is equivalent to minting a standing key.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	switch req.Format {
	case "csv", "json", "xlsx":
	default:
		ErrBadRequest(w, "format must be one of csv, json, xlsx")
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		ErrBadRequest(w, "invalid timezone")
		return
	}

	now := time.Now().UTC()
	if err := scheduleengine.ValidateCronExpr(req.CronExpr, now); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	nextRun, err := scheduleengine.NextRun(req.CronExpr, req.Timezone, now)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	principal, _ := authgate.FromContext(r.Context())
	tenantID, err := parseUUIDString(principal.TenantID)
	if err != nil {
		ErrInternal(w)
		return
	}

	credentialID, err := uuid.Parse(req.CredentialID)
	if err != nil {
		ErrBadRequest(w, "invalid credentialId")
		return
	}
	cred, err := h.credentials.GetByID(r.Context(), credentialID)
	if err != nil || cred.TenantID != tenantID {
		ErrBadRequest(w, "credentialId does not belong to this tenant")
		return
	}

	query := req.Query
	if query == "" {
		query = "{}"
	}

	sched := &db.Schedule{
		TenantID:     tenantID,
		CredentialID: credentialID,
		Name:         req.Name,
		CronExpr:     req.CronExpr,
		Timezone:     req.Timezone,
		Format:       req.Format,
		Query:        query,
		Enabled:      true,
		NextRunAt:    &nextRun,
	}
	if err := h.schedules.Create(r.Context(), sched); err != nil {
		h.logger.Error("failed to create schedule", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, scheduleToResponse(sched))
}

// List handles GET /api/v1/schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := authgate.FromContext(r.Context())
	tenantID, err := parseUUIDString(principal.TenantID)
	if err != nil {
		ErrInternal(w)
		return
	}

	scheds, total, err := h.schedules.List(r.Context(), tenantID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list schedules", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]scheduleResponse, len(scheds))
	for i := range scheds {
		items[i] = scheduleToResponse(&scheds[i])
	}
	Ok(w, listResponse[scheduleResponse]{Items: items, Total: total})
}

type patchScheduleRequest struct {
	Name     *string `json:"name"`
	CronExpr *string `json:"cronExpr"`
	Timezone *string `json:"timezone"`
	Format   *string `json:"format"`
	Query    *string `json:"query"`
	Enabled  *bool   `json:"enabled"`
}

// Patch handles PATCH /api/v1/schedules/{id}. Changing the cron expression or
// timezone recomputes NextRunAt from now so the 1-hour-gap invariant is
// re-checked against the new shape.
func (h *ScheduleHandler) Patch(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	var req patchScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	recompute := false
	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		sched.Name = *req.Name
	}
	if req.Format != nil {
		switch *req.Format {
		case "csv", "json", "xlsx":
		default:
			ErrBadRequest(w, "format must be one of csv, json, xlsx")
			return
		}
		sched.Format = *req.Format
	}
	if req.Query != nil {
		sched.Query = *req.Query
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	if req.CronExpr != nil {
		sched.CronExpr = *req.CronExpr
		recompute = true
	}
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			ErrBadRequest(w, "invalid timezone")
			return
		}
		sched.Timezone = *req.Timezone
		recompute = true
	}

	if recompute {
		now := time.Now().UTC()
		if err := scheduleengine.ValidateCronExpr(sched.CronExpr, now); err != nil {
			ErrBadRequest(w, err.Error())
			return
		}
		next, err := scheduleengine.NextRun(sched.CronExpr, sched.Timezone, now)
		if err != nil {
			ErrBadRequest(w, err.Error())
			return
		}
		sched.NextRunAt = &next
	}

	if err := h.schedules.Update(r.Context(), sched); err != nil {
		h.logger.Error("failed to update schedule", zap.String("id", sched.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, scheduleToResponse(sched))
}

// Delete handles DELETE /api/v1/schedules/{id}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	if err := h.schedules.Delete(r.Context(), sched.ID); err != nil {
		h.logger.Error("failed to delete schedule", zap.String("id", sched.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func (h *ScheduleHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*db.Schedule, bool) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return nil, false
	}
	sched, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to load schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	principal, _ := authgate.FromContext(r.Context())
	if sched.TenantID.String() != principal.TenantID {
		ErrNotFound(w)
		return nil, false
	}
	return sched, true
}
