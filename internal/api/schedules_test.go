package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/authgate"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

type fakeScheduleRepo struct {
	repositories.ScheduleRepository
	byID map[uuid.UUID]*db.Schedule
}

func newFakeScheduleRepo() *fakeScheduleRepo {
	return &fakeScheduleRepo{byID: map[uuid.UUID]*db.Schedule{}}
}

func (f *fakeScheduleRepo) Create(_ context.Context, sched *db.Schedule) error {
	sched.ID = uuid.Must(uuid.NewV7())
	sched.CreatedAt = time.Now()
	f.byID[sched.ID] = sched
	return nil
}

func (f *fakeScheduleRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Schedule, error) {
	s, ok := f.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return s, nil
}

func (f *fakeScheduleRepo) Update(_ context.Context, sched *db.Schedule) error {
	if _, ok := f.byID[sched.ID]; !ok {
		return repositories.ErrNotFound
	}
	f.byID[sched.ID] = sched
	return nil
}

func (f *fakeScheduleRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.byID[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeScheduleRepo) List(_ context.Context, tenantID uuid.UUID, _ repositories.ListOptions) ([]db.Schedule, int64, error) {
	var out []db.Schedule
	for _, s := range f.byID {
		if s.TenantID == tenantID {
			out = append(out, *s)
		}
	}
	return out, int64(len(out)), nil
}

func TestScheduleHandler_Create_Succeeds(t *testing.T) {
	schedules := newFakeScheduleRepo()
	credentials := newFakeCredentialRepo()
	h := NewScheduleHandler(schedules, credentials, zap.NewNop())

	tenantID := uuid.Must(uuid.NewV7())
	cred := &db.Credential{TenantID: tenantID, Name: "sched-key", Prefix: "abcd1234", SecretDigest: "d"}
	require.NoError(t, credentials.Create(context.Background(), cred))

	body, _ := json.Marshal(createScheduleRequest{
		Name: "nightly", CronExpr: "0 3 * * *", Timezone: "UTC", Format: "csv", CredentialID: cred.ID.String(),
	})
	r := newRequestWithPrincipal(http.MethodPost, "/api/v1/schedules", body, authgate.Principal{TenantID: tenantID.String()})
	w := httptest.NewRecorder()

	h.Create(w, r)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Data scheduleResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "nightly", resp.Data.Name)
	assert.True(t, resp.Data.Enabled)
	assert.NotNil(t, resp.Data.NextRunAt)
}

func TestScheduleHandler_Create_RejectsSubHourlyCron(t *testing.T) {
	schedules := newFakeScheduleRepo()
	credentials := newFakeCredentialRepo()
	h := NewScheduleHandler(schedules, credentials, zap.NewNop())

	tenantID := uuid.Must(uuid.NewV7())
	cred := &db.Credential{TenantID: tenantID, Name: "sched-key", Prefix: "abcd1234", SecretDigest: "d"}
	require.NoError(t, credentials.Create(context.Background(), cred))

	body, _ := json.Marshal(createScheduleRequest{
		Name: "too-frequent", CronExpr: "*/5 * * * *", Timezone: "UTC", Format: "csv", CredentialID: cred.ID.String(),
	})
	r := newRequestWithPrincipal(http.MethodPost, "/api/v1/schedules", body, authgate.Principal{TenantID: tenantID.String()})
	w := httptest.NewRecorder()

	h.Create(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScheduleHandler_Create_RejectsCredentialFromOtherTenant(t *testing.T) {
	schedules := newFakeScheduleRepo()
	credentials := newFakeCredentialRepo()
	h := NewScheduleHandler(schedules, credentials, zap.NewNop())

	cred := &db.Credential{TenantID: uuid.Must(uuid.NewV7()), Name: "other-tenant-key", Prefix: "abcd1234", SecretDigest: "d"}
	require.NoError(t, credentials.Create(context.Background(), cred))

	body, _ := json.Marshal(createScheduleRequest{
		Name: "nightly", CronExpr: "0 3 * * *", Timezone: "UTC", Format: "csv", CredentialID: cred.ID.String(),
	})
	r := newRequestWithPrincipal(http.MethodPost, "/api/v1/schedules", body, authgate.Principal{TenantID: uuid.Must(uuid.NewV7()).String()})
	w := httptest.NewRecorder()

	h.Create(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScheduleHandler_Patch_DisablesSchedule(t *testing.T) {
	schedules := newFakeScheduleRepo()
	credentials := newFakeCredentialRepo()
	h := NewScheduleHandler(schedules, credentials, zap.NewNop())

	tenantID := uuid.Must(uuid.NewV7())
	sched := &db.Schedule{TenantID: tenantID, CredentialID: uuid.Must(uuid.NewV7()), Name: "nightly", CronExpr: "0 3 * * *", Timezone: "UTC", Format: "csv", Enabled: true}
	require.NoError(t, schedules.Create(context.Background(), sched))

	body, _ := json.Marshal(patchScheduleRequest{Enabled: boolPtr(false)})
	r := newRequestWithPrincipal(http.MethodPatch, "/api/v1/schedules/"+sched.ID.String(), body, authgate.Principal{TenantID: tenantID.String()})
	r = withURLParam(r, "id", sched.ID.String())
	w := httptest.NewRecorder()

	h.Patch(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, schedules.byID[sched.ID].Enabled)
}

func TestScheduleHandler_Patch_RecomputesNextRunOnCronChange(t *testing.T) {
	schedules := newFakeScheduleRepo()
	credentials := newFakeCredentialRepo()
	h := NewScheduleHandler(schedules, credentials, zap.NewNop())

	tenantID := uuid.Must(uuid.NewV7())
	sched := &db.Schedule{TenantID: tenantID, CredentialID: uuid.Must(uuid.NewV7()), Name: "nightly", CronExpr: "0 3 * * *", Timezone: "UTC", Format: "csv", Enabled: true}
	require.NoError(t, schedules.Create(context.Background(), sched))
	originalNext := sched.NextRunAt

	body, _ := json.Marshal(patchScheduleRequest{CronExpr: strPtr("0 4 * * *")})
	r := newRequestWithPrincipal(http.MethodPatch, "/api/v1/schedules/"+sched.ID.String(), body, authgate.Principal{TenantID: tenantID.String()})
	r = withURLParam(r, "id", sched.ID.String())
	w := httptest.NewRecorder()

	h.Patch(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0 4 * * *", schedules.byID[sched.ID].CronExpr)
	assert.NotNil(t, schedules.byID[sched.ID].NextRunAt)
	if originalNext != nil {
		assert.NotEqual(t, *originalNext, *schedules.byID[sched.ID].NextRunAt)
	}
}

func TestScheduleHandler_Delete_ForeignTenantIsNotFound(t *testing.T) {
	schedules := newFakeScheduleRepo()
	credentials := newFakeCredentialRepo()
	h := NewScheduleHandler(schedules, credentials, zap.NewNop())

	sched := &db.Schedule{TenantID: uuid.Must(uuid.NewV7()), CredentialID: uuid.Must(uuid.NewV7()), Name: "nightly", CronExpr: "0 3 * * *", Timezone: "UTC", Format: "csv"}
	require.NoError(t, schedules.Create(context.Background(), sched))

	r := newRequestWithPrincipal(http.MethodDelete, "/api/v1/schedules/"+sched.ID.String(), nil, authgate.Principal{TenantID: uuid.Must(uuid.NewV7()).String()})
	r = withURLParam(r, "id", sched.ID.String())
	w := httptest.NewRecorder()

	h.Delete(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func boolPtr(b bool) *bool { return &b }
