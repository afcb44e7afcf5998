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

	"github.com/exportkit-io/exportkit/internal/auth"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

type fakeDashboardUserRepo struct {
	repositories.DashboardUserRepository
	byID    map[uuid.UUID]*db.DashboardUser
	byEmail map[string]uuid.UUID
}

func newFakeDashboardUserRepo() *fakeDashboardUserRepo {
	return &fakeDashboardUserRepo{byID: map[uuid.UUID]*db.DashboardUser{}, byEmail: map[string]uuid.UUID{}}
}

func (f *fakeDashboardUserRepo) Create(_ context.Context, user *db.DashboardUser) error {
	if _, exists := f.byEmail[user.Email]; exists {
		return repositories.ErrConflict
	}
	user.ID = uuid.Must(uuid.NewV7())
	user.CreatedAt = time.Now()
	f.byID[user.ID] = user
	f.byEmail[user.Email] = user.ID
	return nil
}

func (f *fakeDashboardUserRepo) GetByID(_ context.Context, id uuid.UUID) (*db.DashboardUser, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return u, nil
}

func (f *fakeDashboardUserRepo) Update(_ context.Context, user *db.DashboardUser) error {
	if _, ok := f.byID[user.ID]; !ok {
		return repositories.ErrNotFound
	}
	f.byID[user.ID] = user
	return nil
}

func (f *fakeDashboardUserRepo) List(_ context.Context, _ repositories.ListOptions) ([]db.DashboardUser, int64, error) {
	var out []db.DashboardUser
	for _, u := range f.byID {
		out = append(out, *u)
	}
	return out, int64(len(out)), nil
}

func requestWithClaims(method, target string, body []byte, claims *auth.Claims) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, jsonBody(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	return r.WithContext(context.WithValue(r.Context(), contextKeyUser, claims))
}

func TestUserHandler_Create_Succeeds(t *testing.T) {
	repo := newFakeDashboardUserRepo()
	h := NewUserHandler(repo, zap.NewNop())

	body, _ := json.Marshal(createUserRequest{Email: "admin@example.com", Password: "hunter22", DisplayName: "Admin", Role: "admin"})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/users", jsonBody(body))
	w := httptest.NewRecorder()

	h.Create(w, r)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Data userResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "admin@example.com", resp.Data.Email)
}

func TestUserHandler_Create_RejectsDuplicateEmail(t *testing.T) {
	repo := newFakeDashboardUserRepo()
	h := NewUserHandler(repo, zap.NewNop())

	body, _ := json.Marshal(createUserRequest{Email: "admin@example.com", Password: "hunter22", DisplayName: "Admin", Role: "admin"})
	r1 := httptest.NewRequest(http.MethodPost, "/api/v1/users", jsonBody(body))
	h.Create(httptest.NewRecorder(), r1)

	r2 := httptest.NewRequest(http.MethodPost, "/api/v1/users", jsonBody(body))
	w2 := httptest.NewRecorder()
	h.Create(w2, r2)

	assert.Equal(t, http.StatusConflict, w2.Code)
}

func TestUserHandler_Create_RejectsInvalidRole(t *testing.T) {
	repo := newFakeDashboardUserRepo()
	h := NewUserHandler(repo, zap.NewNop())

	body, _ := json.Marshal(createUserRequest{Email: "x@example.com", Password: "hunter22", DisplayName: "X", Role: "superadmin"})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/users", jsonBody(body))
	w := httptest.NewRecorder()

	h.Create(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserHandler_Delete_AnonymizesRatherThanHardDeletes(t *testing.T) {
	repo := newFakeDashboardUserRepo()
	h := NewUserHandler(repo, zap.NewNop())

	user := &db.DashboardUser{Email: "old@example.com", DisplayName: "Old User", Role: "user", IsActive: true}
	require.NoError(t, repo.Create(context.Background(), user))

	r := requestWithClaims(http.MethodDelete, "/api/v1/users/"+user.ID.String(), nil, &auth.Claims{UserID: uuid.Must(uuid.NewV7()).String()})
	r = withURLParam(r, "id", user.ID.String())
	w := httptest.NewRecorder()

	h.Delete(w, r)

	require.Equal(t, http.StatusNoContent, w.Code)
	anonymized := repo.byID[user.ID]
	assert.False(t, anonymized.IsActive)
	assert.NotNil(t, anonymized.AnonymizedAt)
	assert.NotEqual(t, "old@example.com", anonymized.Email)
	assert.Empty(t, anonymized.Password)
}

func TestUserHandler_Delete_CannotDeleteSelf(t *testing.T) {
	repo := newFakeDashboardUserRepo()
	h := NewUserHandler(repo, zap.NewNop())

	user := &db.DashboardUser{Email: "me@example.com", DisplayName: "Me", Role: "admin", IsActive: true}
	require.NoError(t, repo.Create(context.Background(), user))

	r := requestWithClaims(http.MethodDelete, "/api/v1/users/"+user.ID.String(), nil, &auth.Claims{UserID: user.ID.String()})
	r = withURLParam(r, "id", user.ID.String())
	w := httptest.NewRecorder()

	h.Delete(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, repo.byID[user.ID].IsActive)
}

func TestUserHandler_GetMe_ReturnsAuthenticatedUser(t *testing.T) {
	repo := newFakeDashboardUserRepo()
	h := NewUserHandler(repo, zap.NewNop())

	user := &db.DashboardUser{Email: "me@example.com", DisplayName: "Me", Role: "admin"}
	require.NoError(t, repo.Create(context.Background(), user))

	r := requestWithClaims(http.MethodGet, "/api/v1/users/me", nil, &auth.Claims{UserID: user.ID.String()})
	w := httptest.NewRecorder()

	h.GetMe(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data userResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "me@example.com", resp.Data.Email)
}

func TestUserHandler_GetMe_RequiresAuthentication(t *testing.T) {
	repo := newFakeDashboardUserRepo()
	h := NewUserHandler(repo, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	w := httptest.NewRecorder()

	h.GetMe(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserHandler_UpdateMe_RejectsPasswordChangeForOIDCAccount(t *testing.T) {
	repo := newFakeDashboardUserRepo()
	h := NewUserHandler(repo, zap.NewNop())

	user := &db.DashboardUser{Email: "sso@example.com", DisplayName: "SSO", Role: "user", OIDCProvider: "okta"}
	require.NoError(t, repo.Create(context.Background(), user))

	body, _ := json.Marshal(updateMeRequest{Password: strPtr("newpass123")})
	r := requestWithClaims(http.MethodPatch, "/api/v1/users/me", body, &auth.Claims{UserID: user.ID.String()})
	w := httptest.NewRecorder()

	h.UpdateMe(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserHandler_UpdateMe_UpdatesDisplayName(t *testing.T) {
	repo := newFakeDashboardUserRepo()
	h := NewUserHandler(repo, zap.NewNop())

	user := &db.DashboardUser{Email: "me@example.com", DisplayName: "Old Name", Role: "user"}
	require.NoError(t, repo.Create(context.Background(), user))

	body, _ := json.Marshal(updateMeRequest{DisplayName: strPtr("New Name")})
	r := requestWithClaims(http.MethodPatch, "/api/v1/users/me", body, &auth.Claims{UserID: user.ID.String()})
	w := httptest.NewRecorder()

	h.UpdateMe(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "New Name", repo.byID[user.ID].DisplayName)
}

var _ = auth.HashPassword
