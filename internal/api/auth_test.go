package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/auth"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

func (f *fakeDashboardUserRepo) GetByEmail(_ context.Context, email string) (*db.DashboardUser, error) {
	id, ok := f.byEmail[email]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return f.byID[id], nil
}

type fakeRefreshTokenRepo struct {
	repositories.RefreshTokenRepository
	byHash map[string]*db.RefreshToken
}

func newFakeRefreshTokenRepo() *fakeRefreshTokenRepo {
	return &fakeRefreshTokenRepo{byHash: map[string]*db.RefreshToken{}}
}

func (f *fakeRefreshTokenRepo) Create(_ context.Context, token *db.RefreshToken) error {
	token.ID = uuid.Must(uuid.NewV7())
	f.byHash[token.TokenHash] = token
	return nil
}

func (f *fakeRefreshTokenRepo) GetByHash(_ context.Context, hash string) (*db.RefreshToken, error) {
	t, ok := f.byHash[hash]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return t, nil
}

func (f *fakeRefreshTokenRepo) DeleteByHash(_ context.Context, hash string) error {
	if _, ok := f.byHash[hash]; !ok {
		return repositories.ErrNotFound
	}
	delete(f.byHash, hash)
	return nil
}

func newTestAuthService(t *testing.T, users *fakeDashboardUserRepo, tokens *fakeRefreshTokenRepo, providers *fakeOIDCProviderRepo) *auth.AuthService {
	t.Helper()
	jwtManager, err := auth.NewJWTManagerGenerated("exportkit-test")
	require.NoError(t, err)

	local := auth.NewLocalAuthProvider(users, tokens, jwtManager)
	oidc := auth.NewOIDCAuthProvider(providers, users, tokens, jwtManager)
	return auth.NewAuthService(local, oidc, tokens, jwtManager)
}

func TestAuthHandler_Login_Succeeds(t *testing.T) {
	users := newFakeDashboardUserRepo()
	tokens := newFakeRefreshTokenRepo()
	svc := newTestAuthService(t, users, tokens, &fakeOIDCProviderRepo{})
	h := NewAuthHandler(svc, zap.NewNop(), false)

	hashed, err := auth.HashPassword("correct-horse")
	require.NoError(t, err)
	user := &db.DashboardUser{Email: "owner@example.com", Password: db.EncryptedString(hashed), DisplayName: "Owner", Role: "admin", IsActive: true}
	require.NoError(t, users.Create(context.Background(), user))

	body, _ := json.Marshal(loginRequest{Email: "owner@example.com", Password: "correct-horse"})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", jsonBody(body))
	w := httptest.NewRecorder()

	h.Login(w, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data loginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.AccessToken)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, refreshTokenCookie, cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
}

func TestAuthHandler_Login_RejectsWrongPassword(t *testing.T) {
	users := newFakeDashboardUserRepo()
	tokens := newFakeRefreshTokenRepo()
	svc := newTestAuthService(t, users, tokens, &fakeOIDCProviderRepo{})
	h := NewAuthHandler(svc, zap.NewNop(), false)

	hashed, err := auth.HashPassword("correct-horse")
	require.NoError(t, err)
	user := &db.DashboardUser{Email: "owner@example.com", Password: db.EncryptedString(hashed), DisplayName: "Owner", Role: "admin", IsActive: true}
	require.NoError(t, users.Create(context.Background(), user))

	body, _ := json.Marshal(loginRequest{Email: "owner@example.com", Password: "wrong"})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", jsonBody(body))
	w := httptest.NewRecorder()

	h.Login(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_Login_RejectsDisabledAccount(t *testing.T) {
	users := newFakeDashboardUserRepo()
	tokens := newFakeRefreshTokenRepo()
	svc := newTestAuthService(t, users, tokens, &fakeOIDCProviderRepo{})
	h := NewAuthHandler(svc, zap.NewNop(), false)

	hashed, err := auth.HashPassword("correct-horse")
	require.NoError(t, err)
	user := &db.DashboardUser{Email: "owner@example.com", Password: db.EncryptedString(hashed), DisplayName: "Owner", Role: "admin", IsActive: false}
	require.NoError(t, users.Create(context.Background(), user))

	body, _ := json.Marshal(loginRequest{Email: "owner@example.com", Password: "correct-horse"})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", jsonBody(body))
	w := httptest.NewRecorder()

	h.Login(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_Refresh_RotatesToken(t *testing.T) {
	users := newFakeDashboardUserRepo()
	tokens := newFakeRefreshTokenRepo()
	svc := newTestAuthService(t, users, tokens, &fakeOIDCProviderRepo{})
	h := NewAuthHandler(svc, zap.NewNop(), false)

	hashed, err := auth.HashPassword("correct-horse")
	require.NoError(t, err)
	user := &db.DashboardUser{Email: "owner@example.com", Password: db.EncryptedString(hashed), DisplayName: "Owner", Role: "admin", IsActive: true}
	require.NoError(t, users.Create(context.Background(), user))

	loginBody, _ := json.Marshal(loginRequest{Email: "owner@example.com", Password: "correct-horse"})
	loginReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", jsonBody(loginBody))
	loginW := httptest.NewRecorder()
	h.Login(loginW, loginReq)
	require.Equal(t, http.StatusOK, loginW.Code)

	refreshCookie := loginW.Result().Cookies()[0]
	refreshReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	refreshReq.AddCookie(refreshCookie)
	refreshW := httptest.NewRecorder()

	h.Refresh(refreshW, refreshReq)

	require.Equal(t, http.StatusOK, refreshW.Code, refreshW.Body.String())
	var resp struct {
		Data loginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(refreshW.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.AccessToken)

	// The old refresh token was deleted before the new one was issued.
	oldHash := sha256.Sum256([]byte(refreshCookie.Value))
	_, err = tokens.GetByHash(context.Background(), hex.EncodeToString(oldHash[:]))
	assert.Error(t, err)
}

func TestAuthHandler_Refresh_RejectsMissingCookie(t *testing.T) {
	users := newFakeDashboardUserRepo()
	tokens := newFakeRefreshTokenRepo()
	svc := newTestAuthService(t, users, tokens, &fakeOIDCProviderRepo{})
	h := NewAuthHandler(svc, zap.NewNop(), false)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	w := httptest.NewRecorder()

	h.Refresh(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_Logout_SucceedsWithoutExistingSession(t *testing.T) {
	users := newFakeDashboardUserRepo()
	tokens := newFakeRefreshTokenRepo()
	svc := newTestAuthService(t, users, tokens, &fakeOIDCProviderRepo{})
	h := NewAuthHandler(svc, zap.NewNop(), false)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	w := httptest.NewRecorder()

	h.Logout(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAuthHandler_OIDCLogin_RejectsWhenProviderNotConfigured(t *testing.T) {
	users := newFakeDashboardUserRepo()
	tokens := newFakeRefreshTokenRepo()
	svc := newTestAuthService(t, users, tokens, &fakeOIDCProviderRepo{})
	h := NewAuthHandler(svc, zap.NewNop(), false)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/auth/oidc/login", nil)
	w := httptest.NewRecorder()

	h.OIDCLogin(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandler_OIDCLogin_RedirectsWhenConfigured(t *testing.T) {
	users := newFakeDashboardUserRepo()
	tokens := newFakeRefreshTokenRepo()
	providers := &fakeOIDCProviderRepo{enabled: &db.OIDCProviderConfig{
		Name: "Okta", Issuer: "https://example.okta.com", ClientID: "client-1",
		ClientSecret: "secret", RedirectURL: "https://app.example.com/callback",
		Scopes: "openid email profile", Enabled: true,
	}}
	svc := newTestAuthService(t, users, tokens, providers)
	h := NewAuthHandler(svc, zap.NewNop(), false)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/auth/oidc/login", nil)
	w := httptest.NewRecorder()

	h.OIDCLogin(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	assert.NotEmpty(t, w.Header().Get("Location"))

	var stateCookie, verifierCookie bool
	for _, c := range w.Result().Cookies() {
		switch c.Name {
		case oidcStateCookie:
			stateCookie = true
		case oidcVerifierCookie:
			verifierCookie = true
		}
	}
	assert.True(t, stateCookie)
	assert.True(t, verifierCookie)
}
