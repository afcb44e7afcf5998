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

	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

type fakeOIDCProviderRepo struct {
	repositories.OIDCProviderRepository
	enabled *db.OIDCProviderConfig
}

func (f *fakeOIDCProviderRepo) GetEnabled(_ context.Context) (*db.OIDCProviderConfig, error) {
	if f.enabled == nil {
		return nil, repositories.ErrNotFound
	}
	return f.enabled, nil
}

func (f *fakeOIDCProviderRepo) Create(_ context.Context, provider *db.OIDCProviderConfig) error {
	provider.ID = uuid.Must(uuid.NewV7())
	provider.CreatedAt = time.Now()
	provider.UpdatedAt = time.Now()
	if provider.Enabled {
		f.enabled = provider
	}
	return nil
}

func (f *fakeOIDCProviderRepo) Update(_ context.Context, provider *db.OIDCProviderConfig) error {
	if provider.Enabled {
		f.enabled = provider
	} else if f.enabled != nil && f.enabled.ID == provider.ID {
		f.enabled = nil
	}
	return nil
}

func TestSettingsHandler_GetOIDC_NotFoundWhenUnconfigured(t *testing.T) {
	h := NewSettingsHandler(&fakeOIDCProviderRepo{}, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/settings/oidc", nil)
	w := httptest.NewRecorder()

	h.GetOIDC(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSettingsHandler_UpsertOIDC_CreatesThenUpdatesInPlace(t *testing.T) {
	repo := &fakeOIDCProviderRepo{}
	h := NewSettingsHandler(repo, zap.NewNop())

	body, _ := json.Marshal(upsertOIDCRequest{
		Name: "Okta", Issuer: "https://example.okta.com", ClientID: "client-1",
		ClientSecret: "secret", RedirectURL: "https://app.example.com/callback", Enabled: true,
	})
	r := httptest.NewRequest(http.MethodPut, "/api/v1/settings/oidc", jsonBody(body))
	w := httptest.NewRecorder()
	h.UpsertOIDC(w, r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body2, _ := json.Marshal(upsertOIDCRequest{
		Name: "Okta Renamed", Issuer: "https://example.okta.com", ClientID: "client-1",
		ClientSecret: "secret", RedirectURL: "https://app.example.com/callback", Enabled: true,
	})
	r2 := httptest.NewRequest(http.MethodPut, "/api/v1/settings/oidc", jsonBody(body2))
	w2 := httptest.NewRecorder()
	h.UpsertOIDC(w2, r2)
	require.Equal(t, http.StatusOK, w2.Code, w2.Body.String())

	var resp struct {
		Data oidcProviderResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &resp))
	assert.Equal(t, "Okta Renamed", resp.Data.Name)
}

func TestSettingsHandler_UpsertOIDC_RejectsMissingFields(t *testing.T) {
	repo := &fakeOIDCProviderRepo{}
	h := NewSettingsHandler(repo, zap.NewNop())

	body, _ := json.Marshal(upsertOIDCRequest{Name: "Okta"})
	r := httptest.NewRequest(http.MethodPut, "/api/v1/settings/oidc", jsonBody(body))
	w := httptest.NewRecorder()

	h.UpsertOIDC(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsHandler_UpsertOIDC_DefaultsScopes(t *testing.T) {
	repo := &fakeOIDCProviderRepo{}
	h := NewSettingsHandler(repo, zap.NewNop())

	body, _ := json.Marshal(upsertOIDCRequest{
		Name: "Okta", Issuer: "https://example.okta.com", ClientID: "client-1",
		ClientSecret: "secret", RedirectURL: "https://app.example.com/callback",
	})
	r := httptest.NewRequest(http.MethodPut, "/api/v1/settings/oidc", jsonBody(body))
	w := httptest.NewRecorder()

	h.UpsertOIDC(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Data oidcProviderResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "openid email profile", resp.Data.Scopes)
}
