package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/repositories"
)

type fakeCredentialRepo struct {
	repositories.CredentialRepository
	purgeRevokedCutoff time.Time
	purgeRevokedCount  int64
	purgeRevokedErr    error
}

func (f *fakeCredentialRepo) PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error) {
	f.purgeRevokedCutoff = cutoff
	return f.purgeRevokedCount, f.purgeRevokedErr
}

type fakeAuditRepo struct {
	repositories.AuditRepository
	purgeOlderCutoff time.Time
	purgeOlderCount  int64
}

func (f *fakeAuditRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.purgeOlderCutoff = cutoff
	return f.purgeOlderCount, nil
}

type fakeWebhookDeliveryRepoRetention struct {
	repositories.WebhookDeliveryRepository
	purgeOlderCutoff time.Time
	purgeOlderCount  int64
}

func (f *fakeWebhookDeliveryRepoRetention) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.purgeOlderCutoff = cutoff
	return f.purgeOlderCount, nil
}

type fakeJobRepoRetention struct {
	repositories.JobRepository
	purgeExpiredCutoff time.Time
	purgeExpiredCount  int64
	purgeExpiredErr    error
}

func (f *fakeJobRepoRetention) PurgeExpired(ctx context.Context, completedBefore time.Time) (int64, error) {
	f.purgeExpiredCutoff = completedBefore
	return f.purgeExpiredCount, f.purgeExpiredErr
}

type fakeRefreshTokenRepoRetention struct {
	repositories.RefreshTokenRepository
	deleteExpiredCalled bool
	deleteExpiredErr    error
}

func (f *fakeRefreshTokenRepoRetention) DeleteExpired(ctx context.Context) error {
	f.deleteExpiredCalled = true
	return f.deleteExpiredErr
}

type fakeDashboardUserRepoRetention struct {
	repositories.DashboardUserRepository
	purgeAnonymizedCutoff time.Time
	purgeAnonymizedCount  int64
}

func (f *fakeDashboardUserRepoRetention) PurgeAnonymized(ctx context.Context, cutoff time.Time) (int64, error) {
	f.purgeAnonymizedCutoff = cutoff
	return f.purgeAnonymizedCount, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeCredentialRepo, *fakeAuditRepo, *fakeWebhookDeliveryRepoRetention, *fakeJobRepoRetention, *fakeRefreshTokenRepoRetention, *fakeDashboardUserRepoRetention) {
	t.Helper()
	creds := &fakeCredentialRepo{}
	audit := &fakeAuditRepo{}
	webhooks := &fakeWebhookDeliveryRepoRetention{}
	jobs := &fakeJobRepoRetention{}
	refreshTokens := &fakeRefreshTokenRepoRetention{}
	dashboardUsers := &fakeDashboardUserRepoRetention{}

	e, err := New(creds, audit, webhooks, jobs, refreshTokens, dashboardUsers, zap.NewNop())
	require.NoError(t, err)
	return e, creds, audit, webhooks, jobs, refreshTokens, dashboardUsers
}

func TestRun_AppliesEachStepsGracePeriodToNow(t *testing.T) {
	e, creds, audit, webhooks, jobs, refreshTokens, dashboardUsers := newTestEngine(t)

	before := time.Now().UTC()
	e.Run(context.Background())
	after := time.Now().UTC()

	assertWithinGrace := func(t *testing.T, cutoff time.Time, grace time.Duration) {
		t.Helper()
		assert.True(t, !cutoff.Before(before.Add(-grace)) && !cutoff.After(after.Add(-grace)),
			"cutoff %v not within expected grace window", cutoff)
	}

	assertWithinGrace(t, creds.purgeRevokedCutoff, credentialGrace)
	assertWithinGrace(t, audit.purgeOlderCutoff, auditGrace)
	assertWithinGrace(t, webhooks.purgeOlderCutoff, webhookDeliveryGrace)
	assertWithinGrace(t, jobs.purgeExpiredCutoff, jobCompletedGrace)
	assertWithinGrace(t, dashboardUsers.purgeAnonymizedCutoff, anonymizedGrace)
	assert.True(t, refreshTokens.deleteExpiredCalled)
}

func TestRun_ContinuesPastAnIndividualStepFailure(t *testing.T) {
	e, creds, audit, webhooks, jobs, refreshTokens, dashboardUsers := newTestEngine(t)
	creds.purgeRevokedErr = errors.New("db unavailable")
	jobs.purgeExpiredErr = errors.New("db unavailable")

	require.NotPanics(t, func() { e.Run(context.Background()) })

	assert.False(t, audit.purgeOlderCutoff.IsZero())
	assert.False(t, webhooks.purgeOlderCutoff.IsZero())
	assert.True(t, refreshTokens.deleteExpiredCalled)
	assert.False(t, dashboardUsers.purgeAnonymizedCutoff.IsZero())
}

func TestRun_LogsRefreshTokenDeletionFailureWithoutAbortingOtherSteps(t *testing.T) {
	e, creds, _, _, _, refreshTokens, dashboardUsers := newTestEngine(t)
	refreshTokens.deleteExpiredErr = errors.New("connection reset")

	require.NotPanics(t, func() { e.Run(context.Background()) })

	assert.False(t, creds.purgeRevokedCutoff.IsZero())
	assert.False(t, dashboardUsers.purgeAnonymizedCutoff.IsZero())
}

func TestPurgeExpiredSessions_AlwaysReportsZeroRowsSinceTheRepositoryDoesNotCount(t *testing.T) {
	e, _, _, _, _, refreshTokens, _ := newTestEngine(t)
	refreshTokens.deleteExpiredErr = nil

	count, err := e.purgeExpiredSessions(context.Background(), time.Now())

	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestPurgeRevokedCredentials_ReturnsUnderlyingCount(t *testing.T) {
	e, creds, _, _, _, _, _ := newTestEngine(t)
	creds.purgeRevokedCount = 3

	count, err := e.purgeRevokedCredentials(context.Background(), time.Now())

	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
