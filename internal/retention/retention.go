// Package retention runs the daily purge sweep: six independent cleanup
// steps, each collecting its own error without aborting its siblings, the
// same log-and-continue style used for per-item dispatch failures elsewhere
// in the codebase, applied here at the step level instead.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/repositories"
)

// cronExpr is the daily firing time, 03:00 in the gocron scheduler's default
// location (the process's local time zone).
const cronExpr = "0 3 * * *"

// credentialGrace, auditGrace, webhookDeliveryGrace, jobCompletedGrace, and
// anonymizedGrace are the age thresholds of the five steps that take one;
// the session step relies on each refresh token's own expiry instead.
const (
	credentialGrace      = 30 * 24 * time.Hour
	auditGrace           = 365 * 24 * time.Hour
	webhookDeliveryGrace = 90 * 24 * time.Hour
	jobCompletedGrace    = 90 * 24 * time.Hour
	anonymizedGrace      = 30 * 24 * time.Hour
)

// Engine runs the retention sweep on a daily gocron job.
type Engine struct {
	cron          gocron.Scheduler
	credentials   repositories.CredentialRepository
	audit         repositories.AuditRepository
	webhookDelivs repositories.WebhookDeliveryRepository
	jobs          repositories.JobRepository
	refreshTokens repositories.RefreshTokenRepository
	dashboardUsers repositories.DashboardUserRepository
	logger        *zap.Logger
}

func New(
	credentials repositories.CredentialRepository,
	audit repositories.AuditRepository,
	webhookDelivs repositories.WebhookDeliveryRepository,
	jobs repositories.JobRepository,
	refreshTokens repositories.RefreshTokenRepository,
	dashboardUsers repositories.DashboardUserRepository,
	logger *zap.Logger,
) (*Engine, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("retention: failed to create gocron scheduler: %w", err)
	}
	return &Engine{
		cron: s, credentials: credentials, audit: audit,
		webhookDelivs: webhookDelivs, jobs: jobs,
		refreshTokens: refreshTokens, dashboardUsers: dashboardUsers,
		logger: logger.Named("retention"),
	}, nil
}

// Start registers the single-concurrency daily job and starts gocron.
func (e *Engine) Start(ctx context.Context) error {
	_, err := e.cron.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() { e.Run(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("retention: failed to register daily job: %w", err)
	}
	e.cron.Start()
	e.logger.Info("retention engine started", zap.String("schedule", cronExpr))
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler.
func (e *Engine) Stop() error {
	if err := e.cron.Shutdown(); err != nil {
		return fmt.Errorf("retention: shutdown error: %w", err)
	}
	e.logger.Info("retention engine stopped")
	return nil
}

// Run executes all six steps once, logging and continuing past any
// individual failure. Exported so cmd/server can also trigger it manually
// and so tests can exercise it without gocron's own clock.
func (e *Engine) Run(ctx context.Context) {
	now := time.Now().UTC()

	steps := []struct {
		name string
		run  func(context.Context, time.Time) (int64, error)
	}{
		{"purge_revoked_credentials", e.purgeRevokedCredentials},
		{"purge_old_audit_entries", e.purgeOldAuditEntries},
		{"purge_old_webhook_deliveries", e.purgeOldWebhookDeliveries},
		{"purge_expired_jobs", e.purgeExpiredJobs},
		{"purge_expired_sessions", e.purgeExpiredSessions},
		{"purge_anonymized_team_members", e.purgeAnonymizedTeamMembers},
	}

	for _, step := range steps {
		count, err := step.run(ctx, now)
		if err != nil {
			e.logger.Error("retention step failed", zap.String("step", step.name), zap.Error(err))
			continue
		}
		if count > 0 {
			e.logger.Info("retention step completed", zap.String("step", step.name), zap.Int64("rows", count))
		}
	}
}

// purgeRevokedCredentials deletes credentials revoked more than 30d ago that
// have no QUEUED/PROCESSING job still depending on them.
func (e *Engine) purgeRevokedCredentials(ctx context.Context, now time.Time) (int64, error) {
	return e.credentials.PurgeRevoked(ctx, now.Add(-credentialGrace))
}

// purgeOldAuditEntries deletes audit entries older than 365d.
func (e *Engine) purgeOldAuditEntries(ctx context.Context, now time.Time) (int64, error) {
	return e.audit.PurgeOlderThan(ctx, now.Add(-auditGrace))
}

// purgeOldWebhookDeliveries deletes delivery ledger rows older than 90d.
func (e *Engine) purgeOldWebhookDeliveries(ctx context.Context, now time.Time) (int64, error) {
	return e.webhookDelivs.PurgeOlderThan(ctx, now.Add(-webhookDeliveryGrace))
}

// purgeExpiredJobs deletes jobs completed more than 90d ago whose result
// file has also expired.
func (e *Engine) purgeExpiredJobs(ctx context.Context, now time.Time) (int64, error) {
	return e.jobs.PurgeExpired(ctx, now.Add(-jobCompletedGrace))
}

// purgeExpiredSessions deletes dashboard refresh tokens past their expiry.
// RefreshTokenRepository.DeleteExpired doesn't report a row count, so this
// step always reports zero rows and Run never logs a completion line for it;
// the gap is acceptable since the step is informational, not load-bearing.
func (e *Engine) purgeExpiredSessions(ctx context.Context, _ time.Time) (int64, error) {
	if err := e.refreshTokens.DeleteExpired(ctx); err != nil {
		return 0, err
	}
	return 0, nil
}

// purgeAnonymizedTeamMembers hard-deletes dashboard users whose PII was
// scrubbed more than 30d ago.
func (e *Engine) purgeAnonymizedTeamMembers(ctx context.Context, now time.Time) (int64, error) {
	return e.dashboardUsers.PurgeAnonymized(ctx, now.Add(-anonymizedGrace))
}
