package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// Service is the single entry point for tenant-facing job lifecycle email.
// Callers use the typed methods rather than constructing messages manually,
// so wording and consent gating stay consistent across the codebase.
type Service interface {
	// NotifyJobCompleted sends a transactional completion email with a
	// download URL valid for 24h (longer than the API's own 1h signed URL,
	// since email delivery itself can lag). Gated on ConsentTransactional.
	NotifyJobCompleted(ctx context.Context, job *db.Job, tenant *db.Tenant, downloadURL string) error

	// NotifyJobFailed sends a transactional failure email. Gated on
	// ConsentTransactional.
	NotifyJobFailed(ctx context.Context, job *db.Job, tenant *db.Tenant, errMsg string) error

	// NotifyUsageAlert sends a marketing-consent-gated email when a tenant
	// crosses a usage threshold for the current billing month.
	NotifyUsageAlert(ctx context.Context, tenant *db.Tenant, rowsExported, bytesExported int64) error
}

// notificationService is the concrete implementation of Service.
type notificationService struct {
	email  *emailSender
	logger *zap.Logger
}

// Config holds the dependencies required to build a notification Service.
type Config struct {
	SettingsRepo repositories.SettingsRepository
	Logger       *zap.Logger
}

// NewService creates a new notification Service. SMTP configuration is
// reloaded on every send — no restart needed after a settings change.
func NewService(cfg Config) Service {
	return &notificationService{
		email: newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
			return loadSMTPConfig(ctx, cfg.SettingsRepo)
		}),
		logger: cfg.Logger.Named("notification"),
	}
}

func (s *notificationService) NotifyJobCompleted(ctx context.Context, job *db.Job, tenant *db.Tenant, downloadURL string) error {
	if !s.canSendTransactional(tenant) {
		return nil
	}

	subject := fmt.Sprintf("Your export is ready (%s)", job.Format)
	body := fmt.Sprintf(
		`<p>Your export job <code>%s</code> completed successfully.</p>
<p><a href="%s">Download your file</a> — this link expires in 24 hours.</p>
<p>Rows exported: %d</p>`,
		job.ID, downloadURL, job.ResultRowCount,
	)

	if err := s.email.Send(ctx, []string{tenant.ContactEmail}, subject, body); err != nil {
		s.logger.Warn("completion email delivery failed",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *notificationService) NotifyJobFailed(ctx context.Context, job *db.Job, tenant *db.Tenant, errMsg string) error {
	if !s.canSendTransactional(tenant) {
		return nil
	}

	subject := "Your export failed"
	body := fmt.Sprintf(
		`<p>Your export job <code>%s</code> failed at %s.</p><p>Error: %s</p>`,
		job.ID, time.Now().UTC().Format(time.RFC3339), errMsg,
	)

	if err := s.email.Send(ctx, []string{tenant.ContactEmail}, subject, body); err != nil {
		s.logger.Warn("failure email delivery failed",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *notificationService) NotifyUsageAlert(ctx context.Context, tenant *db.Tenant, rowsExported, bytesExported int64) error {
	// Marketing-gated: re-read consent at send time, not at enqueue, so a
	// withdrawal between enqueue and send is honored.
	if !tenant.ConsentMarketing || tenant.ContactEmail == "" {
		return nil
	}

	subject := "Your monthly export usage"
	body := fmt.Sprintf(
		`<p>This month you've exported %d rows (%d bytes) across all jobs.</p>`,
		rowsExported, bytesExported,
	)

	if err := s.email.Send(ctx, []string{tenant.ContactEmail}, subject, body); err != nil {
		s.logger.Warn("usage alert email delivery failed",
			zap.String("tenant_id", tenant.ID.String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// canSendTransactional reports whether a transactional email may be sent:
// the tenant must have a contact address and must not have disabled
// transactional notifications.
func (s *notificationService) canSendTransactional(tenant *db.Tenant) bool {
	return tenant.ContactEmail != "" && tenant.ConsentTransactional
}
