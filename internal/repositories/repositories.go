package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/exportkit-io/exportkit/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination and filtering options for list queries.
// Status is consulted only by JobRepository.List, where an empty string means
// unfiltered; every other repository's List ignores it.
type ListOptions struct {
	Limit  int
	Offset int
	Status string
}

// -----------------------------------------------------------------------------
// TenantRepository
// -----------------------------------------------------------------------------

type TenantRepository interface {
	Create(ctx context.Context, tenant *db.Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*db.Tenant, error)
	Update(ctx context.Context, tenant *db.Tenant) error
	List(ctx context.Context, opts ListOptions) ([]db.Tenant, int64, error)

	// RecordWebhookSuccess and RecordWebhookFailure update the circuit
	// predicate fields atomically, independent of any other tenant field.
	RecordWebhookSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordWebhookFailure(ctx context.Context, id uuid.UUID, at time.Time) error
}

// -----------------------------------------------------------------------------
// CredentialRepository
// -----------------------------------------------------------------------------

type CredentialRepository interface {
	Create(ctx context.Context, cred *db.Credential) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Credential, error)

	// ListByPrefix returns every non-revoked credential sharing the given
	// prefix — the auth gate narrows to this small candidate set with an
	// indexed lookup before paying for a digest comparison against each one.
	ListByPrefix(ctx context.Context, prefix string) ([]db.Credential, error)

	Revoke(ctx context.Context, id uuid.UUID) error

	// Update persists mutable fields (currently just Name) — credentials are
	// otherwise immutable once issued.
	Update(ctx context.Context, cred *db.Credential) error

	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.Credential, int64, error)

	// PurgeRevoked hard-deletes credentials revoked before cutoff that have
	// no QUEUED or PROCESSING job referencing them — the retention engine's
	// step 1.
	PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// SetBrokerID records the broker-side correlation id chosen at enqueue time.
	SetBrokerID(ctx context.Context, id uuid.UUID, brokerID string) error

	// MarkProcessing is written exclusively by the leasing worker.
	MarkProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time, attemptsMade int) error

	// MarkSucceeded and MarkFailed are written exclusively by the event
	// listener — the single terminal-state writer. No other code path may
	// set Status to a terminal value.
	MarkSucceeded(ctx context.Context, id uuid.UUID, completedAt time.Time, resultKey string, sizeBytes, rowCount int64, fileExpiresAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, completedAt time.Time, errorCode, errMsg string) error

	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error

	List(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.Job, int64, error)

	// ListStaleQueued returns QUEUED jobs admitted before cutoff whose broker
	// enqueue has not progressed — candidates for the reconciliation sweep.
	ListStaleQueued(ctx context.Context, cutoff time.Time) ([]db.Job, error)

	// PurgeExpired hard-deletes jobs whose completed-at is older than
	// completedBefore AND whose file-expires-at has passed, per the
	// retention engine's step 4.
	PurgeExpired(ctx context.Context, completedBefore time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

type ScheduleRepository interface {
	Create(ctx context.Context, sched *db.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error)
	Update(ctx context.Context, sched *db.Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.Schedule, int64, error)

	// ListDue returns enabled schedules whose NextRunAt is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]db.Schedule, error)
	RecordRun(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time, jobID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// UsageRepository
// -----------------------------------------------------------------------------

type UsageRepository interface {
	// RecordForJob upserts the usage row for a job, keyed uniquely by JobID,
	// so recording is idempotent under at-least-once delivery of the
	// terminal job event.
	RecordForJob(ctx context.Context, rec *db.UsageRecord) error
	SumByTenantAndMonth(ctx context.Context, tenantID uuid.UUID, month string) (rows, bytesUsed int64, err error)
}

// -----------------------------------------------------------------------------
// WebhookDeliveryRepository
// -----------------------------------------------------------------------------

type WebhookDeliveryRepository interface {
	Create(ctx context.Context, d *db.WebhookDelivery) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, statusCode int) error
	MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, statusCode int, respBody, errMsg string, nextAttemptAt *time.Time) error
	ListPendingDue(ctx context.Context, now time.Time) ([]db.WebhookDelivery, error)

	// PurgeOlderThan hard-deletes delivery rows created before cutoff — the
	// retention engine's step 3.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// AuditRepository
// -----------------------------------------------------------------------------

// AuditRepository is deliberately insert-only for ordinary callers: there is
// no generic Update or Delete method here. AnonymizeForTenant and
// PurgeOlderThan are the sole sanctioned bypasses — restricted to the
// erasure path and the retention engine. Neither caller records an audit
// entry for the bypass itself.
type AuditRepository interface {
	Record(ctx context.Context, entry *db.AuditEntry) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.AuditEntry, int64, error)

	// AnonymizeForTenant blanks ActorID/Metadata/IPAddress on every entry for
	// a tenant undergoing data erasure, while preserving Action/TargetType
	// for compliance reporting. Restricted-use: only the tenant erasure
	// handler calls this.
	AnonymizeForTenant(ctx context.Context, tenantID uuid.UUID) error

	// PurgeOlderThan hard-deletes entries older than cutoff. Restricted-use:
	// only internal/retention calls this.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}

// -----------------------------------------------------------------------------
// DashboardUserRepository
// -----------------------------------------------------------------------------

type DashboardUserRepository interface {
	Create(ctx context.Context, user *db.DashboardUser) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.DashboardUser, error)
	GetByEmail(ctx context.Context, email string) (*db.DashboardUser, error)
	GetByOIDC(ctx context.Context, provider, sub string) (*db.DashboardUser, error)
	Update(ctx context.Context, user *db.DashboardUser) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.DashboardUser, int64, error)

	// PurgeAnonymized hard-deletes users anonymized before cutoff — the
	// retention engine's step 6.
	PurgeAnonymized(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// OIDCProviderRepository
// -----------------------------------------------------------------------------

type OIDCProviderRepository interface {
	Create(ctx context.Context, provider *db.OIDCProviderConfig) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.OIDCProviderConfig, error)
	GetEnabled(ctx context.Context) (*db.OIDCProviderConfig, error)
	Update(ctx context.Context, provider *db.OIDCProviderConfig) error
	Delete(ctx context.Context, id uuid.UUID) error
}
