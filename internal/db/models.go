package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Tenants
// -----------------------------------------------------------------------------

// Tenant is the top-level account boundary. Every credential, job, schedule,
// usage record and webhook delivery belongs to exactly one tenant, and every
// query in every repository is scoped by TenantID.
//
// The webhook circuit fields are the authoritative, restart-surviving record
// of whether outbound webhook delivery to this tenant is tripped. The
// in-process gobreaker instance in internal/webhook is a faster local cache
// over the same decision, never the source of truth.
type Tenant struct {
	softDelete
	Name          string `gorm:"not null"`
	Slug          string `gorm:"not null;uniqueIndex"`
	PlanTier      string `gorm:"not null;default:'FREE'"` // "FREE", "PRO", "SCALE"
	Suspended     bool   `gorm:"not null;default:false"`
	RetentionDays int    `gorm:"not null;default:7"` // export file lifetime, see Job.FileExpiresAt

	// Branding, applied to signed-URL notification emails.
	BrandLogoURL string `gorm:"default:''"`
	BrandColor   string `gorm:"default:''"`

	// Webhook delivery target. WebhookSecret is encrypted at rest.
	WebhookURL    string          `gorm:"default:''"`
	WebhookSecret EncryptedString `gorm:"type:text;default:''"`

	// Circuit predicate state (invariant: tripped when ConsecutiveWebhookFailures
	// >= 10 AND now - LastWebhookSuccessAt < 30m). Reset to zero on first success.
	ConsecutiveWebhookFailures int `gorm:"not null;default:0"`
	LastWebhookSuccessAt       *time.Time
	LastWebhookFailureAt       *time.Time

	// Notification routing and consent. Transactional mail (job completion)
	// ignores ConsentMarketing; marketing mail (digest, announcements) requires it.
	ContactEmail         string `gorm:"default:''"`
	ConsentTransactional bool   `gorm:"not null;default:true"`
	ConsentMarketing     bool   `gorm:"not null;default:false"`

	// IPAllowlist is a JSON array of CIDR strings. An empty array means no
	// restriction (any source IP is accepted once the credential checks pass).
	IPAllowlist string `gorm:"type:text;default:'[]'"`
}

// -----------------------------------------------------------------------------
// Credentials
// -----------------------------------------------------------------------------

// Credential is an API key belonging to a tenant. Only the digest of the
// secret is stored — never the plaintext and never a reversible encryption
// of it, so a database leak cannot be used to reconstruct working keys.
//
// Prefix is the first 8 characters of the raw secret, stored in the clear
// and indexed, so the auth gate can narrow the candidate row with an indexed
// lookup before paying for a digest comparison.
type Credential struct {
	softDelete
	TenantID     uuid.UUID `gorm:"type:text;not null;index"`
	Name         string    `gorm:"not null"`
	Prefix       string    `gorm:"not null;index"`
	SecretDigest string    `gorm:"not null;uniqueIndex"` // sha256 hex of the full secret
	Scope        string    `gorm:"not null;default:'READ'"` // "READ", "WRITE", "ADMIN"
	RevokedAt    *time.Time
	LastUsedAt   *time.Time
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job represents a single export execution, queued by an API request or by
// the schedule engine. Two disjoint sets of columns are written by two
// different actors: the leasing worker owns Status=PROCESSING/StartedAt/
// AttemptsMade; the event listener owns every terminal field (Status
// COMPLETED|FAILED, CompletedAt, Result*, Error*). Neither writer touches the
// other's columns, so no row-level locking is needed to avoid a lost update.
type Job struct {
	base
	TenantID     uuid.UUID  `gorm:"type:text;not null;index"`
	CredentialID uuid.UUID  `gorm:"type:text;not null;index"`
	ScheduleID   *uuid.UUID `gorm:"type:text;index"` // nil for ad-hoc jobs

	Format string `gorm:"not null"` // "csv", "json", "xlsx"
	Query  string `gorm:"type:text;not null;default:'{}'"` // JSON export parameters, opaque to this layer

	Status      string `gorm:"not null;default:'QUEUED';index"` // QUEUED, PROCESSING, COMPLETED, FAILED
	Priority    int    `gorm:"not null;default:10"`             // 1=SCALE, 5=PRO, 10=FREE
	AttemptsMade int   `gorm:"not null;default:0"`
	MaxAttempts int    `gorm:"not null;default:3"`

	// BrokerID correlates this row with the broker-side queue entry, used by
	// the reconciliation sweep to detect jobs whose enqueue never progressed.
	BrokerID string `gorm:"index"`

	Progress int `gorm:"not null;default:0"` // 0-100, coalesced by the event listener

	StartedAt   *time.Time
	CompletedAt *time.Time

	ResultKey       string `gorm:"default:''"` // object store key, set on success
	ResultSizeBytes int64  `gorm:"default:0"`
	ResultRowCount  int64  `gorm:"default:0"`

	// FileExpiresAt is computed from the tenant's RetentionDays at success
	// time; the retention engine purges the row once both this and the 90d
	// completed-at floor have passed.
	FileExpiresAt *time.Time `gorm:"index"`

	ErrorCode string `gorm:"default:''"`
	Error     string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

// Schedule is a recurring export definition. The schedule engine materializes
// a Job from it every time CronExpr next fires, reusing the admission path
// minus credential authentication (the schedule itself carries the
// authorization via CredentialID).
type Schedule struct {
	softDelete
	TenantID     uuid.UUID `gorm:"type:text;not null;index"`
	CredentialID uuid.UUID `gorm:"type:text;not null;index"`
	Name         string    `gorm:"not null"`

	CronExpr string `gorm:"not null"`
	Timezone string `gorm:"not null;default:'UTC'"`

	Format string `gorm:"not null"`
	Query  string `gorm:"type:text;not null;default:'{}'"`

	Enabled bool `gorm:"not null;default:true"`

	NextRunAt *time.Time `gorm:"index"`
	LastRunAt *time.Time
	LastJobID *uuid.UUID `gorm:"type:text"`
}

// -----------------------------------------------------------------------------
// Usage
// -----------------------------------------------------------------------------

// UsageRecord accumulates billable usage for a single completed job. JobID
// carries a unique index so the event listener's terminal-state write and a
// usage-recording retry can never double-count the same job — recording
// usage is an upsert keyed on JobID, not an increment.
type UsageRecord struct {
	base
	TenantID      uuid.UUID `gorm:"type:text;not null;index"`
	JobID         uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	Month         string    `gorm:"not null;index"` // "2026-07", for monthly aggregation
	RowsExported  int64     `gorm:"not null;default:0"`
	BytesExported int64     `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Webhook deliveries
// -----------------------------------------------------------------------------

// WebhookDelivery tracks one attempt (and its retries) to notify a tenant's
// webhook endpoint of a job's terminal state. The row is created PENDING
// before the delivery is enqueued, so a crash between creation and send
// leaves a durable, retryable record rather than a silently dropped event.
type WebhookDelivery struct {
	base
	TenantID uuid.UUID `gorm:"type:text;not null;index"`
	JobID    uuid.UUID `gorm:"type:text;not null;index"`
	URL      string    `gorm:"not null"`
	Event    string    `gorm:"not null"` // "export.completed", "export.failed"

	Status       string `gorm:"not null;default:'PENDING';index"` // PENDING, DELIVERED, FAILED
	Attempts     int    `gorm:"not null;default:0"`
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time `gorm:"index"`

	ResponseCode int    `gorm:"not null;default:0"`
	ResponseBody string `gorm:"type:text;default:''"` // truncated to a few KB
	Error        string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Audit entries
// -----------------------------------------------------------------------------

// AuditEntry is an insert-only record of a security-relevant or billable
// action. The repository layer exposes no Update or Delete method for this
// model — the only sanctioned bypass is the anonymization/purge pair used by
// the erasure path and the retention engine, which themselves record an
// audit entry for the bypass.
type AuditEntry struct {
	base
	TenantID   uuid.UUID `gorm:"type:text;not null;index"`
	ActorType  string    `gorm:"not null"` // "credential", "dashboard_user", "system"
	ActorID    string    `gorm:"not null"`
	Action     string    `gorm:"not null;index"`
	TargetType string    `gorm:"default:''"`
	TargetID   string    `gorm:"default:''"`
	Metadata   string    `gorm:"type:text;default:'{}'"` // JSON
	IPAddress  string    `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// Dashboard auth (separate from the tenant-facing API surface, required for
// the internal operator dashboard)
// -----------------------------------------------------------------------------

// DashboardUser is an operator account for the internal administrative
// dashboard — distinct from a Tenant, which is the billable API customer.
// Password is only set for local accounts; OIDC users authenticate via the
// provider and have an empty Password field.
type DashboardUser struct {
	base
	Email        string          `gorm:"uniqueIndex;not null"`
	Password     EncryptedString `gorm:"type:text"` // empty for OIDC users
	DisplayName  string          `gorm:"not null"`
	Role         string          `gorm:"not null;default:'operator'"` // "admin" or "operator"
	IsActive     bool            `gorm:"not null;default:true"`
	OIDCProvider string          `gorm:"default:''"`
	OIDCSub      string          `gorm:"default:''"`
	LastLoginAt  *time.Time

	// AnonymizedAt marks a deactivated team member whose PII has already
	// been scrubbed by the offboarding path; the retention engine
	// hard-deletes the row once this has aged past 30 days.
	AnonymizedAt *time.Time `gorm:"index"`
}

// RefreshToken stores a hashed dashboard-session refresh token. The raw
// token is never stored — only its SHA-256 hash. Tokens are rotated on every
// use and expire after 7 days.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// OIDCProviderConfig stores the configuration for an external OIDC identity
// provider used to authenticate dashboard operators. Only one provider is
// supported at a time.
type OIDCProviderConfig struct {
	base
	Name         string          `gorm:"not null"`
	Issuer       string          `gorm:"not null"`
	ClientID     string          `gorm:"not null"`
	ClientSecret EncryptedString `gorm:"type:text;not null"`
	RedirectURL  string          `gorm:"not null"`
	Scopes       string          `gorm:"not null;default:'openid email profile'"`
	Enabled      bool            `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry, platform-wide (not
// tenant-scoped — SMTP relay configuration, for example, applies to every
// tenant's outbound mail). Keys are namespaced by convention (e.g.
// "smtp.host", "smtp.password"). Sensitive values are encrypted at the
// application layer via EncryptedString before being persisted.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
