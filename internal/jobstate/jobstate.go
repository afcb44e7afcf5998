// Package jobstate subscribes to the broker's job lifecycle channels and is
// the sole writer of terminal job state, usage records, and downstream
// notification/webhook fan-out. The leasing worker pool never writes
// Status=COMPLETED/FAILED directly — only this listener does, so there is
// exactly one writer per column set and no lost-update race is possible.
package jobstate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/broker"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/notification"
	"github.com/exportkit-io/exportkit/internal/objectstore"
	"github.com/exportkit-io/exportkit/internal/repositories"
	"github.com/exportkit-io/exportkit/internal/webhook"
)

// downloadURLExpiry is how long the signed URL embedded in the completion
// notification stays valid; it is longer than the API download URL's window
// since email delivery can lag (see internal/notification).
const downloadURLExpiry = 24 * time.Hour

// progressFlushInterval bounds how often the coalesced progress map is
// flushed to the database, so a fast-sampling engine can't generate one
// write per percent point.
const progressFlushInterval = 2 * time.Second

// Listener is the single subscriber to jobs:completed, jobs:failed, and
// jobs:progress.
type Listener struct {
	broker  *broker.Broker
	jobs    repositories.JobRepository
	tenants repositories.TenantRepository
	usage   repositories.UsageRepository
	store   *objectstore.Store
	notify  notification.Service
	webhook *webhook.Sender
	logger  *zap.Logger

	mu       sync.Mutex
	progress map[string]int
}

func New(
	b *broker.Broker,
	jobs repositories.JobRepository,
	tenants repositories.TenantRepository,
	usage repositories.UsageRepository,
	store *objectstore.Store,
	notify notification.Service,
	sender *webhook.Sender,
	logger *zap.Logger,
) *Listener {
	return &Listener{
		broker: b, jobs: jobs, tenants: tenants, usage: usage,
		store: store, notify: notify, webhook: sender,
		logger:   logger.Named("job_state"),
		progress: make(map[string]int),
	}
}

// Run subscribes and blocks until ctx is canceled. It starts its own
// progress-flush ticker goroutine internally.
func (l *Listener) Run(ctx context.Context) {
	pubsub := l.broker.Subscribe(ctx, broker.ChannelJobCompleted, broker.ChannelJobFailed, broker.ChannelJobProgress)
	defer pubsub.Close()

	flush := time.NewTicker(progressFlushInterval)
	defer flush.Stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			l.flushProgress(ctx)
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.dispatch(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, channel, payload string) {
	var ev broker.JobEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		l.logger.Error("failed to unmarshal job event", zap.String("channel", channel), zap.Error(err))
		return
	}

	switch channel {
	case broker.ChannelJobCompleted:
		l.handleCompleted(ctx, ev)
	case broker.ChannelJobFailed:
		l.handleFailed(ctx, ev)
	case broker.ChannelJobProgress:
		l.coalesceProgress(ev)
	}
}

// coalesceProgress keeps only the max value seen per job, flushed to the
// database on the flush ticker rather than on every message — the "lossy
// last-value buffer" pattern.
func (l *Listener) coalesceProgress(ev broker.JobEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.Progress > l.progress[ev.JobID] {
		l.progress[ev.JobID] = ev.Progress
	}
}

func (l *Listener) flushProgress(ctx context.Context) {
	l.mu.Lock()
	pending := l.progress
	l.progress = make(map[string]int)
	l.mu.Unlock()

	for jobID, pct := range pending {
		id, err := uuid.Parse(jobID)
		if err != nil {
			continue
		}
		if err := l.jobs.UpdateProgress(ctx, id, pct); err != nil {
			l.logger.Warn("failed to flush job progress", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

func (l *Listener) handleCompleted(ctx context.Context, ev broker.JobEvent) {
	jobID, err := uuid.Parse(ev.JobID)
	if err != nil {
		l.logger.Error("completed event has unparseable job id", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}

	// The tenant's RetentionDays must be known before MarkSucceeded can
	// compute FileExpiresAt, so the tenant is loaded via the job's current
	// TenantID before the terminal write rather than after it.
	pending, err := l.jobs.GetByID(ctx, jobID)
	if err != nil {
		l.logger.Error("failed to load job for completion", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}
	tenant, err := l.tenants.GetByID(ctx, pending.TenantID)
	if err != nil {
		l.logger.Error("failed to load tenant for completed job", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}

	now := time.Now()
	fileExpiresAt := now.AddDate(0, 0, tenant.RetentionDays)
	if err := l.jobs.MarkSucceeded(ctx, jobID, now, ev.ResultKey, ev.ResultSizeBytes, ev.ResultRowCount, fileExpiresAt); err != nil {
		l.logger.Error("failed to mark job succeeded", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}

	job, err := l.jobs.GetByID(ctx, jobID)
	if err != nil {
		l.logger.Error("failed to reload completed job", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}

	month := time.Now().UTC().Format("2006-01")
	record := &db.UsageRecord{
		TenantID:      job.TenantID,
		JobID:         job.ID,
		Month:         month,
		RowsExported:  ev.ResultRowCount,
		BytesExported: ev.ResultSizeBytes,
	}
	if err := l.usage.RecordForJob(ctx, record); err != nil {
		l.logger.Error("failed to record usage", zap.String("job_id", ev.JobID), zap.Error(err))
	}

	downloadURL, err := l.store.PresignGet(ctx, ev.ResultKey, downloadURLExpiry)
	if err != nil {
		l.logger.Error("failed to presign download url", zap.String("job_id", ev.JobID), zap.Error(err))
	}
	if err := l.notify.NotifyJobCompleted(ctx, job, tenant, downloadURL); err != nil {
		l.logger.Warn("completion notification failed", zap.String("job_id", ev.JobID), zap.Error(err))
	}

	if tenant.WebhookURL != "" {
		if err := l.webhook.Enqueue(ctx, tenant.ID, job.ID, tenant.WebhookURL, "export.completed"); err != nil {
			l.logger.Error("failed to enqueue completion webhook", zap.String("job_id", ev.JobID), zap.Error(err))
		}
	}
}

func (l *Listener) handleFailed(ctx context.Context, ev broker.JobEvent) {
	jobID, err := uuid.Parse(ev.JobID)
	if err != nil {
		l.logger.Error("failed event has unparseable job id", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}

	if err := l.jobs.MarkFailed(ctx, jobID, time.Now(), ev.ErrorCode, ev.Error); err != nil {
		l.logger.Error("failed to mark job failed", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}

	job, err := l.jobs.GetByID(ctx, jobID)
	if err != nil {
		l.logger.Error("failed to reload failed job", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}
	tenant, err := l.tenants.GetByID(ctx, job.TenantID)
	if err != nil {
		l.logger.Error("failed to load tenant for failed job", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}

	if err := l.notify.NotifyJobFailed(ctx, job, tenant, ev.Error); err != nil {
		l.logger.Warn("failure notification failed", zap.String("job_id", ev.JobID), zap.Error(err))
	}
	if tenant.WebhookURL != "" {
		if err := l.webhook.Enqueue(ctx, tenant.ID, job.ID, tenant.WebhookURL, "export.failed"); err != nil {
			l.logger.Error("failed to enqueue failure webhook", zap.String("job_id", ev.JobID), zap.Error(err))
		}
	}
}
