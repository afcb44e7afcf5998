// Package worker runs the export and webhook lease loops: each pool leases
// work off the broker's priority queues, executes it, and reports the
// outcome back onto the broker's job-lifecycle pub/sub channels. The only
// job-state write either pool makes is the export pool marking a leased job
// PROCESSING; internal/jobstate is the sole terminal-state writer.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/admission"
	"github.com/exportkit-io/exportkit/internal/broker"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/engine"
	"github.com/exportkit-io/exportkit/internal/objectstore"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// exportRetryBackoff is the fixed 1s/2s/4s schedule for the export engine's
// 3 attempts.
var exportRetryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// exportLeaseDuration bounds how long a single export may run before another
// worker is allowed to reclaim it as abandoned.
const exportLeaseDuration = 30 * time.Minute

// ExportPool leases jobs off the export queue and drives them through
// internal/engine.
type ExportPool struct {
	broker *broker.Broker
	jobs   repositories.JobRepository
	store  *objectstore.Store
	db     *gorm.DB
	logger *zap.Logger

	concurrency int
}

// NewExportPool creates a pool with the given concurrency (default 5).
func NewExportPool(
	b *broker.Broker,
	jobs repositories.JobRepository,
	store *objectstore.Store,
	database *gorm.DB,
	concurrency int,
	logger *zap.Logger,
) *ExportPool {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &ExportPool{
		broker: b, jobs: jobs,
		store: store, db: database, concurrency: concurrency,
		logger: logger.Named("export_worker"),
	}
}

// Run blocks, leasing and executing jobs, until ctx is canceled.
func (p *ExportPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.loop(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (p *ExportPool) loop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			brokerID, ok, err := p.broker.Lease(ctx, admission.ExportQueue, exportLeaseDuration)
			if err != nil {
				p.logger.Warn("lease failed", zap.Int("worker", workerID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			p.process(ctx, brokerID)
		}
	}
}

func (p *ExportPool) process(ctx context.Context, brokerID string) {
	jobID, err := uuid.Parse(brokerID)
	if err != nil {
		p.logger.Error("lease returned unparseable job id", zap.String("broker_id", brokerID), zap.Error(err))
		return
	}

	job, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		p.logger.Error("failed to load leased job", zap.String("job_id", brokerID), zap.Error(err))
		return
	}

	attempt := job.AttemptsMade + 1
	if err := p.jobs.MarkProcessing(ctx, job.ID, time.Now(), attempt); err != nil {
		p.logger.Error("failed to mark job processing", zap.String("job_id", brokerID), zap.Error(err))
	}

	result, runErr := p.run(ctx, job)
	if runErr != nil {
		p.handleFailure(ctx, job, attempt, runErr)
		return
	}

	if err := p.broker.Ack(ctx, admission.ExportQueue, brokerID); err != nil {
		p.logger.Warn("failed to ack completed job", zap.String("job_id", brokerID), zap.Error(err))
	}
	if err := p.broker.Publish(ctx, broker.ChannelJobCompleted, broker.JobEvent{
		JobID:           brokerID,
		ResultKey:       result.Key,
		ResultSizeBytes: result.SizeBytes,
		ResultRowCount:  result.RowCount,
	}); err != nil {
		p.logger.Error("failed to publish job completion", zap.String("job_id", brokerID), zap.Error(err))
	}
}

func (p *ExportPool) run(ctx context.Context, job *db.Job) (engine.Result, error) {
	key := objectstore.Key(job.TenantID.String(), job.ID.String(), job.Format)
	reader := engine.NewCursorReader(p.db, "export_rows", "tenant_id = ?", []any{job.TenantID}, 0)

	progress := func(ctx context.Context, pct int) {
		if err := p.broker.Publish(ctx, broker.ChannelJobProgress, broker.JobEvent{JobID: job.ID.String(), Progress: pct}); err != nil {
			p.logger.Warn("failed to publish progress", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	return engine.Run(ctx, p.store.Client(), p.store.Bucket(), key, job.Format, reader, job.ResultSizeBytes, progress)
}

func (p *ExportPool) handleFailure(ctx context.Context, job *db.Job, attempt int, runErr error) {
	brokerID := job.ID.String()
	p.logger.Warn("export attempt failed", zap.String("job_id", brokerID), zap.Int("attempt", attempt), zap.Error(runErr))

	if attempt >= job.MaxAttempts {
		if err := p.broker.Ack(ctx, admission.ExportQueue, brokerID); err != nil {
			p.logger.Warn("failed to ack exhausted job", zap.String("job_id", brokerID), zap.Error(err))
		}
		if err := p.broker.Publish(ctx, broker.ChannelJobFailed, broker.JobEvent{
			JobID: brokerID, ErrorCode: "EXPORT_FAILED", Error: runErr.Error(), AttemptsMade: attempt,
		}); err != nil {
			p.logger.Error("failed to publish job failure", zap.String("job_id", brokerID), zap.Error(err))
		}
		return
	}

	backoff := exportRetryBackoff[len(exportRetryBackoff)-1]
	if attempt-1 < len(exportRetryBackoff) {
		backoff = exportRetryBackoff[attempt-1]
	}
	if err := p.broker.Retry(ctx, admission.ExportQueue, brokerID, backoff); err != nil {
		p.logger.Error("failed to schedule retry", zap.String("job_id", brokerID), zap.Error(err))
	}
}

// ReclaimTick runs one pass of expired-lease and due-retry reclamation.
// Invoked on a timer from cmd/server, independent of the lease loop itself.
func (p *ExportPool) ReclaimTick(ctx context.Context) {
	if ids, err := p.broker.ReclaimExpiredLeases(ctx, admission.ExportQueue, 10); err != nil {
		p.logger.Error("reclaim expired leases failed", zap.Error(err))
	} else if len(ids) > 0 {
		p.logger.Warn("reclaimed abandoned export leases", zap.Int("count", len(ids)))
	}
	if ids, err := p.broker.ReclaimDueRetries(ctx, admission.ExportQueue, 10); err != nil {
		p.logger.Error("reclaim due retries failed", zap.Error(err))
	} else if len(ids) > 0 {
		p.logger.Debug("requeued due export retries", zap.Int("count", len(ids)))
	}
}
