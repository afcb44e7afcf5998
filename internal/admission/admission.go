// Package admission turns a validated export request into a QUEUED db.Job row
// and a broker-queue entry. It is the single path both the API handler and
// the schedule engine use to create jobs, so the priority mapping and the
// write-then-enqueue ordering only exist in one place.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/broker"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// ExportQueue is the broker queue name export jobs are enqueued onto. Defined
// here, not in internal/broker, because the admission path and the worker
// pool that drains it must agree on the literal string.
const ExportQueue = "exports"

// tierPriority maps a tenant's plan tier to the broker's queue priority.
// Lower values are served first; SCALE tenants get dequeued ahead of FREE.
var tierPriority = map[string]int{
	"SCALE": 1,
	"PRO":   5,
	"FREE":  10,
}

const defaultPriority = 10

// defaultMaxAttempts is copied onto every admitted job; the db.Job column
// default already matches but admission sets it explicitly so the value
// doesn't silently drift if the column default ever changes.
const defaultMaxAttempts = 3

// Request describes a validated export request, already authenticated and
// past rate limiting, ready to become a Job.
type Request struct {
	TenantID     uuid.UUID
	CredentialID uuid.UUID
	ScheduleID   *uuid.UUID
	Format       string
	Query        string
	PlanTier     string
}

// Admitter creates jobs and places them on the broker queue.
type Admitter struct {
	jobs   repositories.JobRepository
	broker *broker.Broker
	logger *zap.Logger
}

func New(jobs repositories.JobRepository, b *broker.Broker, logger *zap.Logger) *Admitter {
	return &Admitter{jobs: jobs, broker: b, logger: logger.Named("admission")}
}

// Admit writes the QUEUED job row, enqueues it on the broker, and records the
// broker correlation id back onto the row. The job row is the write of
// record: if the broker enqueue fails, Admit returns the error but the job
// row still exists as QUEUED, where the reconciliation sweep (Reconcile)
// marks it FAILED once it has sat past the grace period, rather than leaving
// the request silently pending.
func (a *Admitter) Admit(ctx context.Context, req Request) (*db.Job, error) {
	priority, ok := tierPriority[req.PlanTier]
	if !ok {
		priority = defaultPriority
	}

	job := &db.Job{
		TenantID:     req.TenantID,
		CredentialID: req.CredentialID,
		ScheduleID:   req.ScheduleID,
		Format:       req.Format,
		Query:        req.Query,
		Status:       "QUEUED",
		Priority:     priority,
		MaxAttempts:  defaultMaxAttempts,
	}
	if err := a.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("admission: create job: %w", err)
	}

	brokerID := job.ID.String()
	if err := a.broker.Enqueue(ctx, ExportQueue, priority, brokerID); err != nil {
		a.logger.Error("failed to enqueue admitted job; leaving QUEUED for reconciliation sweep",
			zap.String("job_id", brokerID), zap.Error(err))
		return job, fmt.Errorf("admission: enqueue job: %w", err)
	}
	if err := a.jobs.SetBrokerID(ctx, job.ID, brokerID); err != nil {
		a.logger.Warn("failed to record broker id on job", zap.String("job_id", brokerID), zap.Error(err))
	}
	job.BrokerID = brokerID

	return job, nil
}

// reconcileFailureMessage is the fixed error text written to jobs the
// reconciliation sweep gives up on.
const reconcileFailureMessage = "admission: broker enqueue did not progress within grace period"

// Reconcile fails every job that has sat QUEUED for longer than grace without
// progressing to PROCESSING or a terminal state — the case where Admit's
// Create succeeded but the process crashed, or the enqueue itself silently
// never reached a worker. It is invoked on a timer from cmd/server; grace
// defaults to 10 minutes.
func (a *Admitter) Reconcile(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().Add(-grace)
	stale, err := a.jobs.ListStaleQueued(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("admission: list stale queued: %w", err)
	}

	failed := 0
	for _, job := range stale {
		if err := a.jobs.MarkFailed(ctx, job.ID, time.Now(), "ADMISSION_TIMEOUT", reconcileFailureMessage); err != nil {
			a.logger.Error("reconciliation sweep failed to mark stale job failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		failed++
	}
	return failed, nil
}
