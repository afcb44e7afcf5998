// Package scheduleengine materializes a Job from each recurring db.Schedule
// as its cron expression comes due. It reuses internal/admission's Admit
// path directly — the schedule itself carries the authorization (its
// CredentialID), so no credential lookup or rate-limit check runs here,
// unlike the API-triggered path.
package scheduleengine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/admission"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// tickInterval is how often the engine checks for due schedules.
const tickInterval = 60 * time.Second

// minFiringGap is the minimum gap the validator requires between a new
// schedule's first two future firings, rejecting anything finer-grained.
const minFiringGap = 1 * time.Hour

// parser validates cron expressions with the standard 5-field layout, the
// same subset db.Schedule.CronExpr is documented to accept.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpr parses expr and checks that its first two future firings
// (from now) are at least an hour apart, returning an error whose message
// contains "at least 1 hour" when they are not — the API handler surfaces
// this verbatim as a VALIDATION_ERROR.
func ValidateCronExpr(expr string, now time.Time) error {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	first := schedule.Next(now)
	second := schedule.Next(first)
	if second.Sub(first) < minFiringGap {
		return fmt.Errorf("schedule fires more often than every hour: firings must be at least 1 hour apart")
	}
	return nil
}

// Engine polls for due schedules and admits a job for each one.
type Engine struct {
	cron      gocron.Scheduler
	schedules repositories.ScheduleRepository
	admitter  *admission.Admitter
	tenants   repositories.TenantRepository
	logger    *zap.Logger
}

// New creates an Engine. Call Start to begin ticking.
func New(
	schedules repositories.ScheduleRepository,
	admitter *admission.Admitter,
	tenants repositories.TenantRepository,
	logger *zap.Logger,
) (*Engine, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduleengine: failed to create gocron scheduler: %w", err)
	}
	return &Engine{
		cron:      s,
		schedules: schedules,
		admitter:  admitter,
		tenants:   tenants,
		logger:    logger.Named("scheduleengine"),
	}, nil
}

// Start registers the single-concurrency tick job and starts the underlying
// gocron scheduler. Call once at server startup.
func (e *Engine) Start(ctx context.Context) error {
	_, err := e.cron.NewJob(
		gocron.DurationJob(tickInterval),
		gocron.NewTask(func() { e.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduleengine: failed to register tick job: %w", err)
	}
	e.cron.Start()
	e.logger.Info("schedule engine started", zap.Duration("interval", tickInterval))
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler.
func (e *Engine) Stop() error {
	if err := e.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduleengine: shutdown error: %w", err)
	}
	e.logger.Info("schedule engine stopped")
	return nil
}

// tick is the core execution unit: it loads every schedule due at or before
// now, admits a job for each, and advances last-run/next-run. A single
// schedule's failure is logged and does not stop the others.
func (e *Engine) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := e.schedules.ListDue(ctx, now)
	if err != nil {
		e.logger.Error("failed to load due schedules", zap.Error(err))
		return
	}
	for i := range due {
		if err := e.runOne(ctx, &due[i], now); err != nil {
			e.logger.Error("failed to run due schedule",
				zap.String("schedule_id", due[i].ID.String()),
				zap.String("schedule_name", due[i].Name),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) runOne(ctx context.Context, sched *db.Schedule, now time.Time) error {
	if !sched.Enabled {
		return nil
	}

	tenant, err := e.tenants.GetByID(ctx, sched.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}

	job, err := e.admitter.Admit(ctx, admission.Request{
		TenantID:     sched.TenantID,
		CredentialID: sched.CredentialID,
		ScheduleID:   &sched.ID,
		Format:       sched.Format,
		Query:        sched.Query,
		PlanTier:     tenant.PlanTier,
	})
	if err != nil {
		return fmt.Errorf("admit job: %w", err)
	}

	next, err := nextRun(sched.CronExpr, sched.Timezone, now)
	if err != nil {
		e.logger.Warn("failed to compute next run, schedule will not fire again until corrected",
			zap.String("schedule_id", sched.ID.String()), zap.Error(err))
		return nil
	}
	if err := e.schedules.RecordRun(ctx, sched.ID, now, next, job.ID); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	e.logger.Info("schedule fired",
		zap.String("schedule_id", sched.ID.String()),
		zap.String("job_id", job.ID.String()),
		zap.Time("next_run_at", next),
	)
	return nil
}

// NextRun computes the next firing of expr in timezone tz strictly after
// from, used by the API handler to populate NextRunAt when a schedule is
// created or its cron expression changes.
func NextRun(expr, tz string, from time.Time) (time.Time, error) {
	return nextRun(expr, tz, from)
}

func nextRun(expr, tz string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return schedule.Next(from.In(loc)), nil
}
