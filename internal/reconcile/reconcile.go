package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/congo-pay/metergate/internal/ledger"
	"github.com/congo-pay/metergate/internal/topup"
)

// PendingLister finds pending credits old enough to verify.
type PendingLister interface {
	PendingCredits(ctx context.Context, olderThan time.Duration, limit int) ([]ledger.Transaction, error)
}

// Verifier asks the provider for a top-up outcome and applies it.
type Verifier interface {
	Verify(ctx context.Context, customerID, reference, source string) (ledger.Transaction, error)
}

// Result summarises one sweep.
type Result struct {
	Checked   int
	Completed int
	Failed    int
	Pending   int
	Errors    int
}

// Job verifies pending top-ups the webhook never settled.
type Job struct {
	pending  PendingLister
	verifier Verifier
	logger   *slog.Logger
	minAge   time.Duration
	batch    int
	timeout  time.Duration

	mu sync.Mutex
}

// NewJob builds the reconciliation job.
func NewJob(pending PendingLister, verifier Verifier, logger *slog.Logger, minAge time.Duration, batch int) *Job {
	if minAge <= 0 {
		minAge = 10 * time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &Job{
		pending:  pending,
		verifier: verifier,
		logger:   logger.With(slog.String("component", "reconcile")),
		minAge:   minAge,
		batch:    batch,
		timeout:  2 * time.Minute,
	}
}

// Run performs one sweep. Overlapping runs are skipped.
func (j *Job) Run(ctx context.Context) Result {
	if !j.mu.TryLock() {
		j.logger.Info("reconciliation already running, skipping")
		return Result{}
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	var res Result
	credits, err := j.pending.PendingCredits(ctx, j.minAge, j.batch)
	if err != nil {
		j.logger.Error("list pending credits failed", slog.Any("error", err))
		res.Errors++
		return res
	}

	for _, credit := range credits {
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		tx, err := j.verifier.Verify(ctx, "", credit.Reference, topup.SourceReconcile)
		if err != nil {
			res.Errors++
			j.logger.Warn("verify pending credit failed", slog.String("reference", credit.Reference), slog.Any("error", err))
			continue
		}
		switch tx.Status {
		case ledger.StatusCompleted:
			res.Completed++
		case ledger.StatusFailed:
			res.Failed++
		default:
			res.Pending++
		}
	}

	if res.Checked > 0 {
		j.logger.Info("reconciliation sweep finished",
			slog.Int("checked", res.Checked),
			slog.Int("completed", res.Completed),
			slog.Int("failed", res.Failed),
			slog.Int("pending", res.Pending),
			slog.Int("errors", res.Errors),
		)
	}
	return res
}

// Scheduler runs the job on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	job      *Job
	schedule string
	logger   *slog.Logger
}

// NewScheduler creates a scheduler for job.
func NewScheduler(job *Job, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		job:      job,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.job.Run(context.Background()) }); err != nil {
		return err
	}
	s.logger.Info("scheduled top-up reconciliation", slog.String("schedule", s.schedule))
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
