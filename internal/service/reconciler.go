package service

import (
	"context"
	"time"

	crdb "github.com/cockroachdb/errors"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/repository"
)

// RestoreBatch bounds how many missing references one sweep re-adds.
const RestoreBatch = 500

type SweepReport struct {
	PrunedReferences   int `json:"prunedReferences"`
	FailedStaleTasks   int `json:"failedStaleTasks"`
	RecountedJobs      int `json:"recountedJobs"`
	ArchivedJobs       int `json:"archivedJobs"`
	RestoredReferences int `json:"restoredReferences"`
}

// Reconciler repairs what a crash or a partial failure can leave behind. Every step
// is idempotent and a failing step does not stop the ones after it.
type Reconciler struct {
	Jobs       repository.JobRepositoryInterface
	Schedules  *ScheduleService
	References *ReferenceManager
	StaleAfter time.Duration
	Logger     *zap.SugaredLogger
	Now        func() time.Time
}

func NewReconciler(schedules *ScheduleService, staleAfter time.Duration, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		Jobs:       schedules.Jobs,
		Schedules:  schedules,
		References: schedules.References,
		StaleAfter: staleAfter,
		Logger:     log,
		Now:        time.Now,
	}
}

func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs error
	now := r.Now()

	n, err := r.References.PruneDangling(ctx)
	report.PrunedReferences = n
	errs = crdb.CombineErrors(errs, crdb.Wrap(err, "prune dangling references"))

	if r.StaleAfter > 0 {
		n, err = r.Jobs.FailStaleTasks(ctx, now.Add(-r.StaleAfter), now)
		report.FailedStaleTasks = n
		errs = crdb.CombineErrors(errs, crdb.Wrap(err, "fail stale tasks"))
	}

	n, err = r.Jobs.RecountStatistics(ctx)
	report.RecountedJobs = n
	errs = crdb.CombineErrors(errs, crdb.Wrap(err, "recount statistics"))

	ids, err := r.Jobs.ListFinishedJobIDs(ctx)
	errs = crdb.CombineErrors(errs, crdb.Wrap(err, "list finished jobs"))
	for _, id := range ids {
		archived, err := r.Schedules.ArchiveIfFinished(ctx, id)
		if err != nil {
			if !appErrors.Is(err, appErrors.ErrNotFound) {
				errs = crdb.CombineErrors(errs, crdb.Wrapf(err, "archive job %s", id))
			}
			continue
		}
		if archived {
			report.ArchivedJobs++
		}
	}

	n, err = r.References.RestoreMissing(ctx, RestoreBatch)
	report.RestoredReferences = n
	errs = crdb.CombineErrors(errs, crdb.Wrap(err, "restore missing references"))

	r.Logger.Infow("sweep finished",
		"pruned_references", report.PrunedReferences,
		"failed_stale_tasks", report.FailedStaleTasks,
		"recounted_jobs", report.RecountedJobs,
		"archived_jobs", report.ArchivedJobs,
		"restored_references", report.RestoredReferences,
	)
	return report, errs
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.Logger.Errorw("sweep failed", "error", err)
			}
		}
	}
}
