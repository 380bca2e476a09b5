package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/zalo-scheduler/internal/queue"
	"github.com/unclebandit/zalo-scheduler/internal/repository"
)

// Dispatcher publishes due pending tasks to the task topic. A lease per task keeps
// a task from being published again while a worker still holds it, and accounts
// the worker marked as throttled are skipped until the mark expires.
type Dispatcher struct {
	Jobs       repository.JobRepositoryInterface
	Queue      queue.Queue
	Leases     queue.Leaser
	Pacer      *rate.Limiter
	Topic      string
	Batch      int
	PerAccount int
	LeaseTTL   time.Duration
	Logger     *zap.SugaredLogger
	Now        func() time.Time
}

// NewDispatcher paces publishing at perMinute messages with a burst of one batch.
// A non-positive perMinute disables pacing.
func NewDispatcher(jobs repository.JobRepositoryInterface, q queue.Queue, leases queue.Leaser, batch int, perMinute float64, leaseTTL time.Duration, log *zap.SugaredLogger) *Dispatcher {
	if batch <= 0 {
		batch = 100
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	return &Dispatcher{
		Jobs:       jobs,
		Queue:      q,
		Leases:     leases,
		Pacer:      rate.NewLimiter(limit, batch),
		Topic:      queue.TopicScheduleTasks,
		Batch:      batch,
		PerAccount: max(batch/4, 1),
		LeaseTTL:   leaseTTL,
		Logger:     log,
		Now:        time.Now,
	}
}

// DispatchOnce publishes one batch of due tasks and returns how many were sent.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	due, err := d.Jobs.ListDueTasks(ctx, d.Now(), d.PerAccount, d.Batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	throttled := map[string]bool{}
	for _, ref := range due {
		skip, seen := throttled[ref.ZaloAccountID]
		if !seen {
			skip, err = d.Leases.Held(ctx, queue.ThrottleKey(ref.ZaloAccountID))
			if err != nil {
				return sent, err
			}
			throttled[ref.ZaloAccountID] = skip
		}
		if skip {
			continue
		}

		key := queue.LeaseKey(ref.TaskID)
		ok, err := d.Leases.Acquire(ctx, key, d.LeaseTTL)
		if err != nil {
			return sent, err
		}
		if !ok {
			continue
		}
		if err := d.Pacer.Wait(ctx); err != nil {
			_ = d.Leases.Release(context.WithoutCancel(ctx), key)
			return sent, err
		}

		msg := queue.TaskMessage{JobID: ref.JobID, TaskID: ref.TaskID, AccountID: ref.ZaloAccountID}
		if err := d.Queue.Publish(d.Topic, msg); err != nil {
			d.Logger.Errorw("publish task failed", "job_id", ref.JobID, "task_id", ref.TaskID, "error", err)
			_ = d.Leases.Release(ctx, key)
			continue
		}
		sent++
	}

	if sent > 0 {
		d.Logger.Debugw("tasks dispatched", "count", sent, "due", len(due))
	}
	return sent, nil
}

// Run dispatches on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.Logger.Errorw("dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
