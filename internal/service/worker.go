package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/queue"
)

// Executor is the part of ScheduleService the worker drives.
type Executor interface {
	ExecuteTask(ctx context.Context, jobID, taskID string, sender Sender) (*ExecutionResult, error)
}

// Worker executes task messages taken off the queue
type Worker struct {
	Schedules Executor
	Sender    Sender
	Leases    queue.Leaser
	Topic     string
	Logger    *zap.SugaredLogger
	Now       func() time.Time
}

// Constructor
func NewWorker(schedules Executor, sender Sender, leases queue.Leaser, log *zap.SugaredLogger) *Worker {
	return &Worker{
		Schedules: schedules,
		Sender:    sender,
		Leases:    leases,
		Topic:     queue.TopicScheduleTasks,
		Logger:    log,
		Now:       time.Now,
	}
}

// Start subscribes the worker to the task topic
func (w *Worker) Start(q queue.Queue) error {
	return q.Subscribe(w.Topic, w.Handle)
}

// Handle processes one message. A returned error asks the queue to retry.
func (w *Worker) Handle(payload any) error {
	msg, err := decodeTaskMessage(payload)
	if err != nil {
		// nothing to retry
		w.Logger.Errorw("invalid task message", "payload", payload, "error", err)
		return nil
	}
	ctx := context.Background()
	log := w.Logger.With("job_id", msg.JobID, "task_id", msg.TaskID)

	res, err := w.Schedules.ExecuteTask(ctx, msg.JobID, msg.TaskID, w.Sender)
	switch {
	case err == nil:
		w.release(ctx, msg.TaskID)
		log.Infow("task executed", "status", res.Task.Status, "archived", res.Archived != nil)
		return nil
	case appErrors.Is(err, appErrors.ErrRateLimitExceeded):
		// stays pending; picked up again once the account's window reopens
		w.throttle(ctx, err)
		w.release(ctx, msg.TaskID)
		log.Debugw("task deferred", "error", err)
		return nil
	case appErrors.Is(err, appErrors.ErrNotFound), appErrors.Is(err, appErrors.ErrTaskNotPending):
		w.release(ctx, msg.TaskID)
		log.Infow("task skipped", "error", err)
		return nil
	default:
		log.Warnw("task execution failed", "error_kind", appErrors.Kind(err), "error", err)
		return err
	}
}

// throttle marks the account so the dispatcher skips it until RetryAt.
func (w *Worker) throttle(ctx context.Context, err error) {
	var rl *appErrors.RateLimitError
	if w.Leases == nil || !appErrors.As(err, &rl) || rl.RetryAt.IsZero() {
		return
	}
	ttl := rl.RetryAt.Sub(w.Now())
	if ttl <= 0 {
		return
	}
	if _, err := w.Leases.Acquire(ctx, queue.ThrottleKey(rl.AccountID), ttl); err != nil {
		w.Logger.Warnw("throttle account failed", "account_id", rl.AccountID, "error", err)
	}
}

func (w *Worker) release(ctx context.Context, taskID string) {
	if w.Leases == nil {
		return
	}
	if err := w.Leases.Release(ctx, queue.LeaseKey(taskID)); err != nil {
		w.Logger.Warnw("release lease failed", "task_id", taskID, "error", err)
	}
}

func decodeTaskMessage(payload any) (queue.TaskMessage, error) {
	var msg queue.TaskMessage
	switch p := payload.(type) {
	case queue.TaskMessage:
		msg = p
	case *queue.TaskMessage:
		if p == nil {
			return msg, fmt.Errorf("nil task message")
		}
		msg = *p
	case []byte:
		if err := json.Unmarshal(p, &msg); err != nil {
			return msg, err
		}
	default:
		return msg, fmt.Errorf("unexpected payload type %T", payload)
	}
	if msg.JobID == "" || msg.TaskID == "" {
		return msg, fmt.Errorf("task message missing ids")
	}
	return msg, nil
}
