// internal/service/execution.go
package service

import (
	"context"
	"encoding/json"
	"time"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
	"github.com/unclebandit/zalo-scheduler/internal/ratelimit"
	"github.com/unclebandit/zalo-scheduler/pkg/backoff"
)

const maxReportBackoff = 5 * time.Second

// Reservation is a claimed task the executor may now act on.
type Reservation struct {
	Job      *model.ScheduledJob `json:"job"`
	Task     *model.Task         `json:"task"`
	Decision ratelimit.Decision  `json:"decision"`
	Message  string              `json:"message,omitempty"`
}

type ExecutionResult struct {
	Job      *model.ScheduledJob `json:"job"`
	Task     *model.Task         `json:"task"`
	Decision ratelimit.Decision  `json:"decision"`
	Archived *model.ArchivedJob  `json:"archived,omitempty"`
}

// ReserveTask re-reads the task, takes one action from the account budget and
// claims the task. A refused reservation returns RateLimitExceeded and leaves the
// task pending.
func (s *ScheduleService) ReserveTask(ctx context.Context, jobID, taskID string) (*Reservation, error) {
	job, err := s.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	task := job.Task(taskID)
	if task == nil {
		return nil, appErrors.NewNotFound("task", taskID)
	}
	if task.Status != model.TaskPending {
		return nil, appErrors.Wrapf(appErrors.ErrTaskNotPending, "task %s is %s", taskID, task.Status)
	}

	decision, err := s.Limiter.CheckAndReserve(ctx, job.ZaloAccountID, s.Now())
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.Logger.Debugw("task throttled", "job_id", jobID, "task_id", taskID, "account_id", job.ZaloAccountID, "reason", decision.Reason)
		return nil, appErrors.NewRateLimitExceeded(job.ZaloAccountID, decision.Reason, decision.RetryAt)
	}

	accountID := job.ZaloAccountID
	job, task, err = s.Jobs.ClaimTask(ctx, jobID, taskID, s.Now())
	if err != nil {
		// the task was stopped, removed or claimed after the re-check; the
		// reservation is not refunded
		s.Logger.Warnw("reservation spent on a task that is no longer claimable",
			"job_id", jobID, "task_id", taskID, "account_id", accountID, "error", err)
		return nil, err
	}

	return &Reservation{Job: job, Task: task, Decision: decision, Message: messageFor(job, task)}, nil
}

// ReportTaskResult records the executor outcome for a claimed task, logs the DO
// entry and archives the job once every task is terminal.
func (s *ScheduleService) ReportTaskResult(ctx context.Context, jobID, taskID string, res ExecutorResult) (*ExecutionResult, error) {
	status := model.TaskFailed
	if res.Success {
		status = model.TaskCompleted
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, appErrors.NewValidation("invalid executor result: %v", err)
	}

	job, task, err := s.Jobs.FinishTask(ctx, jobID, taskID, status, raw, s.Now())
	if err != nil {
		return nil, err
	}

	historyStatus := model.HistorySuccess
	if status == model.TaskFailed {
		historyStatus = model.HistoryFailed
	}
	extra := map[string]any{"taskStatus": string(status)}
	if msg := messageFor(job, task); msg != "" {
		extra["message"] = msg
	}
	s.History.Log(ctx, model.HistoryEntry{
		Action:        model.HistoryActionFor(job.ActionType, model.PhaseDo),
		ActorID:       job.CreatedBy,
		CustomerID:    task.Person.CustomerID,
		ZaloAccountID: job.ZaloAccountID,
		Status:        historyStatus,
		StatusDetail:  raw,
		ActionDetail:  scheduleDetail(job, task, extra),
	})

	out := &ExecutionResult{Job: job, Task: task}
	if job.AllTerminal() {
		archived, err := s.archive(ctx, jobID, model.ArchiveCompleted)
		switch {
		case err == nil:
			out.Archived = archived
		case appErrors.Is(err, appErrors.ErrNotFound):
			// archived concurrently by a stop or another report
		default:
			s.Logger.Warnw("auto-archive failed, sweep will retry", "job_id", jobID, "error", err)
		}
	}
	return out, nil
}

// ExecuteTask runs one task end to end with an in-process sender. The sender is
// called between the claim and the report with no lock held.
func (s *ScheduleService) ExecuteTask(ctx context.Context, jobID, taskID string, sender Sender) (*ExecutionResult, error) {
	r, err := s.ReserveTask(ctx, jobID, taskID)
	if err != nil {
		return nil, err
	}

	res, err := sender.Send(ctx, SendRequest{
		JobID:      jobID,
		TaskID:     taskID,
		AccountID:  r.Job.ZaloAccountID,
		ActionType: r.Job.ActionType,
		Person:     r.Task.Person,
		Message:    r.Message,
	})
	if err != nil {
		res = ExecutorResult{Success: false, Error: err.Error()}
	}

	// the claim is already committed, so the outcome is recorded even if the
	// caller gave up while the sender was running
	out, err := s.reportWithRetry(context.WithoutCancel(ctx), jobID, taskID, res)
	if err != nil {
		return nil, err
	}
	out.Decision = r.Decision
	return out, nil
}

// reportWithRetry records the outcome, retrying storage errors. The action has
// already happened, and a redelivered message would find the task processing
// and skip it.
func (s *ScheduleService) reportWithRetry(ctx context.Context, jobID, taskID string, res ExecutorResult) (*ExecutionResult, error) {
	attempts := max(s.ReportAttempts, 1)
	for attempt := 1; ; attempt++ {
		out, err := s.ReportTaskResult(ctx, jobID, taskID, res)
		if err == nil || !appErrors.Is(err, appErrors.ErrStorage) {
			return out, err
		}
		if attempt == attempts {
			s.Logger.Errorw("task outcome not recorded",
				"job_id", jobID, "task_id", taskID, "success", res.Success, "attempts", attempt, "error", err)
			return nil, err
		}

		wait := backoff.ExponentialJitter(s.ReportBackoff, maxReportBackoff, attempt)
		s.Logger.Warnw("report task result failed, retrying",
			"job_id", jobID, "task_id", taskID, "attempt", attempt, "wait", wait, "error", err)
		time.Sleep(wait)
	}
}
