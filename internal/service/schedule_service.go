// internal/service/schedule_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
	"github.com/unclebandit/zalo-scheduler/internal/ratelimit"
	"github.com/unclebandit/zalo-scheduler/internal/repository"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// ScheduleService drives the job lifecycle: create, remove task, stop, execute.
type ScheduleService struct {
	Jobs       repository.JobRepositoryInterface
	Accounts   repository.AccountRepositoryInterface
	Limiter    ratelimit.Limiter
	References *ReferenceManager
	History    *HistoryLogger
	Logger     *zap.SugaredLogger
	Now        func() time.Time

	// ReportAttempts bounds how often ExecuteTask records an outcome after a
	// storage error. ReportBackoff is the first wait between attempts.
	ReportAttempts int
	ReportBackoff  time.Duration
}

func NewScheduleService(
	jobs repository.JobRepositoryInterface,
	accounts repository.AccountRepositoryInterface,
	customers repository.CustomerRepositoryInterface,
	history repository.HistoryRepositoryInterface,
	log *zap.SugaredLogger,
) *ScheduleService {
	return &ScheduleService{
		Jobs:       jobs,
		Accounts:   accounts,
		Limiter:    accounts,
		References: &ReferenceManager{Repo: customers, Logger: log},
		History:    NewHistoryLogger(history, log),
		Logger:     log,
		Now:        time.Now,

		ReportAttempts: 5,
		ReportBackoff:  200 * time.Millisecond,
	}
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

func newPagination(page, limit, total int) Pagination {
	return Pagination{
		Page:       page,
		Limit:      limit,
		TotalCount: total,
		TotalPages: (total + limit - 1) / limit,
	}
}

// ListRunning returns live jobs newest first. Pages are 1-indexed.
func (s *ScheduleService) ListRunning(ctx context.Context, page, limit int) ([]*model.ScheduledJob, Pagination, error) {
	page, limit = normalizePage(page, limit)
	jobs, total, err := s.Jobs.ListRunning(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, Pagination{}, err
	}
	return jobs, newPagination(page, limit, total), nil
}

// ListArchived returns archived jobs, most recently finished first.
func (s *ScheduleService) ListArchived(ctx context.Context, page, limit int) ([]*model.ArchivedJob, Pagination, error) {
	page, limit = normalizePage(page, limit)
	jobs, total, err := s.Jobs.ListArchived(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, Pagination{}, err
	}
	return jobs, newPagination(page, limit, total), nil
}

func (s *ScheduleService) GetSchedule(ctx context.Context, jobID string) (*model.ScheduledJob, error) {
	return s.Jobs.GetByID(ctx, jobID)
}

type CreateScheduleInput struct {
	JobName       string           `json:"jobName"`
	ActionType    model.ActionType `json:"actionType"`
	Config        model.JobConfig  `json:"config"`
	ZaloAccountID string           `json:"zaloAccountId"`
	Recipients    []model.Person   `json:"recipients"`
}

func (in *CreateScheduleInput) validate() error {
	if len(in.Recipients) == 0 {
		return appErrors.NewValidation("recipients must not be empty")
	}
	if strings.TrimSpace(in.ZaloAccountID) == "" {
		return appErrors.NewValidation("zaloAccountId is required")
	}
	if !in.ActionType.Valid() {
		return appErrors.NewValidation("unknown action type %q", in.ActionType)
	}
	if in.ActionType == model.ActionSendMessage && strings.TrimSpace(in.Config.MessageTemplate) == "" {
		return appErrors.NewValidation("messageTemplate is required for %s", in.ActionType)
	}
	if in.Config.ActionsPerHour < 0 {
		return appErrors.NewValidation("actionsPerHour must not be negative")
	}
	for i, p := range in.Recipients {
		if strings.TrimSpace(p.CustomerID) == "" {
			return appErrors.NewValidation("recipient %d has no customer id", i)
		}
	}
	return nil
}

// DefaultJobName is used when the caller leaves the name empty.
func DefaultJobName(now time.Time) string {
	return fmt.Sprintf("Lịch trình %s", now.Format("02/01/2006 15:04"))
}

// CreateSchedule creates a job in the scheduled state with one pending task per
// distinct recipient, spaced by the job's actions-per-hour pace.
func (s *ScheduleService) CreateSchedule(ctx context.Context, actor string, in CreateScheduleInput) (*model.ScheduledJob, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	acc, err := s.Accounts.GetByID(ctx, in.ZaloAccountID)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	cfg := in.Config
	if cfg.ActionsPerHour == 0 {
		cfg.ActionsPerHour = acc.RateLimitPerHour
	}
	if cfg.ActionsPerHour <= 0 {
		cfg.ActionsPerHour = model.DefaultRateLimitPerHour
	}
	spacing := time.Hour / time.Duration(cfg.ActionsPerHour)

	name := strings.TrimSpace(in.JobName)
	if name == "" {
		name = DefaultJobName(now)
	}

	job := &model.ScheduledJob{
		ID:            uuid.NewString(),
		JobName:       name,
		ActionType:    in.ActionType,
		Config:        cfg,
		ZaloAccountID: acc.ID,
		CreatedBy:     actor,
		Status:        model.JobScheduled,
		CreatedAt:     now,
	}

	seen := make(map[string]bool, len(in.Recipients))
	for _, p := range in.Recipients {
		if seen[p.CustomerID] {
			continue
		}
		seen[p.CustomerID] = true
		job.Tasks = append(job.Tasks, &model.Task{
			ID:           uuid.NewString(),
			JobID:        job.ID,
			Person:       p,
			Status:       model.TaskPending,
			ScheduledFor: now.Add(time.Duration(len(job.Tasks)) * spacing),
			UpdatedAt:    now,
		})
	}
	job.Statistics.Total = len(job.Tasks)
	job.EstimatedCompletionTime = job.Tasks[len(job.Tasks)-1].ScheduledFor

	if err := s.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	kind := model.HistoryActionFor(job.ActionType, model.PhaseCreate)
	for _, t := range job.Tasks {
		s.History.Log(ctx, model.HistoryEntry{
			Action:        kind,
			ActorID:       actor,
			CustomerID:    t.Person.CustomerID,
			ZaloAccountID: job.ZaloAccountID,
			Status:        model.HistorySuccess,
			ActionDetail:  scheduleDetail(job, t, map[string]any{"scheduledFor": t.ScheduledFor}),
		})
	}

	s.Logger.Infow("schedule created", "job_id", job.ID, "account_id", job.ZaloAccountID, "tasks", len(job.Tasks), "actor_id", actor)
	return job, nil
}

// RemoveTask deletes one pending task from a live job. A job left with nothing for
// the executor to do is archived as completed.
func (s *ScheduleService) RemoveTask(ctx context.Context, actor, jobID, taskID string) (*model.ScheduledJob, error) {
	job, task, err := s.Jobs.RemoveTask(ctx, jobID, taskID)
	if err != nil {
		return nil, err
	}

	s.History.Log(ctx, model.HistoryEntry{
		Action:        model.HistoryActionFor(job.ActionType, model.PhaseDelete),
		ActorID:       actor,
		CustomerID:    task.Person.CustomerID,
		ZaloAccountID: job.ZaloAccountID,
		Status:        model.HistorySuccess,
		ActionDetail:  scheduleDetail(job, task, nil),
	})
	s.Logger.Infow("task removed", "job_id", jobID, "task_id", taskID, "remaining", job.Statistics.Total, "actor_id", actor)

	if job.AllTerminal() {
		if _, err := s.archive(ctx, jobID, model.ArchiveCompleted); err != nil && !appErrors.Is(err, appErrors.ErrNotFound) {
			s.Logger.Warnw("auto-archive after task removal failed", "job_id", jobID, "error", err)
		}
	}
	return job, nil
}

// StopSchedule terminates a job: references are pruned, the job is archived with
// every unfinished task counted as failed, and one DELETE entry is logged per task.
func (s *ScheduleService) StopSchedule(ctx context.Context, actor, jobID string) (*model.ArchivedJob, error) {
	archived, live, err := s.archiveWithJob(ctx, jobID, model.ArchiveStopped)
	if err != nil {
		return nil, err
	}

	kind := model.HistoryActionFor(live.ActionType, model.PhaseDelete)
	for _, t := range live.Tasks {
		s.History.Log(ctx, model.HistoryEntry{
			Action:        kind,
			ActorID:       actor,
			CustomerID:    t.Person.CustomerID,
			ZaloAccountID: live.ZaloAccountID,
			Status:        model.HistorySuccess,
			ActionDetail:  scheduleDetail(live, t, map[string]any{"reason": string(model.ArchiveStopped), "taskStatus": string(t.Status)}),
		})
	}

	s.Logger.Infow("schedule stopped", "job_id", jobID, "failed", archived.Statistics.Failed, "actor_id", actor)
	return archived, nil
}

func (s *ScheduleService) archive(ctx context.Context, jobID string, reason model.ArchiveReason) (*model.ArchivedJob, error) {
	a, _, err := s.archiveWithJob(ctx, jobID, reason)
	return a, err
}

// archiveWithJob runs the archive transaction, then checks that no customer still
// points at the job. A leftover is reported as a partial integrity failure and
// repaired; the caller still sees success because the job itself is archived.
func (s *ScheduleService) archiveWithJob(ctx context.Context, jobID string, reason model.ArchiveReason) (*model.ArchivedJob, *model.ScheduledJob, error) {
	archived, live, err := s.Jobs.Archive(ctx, jobID, reason, s.Now())
	if err != nil {
		return nil, nil, err
	}

	if err := s.References.Verify(ctx, jobID); err != nil {
		s.Logger.Errorw("archive left customer references behind",
			"job_id", jobID, "error_kind", appErrors.Kind(err), "error", err)
		if _, rmErr := s.References.RemoveReferences(ctx, nil, jobID); rmErr != nil {
			s.Logger.Errorw("reference cleanup failed", "job_id", jobID, "error", rmErr)
		}
	}

	s.Logger.Infow("schedule archived", "job_id", jobID, "reason", reason,
		"total", archived.Statistics.Total, "completed", archived.Statistics.Completed, "failed", archived.Statistics.Failed)
	return archived, live, nil
}

// ArchiveIfFinished archives a job whose tasks are all terminal. It reports whether
// the job was archived.
func (s *ScheduleService) ArchiveIfFinished(ctx context.Context, jobID string) (bool, error) {
	job, err := s.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !job.AllTerminal() {
		return false, nil
	}
	if _, err := s.archive(ctx, jobID, model.ArchiveCompleted); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ScheduleService) HistoryForSchedule(ctx context.Context, jobID string) ([]*model.HistoryEntry, error) {
	return s.History.ForSchedule(ctx, jobID)
}

func (s *ScheduleService) HistoryForCustomer(ctx context.Context, customerID string) ([]*model.HistoryEntry, error) {
	return s.History.ForCustomer(ctx, customerID)
}

// UpdateAccountLimits changes an account's quotas and lock flag.
func (s *ScheduleService) UpdateAccountLimits(ctx context.Context, actor, accountID string, perHour, perDay int, locked bool) (*model.ZaloAccount, error) {
	if perHour <= 0 || perDay <= 0 {
		return nil, appErrors.NewValidation("limits must be positive")
	}
	acc, err := s.Accounts.UpdateLimits(ctx, accountID, perHour, perDay, locked)
	if err != nil {
		return nil, err
	}
	s.History.Log(ctx, model.HistoryEntry{
		Action:        model.UpdateZaloAccountLimits,
		ActorID:       actor,
		ZaloAccountID: accountID,
		Status:        model.HistorySuccess,
		ActionDetail:  map[string]any{"rateLimitPerHour": perHour, "rateLimitPerDay": perDay, "isLocked": locked},
	})
	return acc, nil
}

// CheckAndReserve exposes the limiter to external executors.
func (s *ScheduleService) CheckAndReserve(ctx context.Context, accountID string) (ratelimit.Decision, error) {
	return s.Limiter.CheckAndReserve(ctx, accountID, s.Now())
}

func scheduleDetail(job *model.ScheduledJob, task *model.Task, extra map[string]any) map[string]any {
	d := map[string]any{
		"scheduleId":   job.ID,
		"scheduleName": job.JobName,
		"actionType":   string(job.ActionType),
	}
	if task != nil {
		d["taskId"] = task.ID
		d["customerName"] = task.Person.Name
	}
	if job.ActionType == model.ActionSendMessage {
		d["messageTemplate"] = job.Config.MessageTemplate
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}
