// internal/service/history_logger.go
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/zalo-scheduler/internal/model"
	"github.com/unclebandit/zalo-scheduler/internal/repository"
)

const (
	CustomerHistoryLimit = 100
	ScheduleHistoryLimit = 1000
	SystemActor          = "system"
)

// HistoryLogger appends audit entries. Writing history never fails a domain operation.
type HistoryLogger struct {
	Repo   repository.HistoryRepositoryInterface
	Logger *zap.SugaredLogger
	Now    func() time.Time
}

func NewHistoryLogger(repo repository.HistoryRepositoryInterface, log *zap.SugaredLogger) *HistoryLogger {
	return &HistoryLogger{Repo: repo, Logger: log, Now: time.Now}
}

// Log stores the entry. Failures are reported to the diagnostics log under
// history_failure=true and swallowed.
func (h *HistoryLogger) Log(ctx context.Context, e model.HistoryEntry) {
	defer func() {
		if r := recover(); r != nil {
			h.Logger.Errorw("history append panicked", "history_failure", true, "action", e.Action, "panic", r)
		}
	}()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = h.Now()
	}
	if e.Status == "" {
		e.Status = model.HistorySuccess
	}
	if e.ActorID == "" {
		e.ActorID = SystemActor
	}

	if err := h.Repo.Insert(ctx, &e); err != nil {
		h.Logger.Errorw("history append failed",
			"history_failure", true,
			"action", e.Action,
			"schedule_id", e.ScheduleID(),
			"customer_id", e.CustomerID,
			"error", err,
		)
	}
}

// ForSchedule returns the execution (DO_*) entries for a schedule, newest first.
func (h *HistoryLogger) ForSchedule(ctx context.Context, jobID string) ([]*model.HistoryEntry, error) {
	return h.Repo.ForSchedule(ctx, jobID, ScheduleHistoryLimit)
}

// ForCustomer returns the latest entries referencing a customer.
func (h *HistoryLogger) ForCustomer(ctx context.Context, customerID string) ([]*model.HistoryEntry, error) {
	return h.Repo.ForCustomer(ctx, customerID, CustomerHistoryLimit)
}
