// internal/service/reference_manager.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
	"github.com/unclebandit/zalo-scheduler/internal/repository"
)

// ReferenceManager keeps Customer.action entries in line with live tasks.
// Lifecycle transactions write references themselves; this type covers direct
// maintenance, verification and repair.
type ReferenceManager struct {
	Repo   repository.CustomerRepositoryInterface
	Logger *zap.SugaredLogger
}

func (m *ReferenceManager) AddReference(ctx context.Context, customerID, jobID, taskID, zaloAccountID string, actionType model.ActionType) error {
	return m.Repo.AddReference(ctx, model.ActionRef{
		CustomerID:    customerID,
		JobID:         jobID,
		TaskID:        taskID,
		ZaloAccountID: zaloAccountID,
		ActionType:    actionType,
		Status:        model.TaskPending,
	})
}

// RemoveReferences pulls every entry for jobID from the given customers. A nil
// slice means every customer.
func (m *ReferenceManager) RemoveReferences(ctx context.Context, customerIDs []string, jobID string) (int, error) {
	return m.Repo.RemoveReferences(ctx, customerIDs, jobID)
}

func (m *ReferenceManager) References(ctx context.Context, customerID string) ([]model.ActionRef, error) {
	return m.Repo.References(ctx, customerID)
}

// Verify returns a PartialIntegrityError when customers still point at a job
// that is no longer live.
func (m *ReferenceManager) Verify(ctx context.Context, jobID string) error {
	n, err := m.Repo.CountJobReferences(ctx, jobID)
	if err != nil {
		return err
	}
	if n > 0 {
		return appErrors.NewPartialIntegrity("archive", jobID, fmt.Sprintf("%d customer references left", n))
	}
	return nil
}

func (m *ReferenceManager) PruneDangling(ctx context.Context) (int, error) {
	return m.Repo.PruneDangling(ctx)
}

// RestoreMissing re-adds references for live tasks that lost theirs.
func (m *ReferenceManager) RestoreMissing(ctx context.Context, limit int) (int, error) {
	missing, err := m.Repo.MissingReferences(ctx, limit)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, ref := range missing {
		if err := m.Repo.AddReference(ctx, ref); err != nil {
			m.Logger.Warnw("restore reference failed", "job_id", ref.JobID, "task_id", ref.TaskID, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}
