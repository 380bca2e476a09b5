// internal/repository/history_repository.go
package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
)

type HistoryRepositoryInterface interface {
	Insert(ctx context.Context, e *model.HistoryEntry) error
	ForSchedule(ctx context.Context, jobID string, limit int) ([]*model.HistoryEntry, error)
	ForCustomer(ctx context.Context, customerID string, limit int) ([]*model.HistoryEntry, error)
}

type HistoryRepository struct {
	DB *sql.DB
}

const historyColumns = `id, action, actor_id, customer_id, zalo_account_id, status, status_detail, action_detail, created_at`

func (r *HistoryRepository) Insert(ctx context.Context, e *model.HistoryEntry) error {
	detail, err := json.Marshal(e.ActionDetail)
	if err != nil {
		return appErrors.NewValidation("invalid action detail: %v", err)
	}
	var statusDetail any
	if len(e.StatusDetail) > 0 {
		statusDetail = []byte(e.StatusDetail)
	}

	_, err = r.DB.ExecContext(ctx, `
        INSERT INTO action_history (`+historyColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Action, e.ActorID, e.CustomerID, e.ZaloAccountID, e.Status, statusDetail, detail, e.CreatedAt)
	return appErrors.NewStorage(err, "insert history")
}

// ForSchedule returns execution entries recorded for a schedule, newest first.
func (r *HistoryRepository) ForSchedule(ctx context.Context, jobID string, limit int) ([]*model.HistoryEntry, error) {
	return r.query(ctx, `
        SELECT `+historyColumns+` FROM action_history
        WHERE action LIKE 'DO\_%' AND action_detail->>'scheduleId' = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`, jobID, limit)
}

func (r *HistoryRepository) ForCustomer(ctx context.Context, customerID string, limit int) ([]*model.HistoryEntry, error) {
	return r.query(ctx, `
        SELECT `+historyColumns+` FROM action_history
        WHERE customer_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`, customerID, limit)
}

func (r *HistoryRepository) query(ctx context.Context, query string, args ...any) ([]*model.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErrors.NewStorage(err, "query history")
	}
	defer rows.Close()

	entries := []*model.HistoryEntry{}
	for rows.Next() {
		var (
			e            model.HistoryEntry
			statusDetail []byte
			actionDetail []byte
		)
		err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.CustomerID, &e.ZaloAccountID,
			&e.Status, &statusDetail, &actionDetail, &e.CreatedAt)
		if err != nil {
			return nil, appErrors.NewStorage(err, "scan history")
		}
		if len(statusDetail) > 0 {
			e.StatusDetail = json.RawMessage(statusDetail)
		}
		if len(actionDetail) > 0 {
			if err := json.Unmarshal(actionDetail, &e.ActionDetail); err != nil {
				return nil, appErrors.NewStorage(err, "decode action detail")
			}
		}
		entries = append(entries, &e)
	}
	return entries, appErrors.NewStorage(rows.Err(), "query history")
}

var _ HistoryRepositoryInterface = (*HistoryRepository)(nil)
