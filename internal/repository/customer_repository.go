// internal/repository/customer_repository.go
package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
)

type CustomerRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Customer, error)
	Upsert(ctx context.Context, c *model.Customer) error
	References(ctx context.Context, customerID string) ([]model.ActionRef, error)
	AddReference(ctx context.Context, ref model.ActionRef) error
	RemoveReferences(ctx context.Context, customerIDs []string, jobID string) (int, error)
	CountJobReferences(ctx context.Context, jobID string) (int, error)
	PruneDangling(ctx context.Context) (int, error)
	MissingReferences(ctx context.Context, limit int) ([]model.ActionRef, error)
}

type CustomerRepository struct {
	DB *sql.DB
}

func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*model.Customer, error) {
	var c model.Customer
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, phone, uid FROM customers WHERE id=$1`, id).
		Scan(&c.ID, &c.Name, &c.Phone, &c.UID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("customer", id)
		}
		return nil, appErrors.NewStorage(err, "get customer")
	}

	c.Actions, err = listReferences(ctx, r.DB, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CustomerRepository) Upsert(ctx context.Context, c *model.Customer) error {
	query := `
        INSERT INTO customers (id, name, phone, uid)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, phone=EXCLUDED.phone, uid=EXCLUDED.uid
    `
	_, err := r.DB.ExecContext(ctx, query, c.ID, c.Name, c.Phone, c.UID)
	return appErrors.NewStorage(err, "upsert customer")
}

func (r *CustomerRepository) References(ctx context.Context, customerID string) ([]model.ActionRef, error) {
	return listReferences(ctx, r.DB, customerID)
}

func (r *CustomerRepository) AddReference(ctx context.Context, ref model.ActionRef) error {
	return insertReference(ctx, r.DB, ref)
}

func (r *CustomerRepository) RemoveReferences(ctx context.Context, customerIDs []string, jobID string) (int, error) {
	return removeReferences(ctx, r.DB, customerIDs, jobID)
}

func (r *CustomerRepository) CountJobReferences(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM customer_actions WHERE job_id=$1`, jobID).Scan(&n); err != nil {
		return 0, appErrors.NewStorage(err, "count references")
	}
	return n, nil
}

// PruneDangling deletes references whose task is no longer live.
func (r *CustomerRepository) PruneDangling(ctx context.Context) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
        DELETE FROM customer_actions a
        WHERE NOT EXISTS (
            SELECT 1 FROM job_tasks t WHERE t.id = a.task_id AND t.job_id = a.job_id
        )`)
	if err != nil {
		return 0, appErrors.NewStorage(err, "prune references")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MissingReferences lists the references live tasks should have but do not.
func (r *CustomerRepository) MissingReferences(ctx context.Context, limit int) ([]model.ActionRef, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT t.customer_id, t.job_id, t.id, j.zalo_account_id, j.action_type, t.status
        FROM job_tasks t
        JOIN scheduled_jobs j ON j.id = t.job_id
        WHERE NOT EXISTS (
            SELECT 1 FROM customer_actions a WHERE a.task_id = t.id AND a.customer_id = t.customer_id
        )
        ORDER BY t.job_id, t.id
        LIMIT $1`, limit)
	if err != nil {
		return nil, appErrors.NewStorage(err, "missing references")
	}
	defer rows.Close()

	refs := []model.ActionRef{}
	for rows.Next() {
		var ref model.ActionRef
		if err := rows.Scan(&ref.CustomerID, &ref.JobID, &ref.TaskID, &ref.ZaloAccountID, &ref.ActionType, &ref.Status); err != nil {
			return nil, appErrors.NewStorage(err, "scan reference")
		}
		refs = append(refs, ref)
	}
	return refs, appErrors.NewStorage(rows.Err(), "missing references")
}

// ====================== shared by job transactions ======================

func listReferences(ctx context.Context, q querier, customerID string) ([]model.ActionRef, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT customer_id, job_id, task_id, zalo_account_id, action_type, status
        FROM customer_actions WHERE customer_id=$1 ORDER BY job_id, task_id`, customerID)
	if err != nil {
		return nil, appErrors.NewStorage(err, "list references")
	}
	defer rows.Close()

	refs := []model.ActionRef{}
	for rows.Next() {
		var ref model.ActionRef
		if err := rows.Scan(&ref.CustomerID, &ref.JobID, &ref.TaskID, &ref.ZaloAccountID, &ref.ActionType, &ref.Status); err != nil {
			return nil, appErrors.NewStorage(err, "scan reference")
		}
		refs = append(refs, ref)
	}
	return refs, appErrors.NewStorage(rows.Err(), "list references")
}

func insertReference(ctx context.Context, q querier, ref model.ActionRef) error {
	_, err := q.ExecContext(ctx, `
        INSERT INTO customer_actions (customer_id, job_id, task_id, zalo_account_id, action_type, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (customer_id, task_id) DO UPDATE SET status=EXCLUDED.status`,
		ref.CustomerID, ref.JobID, ref.TaskID, ref.ZaloAccountID, ref.ActionType, ref.Status)
	if err != nil {
		if nf := foreignKeyMissing(err, "customer", ref.CustomerID); nf != nil {
			return nf
		}
		return appErrors.NewStorage(err, "add reference")
	}
	return nil
}

// removeReferences pulls every entry for jobID regardless of action type or status.
// A nil customerIDs slice means every customer.
func removeReferences(ctx context.Context, q querier, customerIDs []string, jobID string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if customerIDs == nil {
		res, err = q.ExecContext(ctx, `DELETE FROM customer_actions WHERE job_id=$1`, jobID)
	} else {
		res, err = q.ExecContext(ctx,
			`DELETE FROM customer_actions WHERE job_id=$1 AND customer_id = ANY($2)`,
			jobID, pq.Array(customerIDs))
	}
	if err != nil {
		return 0, appErrors.NewStorage(err, "remove references")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func setReferenceStatus(ctx context.Context, q querier, taskID string, status model.TaskStatus) error {
	_, err := q.ExecContext(ctx, `UPDATE customer_actions SET status=$1 WHERE task_id=$2`, status, taskID)
	return appErrors.NewStorage(err, "update reference status")
}

var _ CustomerRepositoryInterface = (*CustomerRepository)(nil)
