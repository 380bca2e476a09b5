// internal/repository/job_repository.go
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
)

type JobRepositoryInterface interface {
	// Listing
	ListRunning(ctx context.Context, offset, limit int) ([]*model.ScheduledJob, int, error)
	ListArchived(ctx context.Context, offset, limit int) ([]*model.ArchivedJob, int, error)
	GetByID(ctx context.Context, id string) (*model.ScheduledJob, error)
	GetArchived(ctx context.Context, id string) (*model.ArchivedJob, error)

	// Lifecycle, each one transaction
	Create(ctx context.Context, job *model.ScheduledJob) error
	RemoveTask(ctx context.Context, jobID, taskID string) (*model.ScheduledJob, *model.Task, error)
	ClaimTask(ctx context.Context, jobID, taskID string, now time.Time) (*model.ScheduledJob, *model.Task, error)
	FinishTask(ctx context.Context, jobID, taskID string, status model.TaskStatus, result []byte, now time.Time) (*model.ScheduledJob, *model.Task, error)
	Archive(ctx context.Context, jobID string, reason model.ArchiveReason, now time.Time) (*model.ArchivedJob, *model.ScheduledJob, error)

	// Executor and sweep
	ListDueTasks(ctx context.Context, now time.Time, perAccount, limit int) ([]model.TaskRef, error)
	FailStaleTasks(ctx context.Context, before, now time.Time) (int, error)
	RecountStatistics(ctx context.Context) (int, error)
	ListFinishedJobIDs(ctx context.Context) ([]string, error)
}

type JobRepository struct {
	DB *sql.DB
}

const jobColumns = `id, job_name, action_type, config, zalo_account_id, created_by,
    total, completed, failed, status, created_at, estimated_completion_time`

const archivedColumns = `id, job_name, action_type, config, zalo_account_id, created_by,
    total, completed, failed, reason, created_at, estimated_completion_time, completed_at`

const taskColumns = `id, job_id, customer_id, person_name, person_phone, person_uid,
    status, scheduled_for, updated_at, result`

type scanner interface{ Scan(...any) error }

func scanJob(row scanner) (*model.ScheduledJob, error) {
	var (
		j   model.ScheduledJob
		cfg []byte
	)
	err := row.Scan(&j.ID, &j.JobName, &j.ActionType, &cfg, &j.ZaloAccountID, &j.CreatedBy,
		&j.Statistics.Total, &j.Statistics.Completed, &j.Statistics.Failed,
		&j.Status, &j.CreatedAt, &j.EstimatedCompletionTime)
	if err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &j.Config); err != nil {
			return nil, err
		}
	}
	j.Tasks = []*model.Task{}
	return &j, nil
}

func scanArchived(row scanner) (*model.ArchivedJob, error) {
	var (
		a   model.ArchivedJob
		cfg []byte
	)
	err := row.Scan(&a.ID, &a.JobName, &a.ActionType, &cfg, &a.ZaloAccountID, &a.CreatedBy,
		&a.Statistics.Total, &a.Statistics.Completed, &a.Statistics.Failed,
		&a.Reason, &a.CreatedAt, &a.EstimatedCompletionTime, &a.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &a.Config); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func scanTask(row scanner) (*model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.JobID, &t.Person.CustomerID, &t.Person.Name, &t.Person.Phone, &t.Person.UID,
		&t.Status, &t.ScheduledFor, &t.UpdatedAt, &t.Result)
	return &t, err
}

// ====================== Listing ======================

func (r *JobRepository) ListRunning(ctx context.Context, offset, limit int) ([]*model.ScheduledJob, int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, appErrors.NewStorage(err, "list running jobs")
	}
	defer rows.Close()

	jobs := []*model.ScheduledJob{}
	byID := map[string]*model.ScheduledJob{}
	ids := []string{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, appErrors.NewStorage(err, "scan job")
		}
		jobs = append(jobs, j)
		byID[j.ID] = j
		ids = append(ids, j.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, appErrors.NewStorage(err, "list running jobs")
	}

	if len(ids) > 0 {
		taskRows, err := r.DB.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM job_tasks WHERE job_id = ANY($1) ORDER BY scheduled_for, id`,
			pq.Array(ids))
		if err != nil {
			return nil, 0, appErrors.NewStorage(err, "list tasks")
		}
		defer taskRows.Close()
		for taskRows.Next() {
			t, err := scanTask(taskRows)
			if err != nil {
				return nil, 0, appErrors.NewStorage(err, "scan task")
			}
			if j, ok := byID[t.JobID]; ok {
				j.Tasks = append(j.Tasks, t)
			}
		}
		if err := taskRows.Err(); err != nil {
			return nil, 0, appErrors.NewStorage(err, "list tasks")
		}
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_jobs`).Scan(&total); err != nil {
		return nil, 0, appErrors.NewStorage(err, "count running jobs")
	}
	return jobs, total, nil
}

func (r *JobRepository) ListArchived(ctx context.Context, offset, limit int) ([]*model.ArchivedJob, int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+archivedColumns+` FROM archived_jobs ORDER BY completed_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, appErrors.NewStorage(err, "list archived jobs")
	}
	defer rows.Close()

	jobs := []*model.ArchivedJob{}
	for rows.Next() {
		a, err := scanArchived(rows)
		if err != nil {
			return nil, 0, appErrors.NewStorage(err, "scan archived job")
		}
		jobs = append(jobs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, appErrors.NewStorage(err, "list archived jobs")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_jobs`).Scan(&total); err != nil {
		return nil, 0, appErrors.NewStorage(err, "count archived jobs")
	}
	return jobs, total, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*model.ScheduledJob, error) {
	return loadJob(ctx, r.DB, id, false)
}

func (r *JobRepository) GetArchived(ctx context.Context, id string) (*model.ArchivedJob, error) {
	a, err := scanArchived(r.DB.QueryRowContext(ctx, `SELECT `+archivedColumns+` FROM archived_jobs WHERE id=$1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("archived job", id)
		}
		return nil, appErrors.NewStorage(err, "get archived job")
	}
	return a, nil
}

// loadJob reads a live job and its tasks. forUpdate locks the job row for the
// rest of the transaction.
func loadJob(ctx context.Context, q querier, id string, forUpdate bool) (*model.ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	j, err := scanJob(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("schedule", id)
		}
		return nil, appErrors.NewStorage(err, "get job")
	}

	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM job_tasks WHERE job_id=$1 ORDER BY scheduled_for, id`, id)
	if err != nil {
		return nil, appErrors.NewStorage(err, "list tasks")
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, appErrors.NewStorage(err, "scan task")
		}
		j.Tasks = append(j.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewStorage(err, "list tasks")
	}
	return j, nil
}

// ====================== Lifecycle ======================

// Create inserts the job, its tasks and one customer reference per task.
func (r *JobRepository) Create(ctx context.Context, job *model.ScheduledJob) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return appErrors.NewValidation("invalid config: %v", err)
	}

	return withTx(ctx, r.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO scheduled_jobs (`+jobColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			job.ID, job.JobName, job.ActionType, cfg, job.ZaloAccountID, job.CreatedBy,
			job.Statistics.Total, job.Statistics.Completed, job.Statistics.Failed,
			job.Status, job.CreatedAt, job.EstimatedCompletionTime)
		if err != nil {
			if nf := foreignKeyMissing(err, "zalo account", job.ZaloAccountID); nf != nil {
				return nf
			}
			return appErrors.NewStorage(err, "insert job")
		}

		for _, t := range job.Tasks {
			_, err := tx.ExecContext(ctx, `
                INSERT INTO job_tasks (`+taskColumns+`)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				t.ID, job.ID, t.Person.CustomerID, t.Person.Name, t.Person.Phone, t.Person.UID,
				t.Status, t.ScheduledFor, t.UpdatedAt, nullJSON(t.Result))
			if err != nil {
				return appErrors.NewStorage(err, "insert task")
			}

			err = insertReference(ctx, tx, model.ActionRef{
				CustomerID:    t.Person.CustomerID,
				JobID:         job.ID,
				TaskID:        t.ID,
				ZaloAccountID: job.ZaloAccountID,
				ActionType:    job.ActionType,
				Status:        t.Status,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveTask deletes one pending task, decrements the job total and prunes the
// customer's references to the job.
func (r *JobRepository) RemoveTask(ctx context.Context, jobID, taskID string) (*model.ScheduledJob, *model.Task, error) {
	var (
		job     *model.ScheduledJob
		removed *model.Task
	)
	err := withTx(ctx, r.DB, func(tx *sql.Tx) error {
		j, err := loadJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		t := j.Task(taskID)
		if t == nil {
			return appErrors.NewNotFound("task", taskID)
		}
		if t.Status != model.TaskPending {
			return appErrors.Wrapf(appErrors.ErrTaskNotPending, "task %s is %s", taskID, t.Status)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM job_tasks WHERE id=$1 AND status='pending'`, taskID); err != nil {
			return appErrors.NewStorage(err, "delete task")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE scheduled_jobs SET total = total - 1 WHERE id=$1`, jobID); err != nil {
			return appErrors.NewStorage(err, "decrement total")
		}
		if _, err := removeReferences(ctx, tx, []string{t.Person.CustomerID}, jobID); err != nil {
			return err
		}

		job, err = loadJob(ctx, tx, jobID, false)
		removed = t
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return job, removed, nil
}

// ClaimTask moves a pending task to processing and the job out of scheduled.
func (r *JobRepository) ClaimTask(ctx context.Context, jobID, taskID string, now time.Time) (*model.ScheduledJob, *model.Task, error) {
	var (
		job  *model.ScheduledJob
		task *model.Task
	)
	err := withTx(ctx, r.DB, func(tx *sql.Tx) error {
		j, err := loadJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		t := j.Task(taskID)
		if t == nil {
			return appErrors.NewNotFound("task", taskID)
		}
		if err := model.TransitionTask(t.Status, model.TaskProcessing); err != nil {
			return appErrors.Wrapf(appErrors.ErrTaskNotPending, "task %s is %s", taskID, t.Status)
		}
		jobStatus, err := model.TransitionJob(j.Status)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE job_tasks SET status=$1, updated_at=$2 WHERE id=$3 AND status='pending'`,
			model.TaskProcessing, now, taskID)
		if err != nil {
			return appErrors.NewStorage(err, "claim task")
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return appErrors.Wrapf(appErrors.ErrTaskNotPending, "task %s was claimed concurrently", taskID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE scheduled_jobs SET status=$1 WHERE id=$2`, jobStatus, jobID); err != nil {
			return appErrors.NewStorage(err, "update job status")
		}
		if err := setReferenceStatus(ctx, tx, taskID, model.TaskProcessing); err != nil {
			return err
		}

		t.Status = model.TaskProcessing
		t.UpdatedAt = now
		j.Status = jobStatus
		job, task = j, t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return job, task, nil
}

// FinishTask records the executor outcome and bumps the matching statistic.
func (r *JobRepository) FinishTask(ctx context.Context, jobID, taskID string, status model.TaskStatus, result []byte, now time.Time) (*model.ScheduledJob, *model.Task, error) {
	var (
		job  *model.ScheduledJob
		task *model.Task
	)
	err := withTx(ctx, r.DB, func(tx *sql.Tx) error {
		j, err := loadJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		t := j.Task(taskID)
		if t == nil {
			return appErrors.NewNotFound("task", taskID)
		}
		if err := model.TransitionTask(t.Status, status); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE job_tasks SET status=$1, result=$2, updated_at=$3 WHERE id=$4 AND status='processing'`,
			status, nullJSON(result), now, taskID)
		if err != nil {
			return appErrors.NewStorage(err, "finish task")
		}
		// the stale sweep may have failed the task in the meantime
		if n, _ := res.RowsAffected(); n != 1 {
			return appErrors.NewValidation("task %s is no longer processing", taskID)
		}

		counter := `completed = completed + 1`
		if status == model.TaskFailed {
			counter = `failed = failed + 1`
		}
		if _, err := tx.ExecContext(ctx, `UPDATE scheduled_jobs SET `+counter+` WHERE id=$1`, jobID); err != nil {
			return appErrors.NewStorage(err, "update statistics")
		}
		if err := setReferenceStatus(ctx, tx, taskID, status); err != nil {
			return err
		}

		t.Status = status
		t.Result = result
		t.UpdatedAt = now
		if status == model.TaskCompleted {
			j.Statistics.Completed++
		} else {
			j.Statistics.Failed++
		}
		job, task = j, t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return job, task, nil
}

// Archive moves a live job to archived_jobs and drops every customer reference to it
// in one transaction. It returns the archived record and the job as it was.
func (r *JobRepository) Archive(ctx context.Context, jobID string, reason model.ArchiveReason, now time.Time) (*model.ArchivedJob, *model.ScheduledJob, error) {
	if !reason.Valid() {
		return nil, nil, appErrors.NewValidation("unknown archive reason %q", reason)
	}

	var (
		archived *model.ArchivedJob
		live     *model.ScheduledJob
	)
	err := withTx(ctx, r.DB, func(tx *sql.Tx) error {
		j, err := loadJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		a := model.NewArchivedJob(j, reason, now)
		cfg, err := json.Marshal(a.Config)
		if err != nil {
			return appErrors.NewStorage(err, "encode config")
		}

		_, err = tx.ExecContext(ctx, `
            INSERT INTO archived_jobs (`+archivedColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			a.ID, a.JobName, a.ActionType, cfg, a.ZaloAccountID, a.CreatedBy,
			a.Statistics.Total, a.Statistics.Completed, a.Statistics.Failed,
			a.Reason, a.CreatedAt, a.EstimatedCompletionTime, a.CompletedAt)
		if err != nil {
			return appErrors.NewStorage(err, "insert archived job")
		}
		if _, err := removeReferences(ctx, tx, nil, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id=$1`, jobID); err != nil {
			return appErrors.NewStorage(err, "delete job")
		}

		archived, live = a, j
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return archived, live, nil
}

// ====================== Executor and sweep ======================

// ListDueTasks returns due pending tasks oldest first, at most perAccount per
// zalo account so one throttled account cannot fill the batch.
func (r *JobRepository) ListDueTasks(ctx context.Context, now time.Time, perAccount, limit int) ([]model.TaskRef, error) {
	if perAccount <= 0 {
		perAccount = limit
	}
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, job_id, zalo_account_id, scheduled_for
        FROM (
            SELECT t.id, t.job_id, j.zalo_account_id, t.scheduled_for,
                   ROW_NUMBER() OVER (PARTITION BY j.zalo_account_id ORDER BY t.scheduled_for, t.id) AS rn
            FROM job_tasks t
            JOIN scheduled_jobs j ON j.id = t.job_id
            WHERE t.status = 'pending' AND t.scheduled_for <= $1
        ) due
        WHERE rn <= $2
        ORDER BY scheduled_for, id
        LIMIT $3`, now, perAccount, limit)
	if err != nil {
		return nil, appErrors.NewStorage(err, "list due tasks")
	}
	defer rows.Close()

	refs := []model.TaskRef{}
	for rows.Next() {
		var ref model.TaskRef
		if err := rows.Scan(&ref.TaskID, &ref.JobID, &ref.ZaloAccountID, &ref.ScheduledFor); err != nil {
			return nil, appErrors.NewStorage(err, "scan due task")
		}
		refs = append(refs, ref)
	}
	return refs, appErrors.NewStorage(rows.Err(), "list due tasks")
}

// FailStaleTasks fails tasks left in processing since before, e.g. by a crashed executor.
func (r *JobRepository) FailStaleTasks(ctx context.Context, before, now time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
        WITH stale AS (
            UPDATE job_tasks
            SET status = 'failed', updated_at = $2, result = '{"error":"executor did not report a result"}'
            WHERE status = 'processing' AND updated_at < $1
            RETURNING id, job_id
        ), bump AS (
            UPDATE scheduled_jobs j SET failed = j.failed + s.n
            FROM (SELECT job_id, COUNT(*) AS n FROM stale GROUP BY job_id) s
            WHERE j.id = s.job_id
        ), refs AS (
            UPDATE customer_actions SET status = 'failed'
            WHERE task_id IN (SELECT id FROM stale)
        )
        SELECT COUNT(*) FROM stale`, before, now).Scan(&n)
	if err != nil {
		return 0, appErrors.NewStorage(err, "fail stale tasks")
	}
	return n, nil
}

// RecountStatistics rewrites job statistics that drifted from their task rows.
func (r *JobRepository) RecountStatistics(ctx context.Context) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE scheduled_jobs j
        SET total = s.total, completed = s.completed, failed = s.failed
        FROM (
            SELECT j2.id,
                   COUNT(t.id) AS total,
                   COUNT(t.id) FILTER (WHERE t.status = 'completed') AS completed,
                   COUNT(t.id) FILTER (WHERE t.status = 'failed') AS failed
            FROM scheduled_jobs j2
            LEFT JOIN job_tasks t ON t.job_id = j2.id
            GROUP BY j2.id
        ) s
        WHERE j.id = s.id
          AND (j.total, j.completed, j.failed) IS DISTINCT FROM (s.total, s.completed, s.failed)`)
	if err != nil {
		return 0, appErrors.NewStorage(err, "recount statistics")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListFinishedJobIDs returns live jobs with no pending or processing task left.
func (r *JobRepository) ListFinishedJobIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT j.id FROM scheduled_jobs j
        WHERE NOT EXISTS (
            SELECT 1 FROM job_tasks t
            WHERE t.job_id = j.id AND t.status IN ('pending', 'processing')
        )
        ORDER BY j.created_at`)
	if err != nil {
		return nil, appErrors.NewStorage(err, "list finished jobs")
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, appErrors.NewStorage(err, "scan job id")
		}
		ids = append(ids, id)
	}
	return ids, appErrors.NewStorage(rows.Err(), "list finished jobs")
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ JobRepositoryInterface = (*JobRepository)(nil)
