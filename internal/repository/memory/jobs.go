// internal/repository/memory/jobs.go
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
)

type JobRepo struct{ s *Store }

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (r *JobRepo) ListRunning(_ context.Context, offset, limit int) ([]*model.ScheduledJob, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	all := make([]*model.ScheduledJob, 0, len(r.s.jobs))
	for _, j := range r.s.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(a, b int) bool {
		if !all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].CreatedAt.After(all[b].CreatedAt)
		}
		return r.s.jobSeq[all[a].ID] > r.s.jobSeq[all[b].ID]
	})

	out := []*model.ScheduledJob{}
	for _, j := range page(all, offset, limit) {
		out = append(out, cloneJob(j))
	}
	return out, len(all), nil
}

func (r *JobRepo) ListArchived(_ context.Context, offset, limit int) ([]*model.ArchivedJob, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	all := make([]*model.ArchivedJob, 0, len(r.s.archived))
	for _, a := range r.s.archived {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CompletedAt.Equal(all[j].CompletedAt) {
			return all[i].CompletedAt.After(all[j].CompletedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := []*model.ArchivedJob{}
	for _, a := range page(all, offset, limit) {
		cp := *a
		out = append(out, &cp)
	}
	return out, len(all), nil
}

func (r *JobRepo) GetByID(_ context.Context, id string) (*model.ScheduledJob, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, appErrors.NewNotFound("schedule", id)
	}
	return cloneJob(j), nil
}

func (r *JobRepo) GetArchived(_ context.Context, id string) (*model.ArchivedJob, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.archived[id]
	if !ok {
		return nil, appErrors.NewNotFound("archived job", id)
	}
	cp := *a
	return &cp, nil
}

func (r *JobRepo) Create(_ context.Context, job *model.ScheduledJob) error {
	if _, err := json.Marshal(job.Config); err != nil {
		return appErrors.NewValidation("invalid config: %v", err)
	}
	if !r.s.accountExists(job.ZaloAccountID) {
		return appErrors.NewNotFound("zalo account", job.ZaloAccountID)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.jobs[job.ID]; ok {
		return appErrors.NewStorage(appErrors.Newf("duplicate job %s", job.ID), "insert job")
	}
	for _, t := range job.Tasks {
		if _, ok := r.s.customers[t.Person.CustomerID]; !ok {
			return appErrors.NewNotFound("customer", t.Person.CustomerID)
		}
	}

	stored := cloneJob(job)
	for _, t := range stored.Tasks {
		t.JobID = job.ID
		// customers were checked above, so this cannot fail half way
		_ = r.s.addReference(model.ActionRef{
			CustomerID:    t.Person.CustomerID,
			JobID:         job.ID,
			TaskID:        t.ID,
			ZaloAccountID: job.ZaloAccountID,
			ActionType:    job.ActionType,
			Status:        t.Status,
		})
	}
	r.s.seq++
	r.s.jobs[job.ID] = stored
	r.s.jobSeq[job.ID] = r.s.seq
	return nil
}

func (r *JobRepo) RemoveTask(_ context.Context, jobID, taskID string) (*model.ScheduledJob, *model.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[jobID]
	if !ok {
		return nil, nil, appErrors.NewNotFound("schedule", jobID)
	}
	idx := -1
	for i, t := range j.Tasks {
		if t.ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, appErrors.NewNotFound("task", taskID)
	}
	t := j.Tasks[idx]
	if t.Status != model.TaskPending {
		return nil, nil, appErrors.Wrapf(appErrors.ErrTaskNotPending, "task %s is %s", taskID, t.Status)
	}

	j.Tasks = append(j.Tasks[:idx], j.Tasks[idx+1:]...)
	j.Statistics.Total--
	r.s.removeReferences([]string{t.Person.CustomerID}, jobID)
	return cloneJob(j), cloneTask(t), nil
}

func (r *JobRepo) ClaimTask(_ context.Context, jobID, taskID string, now time.Time) (*model.ScheduledJob, *model.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, t, err := r.s.task(jobID, taskID)
	if err != nil {
		return nil, nil, err
	}
	if err := model.TransitionTask(t.Status, model.TaskProcessing); err != nil {
		return nil, nil, appErrors.Wrapf(appErrors.ErrTaskNotPending, "task %s is %s", taskID, t.Status)
	}
	jobStatus, err := model.TransitionJob(j.Status)
	if err != nil {
		return nil, nil, err
	}

	t.Status = model.TaskProcessing
	t.UpdatedAt = now
	j.Status = jobStatus
	r.s.setReferenceStatus(taskID, model.TaskProcessing)
	return cloneJob(j), cloneTask(t), nil
}

func (r *JobRepo) FinishTask(_ context.Context, jobID, taskID string, status model.TaskStatus, result []byte, now time.Time) (*model.ScheduledJob, *model.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, t, err := r.s.task(jobID, taskID)
	if err != nil {
		return nil, nil, err
	}
	if err := model.TransitionTask(t.Status, status); err != nil {
		return nil, nil, err
	}

	t.Status = status
	t.Result = append([]byte(nil), result...)
	t.UpdatedAt = now
	if status == model.TaskCompleted {
		j.Statistics.Completed++
	} else {
		j.Statistics.Failed++
	}
	r.s.setReferenceStatus(taskID, status)
	return cloneJob(j), cloneTask(t), nil
}

func (r *JobRepo) Archive(_ context.Context, jobID string, reason model.ArchiveReason, now time.Time) (*model.ArchivedJob, *model.ScheduledJob, error) {
	if !reason.Valid() {
		return nil, nil, appErrors.NewValidation("unknown archive reason %q", reason)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[jobID]
	if !ok {
		return nil, nil, appErrors.NewNotFound("schedule", jobID)
	}
	if _, dup := r.s.archived[jobID]; dup {
		return nil, nil, appErrors.NewStorage(appErrors.Newf("job %s already archived", jobID), "insert archived job")
	}

	a := model.NewArchivedJob(j, reason, now)
	r.s.archived[jobID] = a
	r.s.removeReferences(nil, jobID)
	delete(r.s.jobs, jobID)
	delete(r.s.jobSeq, jobID)

	cp := *a
	return &cp, cloneJob(j), nil
}

func (r *JobRepo) ListDueTasks(_ context.Context, now time.Time, perAccount, limit int) ([]model.TaskRef, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	refs := []model.TaskRef{}
	for _, j := range r.s.jobs {
		for _, t := range j.Tasks {
			if t.Status == model.TaskPending && !t.ScheduledFor.After(now) {
				refs = append(refs, model.TaskRef{JobID: j.ID, TaskID: t.ID, ZaloAccountID: j.ZaloAccountID, ScheduledFor: t.ScheduledFor})
			}
		}
	}
	sort.Slice(refs, func(a, b int) bool {
		if !refs[a].ScheduledFor.Equal(refs[b].ScheduledFor) {
			return refs[a].ScheduledFor.Before(refs[b].ScheduledFor)
		}
		return refs[a].TaskID < refs[b].TaskID
	})

	out := []model.TaskRef{}
	perAcc := map[string]int{}
	for _, ref := range refs {
		if limit > 0 && len(out) == limit {
			break
		}
		if perAccount > 0 && perAcc[ref.ZaloAccountID] == perAccount {
			continue
		}
		perAcc[ref.ZaloAccountID]++
		out = append(out, ref)
	}
	return out, nil
}

func (r *JobRepo) FailStaleTasks(_ context.Context, before, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, j := range r.s.jobs {
		for _, t := range j.Tasks {
			if t.Status != model.TaskProcessing || !t.UpdatedAt.Before(before) {
				continue
			}
			t.Status = model.TaskFailed
			t.UpdatedAt = now
			t.Result = []byte(`{"error":"executor did not report a result"}`)
			j.Statistics.Failed++
			r.s.setReferenceStatus(t.ID, model.TaskFailed)
			n++
		}
	}
	return n, nil
}

func (r *JobRepo) RecountStatistics(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, j := range r.s.jobs {
		stats := model.Statistics{Total: len(j.Tasks)}
		for _, t := range j.Tasks {
			switch t.Status {
			case model.TaskCompleted:
				stats.Completed++
			case model.TaskFailed:
				stats.Failed++
			}
		}
		if stats != j.Statistics {
			j.Statistics = stats
			n++
		}
	}
	return n, nil
}

func (r *JobRepo) ListFinishedJobIDs(_ context.Context) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := []string{}
	for id, j := range r.s.jobs {
		if j.AllTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) task(jobID, taskID string) (*model.ScheduledJob, *model.Task, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, appErrors.NewNotFound("schedule", jobID)
	}
	t := j.Task(taskID)
	if t == nil {
		return nil, nil, appErrors.NewNotFound("task", taskID)
	}
	return j, t, nil
}
