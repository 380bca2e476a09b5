// internal/model/job.go
package model

import "time"

// Person is the snapshot of a customer taken when the job was scheduled.
type Person struct {
	CustomerID string `db:"customer_id" json:"id"`
	Name       string `db:"name" json:"name"`
	Phone      string `db:"phone" json:"phone"`
	UID        string `db:"uid" json:"uid,omitempty"`
}

type Task struct {
	ID           string     `db:"id" json:"id"`
	JobID        string     `db:"job_id" json:"job_id"`
	Person       Person     `db:"-" json:"person"`
	Status       TaskStatus `db:"status" json:"status"`
	ScheduledFor time.Time  `db:"scheduled_for" json:"scheduled_for"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	Result       []byte     `db:"result" json:"result,omitempty"`
}

type JobConfig struct {
	MessageTemplate string `json:"messageTemplate,omitempty"`
	ActionsPerHour  int    `json:"actionsPerHour,omitempty"`
}

type Statistics struct {
	Total     int `db:"total" json:"total"`
	Completed int `db:"completed" json:"completed"`
	Failed    int `db:"failed" json:"failed"`
}

type ScheduledJob struct {
	ID                      string     `db:"id" json:"id"`
	JobName                 string     `db:"job_name" json:"job_name"`
	ActionType              ActionType `db:"action_type" json:"action_type"`
	Config                  JobConfig  `db:"config" json:"config"`
	ZaloAccountID           string     `db:"zalo_account_id" json:"zalo_account"`
	CreatedBy               string     `db:"created_by" json:"created_by"`
	Tasks                   []*Task    `db:"-" json:"tasks"`
	Statistics              Statistics `db:"-" json:"statistics"`
	Status                  JobStatus  `db:"status" json:"status"`
	CreatedAt               time.Time  `db:"created_at" json:"created_at"`
	EstimatedCompletionTime time.Time  `db:"estimated_completion_time" json:"estimated_completion_time"`
}

// Task returns the task with the given id, or nil.
func (j *ScheduledJob) Task(id string) *Task {
	for _, t := range j.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AllTerminal reports whether no task is left for the executor. An empty job counts as done.
func (j *ScheduledJob) AllTerminal() bool {
	for _, t := range j.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// ArchivedJob is the immutable record left behind once a job stops or completes.
type ArchivedJob struct {
	ID                      string        `db:"id" json:"id"`
	JobName                 string        `db:"job_name" json:"job_name"`
	ActionType              ActionType    `db:"action_type" json:"action_type"`
	Config                  JobConfig     `db:"config" json:"config"`
	ZaloAccountID           string        `db:"zalo_account_id" json:"zalo_account"`
	CreatedBy               string        `db:"created_by" json:"created_by"`
	Statistics              Statistics    `db:"-" json:"statistics"`
	Reason                  ArchiveReason `db:"reason" json:"reason"`
	CreatedAt               time.Time     `db:"created_at" json:"created_at"`
	EstimatedCompletionTime time.Time     `db:"estimated_completion_time" json:"estimated_completion_time"`
	CompletedAt             time.Time     `db:"completed_at" json:"completed_at"`
}

// NewArchivedJob computes the final record. Tasks still pending or processing count as failed.
func NewArchivedJob(j *ScheduledJob, reason ArchiveReason, now time.Time) *ArchivedJob {
	stats := j.Statistics
	for _, t := range j.Tasks {
		if t.Status.Unfinished() {
			stats.Failed++
		}
	}
	return &ArchivedJob{
		ID:                      j.ID,
		JobName:                 j.JobName,
		ActionType:              j.ActionType,
		Config:                  j.Config,
		ZaloAccountID:           j.ZaloAccountID,
		CreatedBy:               j.CreatedBy,
		Statistics:              stats,
		Reason:                  reason,
		CreatedAt:               j.CreatedAt,
		EstimatedCompletionTime: j.EstimatedCompletionTime,
		CompletedAt:             now,
	}
}

// TaskRef identifies a task ready for dispatch.
type TaskRef struct {
	JobID         string    `json:"job_id"`
	TaskID        string    `json:"task_id"`
	ZaloAccountID string    `json:"zalo_account_id"`
	ScheduledFor  time.Time `json:"scheduled_for"`
}
