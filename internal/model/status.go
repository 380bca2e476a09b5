// internal/model/status.go
package model

import (
	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskProcessing, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether the executor is done with the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Unfinished tasks are counted as failed when their job is archived.
func (s TaskStatus) Unfinished() bool {
	return s == TaskPending || s == TaskProcessing
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskProcessing},
	TaskProcessing: {TaskCompleted, TaskFailed},
}

// TransitionTask is the only place a task status change is allowed or refused.
func TransitionTask(from, to TaskStatus) error {
	if !from.Valid() || !to.Valid() {
		return appErrors.NewValidation("unknown task status %q -> %q", from, to)
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return nil
		}
	}
	return appErrors.NewValidation("illegal task transition %s -> %s", from, to)
}

type JobStatus string

const (
	JobScheduled  JobStatus = "scheduled"
	JobProcessing JobStatus = "processing"
)

func (s JobStatus) Valid() bool {
	return s == JobScheduled || s == JobProcessing
}

// TransitionJob returns the status a live job takes once one of its tasks is claimed.
func TransitionJob(from JobStatus) (JobStatus, error) {
	switch from {
	case JobScheduled, JobProcessing:
		return JobProcessing, nil
	}
	return from, appErrors.NewValidation("unknown job status %q", from)
}

type ArchiveReason string

const (
	ArchiveStopped   ArchiveReason = "stopped"
	ArchiveCompleted ArchiveReason = "completed"
)

func (r ArchiveReason) Valid() bool {
	return r == ArchiveStopped || r == ArchiveCompleted
}

type ActionType string

const (
	ActionSendMessage ActionType = "sendMessage"
	ActionAddFriend   ActionType = "addFriend"
	ActionFindUID     ActionType = "findUid"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionSendMessage, ActionAddFriend, ActionFindUID:
		return true
	}
	return false
}
