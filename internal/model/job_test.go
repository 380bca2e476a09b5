package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func jobWith(statuses ...TaskStatus) *ScheduledJob {
	j := &ScheduledJob{ID: "job-1", Statistics: Statistics{Total: len(statuses)}}
	for _, s := range statuses {
		j.Tasks = append(j.Tasks, &Task{ID: string(s), Status: s})
		switch s {
		case TaskCompleted:
			j.Statistics.Completed++
		case TaskFailed:
			j.Statistics.Failed++
		}
	}
	return j
}

func TestNewArchivedJobCountsUnfinishedAsFailed(t *testing.T) {
	statuses := []TaskStatus{}
	for i := 0; i < 6; i++ {
		statuses = append(statuses, TaskCompleted)
	}
	statuses = append(statuses, TaskFailed, TaskPending, TaskPending, TaskProcessing)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	a := NewArchivedJob(jobWith(statuses...), ArchiveStopped, now)
	assert.Equal(t, Statistics{Total: 10, Completed: 6, Failed: 4}, a.Statistics)
	assert.Equal(t, ArchiveStopped, a.Reason)
	assert.Equal(t, now, a.CompletedAt)
}

func TestAllTerminal(t *testing.T) {
	assert.True(t, jobWith().AllTerminal(), "an empty job is done")
	assert.True(t, jobWith(TaskCompleted, TaskFailed).AllTerminal())
	assert.False(t, jobWith(TaskCompleted, TaskProcessing).AllTerminal())
}

func TestHistoryEntryScheduleID(t *testing.T) {
	e := &HistoryEntry{ActionDetail: map[string]any{"scheduleId": "job-1"}}
	assert.Equal(t, "job-1", e.ScheduleID())
	assert.Empty(t, (&HistoryEntry{}).ScheduleID())
}
