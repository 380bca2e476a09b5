package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/zalo-scheduler/internal/errors"
	"github.com/unclebandit/zalo-scheduler/internal/model"
	"github.com/unclebandit/zalo-scheduler/internal/ratelimit"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Accounts().Create(ctx, &model.ZaloAccount{ID: "acc-1"}))
	for _, id := range []string{"cus-1", "cus-2", "cus-3"} {
		require.NoError(t, s.Customers().Upsert(ctx, &model.Customer{ID: id, Name: id}))
	}
	return s
}

func newJob(id string, customers ...string) *model.ScheduledJob {
	j := &model.ScheduledJob{
		ID:            id,
		JobName:       id,
		ActionType:    model.ActionAddFriend,
		ZaloAccountID: "acc-1",
		Status:        model.JobScheduled,
		CreatedAt:     t0,
	}
	for i, c := range customers {
		j.Tasks = append(j.Tasks, &model.Task{
			ID:           id + "-t" + string(rune('1'+i)),
			Person:       model.Person{CustomerID: c},
			Status:       model.TaskPending,
			ScheduledFor: t0.Add(time.Duration(i) * time.Minute),
			UpdatedAt:    t0,
		})
	}
	j.Statistics.Total = len(j.Tasks)
	return j
}

func TestAccountDefaultsAndReserve(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	acc, err := s.Accounts().GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultRateLimitPerHour, acc.RateLimitPerHour)
	assert.Equal(t, model.DefaultRateLimitPerDay, acc.RateLimitPerDay)

	d, err := s.Accounts().CheckAndReserve(ctx, "acc-1", t0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.UsedThisHour)

	_, err = s.Accounts().CheckAndReserve(ctx, "missing", t0)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.Error(t, s.Accounts().Create(ctx, &model.ZaloAccount{ID: "acc-1"}))
}

func TestRecordUsage(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	u := ratelimit.Usage{UsedThisHour: 3, HourStart: t0, UsedThisDay: 9, DayStart: t0.Add(-time.Hour)}
	require.NoError(t, s.Accounts().RecordUsage(ctx, "acc-1", u))

	acc, err := s.Accounts().GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, acc.ActionsUsedThisHour)
	assert.Equal(t, t0, acc.RateLimitHourStart)
	assert.Equal(t, 9, acc.ActionsUsedThisDay)
	assert.Equal(t, t0.Add(-time.Hour), acc.RateLimitDayStart)

	assert.ErrorIs(t, s.Accounts().RecordUsage(ctx, "missing", u), appErrors.ErrNotFound)
}

func TestCreateJobWritesReferences(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	require.NoError(t, s.Jobs().Create(ctx, newJob("j1", "cus-1", "cus-2")))

	c, err := s.Customers().GetByID(ctx, "cus-1")
	require.NoError(t, err)
	require.Len(t, c.Actions, 1)
	assert.Equal(t, model.ActionRef{
		CustomerID: "cus-1", JobID: "j1", TaskID: "j1-t1", ZaloAccountID: "acc-1",
		ActionType: model.ActionAddFriend, Status: model.TaskPending,
	}, c.Actions[0])

	err = s.Jobs().Create(ctx, newJob("j2", "cus-1", "ghost"))
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	_, err = s.Jobs().GetByID(ctx, "j2")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	refs, err := s.Customers().References(ctx, "cus-1")
	require.NoError(t, err)
	assert.Len(t, refs, 1, "a rejected job writes nothing")

	bad := newJob("j3", "cus-1")
	bad.ZaloAccountID = "nope"
	assert.ErrorIs(t, s.Jobs().Create(ctx, bad), appErrors.ErrNotFound)
}

func TestReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	require.NoError(t, s.Jobs().Create(ctx, newJob("j1", "cus-1")))

	j, err := s.Jobs().GetByID(ctx, "j1")
	require.NoError(t, err)
	j.Tasks[0].Status = model.TaskCompleted
	j.Statistics.Completed = 1

	again, err := s.Jobs().GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, again.Tasks[0].Status)
	assert.Zero(t, again.Statistics.Completed)
}

func TestClaimAndFinishTask(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	require.NoError(t, s.Jobs().Create(ctx, newJob("j1", "cus-1", "cus-2")))

	_, _, err := s.Jobs().FinishTask(ctx, "j1", "j1-t1", model.TaskCompleted, nil, t0)
	assert.ErrorIs(t, err, appErrors.ErrValidation, "pending cannot finish")

	j, task, err := s.Jobs().ClaimTask(ctx, "j1", "j1-t1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.TaskProcessing, task.Status)
	assert.Equal(t, model.JobProcessing, j.Status)

	_, _, err = s.Jobs().ClaimTask(ctx, "j1", "j1-t1", t0)
	assert.ErrorIs(t, err, appErrors.ErrTaskNotPending)

	j, task, err = s.Jobs().FinishTask(ctx, "j1", "j1-t1", model.TaskCompleted, []byte(`{"success":true}`), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, model.Statistics{Total: 2, Completed: 1}, j.Statistics)

	refs, err := s.Customers().References(ctx, "cus-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, refs[0].Status)
}

func TestArchiveMovesJob(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	require.NoError(t, s.Jobs().Create(ctx, newJob("j1", "cus-1", "cus-2")))

	_, _, err := s.Jobs().Archive(ctx, "j1", "paused", t0)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	a, live, err := s.Jobs().Archive(ctx, "j1", model.ArchiveStopped, t0)
	require.NoError(t, err)
	assert.Equal(t, model.Statistics{Total: 2, Failed: 2}, a.Statistics)
	assert.Len(t, live.Tasks, 2)

	n, err := s.Customers().CountJobReferences(ctx, "j1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _, err = s.Jobs().Archive(ctx, "j1", model.ArchiveStopped, t0)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	archived, total, err := s.Jobs().ListArchived(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "j1", archived[0].ID)
}

func TestListDueTasksOrder(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	require.NoError(t, s.Jobs().Create(ctx, newJob("j1", "cus-1", "cus-2", "cus-3")))
	require.NoError(t, s.Jobs().Create(ctx, newJob("j2", "cus-2")))

	due, err := s.Jobs().ListDueTasks(ctx, t0.Add(time.Minute), 0, 10)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range due {
		ids = append(ids, r.TaskID)
	}
	assert.Equal(t, []string{"j1-t1", "j2-t1", "j1-t2"}, ids)

	due, err = s.Jobs().ListDueTasks(ctx, t0.Add(time.Hour), 0, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestListDueTasksCapsEachAccount(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	require.NoError(t, s.Accounts().Create(ctx, &model.ZaloAccount{ID: "acc-2"}))
	require.NoError(t, s.Jobs().Create(ctx, newJob("j1", "cus-1", "cus-2", "cus-3")))
	other := newJob("j2", "cus-1")
	other.ZaloAccountID = "acc-2"
	other.Tasks[0].ScheduledFor = t0.Add(30 * time.Minute)
	require.NoError(t, s.Jobs().Create(ctx, other))

	due, err := s.Jobs().ListDueTasks(ctx, t0.Add(time.Hour), 1, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "j1-t1", due[0].TaskID)
	assert.Equal(t, "j2-t1", due[1].TaskID)
	assert.Equal(t, "acc-2", due[1].ZaloAccountID)
}

func TestFailStaleAndRecount(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	require.NoError(t, s.Jobs().Create(ctx, newJob("j1", "cus-1", "cus-2")))
	_, _, err := s.Jobs().ClaimTask(ctx, "j1", "j1-t1", t0)
	require.NoError(t, err)

	n, err := s.Jobs().FailStaleTasks(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "claimed exactly at the cutoff")

	n, err = s.Jobs().FailStaleTasks(ctx, t0.Add(time.Second), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Jobs().RecountStatistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "counters already match")

	ids, err := s.Jobs().ListFinishedJobIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, _, err = s.Jobs().RemoveTask(ctx, "j1", "j1-t2")
	require.NoError(t, err)
	ids, err = s.Jobs().ListFinishedJobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, ids)
}

func TestHistoryFilters(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	h := s.History()

	add := func(id string, action model.HistoryAction, customer, schedule string, at time.Time) {
		require.NoError(t, h.Insert(ctx, &model.HistoryEntry{
			ID: id, Action: action, CustomerID: customer, CreatedAt: at,
			ActionDetail: map[string]any{"scheduleId": schedule},
		}))
	}
	add("h1", model.CreateScheduleAddFriend, "cus-1", "j1", t0)
	add("h2", model.DoScheduleAddFriend, "cus-1", "j1", t0.Add(time.Minute))
	add("h3", model.DoScheduleAddFriend, "cus-2", "j2", t0.Add(2*time.Minute))
	add("h4", model.DoScheduleAddFriend, "cus-2", "j1", t0.Add(3*time.Minute))

	entries, err := h.ForSchedule(ctx, "j1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "h4", entries[0].ID)
	assert.Equal(t, "h2", entries[1].ID)

	entries, err = h.ForCustomer(ctx, "cus-1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "h2", entries[0].ID)
}
