package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unclebandit/zalo-scheduler/internal/model"
	"github.com/unclebandit/zalo-scheduler/internal/repository/memory"
)

const testAccount = "acc-1"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store *memory.Store
	svc   *ScheduleService
	clock *testClock
	logs  *observer.ObservedLogs
	log   *zap.SugaredLogger
}

// newFixture builds a service over the memory store with one account and
// customers cus-1..cus-N.
func newFixture(t *testing.T, perHour, perDay, customers int) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core).Sugar()
	ctx := context.Background()

	store := memory.New()
	require.NoError(t, store.Accounts().Create(ctx, &model.ZaloAccount{
		ID:               testAccount,
		Name:             "Tuyển sinh",
		RateLimitPerHour: perHour,
		RateLimitPerDay:  perDay,
	}))
	for i := 1; i <= customers; i++ {
		require.NoError(t, store.Customers().Upsert(ctx, &model.Customer{
			ID:    customerID(i),
			Name:  fmt.Sprintf("Khách %d", i),
			Phone: fmt.Sprintf("09120000%02d", i),
		}))
	}

	clock := newTestClock()
	svc := NewScheduleService(store.Jobs(), store.Accounts(), store.Customers(), store.History(), log)
	svc.Now = clock.Now
	svc.History.Now = clock.Now

	return &fixture{store: store, svc: svc, clock: clock, logs: logs, log: log}
}

func customerID(i int) string {
	return fmt.Sprintf("cus-%d", i)
}

func recipients(from, to int) []model.Person {
	out := []model.Person{}
	for i := from; i <= to; i++ {
		out = append(out, model.Person{CustomerID: customerID(i), Name: fmt.Sprintf("Khách %d", i)})
	}
	return out
}

// createJob schedules a sendMessage job for customers 1..n.
func (f *fixture) createJob(t *testing.T, n int) *model.ScheduledJob {
	t.Helper()
	job, err := f.svc.CreateSchedule(context.Background(), "user-1", CreateScheduleInput{
		JobName:       "Tuyển sinh 2026",
		ActionType:    model.ActionSendMessage,
		Config:        model.JobConfig{MessageTemplate: "Chào {name}"},
		ZaloAccountID: testAccount,
		Recipients:    recipients(1, n),
	})
	require.NoError(t, err)
	return job
}

// finish claims a task and reports the given outcome.
func (f *fixture) finish(t *testing.T, jobID, taskID string, success bool) *ExecutionResult {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.ReserveTask(ctx, jobID, taskID)
	require.NoError(t, err)
	res, err := f.svc.ReportTaskResult(ctx, jobID, taskID, ExecutorResult{Success: success})
	require.NoError(t, err)
	return res
}

func (f *fixture) references(t *testing.T, customer string) []model.ActionRef {
	t.Helper()
	refs, err := f.svc.References.References(context.Background(), customer)
	require.NoError(t, err)
	return refs
}

func okSender() Sender {
	return SenderFunc(func(context.Context, SendRequest) (ExecutorResult, error) {
		return ExecutorResult{Success: true}, nil
	})
}
