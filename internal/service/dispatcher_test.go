package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/zalo-scheduler/internal/model"
	"github.com/unclebandit/zalo-scheduler/internal/queue"
)

type recordingQueue struct {
	mu       sync.Mutex
	messages []queue.TaskMessage
	fail     bool
}

func (q *recordingQueue) Publish(topic string, payload any) error {
	if q.fail {
		return errors.New("broker down")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, payload.(queue.TaskMessage))
	return nil
}

func (q *recordingQueue) Subscribe(string, func(any) error) error { return nil }

// drain hands every published message to handle and forgets it.
func (q *recordingQueue) drain(t *testing.T, handle func(any) error) []queue.TaskMessage {
	t.Helper()
	q.mu.Lock()
	msgs := q.messages
	q.messages = nil
	q.mu.Unlock()
	for _, m := range msgs {
		require.NoError(t, handle(m))
	}
	return msgs
}

func newTestDispatcher(f *fixture, q queue.Queue, leases queue.Leaser) *Dispatcher {
	d := NewDispatcher(f.store.Jobs(), q, leases, 50, 0, time.Minute, f.log)
	d.Now = f.clock.Now
	return d
}

func TestDispatchOncePublishesDueTasks(t *testing.T) {
	f := newFixture(t, 30, 200, 3)
	ctx := context.Background()
	job := f.createJob(t, 3)
	q := &recordingQueue{}
	leases := queue.NewMemoryLeaser()
	d := newTestDispatcher(f, q, leases)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the first task is due")
	assert.Equal(t, queue.TaskMessage{JobID: job.ID, TaskID: job.Tasks[0].ID, AccountID: testAccount}, q.messages[0])

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the leased task is not published twice")

	f.clock.Advance(5 * time.Minute)
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, q.messages, 3)
}

func TestDispatchOnceSkipsClaimedTasks(t *testing.T) {
	f := newFixture(t, 30, 200, 2)
	ctx := context.Background()
	job := f.createJob(t, 2)
	f.clock.Advance(time.Hour)

	_, err := f.svc.ReserveTask(ctx, job.ID, job.Tasks[0].ID)
	require.NoError(t, err)

	q := &recordingQueue{}
	n, err := newTestDispatcher(f, q, queue.NewMemoryLeaser()).DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, job.Tasks[1].ID, q.messages[0].TaskID)
}

func TestDispatchOnceReleasesLeaseOnPublishFailure(t *testing.T) {
	f := newFixture(t, 30, 200, 1)
	ctx := context.Background()
	job := f.createJob(t, 1)
	q := &recordingQueue{fail: true}
	leases := queue.NewMemoryLeaser()

	n, err := newTestDispatcher(f, q, leases).DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err := leases.Acquire(ctx, queue.LeaseKey(job.Tasks[0].ID), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 30, 200, 1)
	f.createJob(t, 1)
	q := &recordingQueue{}
	d := newTestDispatcher(f, q, queue.NewMemoryLeaser())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.messages) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestThrottledAccountDoesNotStarveOthers(t *testing.T) {
	f := newFixture(t, 1, 200, 3)
	ctx := context.Background()
	require.NoError(t, f.store.Accounts().Create(ctx, &model.ZaloAccount{ID: "acc-2", RateLimitPerHour: 30, RateLimitPerDay: 200}))

	// one task an hour on acc-1; after two hours all three are due
	throttledJob := f.createJob(t, 3)
	f.clock.Advance(2 * time.Hour)
	f.finish(t, throttledJob.ID, throttledJob.Tasks[0].ID, true)

	other, err := f.svc.CreateSchedule(ctx, "user-2", CreateScheduleInput{
		ActionType:    model.ActionFindUID,
		ZaloAccountID: "acc-2",
		Recipients:    recipients(1, 1),
	})
	require.NoError(t, err)

	q := &recordingQueue{}
	leases := queue.NewMemoryLeaser()
	d := NewDispatcher(f.store.Jobs(), q, leases, 2, 0, time.Minute, f.log)
	d.Now = f.clock.Now
	w := NewWorker(f.svc, okSender(), leases, f.log)
	w.Now = f.clock.Now

	published := map[string]int{}
	for i := 0; i < 20; i++ {
		_, err := d.DispatchOnce(ctx)
		require.NoError(t, err)
		for _, m := range q.drain(t, w.Handle) {
			published[m.AccountID]++
		}
		f.clock.Advance(15 * time.Second)
	}

	archived, err := f.store.Jobs().GetArchived(ctx, other.ID)
	require.NoError(t, err, "acc-2 job ran to completion")
	assert.Equal(t, model.Statistics{Total: 1, Completed: 1}, archived.Statistics)
	assert.Equal(t, 1, published[testAccount], "acc-1 skipped once marked throttled")

	held, err := leases.Held(ctx, queue.ThrottleKey(testAccount))
	require.NoError(t, err)
	assert.True(t, held)

	live, err := f.svc.GetSchedule(ctx, throttledJob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, live.Tasks[1].Status)
	assert.Equal(t, model.TaskPending, live.Tasks[2].Status)
}
