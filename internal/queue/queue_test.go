package queue

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testQueue() (*InMemoryQueue, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	q := NewInMemoryQueue(zap.New(core).Sugar())
	q.BaseBackoff = time.Millisecond
	q.MaxBackoff = 5 * time.Millisecond
	return q, logs
}

func TestPublishWithoutSubscribers(t *testing.T) {
	q, _ := testQueue()
	assert.Error(t, q.Publish(TopicScheduleTasks, TaskMessage{JobID: "j", TaskID: "t"}))
}

func TestPublishDeliversPayload(t *testing.T) {
	q, _ := testQueue()
	got := make(chan TaskMessage, 1)
	require.NoError(t, q.Subscribe(TopicScheduleTasks, func(payload any) error {
		got <- payload.(TaskMessage)
		return nil
	}))

	require.NoError(t, q.Publish(TopicScheduleTasks, TaskMessage{JobID: "j", TaskID: "t"}))
	q.Wait()
	assert.Equal(t, TaskMessage{JobID: "j", TaskID: "t"}, <-got)
}

func TestFailedJobIsRetried(t *testing.T) {
	q, logs := testQueue()
	var calls atomic.Int32
	require.NoError(t, q.Subscribe("t", func(any) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	require.NoError(t, q.Publish("t", "payload"))
	q.Wait()
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, logs.FilterMessage("job failed").Len())
	assert.Zero(t, logs.FilterMessage("job permanently failed").Len())
}

func TestJobGivesUpAfterMaxRetries(t *testing.T) {
	q, logs := testQueue()
	var calls atomic.Int32
	require.NoError(t, q.Subscribe("t", func(any) error {
		calls.Add(1)
		return errors.New("always")
	}))

	require.NoError(t, q.Publish("t", "payload"))
	q.Wait()
	assert.Equal(t, int32(q.MaxRetries+1), calls.Load())
	assert.Equal(t, 1, logs.FilterMessage("job permanently failed").Len())
}

func TestRetryCountHeader(t *testing.T) {
	assert.Equal(t, int32(0), retryCount(nil))
	assert.Equal(t, int32(2), retryCount(map[string]any{retryHeader: int32(2)}))
	assert.Equal(t, int32(3), retryCount(map[string]any{retryHeader: int64(3)}))
	assert.Equal(t, int32(1), retryCount(map[string]any{retryHeader: 1}))
	assert.Equal(t, int32(0), retryCount(map[string]any{retryHeader: "x"}))
}
