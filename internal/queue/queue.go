package queue

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/zalo-scheduler/pkg/backoff"
)

// TopicScheduleTasks carries tasks that are due for execution.
const TopicScheduleTasks = "schedule_tasks"

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// TaskMessage asks a worker to execute one task.
type TaskMessage struct {
	JobID     string `json:"job_id"`
	TaskID    string `json:"task_id"`
	AccountID string `json:"account_id"`
}

// InMemoryQueue delivers to in-process subscribers with retry
type InMemoryQueue struct {
	mu          sync.Mutex
	handlers    map[string][]func(payload any) error
	wg          sync.WaitGroup
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.SugaredLogger
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log *zap.SugaredLogger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:    make(map[string][]func(payload any) error),
		MaxRetries:  3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		Logger:      log,
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	job := JobPayload{
		Payload:    payload,
		RetryCount: 0,
		MaxRetries: q.MaxRetries,
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go func(h func(payload any) error) {
			defer q.wg.Done()
			q.processJob(h, job)
		}(handler)
	}

	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler func(payload any) error, job JobPayload) {
	for job.RetryCount <= job.MaxRetries {
		err := handler(job.Payload)
		if err == nil {
			return // ACK
		}

		job.RetryCount++
		q.Logger.Warnw("job failed", "attempt", job.RetryCount, "max_retries", job.MaxRetries, "payload", job.Payload, "error", err)

		if job.RetryCount > job.MaxRetries {
			q.Logger.Errorw("job permanently failed", "attempts", job.RetryCount, "payload", job.Payload)
			return // No requeue
		}

		time.Sleep(backoff.ExponentialJitter(q.BaseBackoff, q.MaxBackoff, job.RetryCount))
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has been handled or given up.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}
