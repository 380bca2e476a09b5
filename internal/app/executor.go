// internal/app/executor.go
package app

import (
	"context"
	"sync"

	"github.com/unclebandit/zalo-scheduler/internal/queue"
	"github.com/unclebandit/zalo-scheduler/internal/service"
)

// Executor is the dispatcher, worker and sweep loop running against one queue.
type Executor struct {
	Queue      queue.Queue
	Dispatcher *service.Dispatcher
	Worker     *service.Worker
	Reconciler *service.Reconciler
	closeQueue func() error
}

// NewExecutor picks the queue backend from the worker config and subscribes the
// worker. AMQP gets one consumer per unit of concurrency.
func (a *App) NewExecutor(sender service.Sender) (*Executor, error) {
	cfg := a.Config
	log := a.Logger.With("component", "executor")
	leases := a.Leaser()

	e := &Executor{closeQueue: func() error { return nil }}
	topic := queue.TopicScheduleTasks
	consumers := 1

	switch cfg.Worker.Queue {
	case BackendAMQP:
		q, err := queue.DialAMQP(cfg.AMQP.URL, cfg.AMQP.MaxRetries, log)
		if err != nil {
			return nil, err
		}
		if cfg.AMQP.Queue != "" {
			topic = cfg.AMQP.Queue
		}
		consumers = max(cfg.Worker.Concurrency, 1)
		e.Queue = q
		e.closeQueue = q.Close
	default:
		q := queue.NewInMemoryQueue(log)
		q.MaxRetries = cfg.AMQP.MaxRetries
		e.Queue = q
		e.closeQueue = func() error {
			q.Wait()
			return nil
		}
	}

	e.Worker = service.NewWorker(a.Schedules, sender, leases, log)
	e.Worker.Topic = topic
	for i := 0; i < consumers; i++ {
		if err := e.Worker.Start(e.Queue); err != nil {
			e.closeQueue()
			return nil, err
		}
	}

	e.Dispatcher = service.NewDispatcher(a.Schedules.Jobs, e.Queue, leases,
		cfg.Worker.DispatchBatch, cfg.Worker.DispatchPerMin, cfg.Worker.LeaseTTL, log)
	e.Dispatcher.Topic = topic
	if cfg.Worker.DispatchPerAcct > 0 {
		e.Dispatcher.PerAccount = cfg.Worker.DispatchPerAcct
	}
	e.Reconciler = service.NewReconciler(a.Schedules, cfg.Worker.StaleAfter, log)
	return e, nil
}

// Run blocks until ctx is cancelled, then drains the queue.
func (e *Executor) Run(ctx context.Context, a *App) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.Dispatcher.Run(ctx, a.Config.Worker.DispatchInterval)
	}()
	go func() {
		defer wg.Done()
		e.Reconciler.Run(ctx, a.Config.Worker.SweepInterval)
	}()
	wg.Wait()
	return e.closeQueue()
}
