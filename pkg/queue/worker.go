package queue

import (
	"context"
	"sync"

	"github.com/apex/log"
	"github.com/fileforge/fileforge/pkg/clog"
	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/pkg/errors"
)

// HandlerFunc processes one job. A nil return acks the job; an error
// nacks it, and the error's kind decides whether the job is retried or
// dead-lettered.
type HandlerFunc func(ctx context.Context, job *Job) error

// Worker runs a pool of goroutines that drain a Queue and dispatch jobs
// to registered handlers by kind.
type Worker struct {
	queue    Queue
	workers  int
	handlers map[string]HandlerFunc

	mu sync.RWMutex
	wg sync.WaitGroup
}

func NewWorker(q Queue, workers int) *Worker {
	if workers <= 0 {
		workers = 1
	}

	return &Worker{
		queue:    q,
		workers:  workers,
		handlers: make(map[string]HandlerFunc),
	}
}

func (w *Worker) Register(kind string, handler HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = handler
}

func (w *Worker) handlerFor(kind string) HandlerFunc {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[kind]
}

// Start launches the pool. Workers exit when ctx is canceled or the
// queue closes; Wait blocks until they have all drained.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(ctx)
		}()
	}
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	logger := clog.UsingCtx("queue-worker")

	for {
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Errorf("dequeue failed, worker exiting: %s", err)
			}
			return
		}

		w.dispatch(ctx, delivery, logger)
	}
}

func (w *Worker) dispatch(ctx context.Context, delivery *Delivery, logger *log.Entry) {
	job := delivery.Job

	handler := w.handlerFor(job.Kind)
	if handler == nil {
		// No handler is a config bug, not a transient failure.
		_ = delivery.Nack(ctx, errors.Errorf("no handler for kind %s", job.Kind), false)
		return
	}

	err := w.runHandler(ctx, handler, job)
	if err == nil {
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			logger.WithField("job", job.ID).Errorf("ack failed: %s", ackErr)
		}
		return
	}

	logger.WithFields(log.Fields{
		"job":      job.ID,
		"kind":     job.Kind,
		"attempts": job.Attempts,
	}).Errorf("job failed: %s", err)

	if nackErr := delivery.Nack(ctx, err, fferr.IsRetryable(err)); nackErr != nil {
		logger.WithField("job", job.ID).Errorf("nack failed: %s", nackErr)
	}
}

func (w *Worker) runHandler(ctx context.Context, handler HandlerFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, job)
}
