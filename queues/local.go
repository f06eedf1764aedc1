package queues

import (
	"context"
	"fmt"
	"sync"

	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
)

// LocalCompletionQueue runs completions on in-process workers. Used when
// no SQS queue is configured; pending events die with the process and
// their jobs expire untouched.
type LocalCompletionQueue struct {
	worker  *CompletionWorker
	events  chan models.CompletionRequestedEvent
	workers int

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger logger.Logger
}

func NewLocalCompletionQueue(parent context.Context, worker *CompletionWorker, workers, buffer int, l logger.Logger) *LocalCompletionQueue {
	ctx, cancel := context.WithCancel(parent)

	if workers <= 0 {
		workers = 1
	}
	return &LocalCompletionQueue{
		worker:  worker,
		events:  make(chan models.CompletionRequestedEvent, buffer),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  l,
	}
}

func (q *LocalCompletionQueue) Enqueue(ctx context.Context, evt models.CompletionRequestedEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.events <- evt:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue completion of %s: %w", evt.SessionID, ctx.Err())
	}
}

func (q *LocalCompletionQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for evt := range q.events {
				_ = q.worker.Handle(q.ctx, evt)
			}
		}()
	}
}

// Shutdown stops accepting events and waits for queued ones to drain.
func (q *LocalCompletionQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}
