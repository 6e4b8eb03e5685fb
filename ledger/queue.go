package ledger

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned for operations after Close.
var ErrQueueClosed = errors.New("ledger: queue closed")

// Queue serializes ledger writes through a single worker goroutine, so
// bursts of settlements contend on a channel instead of on the database
// lock. It implements Store; reads pass straight through.
type Queue struct {
	store Store
	jobs  chan insertJob

	closeOnce sync.Once
	done      chan struct{}
}

type insertJob struct {
	ctx    context.Context
	txHash string
	result chan error
}

// NewQueue starts the worker over store. depth bounds the number of
// pending inserts before callers block.
func NewQueue(store Store, depth int) *Queue {
	if depth <= 0 {
		depth = 64
	}
	q := &Queue{
		store: store,
		jobs:  make(chan insertJob, depth),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		select {
		case <-q.done:
			return
		case job := <-q.jobs:
			job.result <- q.store.Insert(job.ctx, job.txHash)
		}
	}
}

// Insert enqueues the hash and waits for the worker's verdict.
func (q *Queue) Insert(ctx context.Context, txHash string) error {
	job := insertJob{ctx: ctx, txHash: txHash, result: make(chan error, 1)}
	select {
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.jobs <- job:
	}
	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Exists reads directly from the store.
func (q *Queue) Exists(ctx context.Context, txHash string) (bool, error) {
	return q.store.Exists(ctx, txHash)
}

// Ping reads directly from the store.
func (q *Queue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}

// Close stops the worker. Pending Insert calls return ErrQueueClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
