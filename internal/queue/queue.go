// Package queue provides the mutation queue: a single FIFO worker that
// serializes every account-mutating operation so read-modify-write sequences
// on balances, positions and holdings never interleave.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/cryptolearn/trading-engine/internal/metrics"
)

// Op is one queued mutation. It runs exactly once, in submission order.
type Op func(ctx context.Context) error

type job struct {
	op   Op
	done chan error
}

// Queue executes operations strictly one at a time in FIFO order. An
// operation that fails (or panics) rejects only its own caller; the next
// queued operation still runs.
type Queue struct {
	jobs chan job

	stopOnce sync.Once
	stopped  chan struct{}
	drained  chan struct{}
}

// New creates a queue with the given buffer and starts its worker.
func New(buffer int) *Queue {
	q := &Queue{
		jobs:    make(chan job, buffer),
		stopped: make(chan struct{}),
		drained: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.drained)
	for {
		select {
		case j := <-q.jobs:
			metrics.MutationQueueDepth.Set(float64(len(q.jobs)))
			j.done <- q.exec(j.op)
		case <-q.stopped:
			// Drain operations accepted before the stop.
			for {
				select {
				case j := <-q.jobs:
					j.done <- q.exec(j.op)
				default:
					return
				}
			}
		}
	}
}

// exec runs one operation, converting a panic into an error so a faulty
// operation cannot poison the queue.
func (q *Queue) exec(op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mutation op panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("mutation panicked: %v", r)
		}
	}()
	return op(context.Background())
}

// Enqueue submits op and blocks until it has executed, returning its error.
// The submission order of concurrent callers is the execution order. If ctx
// is cancelled before the operation was accepted, the operation never runs;
// once accepted it runs to completion even if the caller gives up waiting.
func (q *Queue) Enqueue(ctx context.Context, op Op) error {
	j := job{op: op, done: make(chan error, 1)}

	select {
	case q.jobs <- j:
		metrics.MutationQueueDepth.Set(float64(len(q.jobs)))
	case <-q.stopped:
		return fmt.Errorf("mutation queue stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new operations and waits for queued ones to finish.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stopped) })
	<-q.drained
}

// Len returns the number of operations waiting in the queue.
func (q *Queue) Len() int { return len(q.jobs) }
