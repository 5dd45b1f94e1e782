package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/ductile-worker/internal/log"
	"github.com/mattjoyce/ductile-worker/internal/process"
	"github.com/mattjoyce/ductile-worker/internal/queue"
	"github.com/mattjoyce/ductile-worker/internal/task"
)

// Item is one queued unit of work. Done is closed once the worker has either
// run or skipped the task.
type Item[T task.Task] struct {
	Task   T
	done   chan struct{}
	result *process.Record
}

func (i Item[T]) Done() <-chan struct{} {
	return i.done
}

// Record returns the record the worker finished with. It is only valid after
// Done is closed, and stays valid when the registry has since evicted it.
func (i Item[T]) Record() process.Record {
	return *i.result
}

// Worker is the single consumer loop of one domain queue.
type Worker[T task.Task] struct {
	domain     task.Domain
	queue      *queue.Queue[Item[T]]
	dispatcher *Dispatcher[T]
	logger     *slog.Logger
}

func NewWorker[T task.Task](domain task.Domain, d *Dispatcher[T]) *Worker[T] {
	return &Worker[T]{
		domain:     domain,
		queue:      queue.New[Item[T]](string(domain)),
		dispatcher: d,
		logger:     log.WithComponent("worker").With("domain", string(domain)),
	}
}

func (w *Worker[T]) Domain() task.Domain {
	return w.domain
}

// Enqueue appends t to the domain queue without blocking.
func (w *Worker[T]) Enqueue(t T) Item[T] {
	item := Item[T]{Task: t, done: make(chan struct{}), result: &process.Record{}}
	w.queue.Enqueue(item)
	return item
}

// Pending returns the number of tasks waiting to start.
func (w *Worker[T]) Pending() int {
	return w.queue.Len()
}

// Start runs the loop until ctx is cancelled. A failing task never stops
// the loop.
func (w *Worker[T]) Start(ctx context.Context) error {
	w.logger.Info("worker loop started")
	defer w.logger.Info("worker loop stopped")

	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			w.logger.Error("dequeue failed", "error", err)
			continue
		}
		w.run(ctx, item)
	}
}

func (w *Worker[T]) run(ctx context.Context, item Item[T]) {
	defer close(item.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("recovered panic in worker loop", "process_id", item.Task.ProcessID(), "panic", r)
			*item.result = w.dispatcher.Fail(ctx, item.Task, fmt.Sprintf("%v: %v", ErrUnhandled, r))
		}
	}()
	*item.result, _ = w.dispatcher.Dispatch(ctx, item.Task)
}
