package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/ductile-worker/internal/events"
	"github.com/mattjoyce/ductile-worker/internal/log"
	"github.com/mattjoyce/ductile-worker/internal/process"
	"github.com/mattjoyce/ductile-worker/internal/task"
)

// ErrUnhandled wraps a panic recovered from a domain service.
var ErrUnhandled = errors.New("unhandled exception")

// Service executes the tasks of one domain.
type Service[T task.Task] interface {
	Execute(ctx context.Context, t T) (task.Result, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc[T task.Task] func(ctx context.Context, t T) (task.Result, error)

func (f ServiceFunc[T]) Execute(ctx context.Context, t T) (task.Result, error) {
	return f(ctx, t)
}

// Registry is the subset of *process.Registry the dispatcher mutates.
type Registry interface {
	TryStart(id, message string) (process.Record, error)
	SetSuccess(id, message string, payload any)
	SetError(id, message string)
	Status(id, kind string) (process.Record, error)
}

// Publisher receives completed records.
type Publisher interface {
	Publish(eventType, processID string, data any) events.Event
}

// Journal stores terminal records for later inspection.
type Journal interface {
	Record(ctx context.Context, rec process.Record) error
}

// Deps holds the collaborators shared by every domain dispatcher.
type Deps struct {
	Registry Registry
	Hub      Publisher
	Journal  Journal // optional
}

// Dispatcher executes tasks of type T through a domain service.
type Dispatcher[T task.Task] struct {
	registry Registry
	hub      Publisher
	journal  Journal
	service  Service[T]
	logger   *slog.Logger
}

func NewDispatcher[T task.Task](svc Service[T], deps Deps) *Dispatcher[T] {
	return &Dispatcher[T]{
		registry: deps.Registry,
		hub:      deps.Hub,
		journal:  deps.Journal,
		service:  svc,
		logger:   log.WithComponent("dispatch"),
	}
}

// Dispatch runs t unless its record was cancelled or has already moved on,
// and returns the final record. A record evicted while still queued does
// not stop the task; its outcome goes to the journal only. ran is false
// when the task was skipped.
func (d *Dispatcher[T]) Dispatch(ctx context.Context, t T) (rec process.Record, ran bool) {
	id := t.ProcessID()
	logger := log.WithProcess(id).With("domain", t.Domain(), "operation", t.Operation())
	logger.Info("dispatching task")

	started, err := d.registry.TryStart(id, t.InProgressMessage())
	switch {
	case errors.Is(err, process.ErrNotFound):
		logger.Warn("record evicted before start, running without registry tracking")
		started = process.Record{ID: id, Kind: string(t.Domain()), Status: process.StatusInProgress}
	case err != nil:
		if started.Status == process.StatusCancelled {
			logger.Info(t.CancelMessage())
		} else {
			logger.Info("skipping task that is no longer queued", "status", started.Status)
		}
		return started, false
	}

	start := time.Now()
	res, err := d.execute(ctx, t)
	if err != nil {
		logger.Warn("task failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return d.fail(ctx, t, started, err.Error()), true
	}

	logger.Info("task completed successfully", "duration_ms", time.Since(start).Milliseconds())
	d.registry.SetSuccess(id, res.Message, res.Payload)
	fallback := started
	fallback.Status = process.StatusSuccess
	fallback.Message = res.Message
	fallback.Payload = res.Payload
	return d.finish(ctx, t, fallback, logger), true
}

// Fail records t as failed and publishes the result. The worker loop uses it
// when something outside the service itself goes wrong.
func (d *Dispatcher[T]) Fail(ctx context.Context, t T, message string) process.Record {
	return d.fail(ctx, t, process.Record{ID: t.ProcessID(), Kind: string(t.Domain())}, message)
}

func (d *Dispatcher[T]) fail(ctx context.Context, t T, started process.Record, message string) process.Record {
	id := t.ProcessID()
	d.registry.SetError(id, message)
	fallback := started
	fallback.Status = process.StatusError
	fallback.Message = message
	fallback.Payload = nil
	return d.finish(ctx, t, fallback, log.WithProcess(id).With("domain", t.Domain(), "operation", t.Operation()))
}

func (d *Dispatcher[T]) execute(ctx context.Context, t T) (res task.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnhandled, r)
		}
	}()
	return d.service.Execute(ctx, t)
}

// finish publishes and returns the stored record. fallback is journaled and
// returned instead when the record is no longer in the registry.
func (d *Dispatcher[T]) finish(ctx context.Context, t T, fallback process.Record, logger *slog.Logger) process.Record {
	rec, err := d.registry.Status(t.ProcessID(), string(t.Domain()))
	if err != nil {
		logger.Warn("could not re-read record, dropping broadcast", "error", err)
		fallback.UpdatedAt = time.Now().UTC()
		d.journalRecord(ctx, fallback, logger)
		return fallback
	}

	if d.hub != nil {
		d.hub.Publish(task.EventType(t), rec.ID, rec)
	}
	d.journalRecord(ctx, rec, logger)
	return rec
}

func (d *Dispatcher[T]) journalRecord(ctx context.Context, rec process.Record, logger *slog.Logger) {
	if d.journal == nil || !rec.Status.Terminal() {
		return
	}
	if err := d.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("failed to journal record", "error", err)
	}
}
