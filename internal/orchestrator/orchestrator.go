// Package orchestrator wires the process registry, the per-domain worker
// loops and the event hub into the submission API used by the HTTP layer.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mattjoyce/ductile-worker/internal/dispatch"
	"github.com/mattjoyce/ductile-worker/internal/events"
	"github.com/mattjoyce/ductile-worker/internal/log"
	"github.com/mattjoyce/ductile-worker/internal/process"
	"github.com/mattjoyce/ductile-worker/internal/task"
)

// EventCancelled is published when a queued process is cancelled.
const EventCancelled = "process.cancelled"

// QueuedMessage is the message stored on freshly submitted records.
const QueuedMessage = "Queued"

// Services holds one domain service per domain.
type Services struct {
	Git   dispatch.Service[task.GitTask]
	File  dispatch.Service[task.FileTask]
	Build dispatch.Service[task.BuildTask]
}

// Submission is the outcome of a submit call. Done is false for async
// submissions and for sync submissions whose wait ended first.
type Submission struct {
	Record process.Record
	Done   bool
}

type Orchestrator struct {
	registry *process.Registry
	hub      *events.Hub
	journal  dispatch.Journal

	git   *dispatch.Worker[task.GitTask]
	file  *dispatch.Worker[task.FileTask]
	build *dispatch.Worker[task.BuildTask]

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New builds one worker per domain. journal may be nil.
func New(registry *process.Registry, hub *events.Hub, svcs Services, journal dispatch.Journal) *Orchestrator {
	deps := dispatch.Deps{Registry: registry, Hub: hub, Journal: journal}
	return &Orchestrator{
		registry: registry,
		hub:      hub,
		journal:  journal,
		git:      dispatch.NewWorker(task.DomainGit, dispatch.NewDispatcher(svcs.Git, deps)),
		file:     dispatch.NewWorker(task.DomainFile, dispatch.NewDispatcher(svcs.File, deps)),
		build:    dispatch.NewWorker(task.DomainBuild, dispatch.NewDispatcher(svcs.Build, deps)),
		logger:   log.WithComponent("orchestrator"),
	}
}

// Start launches the domain loops. They stop when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	run := func(name task.Domain, start func(context.Context) error) {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("worker loop exited", "domain", name, "error", err)
			}
		}()
	}
	run(task.DomainGit, o.git.Start)
	run(task.DomainFile, o.file.Start)
	run(task.DomainBuild, o.build.Start)
}

// Wait blocks until every domain loop has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) SubmitGit(ctx context.Context, op string, req task.GitRequest) (Submission, error) {
	return submit(ctx, o, o.git, task.DomainGit, op, req, task.NewGitTask)
}

func (o *Orchestrator) SubmitFile(ctx context.Context, op string, req task.FileRequest) (Submission, error) {
	return submit(ctx, o, o.file, task.DomainFile, op, req, task.NewFileTask)
}

func (o *Orchestrator) SubmitBuild(ctx context.Context, op string, req task.BuildRequest) (Submission, error) {
	return submit(ctx, o, o.build, task.DomainBuild, op, req, task.NewBuildTask)
}

type validator interface {
	Validate(op string) error
}

func submit[T task.Task, R validator](
	ctx context.Context,
	o *Orchestrator,
	w *dispatch.Worker[T],
	domain task.Domain,
	op string,
	req R,
	build func(id, op string, req R) (T, error),
) (Submission, error) {
	// Invalid requests never reach the registry.
	if err := req.Validate(op); err != nil {
		return Submission{}, err
	}

	rec := o.registry.GenerateID(string(domain), QueuedMessage)
	t, err := build(rec.ID, op, req)
	if err != nil {
		o.registry.SetError(rec.ID, err.Error())
		return Submission{}, err
	}

	item := w.Enqueue(t)
	logger := log.WithProcess(rec.ID).With("domain", domain, "operation", op)
	logger.Info("task submitted", "async", t.IsAsync(), "pending", w.Pending())

	if t.IsAsync() {
		return Submission{Record: rec}, nil
	}

	select {
	case <-item.Done():
	case <-ctx.Done():
		logger.Info("stopped waiting for sync task", "reason", ctx.Err())
		cur, err := o.registry.Status(rec.ID, string(domain))
		if err != nil {
			return Submission{Record: rec}, nil
		}
		return Submission{Record: cur}, nil
	}

	return Submission{Record: item.Record(), Done: true}, nil
}

// Status returns the record for id. kind may be empty.
func (o *Orchestrator) Status(id, kind string) (process.Record, error) {
	return o.registry.Status(id, kind)
}

// Cancel marks a queued process cancelled. Work that has already started is
// never interrupted.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (process.Record, error) {
	rec, err := o.registry.Cancel(id)
	if err != nil {
		return process.Record{}, err
	}

	logger := log.WithProcess(id)
	logger.Info("process cancelled")
	if o.hub != nil {
		o.hub.Publish(EventCancelled, id, rec)
	}
	if o.journal != nil {
		if err := o.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error("failed to journal cancellation", "error", err)
		}
	}
	return rec, nil
}

// QueueDepths reports pending items per domain.
func (o *Orchestrator) QueueDepths() map[task.Domain]int {
	return map[task.Domain]int{
		task.DomainGit:   o.git.Pending(),
		task.DomainFile:  o.file.Pending(),
		task.DomainBuild: o.build.Pending(),
	}
}

// Counts reports registry records per status.
func (o *Orchestrator) Counts() map[process.Status]int {
	return o.registry.Counts()
}
