package activity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/ductile-worker/internal/events"
)

// EventPendingShutdown is published once the control plane has been told.
const EventPendingShutdown = "activity.pending_shutdown"

// DefaultReportInterval is how often the reporter polls the tracker.
const DefaultReportInterval = 10 * time.Second

// StatusSource is satisfied by *Tracker.
type StatusSource interface {
	GetStatus() Status
}

// Publisher is satisfied by *events.Hub.
type Publisher interface {
	Publish(eventType, processID string, data any) events.Event
}

// Reporter polls a StatusSource and notifies the control plane the first
// time it observes PendingShutdown. A failed notification is retried on the
// next tick. After one successful send the reporter stops.
type Reporter struct {
	source     StatusSource
	notifier   Notifier
	hub        Publisher
	instanceID string
	interval   time.Duration
	logger     *slog.Logger

	notified atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReporter(source StatusSource, notifier Notifier, hub Publisher, instanceID string, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Reporter{
		source:     source,
		notifier:   notifier,
		hub:        hub,
		instanceID: instanceID,
		interval:   interval,
		logger:     logger.With("component", "activity_reporter"),
		stopCh:     make(chan struct{}),
	}
}

func (r *Reporter) Start(ctx context.Context) {
	r.logger.Info("Starting activity reporter", "interval", r.interval.String(), "instance_id", r.instanceID)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop is safe to call more than once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Notified reports whether the control plane has been told.
func (r *Reporter) Notified() bool {
	return r.notified.Load()
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.check(ctx) {
				r.logger.Info("Activity reporter finished")
				return
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// check performs one poll and returns true once notification succeeded.
func (r *Reporter) check(ctx context.Context) bool {
	if r.notified.Load() {
		return true
	}

	st := r.source.GetStatus()
	r.logger.Debug("Activity check", "state", st.State, "time_left_seconds", st.TimeLeftSeconds)
	if st.State != StatePendingShutdown {
		return false
	}

	if err := r.notifier.Notify(ctx, r.instanceID); err != nil {
		r.logger.Error("Failed to send reclamation notice, will retry", "error", err)
		return false
	}

	r.notified.Store(true)
	r.logger.Info("Reclamation notice sent", "instance_id", r.instanceID)
	if r.hub != nil {
		r.hub.Publish(EventPendingShutdown, "", map[string]any{
			"instance_id": r.instanceID,
			"status":      st,
		})
	}
	return true
}
