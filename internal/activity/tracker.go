// Package activity tracks request activity for the hosting instance and
// reports when it has gone idle long enough to be reclaimed.
package activity

import (
	"sync"
	"time"
)

type State string

const (
	StateRunning         State = "running"
	StatePendingShutdown State = "pending_shutdown"
)

// Status is a point-in-time view of the activity window.
type Status struct {
	FirstActivity          *time.Time `json:"first_activity,omitempty"`
	LastActivity           *time.Time `json:"last_activity,omitempty"`
	ShutdownTimeoutSeconds int64      `json:"shutdown_timeout_seconds"`
	TimeLeftSeconds        int64      `json:"time_left_seconds"`
	State                  State      `json:"state"`
}

// TimeLeft returns the remaining time as a duration.
func (s Status) TimeLeft() time.Duration {
	return time.Duration(s.TimeLeftSeconds) * time.Second
}

// Tracker is the idle-time state machine. It moves from Running to
// PendingShutdown once the instance has been idle for the shutdown timeout
// and the initial deadline has passed.
type Tracker struct {
	mu       sync.Mutex
	timeout  time.Duration
	period   time.Duration
	now      func() time.Time
	started  bool
	first    time.Time
	last     time.Time
	deadline time.Time
}

type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a tracker with the given grace period after the last
// activity and the minimum lifetime measured from the first activity.
func NewTracker(timeout, period time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		timeout: timeout,
		period:  period,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TrackActivity records a request. An instance that is already idle is not
// revived by traffic alone.
func (t *Tracker) TrackActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackLocked(t.now())
}

func (t *Tracker) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(t.now())
}

// AdjustTimeout shifts the shutdown deadline by delta and records activity.
func (t *Tracker) AdjustTimeout(delta time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.started {
		t.trackLocked(now)
	}
	t.deadline = t.deadline.Add(delta)
	t.trackLocked(now)
}

func (t *Tracker) trackLocked(now time.Time) {
	if !t.started {
		t.started = true
		t.first = now
		t.last = now
		t.deadline = now.Add(t.period)
		return
	}

	st := t.statusLocked(now)
	if st.State == StatePendingShutdown || st.TimeLeftSeconds == 0 {
		return
	}
	t.last = now
}

func (t *Tracker) statusLocked(now time.Time) Status {
	st := Status{
		ShutdownTimeoutSeconds: seconds(t.timeout),
		State:                  StateRunning,
	}
	if !t.started {
		st.TimeLeftSeconds = seconds(t.period)
		return st
	}

	first, last := t.first, t.last
	st.FirstActivity = &first
	st.LastActivity = &last

	idle := now.Sub(t.last)
	var left time.Duration
	if t.deadline.After(now) {
		left = t.deadline.Sub(now)
	} else {
		left = t.timeout - idle
	}
	st.TimeLeftSeconds = max(0, seconds(left))

	if idle >= t.timeout && !now.Before(t.deadline) {
		st.State = StatePendingShutdown
	}
	return st
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
