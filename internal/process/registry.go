package process

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/ductile-worker/internal/log"
)

// DefaultCapacity bounds the registry when no capacity is configured.
const DefaultCapacity = 1000

// Registry is a bounded in-memory store of process records. When full, the
// oldest inserted record is evicted regardless of its status.
type Registry struct {
	capacity int
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]*Record
	order   []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithLogger sets the logger used for eviction notices. nil keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns an empty registry holding at most capacity records.
// Non-positive capacities fall back to DefaultCapacity.
func New(capacity int, opts ...Option) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Registry{
		capacity: capacity,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		logger:   log.WithComponent("registry"),
		records:  make(map[string]*Record, capacity),
		order:    make([]string, 0, capacity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GenerateID stores a new Queued record of the given kind and returns a copy.
func (r *Registry) GenerateID(kind, message string) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, taken := r.records[id]; !taken {
			break
		}
		id = r.newID()
	}

	now := r.now()
	rec := &Record{
		ID:        id,
		Kind:      kind,
		Status:    StatusQueued,
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.records[id] = rec
	r.order = append(r.order, id)

	for len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		if ev, ok := r.records[oldest]; ok {
			delete(r.records, oldest)
			r.logger.Debug("evicted process record", "process_id", oldest, "status", ev.Status)
		}
	}
	return *rec
}

// Status returns the record for id. An empty kind skips the type check.
func (r *Registry) Status(id, kind string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if kind != "" && rec.Kind != kind {
		return Record{}, fmt.Errorf("%w: stored %q, requested %q", ErrTypeMismatch, rec.Kind, kind)
	}
	return *rec, nil
}

// SetStatus updates status and message. Unknown ids and non-monotonic
// transitions are ignored.
func (r *Registry) SetStatus(id string, status Status, message string) {
	r.update(id, status, func(rec *Record) {
		if message != "" {
			rec.Message = message
		}
	})
}

// SetSuccess marks id successful with the service's payload.
func (r *Registry) SetSuccess(id, message string, payload any) {
	r.update(id, StatusSuccess, func(rec *Record) {
		rec.Message = message
		rec.Payload = payload
	})
}

// SetError marks id failed.
func (r *Registry) SetError(id, message string) {
	r.update(id, StatusError, func(rec *Record) {
		rec.Message = message
	})
}

func (r *Registry) update(id string, status Status, apply func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return
	}
	if !canTransition(rec.Status, status) {
		r.logger.Debug("ignored status transition", "process_id", id, "from", rec.Status, "to", status)
		return
	}
	rec.Status = status
	apply(rec)
	rec.UpdatedAt = r.now()
}

// TryStart atomically moves a Queued record to InProgress. It returns
// ErrNotFound when the record is gone, and ErrNotQueued together with the
// current record when it has moved on.
func (r *Registry) TryStart(id, message string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusQueued {
		return *rec, fmt.Errorf("%w: %s", ErrNotQueued, rec.Status)
	}
	rec.Status = StatusInProgress
	if message != "" {
		rec.Message = message
	}
	rec.UpdatedAt = r.now()
	return *rec, nil
}

// Cancel cancels a Queued record. Work already InProgress is not interrupted.
func (r *Registry) Cancel(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	switch {
	case rec.Status.Terminal():
		return *rec, ErrAlreadyTerminal
	case rec.Status != StatusQueued:
		return *rec, ErrNotCancellable
	}
	rec.Status = StatusCancelled
	rec.Message = CancelMessage
	rec.UpdatedAt = r.now()
	return *rec, nil
}

// Len returns the number of stored records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Capacity returns the maximum number of stored records.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Counts returns the number of records per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Status]int, 5)
	for _, rec := range r.records {
		out[rec.Status]++
	}
	return out
}
