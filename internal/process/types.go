package process

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// CancelMessage is stored on records cancelled before execution.
const CancelMessage = "Pending cancellation"

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

// canTransition enforces monotonic progress. A non-terminal status may be
// re-set to itself to update the message.
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	return to.rank() > from.rank()
}

// Record is the registry's view of a submitted request.
type Record struct {
	ID        string    `json:"process_reference_id"`
	Kind      string    `json:"kind"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrNotFound        = errors.New("process not found")
	ErrTypeMismatch    = errors.New("process type mismatch")
	ErrAlreadyTerminal = errors.New("process already in a terminal state")
	ErrNotCancellable  = errors.New("process is not cancellable")
	ErrNotQueued       = errors.New("process is not queued")
)
