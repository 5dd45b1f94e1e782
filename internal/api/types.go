package api

import (
	"github.com/mattjoyce/ductile-worker/internal/journal"
	"github.com/mattjoyce/ductile-worker/internal/process"
)

// SubmitResponse is returned by POST /tasks/{domain}/{operation}.
type SubmitResponse struct {
	process.Record
	// TimeoutExceeded is set when a sync request stopped waiting before the
	// task finished.
	TimeoutExceeded bool `json:"timeout_exceeded,omitempty"`
}

// AdjustRequest is the JSON body for POST /activity/adjust.
type AdjustRequest struct {
	DeltaSeconds int64 `json:"delta_seconds"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Entries []*journal.Entry `json:"entries"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string         `json:"status"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	QueueDepths      map[string]int `json:"queue_depths"`
	Processes        map[string]int `json:"processes"`
	EventSubscribers int            `json:"event_subscribers"`
	EventsDropped    int64          `json:"events_dropped"`
}
