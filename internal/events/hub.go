package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBuffer = 128

type Event struct {
	ID        int64     `json:"id"`
	ProcessID string    `json:"process_reference_id,omitempty"`
	Type      string    `json:"type"`
	At        time.Time `json:"at"`
	Data      []byte    `json:"data"` // JSON payload
}

// Filter is an event type allow-list. Entries match exactly, or by prefix
// when they end in ".*". An empty filter allows everything.
type Filter []string

// ParseFilter splits a comma separated allow-list.
func ParseFilter(raw string) Filter {
	var f Filter
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			f = append(f, part)
		}
	}
	return f
}

func (f Filter) Allows(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	for _, entry := range f {
		if entry == "*" || entry == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(entry, ".*"); ok && strings.HasPrefix(eventType, prefix+".") {
			return true
		}
	}
	return false
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
// Every subscriber has its own channel, so each one sees every event its
// filter allows.
type Hub struct {
	nextID  atomic.Int64
	dropped atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish records the event and forwards it to every interested subscriber.
func (h *Hub) Publish(eventType, processID string, data any) Event {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:        id,
		ProcessID: processID,
		Type:      eventType,
		At:        time.Now().UTC(),
		Data:      payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !sub.filter.Allows(ev.Type) {
			continue
		}
		// Don't let slow clients block producers.
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.Unlock()
	return ev
}

// Subscribe registers a subscriber for the types allowed by filter. The
// returned cancel func closes the channel and must be called once.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = subscriber{ch: ch, filter: filter}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// SnapshotSince returns buffered events with ID > lastID allowed by filter,
// oldest-first. If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64, filter Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if (lastID == 0 || ev.ID > lastID) && filter.Allows(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
