// Package notify fans coordinator notifications out to subscribers.
// Delivery is fire-and-forget: a subscriber whose buffer is full misses the event.
package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nodevalidator/internal/logging"
	"nodevalidator/internal/types"

	"github.com/google/uuid"
)

// Kind names a notification.
type Kind string

const (
	KindVerdictRecorded Kind = "verdict-recorded"
	KindVerdictFailed   Kind = "verdict-failed"
	KindRunComplete     Kind = "run-complete"
	KindElementLocated  Kind = "element-located"
)

// Event is one notification. Data holds the kind-specific payload.
type Event struct {
	Seq  uint64          `json:"seq"`
	Type Kind            `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// VerdictRecorded confirms a durable status write.
type VerdictRecorded struct {
	Index            int          `json:"index"`
	Status           types.Status `json:"status"`
	Comments         string       `json:"comments"`
	Automated        bool         `json:"automated"`
	IsLast           bool         `json:"isLast"`
	FilterStartIndex int          `json:"filterStartIndex"`
}

// VerdictFailed reports a status write that did not reach the store.
type VerdictFailed struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// RunComplete announces the end of a run.
type RunComplete struct {
	PendingItemsWereFixed bool `json:"pendingItemsWereFixed"`
}

// ElementLocated is informational; it carries the outcome of a locate.
type ElementLocated struct {
	Index    int    `json:"index"`
	Found    bool   `json:"found"`
	Count    int    `json:"count"`
	Selector string `json:"selector"`
	Message  string `json:"message"`
}

// New builds an event of kind k around payload.
func New(k Kind, payload interface{}) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("null")
	}
	return Event{Type: k, Data: data}
}

// Notifier accepts events for delivery.
type Notifier interface {
	Publish(e Event) Event
}

// Hub is the in-process Notifier. Each subscriber gets its own buffered channel.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]chan Event
	closed  bool
	buffer  int
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[string]chan Event), buffer: buffer}
}

// Subscribe registers a subscriber and returns its id and channel.
// The channel is closed by Unsubscribe or Close.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch
	logging.ServerDebug("Subscriber %s attached (%d total)", id, len(h.subs))
	return id, ch
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish stamps e with a sequence number and time and delivers it.
// It never blocks.
func (h *Hub) Publish(e Event) Event {
	e.Seq = h.seq.Add(1)
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return e
	}
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
			logging.Get(logging.CategoryServer).Warn("Dropped %s for slow subscriber %s", e.Type, id)
		}
	}
	return e
}

// Close closes every subscriber channel. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// Stats holds hub counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Subscribers: len(h.subs),
		Published:   h.seq.Load(),
		Dropped:     h.dropped.Load(),
	}
}
