package supervisor

import (
	"sync"

	"github.com/google/uuid"
)

// Event is a diagnostics copy of a supervisor-originated notification.
type Event struct {
	Type   string `json:"type"` // "stdout", "stderr", "exit_status"
	Pid    int    `json:"pid"`
	Data   []byte `json:"data,omitempty"`
	Status int    `json:"status,omitempty"`
}

// eventHub fans supervisor notifications out to diagnostics subscribers.
// Publishing never blocks the event loop; a subscriber that falls behind
// loses events.
type eventHub struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[string]chan Event)}
}

func (h *eventHub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, 128)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *eventHub) Unsubscribe(id string) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *eventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
