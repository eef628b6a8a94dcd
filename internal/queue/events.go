package queue

import (
	"sync"

	"github.com/ahrdadan/callrepro/internal/diag"
)

// subscriberBuffer is the number of events a slow subscriber may fall behind
const subscriberBuffer = 64

// Event is a run status change or a diagnostic captured during a run
type Event struct {
	RunID      string        `json:"run_id"`
	Status     RunStatus     `json:"status"`
	Message    string        `json:"message,omitempty"`
	Diagnostic *diag.Message `json:"diagnostic,omitempty"`
	Line       string        `json:"line,omitempty"` // the diagnostic as written to the log
	// Dropped counts the events this subscriber missed since the previous
	// delivered one because it was not reading fast enough.
	Dropped int `json:"dropped,omitempty"`
}

// Terminal reports whether event is the last one of its run
func (e Event) Terminal() bool {
	return e.Diagnostic == nil && e.Status.IsTerminal()
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// EventHub manages event subscriptions
type EventHub struct {
	subscribers map[string][]*subscriber
	mu          sync.Mutex
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string][]*subscriber),
	}
}

// Subscribe creates a subscription for run events. The channel is closed
// after the run's terminal status event has been delivered.
func (h *EventHub) Subscribe(runID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	h.subscribers[runID] = append(h.subscribers[runID], sub)
	return sub.ch
}

// Unsubscribe removes a subscription. It is a no-op once the subscription
// ended on its own.
func (h *EventHub) Unsubscribe(runID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[runID]
	for i, sub := range subs {
		if sub.ch == ch {
			h.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}

	if len(h.subscribers[runID]) == 0 {
		delete(h.subscribers, runID)
	}
}

// Emit sends an event to all subscribers of a run. Events that do not fit
// a subscriber's buffer are dropped and counted, except the terminal
// status which always gets through and ends the subscription.
func (h *EventHub) Emit(runID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	terminal := event.Terminal()
	for _, sub := range h.subscribers[runID] {
		if terminal {
			// Make room by giving up the oldest buffered event.
			if len(sub.ch) == cap(sub.ch) {
				select {
				case <-sub.ch:
					sub.dropped++
				default:
				}
			}
			sub.deliver(event)
			close(sub.ch)
			continue
		}
		sub.deliver(event)
	}

	if terminal {
		delete(h.subscribers, runID)
	}
}

func (s *subscriber) deliver(event Event) {
	event.Dropped = s.dropped
	select {
	case s.ch <- event:
		s.dropped = 0
	default:
		s.dropped++
	}
}

// Close closes all subscriptions
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for runID, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(h.subscribers, runID)
	}
}
