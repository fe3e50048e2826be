package logstream

import (
	"sync"
)

// DefaultCapacity is the ring buffer size used when none is configured.
const DefaultCapacity = 10000

// Hub is the process-wide lossy log bus. Publishing is O(1) amortized:
// when the ring is full the oldest event is evicted. Fan-out is
// best-effort; a sink whose Send returns an error is dropped.
//
// Safe for concurrent publish, subscribe, unsubscribe and reads.
type Hub struct {
	mu       sync.RWMutex
	buf      []Event
	head     int // index of the oldest event
	size     int
	capacity int
	sinks    map[Sink]struct{}
}

// NewHub creates a hub with the given buffer capacity. Capacity values
// below 1 fall back to DefaultCapacity.
func NewHub(capacity int) *Hub {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Hub{
		buf:      make([]Event, capacity),
		capacity: capacity,
		sinks:    make(map[Sink]struct{}),
	}
}

// Publish appends an event to the ring (evicting the oldest when full)
// and broadcasts it to every subscriber.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	if h.size == h.capacity {
		h.buf[h.head] = evt
		h.head = (h.head + 1) % h.capacity
	} else {
		h.buf[(h.head+h.size)%h.capacity] = evt
		h.size++
	}

	var failed []Sink
	for sink := range h.sinks {
		if err := sink.Send(Frame{Type: "log", Log: &evt}); err != nil {
			failed = append(failed, sink)
		}
	}
	for _, sink := range failed {
		delete(h.sinks, sink)
	}
	h.mu.Unlock()
}

// Subscribe registers a sink. The current buffer is delivered immediately
// as a single init frame; future events stream as individual log frames.
// If the init send fails the sink is not registered.
func (h *Hub) Subscribe(sink Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot := h.snapshotLocked()
	if err := sink.Send(Frame{Type: "init", Logs: snapshot, Count: len(snapshot)}); err != nil {
		return err
	}
	h.sinks[sink] = struct{}{}
	return nil
}

// Unsubscribe removes a sink. Unknown sinks are ignored.
func (h *Hub) Unsubscribe(sink Sink) {
	h.mu.Lock()
	delete(h.sinks, sink)
	h.mu.Unlock()
}

// SubscriberCount returns the number of registered sinks.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Recent returns the most recent k events, oldest first. k values larger
// than the buffer return everything.
func (h *Hub) Recent(k int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	all := h.snapshotLocked()
	if k < 0 {
		k = 0
	}
	if k > len(all) {
		k = len(all)
	}
	return all[len(all)-k:]
}

// ByIssue returns all buffered events for a master issue, oldest first.
func (h *Hub) ByIssue(issue int) []Event {
	return h.filter(func(e Event) bool { return e.Issue == issue })
}

// ByAgent returns all buffered events for an agent, oldest first.
func (h *Hub) ByAgent(agent string) []Event {
	return h.filter(func(e Event) bool { return e.Agent == agent })
}

// ByLevel returns all buffered events at a level, oldest first.
func (h *Hub) ByLevel(level Level) []Event {
	return h.filter(func(e Event) bool { return e.Level == level })
}

// Stats returns buffer totals by level.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{
		Total:    h.size,
		ByLevel:  make(map[Level]int),
		Capacity: h.capacity,
	}
	for i := 0; i < h.size; i++ {
		stats.ByLevel[h.buf[(h.head+i)%h.capacity].Level]++
	}
	return stats
}

func (h *Hub) filter(keep func(Event) bool) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Event
	for i := 0; i < h.size; i++ {
		evt := h.buf[(h.head+i)%h.capacity]
		if keep(evt) {
			out = append(out, evt)
		}
	}
	return out
}

// snapshotLocked copies the buffer contents oldest first. Caller holds mu.
func (h *Hub) snapshotLocked() []Event {
	out := make([]Event, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.head+i)%h.capacity]
	}
	return out
}
