package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	subscriberBuffer = 32
	// recentSize is how many published events a new subscriber is replayed.
	recentSize = 16
)

// Hub fans maintenance events out to SSE subscribers. Slow subscribers lose
// events rather than blocking the publisher.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[chan string]struct{}
	recent  []string
	next    int

	dropped atomic.Uint64
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		log:     log.With("component", "events"),
		clients: make(map[chan string]struct{}),
		recent:  make([]string, 0, recentSize),
	}
}

// Subscribe returns a channel primed with the most recent events.
func (h *Hub) Subscribe() chan string {
	ch := make(chan string, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, evt := range h.replay() {
		ch <- evt
	}
	h.clients[ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(ch chan string) {
	h.mu.Lock()
	_, ok := h.clients[ch]
	delete(h.clients, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *Hub) Publish(evt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remember(evt)
	for ch := range h.clients {
		select {
		case ch <- evt:
		default:
			if n := h.dropped.Add(1); n&(n-1) == 0 {
				h.log.Warn("dropping events for slow subscriber", "dropped_total", n)
			}
		}
	}
}

// Clients returns the number of live subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// remember and replay must be called with mu held.
func (h *Hub) remember(evt string) {
	if len(h.recent) < recentSize {
		h.recent = append(h.recent, evt)
		return
	}
	h.recent[h.next] = evt
	h.next = (h.next + 1) % recentSize
}

func (h *Hub) replay() []string {
	out := make([]string, 0, len(h.recent))
	out = append(out, h.recent[h.next:]...)
	return append(out, h.recent[:h.next]...)
}
