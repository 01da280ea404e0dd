// README: In-process fan-out of tracking envelopes to live subscribers (SSE streams).
package tracking

import (
	"context"
	"sync"

	"parcelnet/internal/metrics"
)

// Hub never blocks publishers: a subscriber whose buffer is full misses the envelope.
// The latest pool snapshot is replayed to new subscribers.
type Hub struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]chan Envelope
	lastPool *Envelope
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Envelope{}}
}

// Subscribe registers a listener. The returned cancel func closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Envelope, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	if h.lastPool != nil {
		ch <- *h.lastPool
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, env Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if env.Type == TypePool {
		e := env
		h.lastPool = &e
	}
	for _, ch := range h.subs {
		select {
		case ch <- env:
		default:
			metrics.TrackingDroppedTotal.WithLabelValues("hub").Inc()
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
