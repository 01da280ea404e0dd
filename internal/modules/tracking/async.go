// README: Buffered single-worker publisher so simulation ticks never wait on sink I/O.
package tracking

import (
	"context"
	"log/slog"
	"sync"

	"parcelnet/internal/metrics"
)

// AsyncPublisher forwards envelopes to a sink from one goroutine, so the sink
// observes them in publish order. When the buffer is full, droppable position
// updates are discarded and status transitions wait for room.
type AsyncPublisher struct {
	name   string
	sink   Publisher
	queue  chan Envelope
	log    *slog.Logger
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewAsyncPublisher(name string, sink Publisher, buffer int, log *slog.Logger) *AsyncPublisher {
	if buffer < 1 {
		buffer = 1
	}
	a := &AsyncPublisher{
		name:   name,
		sink:   sink,
		queue:  make(chan Envelope, buffer),
		log:    log.With("sink", name),
		closed: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AsyncPublisher) Publish(ctx context.Context, env Envelope) error {
	select {
	case <-a.closed:
		return nil
	default:
	}
	select {
	case a.queue <- env:
		return nil
	default:
	}
	if env.Droppable() {
		metrics.TrackingDroppedTotal.WithLabelValues(a.name).Inc()
		return nil
	}
	select {
	case a.queue <- env:
		return nil
	case <-a.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncPublisher) run() {
	defer a.wg.Done()
	for {
		select {
		case env := <-a.queue:
			a.deliver(env)
		case <-a.closed:
			for {
				select {
				case env := <-a.queue:
					a.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncPublisher) deliver(env Envelope) {
	if err := a.sink.Publish(context.Background(), env); err != nil {
		metrics.TrackingErrorsTotal.WithLabelValues(a.name).Inc()
		a.log.Warn("tracking publish failed", "type", env.Type, "order_id", env.OrderID(), "err", err)
		return
	}
	metrics.TrackingPublishedTotal.WithLabelValues(a.name).Inc()
}

// Close stops accepting envelopes and flushes what is already buffered.
func (a *AsyncPublisher) Close() {
	a.once.Do(func() { close(a.closed) })
	a.wg.Wait()
}
