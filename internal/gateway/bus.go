package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/clawgate/clawgate/pkg/models"
)

// DefaultSubscriberBuffer is the event buffer per subscriber. A
// subscriber that falls this far behind starts losing events.
const DefaultSubscriberBuffer = 256

// Subscription is one attached event consumer. Events arrive in
// emission order; there is no replay, so a late subscriber misses
// everything published before it attached.
type Subscription struct {
	ch  chan models.GatewayEvent
	bus *Bus

	closeOnce sync.Once
}

// Events returns the subscriber's event channel. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan models.GatewayEvent {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Bus is the gateway's in-process event bus. Publish stamps each event
// with a monotonic sequence number and the emission time, then fans it
// out to every subscriber without blocking: a full subscriber buffer
// drops the event for that subscriber only.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe attaches a consumer with the given buffer size (0 means
// DefaultSubscriberBuffer).
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{ch: make(chan models.GatewayEvent, buffer), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish stamps and delivers event to all current subscribers.
func (b *Bus) Publish(event models.GatewayEvent) {
	b.mu.Lock()
	b.seq++
	event.Sequence = b.seq
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				"type", event.Type, "seq", event.Sequence)
		}
	}
	b.mu.Unlock()
}
