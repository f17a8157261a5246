package events

import (
	"sync"

	"github.com/jonathan/investigator/internal/metrics"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 256

// Subscription receives the events of one topic until closed
type Subscription struct {
	topic string
	ch    chan Event
	b     *Broadcaster
	once  sync.Once
}

// C is the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() string {
	return s.topic
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.b.remove(s) })
}

// Broadcaster fans events out to the subscribers attached to each topic.
// Publish never blocks: a subscriber whose buffer is full misses the event.
// Nothing is persisted; late subscribers pull a full_state snapshot instead.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	logger *zap.Logger
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to buffer events
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

var _ Publisher = (*Broadcaster)(nil)

// Subscribe attaches a new subscriber to topic
func (b *Broadcaster) Subscribe(topic string) *Subscription {
	s := &Subscription{topic: topic, ch: make(chan Event, b.buffer), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	metrics.Subscribers.Inc()
	return s
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[s.topic]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.topics, s.topic)
	}
	close(s.ch)
	metrics.Subscribers.Dec()
}

// Publish delivers ev to every subscriber of ev.Topic without blocking
func (b *Broadcaster) Publish(ev Event) {
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.topics[ev.Topic] {
		select {
		case s.ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
			b.logger.Warn("subscriber buffer full, event dropped",
				zap.String("topic", ev.Topic),
				zap.String("type", string(ev.Type)),
			)
		}
	}
}

// SubscriberCount returns the number of subscribers attached to topic
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close detaches every subscriber; later subscriptions are closed immediately
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for s := range subs {
			close(s.ch)
			metrics.Subscribers.Dec()
		}
		delete(b.topics, topic)
	}
}
