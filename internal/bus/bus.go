// Package bus provides named-topic publish/subscribe for pipeline messages.
//
// Delivery is at-most-once: a slow subscriber has its oldest queued message
// dropped rather than blocking the publisher. Ordering is FIFO per
// (publisher, topic, subscriber); there is no ordering across topics.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rakshak/backend/internal/metrics"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus is closed")

// DefaultQueueSize is the per-subscriber bounded queue length.
const DefaultQueueSize = 1024

// Message is one payload delivered to a subscriber.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is the pub/sub contract shared by the in-process and Redis-backed
// implementations. Payloads are opaque bytes; each processor owns the
// encode/decode of its topics.
type Bus interface {
	// Publish delivers payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a subscription receiving every listed topic.
	// The channel is closed when the subscription or the bus is closed.
	Subscribe(topics ...string) (*Subscription, error)

	// Close shuts the bus down and closes all outstanding subscriptions.
	Close() error
}

// Subscription is one subscriber's bounded message stream.
type Subscription struct {
	C <-chan Message

	ch     chan Message
	topics []string
	once   sync.Once
	cancel func(*Subscription)
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel(s)
		}
		close(s.ch)
	})
}

// push enqueues a message, dropping the oldest queued entry when full.
func (s *Subscription) push(msg Message) {
	select {
	case s.ch <- msg:
		return
	default:
	}
	// Queue full: evict the oldest, then retry once. If a concurrent
	// reader raced us the retry still lands.
	select {
	case <-s.ch:
	default:
	}
	metrics.BusDroppedTotal.WithLabelValues(msg.Topic).Inc()
	slog.Warn("[Bus] Subscriber queue full, dropped oldest", "topic", msg.Topic)
	select {
	case s.ch <- msg:
	default:
	}
}

// InProcBus is the in-memory Bus used when no external broker is configured.
// It is also the local delivery path of the Redis-backed bus.
type InProcBus struct {
	mu        sync.RWMutex
	subs      map[string][]*Subscription // topic -> subscribers
	queueSize int
	closed    bool
}

// NewInProcBus creates an in-process bus. queueSize <= 0 selects the default.
func NewInProcBus(queueSize int) *InProcBus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &InProcBus{
		subs:      make(map[string][]*Subscription),
		queueSize: queueSize,
	}
}

// Publish delivers payload to all subscribers of topic.
func (b *InProcBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	metrics.BusPublishedTotal.WithLabelValues(topic).Inc()
	for _, sub := range b.subs[topic] {
		sub.push(Message{Topic: topic, Payload: payload})
	}
	return nil
}

// Subscribe registers a bounded-queue subscriber for the given topics.
func (b *InProcBus) Subscribe(topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("subscribe requires at least one topic")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ch := make(chan Message, b.queueSize)
	sub := &Subscription{C: ch, ch: ch, topics: topics, cancel: b.detach}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], sub)
	}
	return sub, nil
}

// Close shuts the bus down and closes every outstanding subscription.
func (b *InProcBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	seen := make(map[*Subscription]bool)
	var all []*Subscription
	for _, subs := range b.subs {
		for _, s := range subs {
			if !seen[s] {
				seen[s] = true
				all = append(all, s)
			}
		}
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.once.Do(func() { close(s.ch) })
	}
	return nil
}

func (b *InProcBus) detach(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range target.topics {
		subs := b.subs[t]
		for i, s := range subs {
			if s == target {
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}
