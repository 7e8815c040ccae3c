// Redis-backed Bus for deployments where producers and the coordinator run
// in separate processes. Local delivery still flows through the in-process
// queues, so subscriber backpressure behaves identically with or without
// the broker.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// PubSubClient is the minimal broker surface the bus needs. The concrete
// go-redis adapter lives in internal/infra; this package does not import a
// driver.
type PubSubClient interface {
	// Publish sends a message to a broker channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a callback for messages on a channel and returns
	// an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus distributes messages through a broker channel per topic. When a
// publish fails it falls back to local-only delivery so the in-process
// pipeline keeps running end to end.
type RedisBus struct {
	mu     sync.Mutex
	local  *InProcBus
	client PubSubClient
	prefix string // broker channel prefix, e.g. "rakshak:"

	brokerSubs map[string]func() // topic -> unsubscribe
	closed     bool
}

// NewRedisBus wraps a broker client. queueSize <= 0 selects the default.
func NewRedisBus(client PubSubClient, channelPrefix string, queueSize int) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "rakshak:"
	}
	return &RedisBus{
		local:      NewInProcBus(queueSize),
		client:     client,
		prefix:     channelPrefix,
		brokerSubs: make(map[string]func()),
	}
}

// Publish sends payload through the broker. Delivery back to local
// subscribers happens via the broker subscription; if the broker is down the
// message is delivered locally instead.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := b.client.Publish(ctx, b.prefix+topic, payload); err != nil {
		slog.Warn("[RedisBus] Publish failed, delivering locally", "topic", topic, "error", err)
		return b.local.Publish(ctx, topic, payload)
	}
	return nil
}

// Subscribe registers a local subscriber and ensures a broker subscription
// exists for each topic. Broker messages are fanned out through the local
// bounded queues.
func (b *RedisBus) Subscribe(topics ...string) (*Subscription, error) {
	sub, err := b.local.Subscribe(topics...)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		if _, ok := b.brokerSubs[topic]; ok {
			continue
		}
		t := topic
		unsub, err := b.client.Subscribe(context.Background(), b.prefix+t, func(data []byte) {
			if err := b.local.Publish(context.Background(), t, data); err != nil && err != ErrClosed {
				slog.Warn("[RedisBus] Local fan-out failed", "topic", t, "error", err)
			}
		})
		if err != nil {
			slog.Warn("[RedisBus] Broker subscribe failed, local-only mode", "topic", t, "error", err)
			continue
		}
		b.brokerSubs[t] = unsub
	}
	return sub, nil
}

// Close tears down broker subscriptions and the local bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, unsub := range b.brokerSubs {
		unsub()
	}
	b.brokerSubs = nil
	b.mu.Unlock()

	return b.local.Close()
}
