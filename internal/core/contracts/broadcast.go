package contracts

import (
	"context"
	"time"
)

// Broadcaster is the named-topic pub/sub transport. Delivery is
// at-least-once, best-effort, unordered across topics. Losing a
// broadcast is never fatal: durable state lives in the stores.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers every payload published to topic to handler
	// until the returned subscription is closed. Handler runs on the
	// subscription's own goroutine.
	Subscribe(ctx context.Context, topic string, handler func(ctx context.Context, payload []byte)) (Subscription, error)
	// Ping measures a transport round-trip, used for connection health.
	Ping(ctx context.Context) (time.Duration, error)
}

// Subscription is a live topic subscription. Close is idempotent.
type Subscription interface {
	Topic() string
	Close() error
}
