package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeffmichaeljohnson-tech/prayermap-sub009/internal/core/contracts"
)

// Broadcaster implements contracts.Broadcaster over Redis pub/sub.
// Topics map 1:1 to Redis channels; delivery is at-least-once and
// fan-out, which is exactly the contract the signal services assume.
type Broadcaster struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewBroadcaster(log *slog.Logger, rdb *redis.Client) *Broadcaster {
	return &Broadcaster{rdb: rdb, log: log}
}

func (b *Broadcaster) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *Broadcaster) Subscribe(
	ctx context.Context,
	topic string,
	handler func(ctx context.Context, payload []byte),
) (contracts.Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, topic)
	// Confirm the subscription before handing it out so a broken
	// transport fails setup instead of silently dropping events.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &subscription{topic: topic, pubsub: pubsub}
	go func() {
		for msg := range pubsub.Channel() {
			handler(ctx, []byte(msg.Payload))
		}
		b.log.Debug("broadcast - subscription drained", "topic", topic)
	}()
	return sub, nil
}

func (b *Broadcaster) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

type subscription struct {
	topic  string
	pubsub *redis.PubSub
	once   sync.Once
	err    error
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
	})
	return s.err
}
