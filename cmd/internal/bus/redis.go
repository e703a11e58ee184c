package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	radix "github.com/mediocregopher/radix/v3"
)

const redisPoolSize = 10

// RedisBus broadcasts with PUBLISH/SUBSCRIBE on one channel.
// Subscriptions use radix's persistent pub/sub, which reconnects on its own.
type RedisBus struct {
	log     *slog.Logger
	addr    string
	channel string
	client  radix.Client
}

// NewRedisBus dials a connection pool for publishing.
func NewRedisBus(log *slog.Logger, addr, channel string) (*RedisBus, error) {
	if addr == "" || channel == "" {
		return nil, errors.New("bus: redis addr and channel are required")
	}
	if log == nil {
		log = slog.Default()
	}
	pool, err := radix.NewPool("tcp", addr, redisPoolSize)
	if err != nil {
		return nil, fmt.Errorf("bus: redis pool: %w", err)
	}
	return &RedisBus{log: log, addr: addr, channel: channel, client: pool}, nil
}

// Publish sends ev with PUBLISH. radix does not take a context; ctx is only
// checked before the call.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := b.client.Do(radix.FlatCmd(nil, "PUBLISH", b.channel, data)); err != nil {
		return fmt.Errorf("bus: redis publish: %w", err)
	}
	return nil
}

// Subscribe opens a persistent pub/sub connection and subscribes to the channel.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) (*Subscription, error) {
	ps, err := radix.PersistentPubSubWithOpts("tcp", b.addr)
	if err != nil {
		return nil, fmt.Errorf("bus: redis pubsub: %w", err)
	}

	msgCh := make(chan radix.PubSubMessage, localQueueSize)
	if err := ps.Subscribe(msgCh, b.channel); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus: redis subscribe: %w", err)
	}

	sub := newSubscription()
	go func() {
		defer func() {
			_ = ps.Unsubscribe(msgCh, b.channel)
			_ = ps.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				sub.finish(ctx.Err())
				return
			case m := <-msgCh:
				ev, err := decodeEvent(m.Message)
				if err != nil {
					b.log.Warn("bus.redis.decode.fail", "channel", b.channel, "err", err)
					continue
				}
				h(ev)
			}
		}
	}()
	return sub, nil
}

// Close closes the publish pool.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
