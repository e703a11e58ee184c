package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pg_notify rejects payloads of 8000 bytes or more.
const pgMaxPayloadBytes = 7900

var pgChannelRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresBus broadcasts through LISTEN/NOTIFY on one channel.
// It does not own the pool.
type PostgresBus struct {
	log     *slog.Logger
	pool    *pgxpool.Pool
	channel string
	retry   time.Duration
}

// NewPostgresBus constructs a bus on channel (lowercase identifier).
func NewPostgresBus(log *slog.Logger, pool *pgxpool.Pool, channel string) (*PostgresBus, error) {
	if pool == nil {
		return nil, errors.New("bus: nil pool")
	}
	if !pgChannelRE.MatchString(channel) {
		return nil, fmt.Errorf("bus: invalid channel %q", channel)
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresBus{log: log, pool: pool, channel: channel, retry: time.Second}, nil
}

// Publish sends ev with pg_notify.
func (b *PostgresBus) Publish(ctx context.Context, ev Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if len(data) > pgMaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(data)); err != nil {
		return fmt.Errorf("bus: notify: %w", err)
	}
	return nil
}

// Subscribe holds one dedicated connection in LISTEN mode. A dropped connection is
// re-established; notifications sent while disconnected are lost.
func (b *PostgresBus) Subscribe(ctx context.Context, h Handler) (*Subscription, error) {
	conn, err := b.listen(ctx)
	if err != nil {
		return nil, err
	}

	sub := newSubscription()
	go func() {
		defer func() {
			if conn != nil {
				_ = conn.Close(context.Background())
			}
		}()

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					sub.finish(ctx.Err())
					return
				}
				b.log.Warn("bus.postgres.listen.fail", "channel", b.channel, "err", err)
				_ = conn.Close(context.Background())
				conn = nil
				if conn, err = b.relisten(ctx); err != nil {
					sub.finish(err)
					return
				}
				continue
			}

			ev, err := decodeEvent([]byte(n.Payload))
			if err != nil {
				b.log.Warn("bus.postgres.decode.fail", "channel", b.channel, "err", err)
				continue
			}
			h(ev)
		}
	}()
	return sub, nil
}

// listen takes a connection out of the pool for good: a LISTEN session must
// never be handed back to other pool users.
func (b *PostgresBus) listen(ctx context.Context) (*pgx.Conn, error) {
	pc, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus: acquire: %w", err)
	}
	conn := pc.Hijack()
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("bus: listen: %w", err)
	}
	return conn, nil
}

func (b *PostgresBus) relisten(ctx context.Context) (*pgx.Conn, error) {
	t := time.NewTicker(b.retry)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		conn, err := b.listen(ctx)
		if err == nil {
			b.log.Info("bus.postgres.listen.restored", "channel", b.channel)
			return conn, nil
		}
		b.log.Warn("bus.postgres.listen.retry", "channel", b.channel, "err", err)
	}
}

// Close is a no-op because the pool is owned by the caller.
func (b *PostgresBus) Close() error { return nil }
