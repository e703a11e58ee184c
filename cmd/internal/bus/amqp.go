package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus broadcasts through a fanout exchange. Every subscription declares
// its own exclusive, auto-delete queue bound to the exchange, so each worker
// gets its own copy of every event.
type AMQPBus struct {
	log      *slog.Logger
	conn     *amqp.Connection
	exchange string

	mu  sync.Mutex // guards pub
	pub *amqp.Channel
}

// NewAMQPBus dials url and declares the exchange.
func NewAMQPBus(log *slog.Logger, url, exchange string) (*AMQPBus, error) {
	if url == "" || exchange == "" {
		return nil, errors.New("bus: amqp url and exchange are required")
	}
	if log == nil {
		log = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("bus: amqp dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bus: amqp channel: %w", err)
	}
	if err := declareExchange(pub, exchange); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &AMQPBus{log: log, conn: conn, exchange: exchange, pub: pub}, nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: amqp exchange declare: %w", err)
	}
	return nil
}

// Publish sends ev to the exchange.
func (b *AMQPBus) Publish(ctx context.Context, ev Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn.IsClosed() {
		return ErrClosed
	}
	err = b.pub.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   ev.ID,
		Timestamp:   ev.TS,
		AppId:       ev.Origin,
		Body:        data,
	})
	if err != nil {
		return fmt.Errorf("bus: amqp publish: %w", err)
	}
	return nil
}

// Subscribe declares a private queue and consumes it with auto-ack.
// A closed connection ends the subscription with an error.
func (b *AMQPBus) Subscribe(ctx context.Context, h Handler) (*Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("bus: amqp channel: %w", err)
	}
	if err := declareExchange(ch, b.exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bus: amqp queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bus: amqp queue bind: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bus: amqp consume: %w", err)
	}

	sub := newSubscription()
	go func() {
		defer func() { _ = ch.Close() }()

		for {
			select {
			case <-ctx.Done():
				sub.finish(ctx.Err())
				return
			case d, ok := <-deliveries:
				if !ok {
					sub.finish(errors.New("bus: amqp deliveries closed"))
					return
				}
				ev, err := decodeEvent(d.Body)
				if err != nil {
					b.log.Warn("bus.amqp.decode.fail", "exchange", b.exchange, "err", err)
					continue
				}
				h(ev)
			}
		}
	}()
	return sub, nil
}

// Close closes the connection and every channel on it.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
