// Package bus is the cross-worker broadcast channel.
//
// A worker publishes an Event once; every subscriber on every worker
// (including the publisher's own) receives it once. Events published by one
// worker keep their order; nothing orders events across workers beyond what the
// durable log already fixed.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chatroom/cmd/internal/ids"
)

// Event types carried on the bus.
const (
	TypeMessageNew   = "message.new"
	TypeServerNotice = "server.notice"
	TypeOnlineCount  = "online.count"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
	// ErrPayloadTooLarge is returned when an encoded event exceeds the backend limit.
	ErrPayloadTooLarge = errors.New("bus: payload too large")
)

// Event is one broadcast instance. ID is unique per instance; Origin is the
// publishing worker.
type Event struct {
	ID      string          `json:"id"`
	Origin  string          `json:"origin"`
	Type    string          `json:"type"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent builds an Event with a fresh ULID and payload marshalled to JSON.
func NewEvent(origin, typ string, payload any) (Event, error) {
	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Event{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: id, Origin: origin, Type: typ, TS: now, Payload: raw}, nil
}

// Handler receives events. It must not block for long: it runs on the
// subscription's delivery goroutine.
type Handler func(Event)

// Bus publishes and subscribes to events.
type Bus interface {
	// Publish hands ev to the bus. It does not wait for recipients.
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns once the subscription is live. Delivery stops when ctx
	// is cancelled or the backend fails permanently.
	Subscribe(ctx context.Context, h Handler) (*Subscription, error)
	Close() error
}

// Subscription tracks one delivery goroutine.
type Subscription struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newSubscription() *Subscription {
	return &Subscription{done: make(chan struct{})}
}

// Done is closed when delivery stops.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why delivery stopped. It is nil after a clean cancellation.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until delivery stops and returns Err.
func (s *Subscription) Wait() error {
	<-s.done
	return s.Err()
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.ID == "" || ev.Type == "" {
		return Event{}, errors.New("bus: malformed event")
	}
	return ev, nil
}

func encodeEvent(ev Event) ([]byte, error) {
	if ev.ID == "" || ev.Type == "" {
		return nil, errors.New("bus: malformed event")
	}
	return json.Marshal(ev)
}
