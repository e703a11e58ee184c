package bus

import (
	"context"
	"sync"
)

const localQueueSize = 1024

// LocalBus is an in-process bus. Subscribers created on the same LocalBus
// behave like separate workers sharing one broker, which makes it the test
// double for the network backends.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[*localSub]struct{}
	closed bool
}

type localSub struct {
	ch   chan Event
	stop chan struct{}
	once sync.Once
}

func (s *localSub) close() { s.once.Do(func() { close(s.stop) }) }

// NewLocalBus constructs an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[*localSub]struct{})}
}

// Publish enqueues ev for every live subscriber. It only waits when a
// subscriber's queue is full, and gives up when ctx is done.
func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		case <-s.stop:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers h. It is live when Subscribe returns.
func (b *LocalBus) Subscribe(ctx context.Context, h Handler) (*Subscription, error) {
	s := &localSub{ch: make(chan Event, localQueueSize), stop: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	sub := newSubscription()
	go func() {
		defer func() {
			// Closing stop first releases a Publish blocked on this queue,
			// which holds the read lock the delete below waits for.
			s.close()
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				sub.finish(ctx.Err())
				return
			case <-s.stop:
				sub.finish(ErrClosed)
				return
			case ev := <-s.ch:
				h(ev)
			}
		}
	}()
	return sub, nil
}

// Close stops every subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subs {
		s.close()
	}
	return nil
}
