package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	ev, err := NewEvent("worker-a", TypeOnlineCount, map[string]int{"count": 3})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if len(ev.ID) != 26 || ev.Origin != "worker-a" || ev.Type != TypeOnlineCount || ev.TS.IsZero() {
		t.Fatalf("unexpected event: %+v", ev)
	}

	data, err := encodeEvent(ev)
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	back, err := decodeEvent(data)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	var p struct{ Count int }
	if err := json.Unmarshal(back.Payload, &p); err != nil || p.Count != 3 {
		t.Fatalf("payload round trip: %+v err=%v", p, err)
	}

	if _, err := decodeEvent([]byte(`{"id":""}`)); err == nil {
		t.Fatalf("expected malformed event error")
	}
	if _, err := encodeEvent(Event{}); err == nil {
		t.Fatalf("expected malformed event error on encode")
	}
}

func TestLocalBus_FanoutToEverySubscriber(t *testing.T) {
	t.Parallel()

	b := NewLocalBus()
	defer b.Close()

	testFanout(t, b, b)
}

func TestLocalBus_CancelledSubscriberStopsReceiving(t *testing.T) {
	t.Parallel()

	b := NewLocalBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, func(Event) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	if err := waitSub(sub); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}

	ev, _ := NewEvent("w", TypeServerNotice, "x")
	pubCtx, pubCancel := context.WithTimeout(context.Background(), time.Second)
	defer pubCancel()
	if err := b.Publish(pubCtx, ev); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestLocalBus_Close(t *testing.T) {
	t.Parallel()

	b := NewLocalBus()
	sub, err := b.Subscribe(context.Background(), func(Event) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := waitSub(sub); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from subscription, got %v", err)
	}

	ev, _ := NewEvent("w", TypeServerNotice, "x")
	if err := b.Publish(context.Background(), ev); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from publish, got %v", err)
	}
	if _, err := b.Subscribe(context.Background(), func(Event) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from subscribe, got %v", err)
	}
}

// testFanout checks that two workers' subscriptions each receive every event
// exactly once, in publish order for a single publisher.
func TestLocalBus_ExitingSubscriberReleasesBlockedPublish(t *testing.T) {
	t.Parallel()

	b := NewLocalBus()
	defer b.Close()

	inHandler := make(chan struct{})
	release := make(chan struct{})
	var first sync.Once
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, func(Event) {
		first.Do(func() {
			close(inHandler)
			<-release
		})
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev, err := NewEvent("w", TypeServerNotice, map[string]string{"text": "x"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	pub := func() error {
		pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pcancel()
		return b.Publish(pctx, ev)
	}

	// One event parks the handler, the rest fill the queue.
	if err := pub(); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	<-inHandler
	for i := 0; i < localQueueSize; i++ {
		if err := pub(); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	blocked := make(chan error, 1)
	go func() { blocked <- pub() }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	close(release)

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("blocked Publish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Publish stayed blocked after the subscriber exited")
	}
	_ = waitSub(sub)
}

func testFanout(t *testing.T, pubBus Bus, subBus Bus) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 20

	type inbox struct {
		mu  sync.Mutex
		ids []string
		all chan struct{}
	}
	newInbox := func() *inbox { return &inbox{all: make(chan struct{})} }
	handler := func(in *inbox) Handler {
		return func(ev Event) {
			in.mu.Lock()
			defer in.mu.Unlock()
			in.ids = append(in.ids, ev.ID)
			if len(in.ids) == n {
				close(in.all)
			}
		}
	}

	workerA, workerB := newInbox(), newInbox()
	if _, err := subBus.Subscribe(ctx, handler(workerA)); err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	if _, err := subBus.Subscribe(ctx, handler(workerB)); err != nil {
		t.Fatalf("subscribe B: %v", err)
	}

	sent := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ev, err := NewEvent("worker-a", TypeMessageNew, fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		if err := pubBus.Publish(ctx, ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		sent = append(sent, ev.ID)
	}

	for name, in := range map[string]*inbox{"A": workerA, "B": workerB} {
		select {
		case <-in.all:
		case <-time.After(5 * time.Second):
			t.Fatalf("worker %s: timed out waiting for %d events", name, n)
		}
		// Give a stray duplicate a chance to show up.
		time.Sleep(50 * time.Millisecond)

		in.mu.Lock()
		got := append([]string(nil), in.ids...)
		in.mu.Unlock()

		if len(got) != n {
			t.Fatalf("worker %s: expected %d events, got %d", name, n, len(got))
		}
		for i := range sent {
			if got[i] != sent[i] {
				t.Fatalf("worker %s: event %d out of order", name, i)
			}
		}
	}
}

func waitSub(sub *Subscription) error {
	select {
	case <-sub.Done():
		return sub.Err()
	case <-time.After(2 * time.Second):
		return errors.New("subscription did not stop")
	}
}
