package realtime

import (
	"sync"
	"testing"
	"time"

	v1 "chatroom/shared/contracts/realtime/v1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistry_AttachBroadcastDetach(t *testing.T) {
	r := NewRegistry(discardLogger())
	a, b := NewClient("a", 8), NewClient("b", 8)
	r.Attach(a)
	r.Attach(b)

	if r.Count() != 2 {
		t.Fatalf("expected 2 live clients, got %d", r.Count())
	}

	r.Broadcast(testEnvelope(v1.TypeServerNotice, "n1"), 0)
	for _, c := range []*Client{a, b} {
		if got := <-c.Send; got.ID != "n1" {
			t.Fatalf("%s: expected n1, got %q", c.SessionID, got.ID)
		}
	}

	r.Detach(a, "", Identity{})
	if r.Count() != 1 {
		t.Fatalf("expected 1 live client, got %d", r.Count())
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Detach should close the client")
	}

	r.Broadcast(testEnvelope(v1.TypeServerNotice, "n2"), 0)
	if len(a.Send) != 0 {
		t.Fatalf("detached client must not receive broadcasts")
	}
}

func TestRegistry_BroadcastNeverBlocks(t *testing.T) {
	r := NewRegistry(discardLogger())
	slow := NewClient("slow", wsMinSendQueueSize)
	r.Attach(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10*wsMinSendQueueSize; i++ {
			r.Broadcast(testEnvelope(v1.TypeServerNotice, "n"), 0)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Broadcast blocked on a full client queue")
	}
}

func TestRegistry_ReattachDeliversParkedBuffer(t *testing.T) {
	r := NewRegistry(discardLogger())
	old := NewClient("old", 8)
	r.Attach(old)
	id := Identity{Alias: "快乐熊猫-101", Color: "#123456"}
	r.Detach(old, "tok", id)

	r.Broadcast(testEnvelope(v1.TypeMessageNew, "m1"), 1)
	r.Broadcast(testEnvelope(v1.TypeServerNotice, "n1"), 0)

	fresh := NewClient("fresh", 8)
	got, ok := r.Reattach("tok", fresh)
	if !ok || got != id {
		t.Fatalf("Reattach = %+v, %v", got, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("reattached client should be live, count=%d", r.Count())
	}
	for _, want := range []string{"m1", "n1"} {
		if e := <-fresh.Send; e.ID != want {
			t.Fatalf("expected %q, got %q", want, e.ID)
		}
	}

	if _, ok := r.Reattach("tok", NewClient("again", 8)); ok {
		t.Fatalf("a parked session is resumable once")
	}
}

func TestRegistry_ParkedSessionExpiresAndOverflows(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(discardLogger(),
		WithRecoveryWindow(time.Minute),
		WithRecoveryBuffer(2),
		withClock(clk.Now),
	)

	r.Detach(NewClient("a", 8), "expire", Identity{Alias: "a"})
	r.Detach(NewClient("b", 8), "overflow", Identity{Alias: "b"})

	for i := 0; i < 3; i++ {
		r.Broadcast(testEnvelope(v1.TypeServerNotice, "n"), 0)
	}
	if _, ok := r.Reattach("overflow", NewClient("b2", 8)); ok {
		t.Fatalf("overflowed session must not be resumable")
	}

	clk.Advance(2 * time.Minute)
	if n := r.Sweep(); n != 0 {
		// "expire" was pruned by the overflow broadcast too (same buffer cap).
		t.Fatalf("expected nothing left to sweep, got %d", n)
	}

	r.Detach(NewClient("c", 8), "late", Identity{Alias: "c"})
	clk.Advance(61 * time.Second)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if _, ok := r.Reattach("late", NewClient("c2", 8)); ok {
		t.Fatalf("expired session must not be resumable")
	}
}

func TestRegistry_ZeroWindowDisablesParking(t *testing.T) {
	r := NewRegistry(discardLogger(), WithRecoveryWindow(0))
	r.Detach(NewClient("a", 8), "tok", Identity{Alias: "a"})
	if _, ok := r.Reattach("tok", NewClient("a2", 8)); ok {
		t.Fatalf("recovery should be disabled")
	}
}
