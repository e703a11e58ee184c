package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	v1 "chatroom/shared/contracts/realtime/v1"
)

func testEnvelope(typ, id string) v1.Envelope {
	return v1.Envelope{V: v1.Version, Type: typ, ID: id}
}

func TestClient_EnqueueDropsWhenFullOrClosed(t *testing.T) {
	c := NewClient("s1", 1)
	if cap(c.Send) < 1 {
		t.Fatalf("expected a buffered send queue")
	}

	for i := 0; i < cap(c.Send); i++ {
		if !c.Enqueue(testEnvelope(v1.TypeServerNotice, "n")) {
			t.Fatalf("enqueue %d should succeed", i)
		}
	}
	if c.Enqueue(testEnvelope(v1.TypeServerNotice, "overflow")) {
		t.Fatalf("enqueue on a full queue must not block or succeed")
	}

	c.Close()
	c.Close()
	<-c.Done()
	if c.Enqueue(testEnvelope(v1.TypeServerNotice, "late")) {
		t.Fatalf("enqueue after Close should fail")
	}
}

func TestClient_HoldReleaseDropsCoveredMessages(t *testing.T) {
	c := NewClient("s1", 16)
	c.Hold()

	c.Deliver(testEnvelope(v1.TypeMessageNew, "m3"), 3)
	c.Deliver(testEnvelope(v1.TypeServerNotice, "notice"), 0)
	c.Deliver(testEnvelope(v1.TypeMessageNew, "m5"), 5)

	if len(c.Send) != 0 {
		t.Fatalf("held deliveries must not reach the queue, got %d", len(c.Send))
	}

	// Direct sends bypass the hold.
	c.Enqueue(testEnvelope(v1.TypeMessageNew, "replay4"))

	if err := c.Release(context.Background(), 4); err != nil {
		t.Fatalf("Release: %v", err)
	}

	want := []string{"replay4", "notice", "m5"}
	for _, id := range want {
		got := <-c.Send
		if got.ID != id {
			t.Fatalf("expected %q, got %q", id, got.ID)
		}
	}
	if len(c.Send) != 0 {
		t.Fatalf("unexpected extra envelopes: %d", len(c.Send))
	}

	c.Deliver(testEnvelope(v1.TypeMessageNew, "m6"), 6)
	if got := <-c.Send; got.ID != "m6" {
		t.Fatalf("after Release deliveries go straight through, got %q", got.ID)
	}
}

func TestClient_CoveredIDsStayDroppedAfterRelease(t *testing.T) {
	c := NewClient("s1", 16)
	c.Hold()
	if err := c.Release(context.Background(), 10); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// A bus event for a replayed message can arrive after the release.
	c.Deliver(testEnvelope(v1.TypeMessageNew, "late7"), 7)
	c.Deliver(testEnvelope(v1.TypeMessageNew, "late10"), 10)
	c.Deliver(testEnvelope(v1.TypeServerNotice, "notice"), 0)
	c.Deliver(testEnvelope(v1.TypeMessageNew, "m11"), 11)

	for _, id := range []string{"notice", "m11"} {
		if got := <-c.Send; got.ID != id {
			t.Fatalf("expected %q, got %q", id, got.ID)
		}
	}
	if len(c.Send) != 0 {
		t.Fatalf("covered messages leaked through: %d extra", len(c.Send))
	}
}

func TestClient_EnqueueWait(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 1)
	if err := c.EnqueueWait(context.Background(), testEnvelope(v1.TypeMessageNew, "a")); err != nil {
		t.Fatalf("EnqueueWait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.EnqueueWait(ctx, testEnvelope(v1.TypeMessageNew, "b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline on a full queue, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.EnqueueWait(context.Background(), testEnvelope(v1.TypeMessageNew, "c")) }()
	<-c.Send
	if err := <-done; err != nil {
		t.Fatalf("EnqueueWait after drain: %v", err)
	}

	c.Close()
	if err := c.EnqueueWait(context.Background(), testEnvelope(v1.TypeMessageNew, "d")); !errors.Is(err, errClientClosed) {
		t.Fatalf("expected errClientClosed, got %v", err)
	}
}

func TestClient_ReleaseFlushesMoreThanQueue(t *testing.T) {
	c := NewClient("s1", 4)
	c.Hold()

	const n = 50
	for i := 1; i <= n; i++ {
		c.Deliver(testEnvelope(v1.TypeMessageNew, fmt.Sprint(i)), int64(i))
	}

	done := make(chan error, 1)
	go func() { done <- c.Release(context.Background(), 0) }()

	for i := 1; i <= n; i++ {
		select {
		case got := <-c.Send:
			if got.ID != fmt.Sprint(i) {
				t.Fatalf("out of order: want %d, got %s", i, got.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("flush stalled after %d envelopes", i-1)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestClient_HoldOverflowFailsRelease(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 8)
	c.Hold()
	for i := 0; i <= clientMaxHeld; i++ {
		c.Deliver(testEnvelope(v1.TypeServerNotice, "n"), 0)
	}
	if err := c.Release(context.Background(), 0); !errors.Is(err, errHoldOverflow) {
		t.Fatalf("expected errHoldOverflow, got %v", err)
	}
}
