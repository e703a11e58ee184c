package realtime

import (
	"context"
	"errors"
	"sync"

	v1 "chatroom/shared/contracts/realtime/v1"
)

const clientMaxHeld = 1024

var (
	errClientClosed = errors.New("realtime: client closed")
	// errHoldOverflow means more broadcasts arrived during a replay than the
	// hold buffer keeps. The connection must resync from its last message id.
	errHoldOverflow = errors.New("realtime: hold buffer overflow")
)

// Client is one connected session's outbound side.
//
// Design notes:
//   - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
//   - done is used to signal goroutines to stop.
//   - Close is idempotent.
//   - While a replay is in progress the client holds broadcast deliveries and
//     releases them afterwards.
//   - Release records the replay's high-water mark. message_new deliveries at or
//     below it are dropped from then on, because ids commit in order and the
//     replay already carried every one of them.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	holding  bool
	overflow bool
	held     []heldEnvelope
	covered  int64
}

type heldEnvelope struct {
	env   v1.Envelope
	msgID int64
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Enqueue is a non-blocking send to this client only.
// It returns false when the queue is full or the client is shutting down.
func (c *Client) Enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// EnqueueWait blocks until env is queued, the client closes, or ctx is done.
// Replays use it so a backlog larger than the queue is paced by the writer
// instead of dropped.
func (c *Client) EnqueueWait(ctx context.Context, env v1.Envelope) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.Send <- env:
		return nil
	case <-c.done:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver is the broadcast path and never blocks. msgID is the message id for
// message_new envelopes and 0 for everything else.
func (c *Client) Deliver(env v1.Envelope, msgID int64) bool {
	c.mu.Lock()
	if msgID > 0 && msgID <= c.covered {
		c.mu.Unlock()
		return true
	}
	if c.holding {
		if len(c.held) >= clientMaxHeld {
			c.overflow = true
			c.mu.Unlock()
			return false
		}
		c.held = append(c.held, heldEnvelope{env: env, msgID: msgID})
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	return c.Enqueue(env)
}

// Hold starts buffering broadcast deliveries.
func (c *Client) Hold() {
	c.mu.Lock()
	c.holding = true
	c.mu.Unlock()
}

// Release raises the high-water mark to coveredID, flushes held deliveries in
// arrival order and resumes direct delivery. The flush blocks on a full queue
// and stops early when ctx is done or the client closes. It returns
// errHoldOverflow when deliveries were lost while holding.
func (c *Client) Release(ctx context.Context, coveredID int64) error {
	c.mu.Lock()
	c.covered = max(c.covered, coveredID)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.overflow {
			c.held = nil
			c.holding = false
			c.mu.Unlock()
			return errHoldOverflow
		}
		batch, covered := c.held, c.covered
		c.held = nil
		if len(batch) == 0 {
			c.holding = false
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		// Deliveries that land while the batch is flushed queue up behind it.
		for _, h := range batch {
			if h.msgID > 0 && h.msgID <= covered {
				continue
			}
			if err := c.EnqueueWait(ctx, h.env); err != nil {
				return err
			}
		}
	}
}
