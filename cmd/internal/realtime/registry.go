package realtime

import (
	"log/slog"
	"sync"
	"time"

	v1 "chatroom/shared/contracts/realtime/v1"
)

const (
	defaultRecoveryWindow = 2 * time.Minute
	defaultRecoveryBuffer = 256
)

// Registry is this worker's live connection set and the fanout target for bus
// events.
//
// Concurrency guarantees:
//   - Attach/Detach/Reattach are safe under concurrent Broadcast.
//   - Broadcast never blocks (drops under backpressure).
//   - Broadcast is panic-safe because Client.Send is never closed by the server.
//
// Disconnected sessions can be parked for a grace window. A parked session
// keeps its identity and buffers the broadcasts it misses; Reattach hands both
// to the new connection.
type Registry struct {
	log *slog.Logger

	window time.Duration
	maxBuf int
	now    func() time.Time

	mu       sync.Mutex
	clients  map[string]*Client
	detached map[string]*detachedSession
}

type detachedSession struct {
	identity Identity
	expires  time.Time
	buf      []v1.Envelope
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRecoveryWindow sets how long a disconnected session stays recoverable.
// Zero disables transport-level recovery.
func WithRecoveryWindow(d time.Duration) RegistryOption {
	return func(r *Registry) { r.window = d }
}

// WithRecoveryBuffer caps the envelopes buffered per parked session.
func WithRecoveryBuffer(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxBuf = n
		}
	}
}

func withClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:      log,
		window:   defaultRecoveryWindow,
		maxBuf:   defaultRecoveryBuffer,
		now:      time.Now,
		clients:  make(map[string]*Client),
		detached: make(map[string]*detachedSession),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Attach adds a client to the live set.
func (r *Registry) Attach(client *Client) {
	if client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.clients[client.SessionID] = client
	r.mu.Unlock()

	r.log.Debug("registry.attach", "session_id", client.SessionID)
}

// Reattach restores the session parked under token onto client. The parked
// buffer is delivered to client before any later broadcast. It reports false
// when nothing recoverable is parked under token.
func (r *Registry) Reattach(token string, client *Client) (Identity, bool) {
	if token == "" || client == nil {
		return Identity{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.detached[token]
	if !ok {
		return Identity{}, false
	}
	delete(r.detached, token)
	if !r.now().Before(d.expires) {
		return Identity{}, false
	}

	for _, env := range d.buf {
		client.Deliver(env, 0)
	}
	r.clients[client.SessionID] = client

	r.log.Debug("registry.reattach", "session_id", client.SessionID, "replayed", len(d.buf))
	return d.identity, true
}

// Detach removes a client from the live set and signals its shutdown. When
// token is non-empty and recovery is enabled, the session is parked.
func (r *Registry) Detach(client *Client, token string, identity Identity) {
	if client == nil {
		return
	}

	r.mu.Lock()
	delete(r.clients, client.SessionID)
	if token != "" && r.window > 0 {
		r.detached[token] = &detachedSession{
			identity: identity,
			expires:  r.now().Add(r.window),
		}
	}
	r.mu.Unlock()

	// Signal client shutdown after removing from the live set.
	// This ordering avoids race windows where a broadcaster still holds a pointer
	// while the client goroutines are being torn down.
	client.Close()

	r.log.Debug("registry.detach", "session_id", client.SessionID, "parked", token != "" && r.window > 0)
}

// Count is the number of live connections on this worker.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Broadcast fans out env to every live client and buffers it for every
// parked session. msgID is the message id for message_new envelopes.
func (r *Registry) Broadcast(env v1.Envelope, msgID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clients {
		select {
		case <-c.Done():
			continue
		default:
		}
		// Drop rather than block the whole worker.
		_ = c.Deliver(env, msgID)
	}

	now := r.now()
	for token, d := range r.detached {
		if !now.Before(d.expires) || len(d.buf) >= r.maxBuf {
			// Expired or overflowed: the client falls back to offset recovery.
			delete(r.detached, token)
			continue
		}
		d.buf = append(d.buf, env)
	}
}

// Sweep drops expired parked sessions.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for token, d := range r.detached {
		if !now.Before(d.expires) {
			delete(r.detached, token)
			n++
		}
	}
	return n
}
