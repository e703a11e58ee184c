package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatroom/cmd/internal/bus"
	"chatroom/cmd/internal/chatlog"
	"chatroom/cmd/internal/metrics"
	v1 "chatroom/shared/contracts/realtime/v1"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error codes sent in error envelopes.
const (
	CodeBadRequest   = "bad_request"
	CodeRateLimited  = "rate_limited"
	CodeNotReady     = "not_ready"
	CodeUnknownType  = "unsupported_type"
	CodeInternalFail = "internal"
)

var errSessionState = errors.New("realtime: session not in expected state")

// Session is the server side of one connection. Submissions and history
// requests are expected one at a time from the connection's reader goroutine.
type Session struct {
	svc    *Service
	client *Client
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	identity  Identity
	token     string
	recovered bool
}

// NewSession binds client to the service. The session starts CONNECTING.
func (s *Service) NewSession(client *Client) *Session {
	return &Session{
		svc:    s,
		client: client,
		log:    s.log.With("session_id", client.SessionID),
		state:  StateConnecting,
	}
}

// State returns the current lifecycle state.
func (ss *Session) State() State {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

// Identity returns the alias and color of the session (zero until ACTIVE).
func (ss *Session) Identity() Identity {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.identity
}

// Recovered reports whether the transport restored a parked session.
func (ss *Session) Recovered() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.recovered
}

// Start handles the hello handshake and makes the session ACTIVE. It runs the
// offset-based replay when the transport did not recover anything.
//
// Broadcasts are held for the whole of Start so the client sees, in order:
// hello_ack, identity_assigned, the replay (or the parked buffer), then live
// traffic without duplicates. The replay and the flush of held broadcasts
// block on a full send queue. An error means the connection has to go: the
// client closed, ctx ended, or the hold buffer overflowed (errHoldOverflow).
func (ss *Session) Start(ctx context.Context, hello v1.HelloPayload) error {
	ss.mu.Lock()
	if ss.state != StateConnecting {
		ss.mu.Unlock()
		return errSessionState
	}
	ss.mu.Unlock()

	svc := ss.svc
	ss.client.Hold()

	identity, recovered := svc.registry.Reattach(hello.RecoveryToken, ss.client)
	if !recovered {
		identity = svc.assigner.Assign()
		svc.registry.Attach(ss.client)
	}
	token := NewRecoveryToken()

	ss.mu.Lock()
	ss.state = StateActive
	ss.identity = identity
	ss.token = token
	ss.recovered = recovered
	ss.mu.Unlock()

	svc.metrics.SessionsTotal.WithLabelValues(fmt.Sprint(recovered)).Inc()
	ss.log.Info("session.active",
		"alias", identity.Alias,
		"recovered", recovered,
		"server_offset", hello.ServerOffset,
	)

	ss.send(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID:     ss.client.SessionID,
		RecoveryToken: token,
		Recovered:     recovered,
	})
	assigned := v1.IdentityAssignedPayload{Alias: identity.Alias}
	if svc.variant == VariantRich {
		assigned.Color = identity.Color
	}
	ss.send(v1.TypeIdentityAssigned, assigned)

	svc.publishNotice(ctx, fmt.Sprintf("%s 加入了聊天室", identity.Alias))
	svc.publishCount(ctx)

	var covered int64
	if !recovered {
		var err error
		if covered, err = ss.replay(ctx, hello.ServerOffset); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
	}
	if err := ss.client.Release(ctx, covered); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Submit runs the submission protocol for one message_submit envelope. ref is
// the submit envelope id and is echoed in the ack.
func (ss *Session) Submit(ctx context.Context, ref string, p v1.MessageSubmitPayload) {
	svc := ss.svc
	if ss.State() != StateActive {
		ss.sendError(CodeNotReady, "session is not active")
		return
	}

	if msg := validateSubmit(p); msg != "" {
		svc.metrics.Appends.WithLabelValues(metrics.AppendInvalid).Inc()
		ss.sendError(CodeBadRequest, msg)
		return
	}

	identity := ss.Identity()
	content := chatlog.Content{Alias: identity.Alias, Text: p.Text, Color: identity.Color}
	stored, err := chatlog.Encode(svc.encoding, content)
	if err != nil {
		ss.log.Error("session.encode.fail", "err", err)
		ss.sendError(CodeInternalFail, "cannot encode message")
		return
	}
	wire, err := svc.clientPayload(content)
	if err != nil {
		ss.log.Error("session.encode.fail", "err", err)
		ss.sendError(CodeInternalFail, "cannot encode message")
		return
	}

	// A disconnect must not abort a write that may already be committing.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), svc.appendTimeout)
	defer cancel()

	res, err := svc.store.Append(wctx, stored, p.IdempotencyToken)
	if err != nil {
		if errors.Is(err, chatlog.ErrInvalidInput) {
			svc.metrics.Appends.WithLabelValues(metrics.AppendInvalid).Inc()
			ss.sendError(CodeBadRequest, "invalid message")
			return
		}
		// No ack: the client retries with the same token.
		svc.metrics.Appends.WithLabelValues(metrics.AppendError).Inc()
		ss.log.Warn("session.append.fail", "ref", ref, "err", err)
		return
	}

	if res.Duplicate {
		svc.metrics.Appends.WithLabelValues(metrics.AppendDuplicate).Inc()
		ss.log.Debug("session.append.duplicate", "ref", ref, "message_id", res.ID)
		ss.send(v1.TypeMessageAck, v1.MessageAckPayload{Ref: ref, ID: res.ID})
		return
	}
	svc.metrics.Appends.WithLabelValues(metrics.AppendNew).Inc()

	err = svc.publish(context.WithoutCancel(ctx), bus.TypeMessageNew, v1.MessageNewPayload{
		ID:      res.ID,
		Payload: wire,
	})
	if err != nil {
		// The row is durable; recovery and scroll-back repair the gap.
		ss.log.Warn("session.publish.fail", "ref", ref, "message_id", res.ID, "err", err)
	}
	ss.send(v1.TypeMessageAck, v1.MessageAckPayload{Ref: ref, ID: res.ID})
}

// Close moves the session to DISCONNECTED. An ACTIVE session announces its
// departure and, after the count delay, the new online count. Close is
// idempotent.
func (ss *Session) Close() {
	ss.mu.Lock()
	prev := ss.state
	ss.state = StateDisconnected
	identity, token := ss.identity, ss.token
	ss.mu.Unlock()

	svc := ss.svc
	if prev != StateActive {
		if prev == StateConnecting {
			ss.client.Close()
		}
		return
	}

	svc.registry.Detach(ss.client, token, identity)
	ss.log.Info("session.disconnected", "alias", identity.Alias)

	ctx := context.Background()
	svc.publishNotice(ctx, fmt.Sprintf("%s 离开了聊天室", identity.Alias))
	time.AfterFunc(svc.countDelay, func() {
		svc.publishCount(ctx)
	})
}

func validateSubmit(p v1.MessageSubmitPayload) string {
	switch {
	case strings.TrimSpace(p.Text) == "":
		return "text is required"
	case utf8.RuneCountInString(p.Text) > maxMessageChars:
		return fmt.Sprintf("text exceeds %d characters", maxMessageChars)
	case strings.TrimSpace(p.IdempotencyToken) == "":
		return "idempotency_token is required"
	default:
		return ""
	}
}

// sendWait is send for replays: it blocks until the envelope is queued.
func (ss *Session) sendWait(ctx context.Context, typ string, payload any) error {
	env, err := newEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return ss.client.EnqueueWait(ctx, env)
}

// send enqueues a direct envelope for this client only. It bypasses the hold
// buffer.
func (ss *Session) send(typ string, payload any) bool {
	env, err := newEnvelope(typ, payload)
	if err != nil {
		ss.log.Error("session.envelope.fail", "type", typ, "err", err)
		return false
	}
	if !ss.client.Enqueue(env) {
		ss.log.Warn("session.send.dropped", "type", typ)
		return false
	}
	return true
}

func (ss *Session) sendError(code, msg string) {
	ss.send(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

func newEnvelope(typ string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		TS:      now,
		Payload: raw,
	}, nil
}
