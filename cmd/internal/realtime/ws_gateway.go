package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	v1 "chatroom/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsMinSendQueueSize = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig holds the transport knobs of the WebSocket gateway. Zero
// values pick defaults, except AllowedOrigins which is taken as given.
type GatewayConfig struct {
	OriginRequired bool
	AllowedOrigins []string
	DevInsecure    bool

	SendQueueSize    int
	WriteTimeout     time.Duration
	HelloTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig is secure by default: an Origin header is required and
// only localhost is allowed.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		SendQueueSize:    sendQueueSize,
		WriteTimeout:     wsDefaultWriteTimeout,
		HelloTimeout:     helloTimeout,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// WSGateway is the WebSocket entrypoint.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// requires a hello as the first frame, and routes validated envelopes to the
// connection's Session.
type WSGateway struct {
	log *slog.Logger
	svc *Service
	cfg GatewayConfig

	origins        originPolicy
	originPatterns []string
}

// NewWSGateway constructs a gateway over svc.
func NewWSGateway(log *slog.Logger, svc *Service, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}

	def := DefaultGatewayConfig()
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = max(def.SendQueueSize, wsMinSendQueueSize)
	}
	cfg.WriteTimeout = nonZero(cfg.WriteTimeout, def.WriteTimeout)
	cfg.HelloTimeout = nonZero(cfg.HelloTimeout, def.HelloTimeout)
	cfg.HeartbeatEvery = nonZero(cfg.HeartbeatEvery, def.HeartbeatEvery)
	cfg.HeartbeatTimeout = nonZero(cfg.HeartbeatTimeout, def.HeartbeatTimeout)
	cfg.RateWindow = nonZero(cfg.RateWindow, def.RateWindow)
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = def.RateEvents
	}

	g := &WSGateway{
		log:     log,
		svc:     svc,
		cfg:     cfg,
		origins: originPolicy{required: cfg.OriginRequired, allowed: cleanOrigins(cfg.AllowedOrigins)},
	}
	g.originPatterns = g.origins.patterns()
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// connection loop until either side goes away.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(sessionID, g.cfg.SendQueueSize)
	sess := g.svc.NewSession(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send; the session
	// removes the client from the registry before closing it.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, client, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, conn, client, shutdown)
	}()

	if g.handshake(ctx, conn, sess, shutdown) {
		g.readLoop(ctx, conn, sess, shutdown)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handshake waits for the hello and starts the session. It reports whether
// the connection should continue.
func (g *WSGateway) handshake(ctx context.Context, conn *websocket.Conn, sess *Session, shutdown func(websocket.StatusCode, string)) bool {
	hctx, hcancel := context.WithTimeout(ctx, g.cfg.HelloTimeout)
	env, err := readEnvelope(hctx, conn)
	hcancel()
	if err != nil {
		if errors.Is(err, errBadJSON) {
			g.rejectNow(ctx, conn, sess, CodeBadRequest, "invalid JSON", "hello required")
			return false
		}
		g.log.Info("ws.hello.fail", "session_id", sess.client.SessionID, "err", err)
		shutdown(websocket.StatusPolicyViolation, "hello required")
		return false
	}

	if err := env.Validate(); err != nil || env.Type != v1.TypeHello {
		g.rejectNow(ctx, conn, sess, CodeBadRequest, "first frame must be hello", "hello required")
		return false
	}

	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.rejectNow(ctx, conn, sess, CodeBadRequest, "invalid hello payload", "hello required")
			return false
		}
	}

	if err := sess.Start(ctx, p); err != nil {
		g.log.Warn("ws.session.start.fail", "session_id", sess.client.SessionID, "err", err)
		if errors.Is(err, errHoldOverflow) {
			// The client reconnects with the last id it received.
			shutdown(websocket.StatusTryAgainLater, "resync required")
			return false
		}
		shutdown(websocket.StatusInternalError, "session failed")
		return false
	}
	return true
}

// readLoop processes requests one at a time. Reads carry no deadline: a peer
// that only listens stays connected while it answers pings, and the heartbeat
// loop tears down peers that stop answering.
func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session, shutdown func(websocket.StatusCode, string)) {
	sessionID := sess.client.SessionID
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		env, err := readEnvelope(ctx, conn)

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				sess.sendError(CodeBadRequest, "invalid JSON")
				continue
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !rl.Allow(time.Now()) {
			g.log.Info("ws.rate_limited", "session_id", sessionID)
			g.rejectNow(ctx, conn, sess, CodeRateLimited, "too many events", "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			sess.sendError(CodeBadRequest, err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeMessageSubmit:
			var p v1.MessageSubmitPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				sess.sendError(CodeBadRequest, "invalid message_submit payload")
				continue
			}
			sess.Submit(ctx, env.ID, p)

		case v1.TypeHistoryLoad:
			var p v1.HistoryLoadPayload
			if len(env.Payload) > 0 {
				if err := json.Unmarshal(env.Payload, &p); err != nil {
					sess.sendError(CodeBadRequest, "invalid history_load payload")
					continue
				}
			}
			sess.LoadHistory(ctx, env.ID, p)

		case v1.TypeHello:
			sess.sendError(CodeBadRequest, "duplicate hello")

		default:
			sess.sendError(CodeUnknownType, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}
}

// rejectNow writes an error envelope synchronously, bypassing the send queue
// so it reaches the peer before the policy close, then closes the connection.
func (g *WSGateway) rejectNow(ctx context.Context, conn *websocket.Conn, sess *Session, code, msg, reason string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err == nil {
		if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
			g.log.Info("ws.write.fail", "session_id", sess.client.SessionID, "err", err)
		}
	}
	sess.Close()
	_ = conn.Close(websocket.StatusPolicyViolation, reason)
}

func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (g *WSGateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- envelope IO ----

var errBadJSON = errors.New("realtime: invalid JSON frame")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
