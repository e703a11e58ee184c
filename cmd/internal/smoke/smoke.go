// Package smoke is an end-to-end WebSocket check against a running worker.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello -> hello_ack + identity_assigned
//   - submit -> ack and fanout of message_new to a second client
//   - idempotent dedupe by idempotency_token
//   - history_load backfill
//   - reconnect with recovery token or server offset
package smoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "chatroom/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20 // 1MiB

// Options controls a smoke run.
type Options struct {
	URL     string
	Origin  string
	Text    string
	Timeout time.Duration // per step
	Quiet   time.Duration // how long "nothing arrives" is observed
}

// Result summarises a passing run.
type Result struct {
	SessionA  string
	SessionB  string
	MessageID int64
	Recovered bool
}

type client struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	token     string
	alias     string

	inbox chan v1.Envelope
	errCh chan error
}

// Run executes the scenario and returns the first failed expectation.
func Run(ctx context.Context, o Options) (Result, error) {
	if o.Timeout <= 0 {
		o.Timeout = 7 * time.Second
	}
	if o.Quiet <= 0 {
		o.Quiet = 1200 * time.Millisecond
	}
	if o.Text == "" {
		o.Text = "hello chatroom"
	}
	if err := validateWSURL(o.URL); err != nil {
		return Result{}, fmt.Errorf("invalid url: %w", err)
	}
	if err := validateOrigin(o.Origin); err != nil {
		return Result{}, fmt.Errorf("invalid origin: %w", err)
	}

	a, err := connect(ctx, "A", o, v1.HelloPayload{})
	if err != nil {
		return Result{}, err
	}
	defer a.close()

	b, err := connect(ctx, "B", o, v1.HelloPayload{})
	if err != nil {
		return Result{}, err
	}
	defer b.close()

	token := uuid.NewString()
	id, err := a.submit(ctx, token, o.Text, o.Timeout)
	if err != nil {
		return Result{}, err
	}
	if err := b.expectMessage(ctx, id, o.Timeout); err != nil {
		return Result{}, err
	}

	dupID, err := a.submit(ctx, token, o.Text, o.Timeout)
	if err != nil {
		return Result{}, err
	}
	if dupID != 0 && dupID != id {
		return Result{}, fmt.Errorf("dedupe: id mismatch first=%d second=%d", id, dupID)
	}
	if err := b.expectNone(ctx, v1.TypeMessageNew, o.Quiet); err != nil {
		return Result{}, fmt.Errorf("dedupe: %w", err)
	}

	if err := b.expectHistoryContains(ctx, id, o.Timeout); err != nil {
		return Result{}, err
	}

	// Drop A and come back with its token and an offset just below the message.
	a.close()
	c, err := connect(ctx, "C", o, v1.HelloPayload{ServerOffset: id - 1, RecoveryToken: a.token})
	if err != nil {
		return Result{}, err
	}
	defer c.close()

	recovered := c.recovered
	if !recovered {
		if err := c.expectMessage(ctx, id, o.Timeout); err != nil {
			return Result{}, fmt.Errorf("offset recovery: %w", err)
		}
	} else if c.alias != a.alias {
		return Result{}, fmt.Errorf("recovered alias mismatch: got=%q want=%q", c.alias, a.alias)
	}

	return Result{SessionA: a.sessionID, SessionB: b.sessionID, MessageID: id, Recovered: recovered}, nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// connectedClient carries the handshake outcome next to the client.
type connectedClient struct {
	*client
	recovered bool
}

func connect(parent context.Context, name string, o Options, hello v1.HelloPayload) (*connectedClient, error) {
	ctx, cancel := context.WithTimeout(parent, o.Timeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(o.Origin) != "" {
		h.Set("Origin", o.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, o.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol")
		return nil, fmt.Errorf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &client{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	if err := c.write(parent, v1.TypeHello, name+"-hello", hello, o.Timeout); err != nil {
		c.close()
		return nil, err
	}

	ackEnv, err := c.readUntilType(parent, v1.TypeHelloAck, o.Timeout, nil)
	if err != nil {
		c.close()
		return nil, err
	}
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		c.close()
		return nil, fmt.Errorf("unmarshal hello_ack (%s): %w", name, err)
	}
	if strings.TrimSpace(ack.SessionID) == "" {
		c.close()
		return nil, fmt.Errorf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID, c.token = ack.SessionID, ack.RecoveryToken

	idEnv, err := c.readUntilType(parent, v1.TypeIdentityAssigned, o.Timeout, nil)
	if err != nil {
		c.close()
		return nil, err
	}
	var id v1.IdentityAssignedPayload
	if err := json.Unmarshal(idEnv.Payload, &id); err != nil || id.Alias == "" {
		c.close()
		return nil, fmt.Errorf("identity_assigned missing alias (%s)", name)
	}
	c.alias = id.Alias

	return &connectedClient{client: c, recovered: ack.Recovered}, nil
}

func (c *client) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *client) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *client) submit(ctx context.Context, token, text string, stepTimeout time.Duration) (int64, error) {
	ref := fmt.Sprintf("%s-submit-%s", c.name, uuid.NewString())
	if err := c.write(ctx, v1.TypeMessageSubmit, ref, v1.MessageSubmitPayload{Text: text, IdempotencyToken: token}, stepTimeout); err != nil {
		return 0, err
	}

	skip := skipSet(v1.TypeMessageNew, v1.TypeServerNotice, v1.TypeOnlineCount)
	for {
		env, err := c.readUntilType(ctx, v1.TypeMessageAck, stepTimeout, skip)
		if err != nil {
			return 0, err
		}
		var p v1.MessageAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return 0, fmt.Errorf("unmarshal message_ack (%s): %w", c.name, err)
		}
		if p.Ref == ref {
			return p.ID, nil
		}
	}
}

func (c *client) expectMessage(ctx context.Context, id int64, stepTimeout time.Duration) error {
	skip := skipSet(v1.TypeServerNotice, v1.TypeOnlineCount, v1.TypeMessageNew)
	deadline := time.Now().Add(stepTimeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return fmt.Errorf("timeout waiting for message_new id=%d (%s)", id, c.name)
		}
		env, err := c.readUntilType(ctx, v1.TypeMessageNew, left, skip)
		if err != nil {
			return err
		}
		var p v1.MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal message_new (%s): %w", c.name, err)
		}
		if p.ID == id {
			if len(p.Payload) == 0 {
				return fmt.Errorf("message_new id=%d has no payload (%s)", id, c.name)
			}
			return nil
		}
	}
}

func (c *client) expectHistoryContains(ctx context.Context, id int64, stepTimeout time.Duration) error {
	ref := c.name + "-history"
	if err := c.write(ctx, v1.TypeHistoryLoad, ref, v1.HistoryLoadPayload{EarliestKnownID: id + 1}, stepTimeout); err != nil {
		return err
	}

	skip := skipSet(v1.TypeServerNotice, v1.TypeOnlineCount, v1.TypeMessageNew)
	env, err := c.readUntilType(ctx, v1.TypeHistoryPrepend, stepTimeout, skip)
	if err != nil {
		return err
	}
	var p v1.HistoryPrependPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal history_prepend (%s): %w", c.name, err)
	}
	if n := len(p.Messages); n == 0 || p.Messages[n-1].ID != id {
		return fmt.Errorf("history_prepend should end with id=%d (%s)", id, c.name)
	}

	ackEnv, err := c.readUntilType(ctx, v1.TypeHistoryAck, stepTimeout, skip)
	if err != nil {
		return err
	}
	var ack v1.HistoryAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		return fmt.Errorf("unmarshal history_ack (%s): %w", c.name, err)
	}
	if ack.Ref != ref || ack.Count != len(p.Messages) {
		return fmt.Errorf("history_ack mismatch (%s): %+v, prepend=%d", c.name, ack, len(p.Messages))
	}
	return nil
}

func (c *client) expectNone(parent context.Context, forbiddenType string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			return fmt.Errorf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				return fmt.Errorf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				return serverError(c.name, env)
			}
			if env.Type == forbiddenType {
				return fmt.Errorf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *client) readUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skip map[string]struct{}) (v1.Envelope, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return v1.Envelope{}, fmt.Errorf("timeout waiting for %q (%s): %w", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			return v1.Envelope{}, fmt.Errorf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				return v1.Envelope{}, fmt.Errorf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env, nil
			}
			if env.Type == v1.TypeError {
				return v1.Envelope{}, serverError(c.name, env)
			}
			if _, ok := skip[env.Type]; ok {
				continue
			}
			return v1.Envelope{}, fmt.Errorf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func (c *client) write(parent context.Context, typ, id string, payload any, stepTimeout time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("write %s (%s): %w", typ, c.name, err)
	}
	return nil
}

func (c *client) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func serverError(name string, env v1.Envelope) error {
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	return fmt.Errorf("server error (%s): code=%q msg=%q", name, ep.Code, ep.Message)
}

func skipSet(types ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}
