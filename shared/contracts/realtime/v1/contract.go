// Package v1 defines the chatroom realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and clients (including the smoke tool)
// to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by the gateway.
const Subprotocol = "chatroom.v1"

// Type constants (wire-stable).
const (
	// TypeHello carries the connect handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck completes the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeIdentityAssigned tells a client its alias and color (server -> client, once).
	TypeIdentityAssigned = "identity_assigned"

	// TypeMessageSubmit submits a message (client -> server).
	TypeMessageSubmit = "message_submit"
	// TypeMessageAck acknowledges a submission (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew delivers a persisted message (server -> clients).
	TypeMessageNew = "message_new"

	// TypeHistoryLoad requests older messages (client -> server).
	TypeHistoryLoad = "history_load"
	// TypeHistoryPrepend carries a page of older messages, oldest first (server -> client).
	TypeHistoryPrepend = "history_prepend"
	// TypeHistoryAck reports how many rows a history request delivered (server -> client).
	TypeHistoryAck = "history_ack"

	// TypeServerNotice is a plain text join/leave announcement (server -> clients).
	TypeServerNotice = "server_notice"
	// TypeOnlineCount carries the current connection count (server -> clients).
	TypeOnlineCount = "online_count"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeIdentityAssigned,
		TypeMessageSubmit,
		TypeMessageAck,
		TypeMessageNew,
		TypeHistoryLoad,
		TypeHistoryPrepend,
		TypeHistoryAck,
		TypeServerNotice,
		TypeOnlineCount,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}
