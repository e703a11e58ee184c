package v1

import "encoding/json"

// HelloPayload opens a session. ServerOffset is the highest message id the
// client has rendered (0 when unknown). RecoveryToken is the token from a
// previous hello_ack, if the client has one.
type HelloPayload struct {
	ServerOffset  int64  `json:"server_offset,omitempty"`
	RecoveryToken string `json:"recovery_token,omitempty"`
}

// HelloAckPayload answers the handshake. Recovered reports whether the
// transport restored a previous session's state.
type HelloAckPayload struct {
	SessionID     string `json:"session_id"`
	RecoveryToken string `json:"recovery_token"`
	Recovered     bool   `json:"recovered"`
}

// IdentityAssignedPayload is sent once per session.
type IdentityAssignedPayload struct {
	Alias string `json:"alias"`
	Color string `json:"color,omitempty"`
}

// MessageSubmitPayload submits text under a client generated idempotency token.
type MessageSubmitPayload struct {
	Text             string `json:"text"`
	IdempotencyToken string `json:"idempotency_token"`
}

// MessageAckPayload acknowledges the submit envelope identified by Ref.
// ID is zero when the submission was a duplicate and the store could not
// report the original id.
type MessageAckPayload struct {
	Ref string `json:"ref"`
	ID  int64  `json:"id,omitempty"`
}

// MessagePayload is the structured message shape of the rich variant.
type MessagePayload struct {
	Alias   string `json:"alias"`
	Content string `json:"content"`
	Color   string `json:"color"`
}

// MessageNewPayload carries a message and its id. Payload is either a
// MessagePayload object (rich variant) or a plain "alias: text" string
// (simple variant).
type MessageNewPayload struct {
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// HistoryLoadPayload asks for messages strictly older than EarliestKnownID.
// Zero or negative means "the most recent page".
type HistoryLoadPayload struct {
	EarliestKnownID int64 `json:"earliest_known_id"`
}

// HistoryPrependPayload is a backfill batch, oldest first.
type HistoryPrependPayload struct {
	Messages []MessageNewPayload `json:"messages"`
}

// HistoryAckPayload reports the number of rows delivered for request Ref.
type HistoryAckPayload struct {
	Ref   string `json:"ref"`
	Count int    `json:"count"`
}

// ServerNoticePayload is a plain text announcement.
type ServerNoticePayload struct {
	Text string `json:"text"`
}

// OnlineCountPayload carries the current connection count.
type OnlineCountPayload struct {
	Count int `json:"count"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
