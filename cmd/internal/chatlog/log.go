// Package chatlog is the durable, append-only message log.
//
// Every message gets a server-assigned id that is strictly increasing and never
// reused, and is keyed by a client supplied idempotency token that is unique
// across the whole log. Retrying an Append with the same token never creates a
// second row.
package chatlog

import (
	"context"
	"errors"
	"math"
)

const (
	// MaxID is the "newest" sentinel for ReadPage.
	MaxID int64 = math.MaxInt64

	// DefaultPageSize is used when ReadPage is called with limit <= 0.
	DefaultPageSize = 10
	// MaxPageSize caps ReadPage.
	MaxPageSize = 200

	// maxTokenBytes mirrors the token column width of the SQL backends.
	maxTokenBytes = 128
)

// ErrInvalidInput is returned for an empty token, an oversized token, or empty content.
var ErrInvalidInput = errors.New("chatlog: invalid input")

// Message is one persisted row.
type Message struct {
	ID      int64
	Token   string
	Content string
}

// AppendResult is the outcome of Append.
//
// Duplicate is true when a row with the same token already existed; ID is then
// the id of that original row, or 0 when the backend could not read it back.
type AppendResult struct {
	ID        int64
	Duplicate bool
}

// Log persists and reads messages.
//
// Requirements for implementations:
//   - Append is atomic with respect to the token uniqueness constraint.
//   - Ids are strictly increasing in commit order (a reader never sees id N+1
//     before id N committed). Gaps are allowed.
//   - ReadRange returns ids > afterID ascending.
//   - ReadPage returns at most limit ids < beforeID, descending.
type Log interface {
	Append(ctx context.Context, content, token string) (AppendResult, error)
	ReadRange(ctx context.Context, afterID int64) ([]Message, error)
	ReadPage(ctx context.Context, beforeID int64, limit int) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Migrator is implemented by backends that own a schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

func validateAppend(content, token string) error {
	if token == "" || len(token) > maxTokenBytes || content == "" {
		return ErrInvalidInput
	}
	return nil
}

func clampPage(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// Reverse reverses msgs in place and returns it.
// ReadPage results are descending; callers replaying them reverse first.
func Reverse(msgs []Message) []Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}
