package chatlog

import (
	"context"
	"sort"
	"sync"
)

// MemoryLog is a dev-only Log used when no database is configured.
// It is per-process: workers backed by separate MemoryLogs do not share history.
type MemoryLog struct {
	mu     sync.Mutex
	lastID int64
	tokens map[string]int64 // idempotency_token -> id
	msgs   []Message        // ordered by id
}

// NewMemoryLog constructs an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		tokens: make(map[string]int64),
		msgs:   make([]Message, 0, 256),
	}
}

// Append stores content under token unless the token is already known.
func (l *MemoryLog) Append(ctx context.Context, content, token string) (AppendResult, error) {
	if err := validateAppend(content, token); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.tokens[token]; ok {
		return AppendResult{ID: id, Duplicate: true}, nil
	}

	l.lastID++
	l.tokens[token] = l.lastID
	l.msgs = append(l.msgs, Message{ID: l.lastID, Token: token, Content: content})

	return AppendResult{ID: l.lastID}, nil
}

// ReadRange returns every message with id > afterID, ascending.
func (l *MemoryLog) ReadRange(ctx context.Context, afterID int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := sort.Search(len(l.msgs), func(i int) bool { return l.msgs[i].ID > afterID })
	return append([]Message(nil), l.msgs[start:]...), nil
}

// ReadPage returns up to limit messages with id < beforeID, descending.
func (l *MemoryLog) ReadPage(ctx context.Context, beforeID int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampPage(limit)

	l.mu.Lock()
	defer l.mu.Unlock()

	end := sort.Search(len(l.msgs), func(i int) bool { return l.msgs[i].ID >= beforeID })
	out := make([]Message, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.msgs[i])
	}
	return out, nil
}

// Ping always succeeds.
func (l *MemoryLog) Ping(context.Context) error { return nil }

// Close is a noop.
func (l *MemoryLog) Close() error { return nil }
