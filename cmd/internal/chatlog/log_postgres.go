package chatlog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresLog is a Log backed by PostgreSQL.
//
// Ownership model:
//   - PostgresLog does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a transactional advisory lock, so ids commit in order and a
//     duplicate token never consumes an identity value.
type PostgresLog struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresLog behavior.
type PostgresOption func(*PostgresLog) error

// WithSchema sets the DB schema used by this log (default: "chatroom").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(l *PostgresLog) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chatlog: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chatlog: invalid schema identifier")
		}
		l.schema = schema
		return nil
	}
}

// NewPostgresLog constructs a Postgres-backed Log.
func NewPostgresLog(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresLog, error) {
	l := &PostgresLog{
		pool:   pool,
		schema: "chatroom",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.pool == nil {
		return nil, errors.New("chatlog: nil pool")
	}
	return l, nil
}

// Migrate creates the schema and the messages table if missing.
func (l *PostgresLog) Migrate(ctx context.Context) error {
	messages := pgIdent(l.schema, "messages")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{l.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		   id                BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		   idempotency_token TEXT NOT NULL,
		   content           TEXT NOT NULL,
		   created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		   CONSTRAINT uq_messages_idempotency_token UNIQUE (idempotency_token),
		   CONSTRAINT chk_messages_token_len CHECK (char_length(idempotency_token) BETWEEN 1 AND 128)
		 )`,
	}
	for _, s := range stmts {
		if _, err := l.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("chatlog: migrate: %w", err)
		}
	}
	return nil
}

// Append inserts content under token, or reports the existing row for a known token.
func (l *PostgresLog) Append(ctx context.Context, content, token string) (AppendResult, error) {
	if l == nil || l.pool == nil {
		return AppendResult{}, errors.New("chatlog: nil log")
	}
	if err := validateAppend(content, token); err != nil {
		return AppendResult{}, err
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(l.schema, "messages")

	// One lock for the whole log: commit order must equal id order, otherwise a
	// client could record offset N+1 before N becomes visible and skip N on recovery.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, messages); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var existing int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM `+messages+` WHERE idempotency_token = $1`,
		token,
	).Scan(&existing)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{ID: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (idempotency_token, content, created_at)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		token, content, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// A writer outside the advisory lock raced us; the constraint still wins.
			return AppendResult{Duplicate: true}, nil
		}
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{ID: id}, nil
}

// ReadRange returns every message with id > afterID, ascending.
func (l *PostgresLog) ReadRange(ctx context.Context, afterID int64) ([]Message, error) {
	if l == nil || l.pool == nil {
		return nil, errors.New("chatlog: nil log")
	}

	rows, err := l.pool.Query(ctx,
		`SELECT id, idempotency_token, content
		   FROM `+pgIdent(l.schema, "messages")+`
		  WHERE id > $1
		  ORDER BY id ASC`,
		afterID,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ReadPage returns up to limit messages with id < beforeID, descending.
func (l *PostgresLog) ReadPage(ctx context.Context, beforeID int64, limit int) ([]Message, error) {
	if l == nil || l.pool == nil {
		return nil, errors.New("chatlog: nil log")
	}

	rows, err := l.pool.Query(ctx,
		`SELECT id, idempotency_token, content
		   FROM `+pgIdent(l.schema, "messages")+`
		  WHERE id < $1
		  ORDER BY id DESC
		  LIMIT $2`,
		beforeID, clampPage(limit),
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// Ping checks that a connection can be acquired.
func (l *PostgresLog) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Close is a no-op because the pool is owned by the caller.
func (l *PostgresLog) Close() error { return nil }

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Token, &m.Content); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
