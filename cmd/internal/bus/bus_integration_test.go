package bus

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled per backend by environment:
//   CHATROOM_TEST_DATABASE_URL, CHATROOM_TEST_REDIS_ADDR, CHATROOM_TEST_AMQP_URL.

func TestPostgresBus_Fanout(t *testing.T) {
	raw := mustEnv(t, "CHATROOM_TEST_DATABASE_URL")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	b, err := NewPostgresBus(nil, pool, fmt.Sprintf("chatroom_it_%d", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	testFanout(t, b, b)
}

func TestPostgresBus_RejectsLargePayload(t *testing.T) {
	raw := mustEnv(t, "CHATROOM_TEST_DATABASE_URL")

	pool, err := pgxpool.New(context.Background(), raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	b, err := NewPostgresBus(nil, pool, "chatroom_it_large")
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	ev, _ := NewEvent("w", TypeMessageNew, strings.Repeat("x", pgMaxPayloadBytes))
	if err := b.Publish(context.Background(), ev); err == nil {
		t.Fatalf("expected ErrPayloadTooLarge")
	}
}

func TestRedisBus_Fanout(t *testing.T) {
	addr := mustEnv(t, "CHATROOM_TEST_REDIS_ADDR")

	b, err := NewRedisBus(nil, addr, fmt.Sprintf("chatroom-it-%d", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer b.Close()

	testFanout(t, b, b)
}

func TestAMQPBus_Fanout(t *testing.T) {
	url := mustEnv(t, "CHATROOM_TEST_AMQP_URL")

	b, err := NewAMQPBus(nil, url, fmt.Sprintf("chatroom-it-%d", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer b.Close()

	testFanout(t, b, b)
}

func TestNewPostgresBus_ValidatesChannel(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresBus(nil, nil, "chatroom"); err == nil {
		t.Fatalf("expected error for nil pool")
	}
	if _, err := NewPostgresBus(nil, &pgxpool.Pool{}, "Bad-Channel"); err == nil {
		t.Fatalf("expected error for invalid channel")
	}
}

func mustEnv(t *testing.T, key string) string {
	t.Helper()

	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		t.Skipf("integration test skipped: %s is not set", key)
	}
	return v
}
