package chatlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryLog_Append_UniqueTokens_IncreasingIDs(t *testing.T) {
	t.Parallel()

	l := NewMemoryLog()
	ctx := context.Background()

	var prev int64
	for i := 0; i < 20; i++ {
		res, err := l.Append(ctx, fmt.Sprintf("a: m%d", i), fmt.Sprintf("tok-%d", i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.Duplicate {
			t.Fatalf("append %d: unexpected duplicate", i)
		}
		if res.ID <= prev {
			t.Fatalf("append %d: id %d not greater than %d", i, res.ID, prev)
		}
		prev = res.ID
	}

	all, err := l.ReadRange(ctx, 0)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(all) != 20 {
		t.Fatalf("expected 20 rows, got %d", len(all))
	}
}

func TestMemoryLog_Append_DuplicateToken(t *testing.T) {
	t.Parallel()

	l := NewMemoryLog()
	ctx := context.Background()

	first, err := l.Append(ctx, "a: hello", "tok")
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := l.Append(ctx, "a: hello again", "tok")
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected Duplicate=true")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate id mismatch: first=%d second=%d", first.ID, second.ID)
	}

	all, _ := l.ReadRange(ctx, 0)
	if len(all) != 1 || all[0].Content != "a: hello" {
		t.Fatalf("expected single original row, got %+v", all)
	}
}

func TestMemoryLog_Append_ConcurrentSameToken(t *testing.T) {
	t.Parallel()

	l := NewMemoryLog()
	ctx := context.Background()

	const n = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := l.Append(ctx, "a: x", "same")
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			if !res.Duplicate {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Fatalf("expected exactly one non-duplicate append, got %d", fresh)
	}
	all, _ := l.ReadRange(ctx, 0)
	if len(all) != 1 {
		t.Fatalf("expected 1 row, got %d", len(all))
	}
}

func TestMemoryLog_Append_InvalidInput(t *testing.T) {
	t.Parallel()

	l := NewMemoryLog()
	ctx := context.Background()

	if _, err := l.Append(ctx, "a: x", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty token: expected ErrInvalidInput, got %v", err)
	}
	if _, err := l.Append(ctx, "", "tok"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty content: expected ErrInvalidInput, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := l.Append(cancelled, "a: x", "tok"); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled ctx: expected context.Canceled, got %v", err)
	}
}

func TestMemoryLog_ReadRange_And_ReadPage(t *testing.T) {
	t.Parallel()

	l := seedMemoryLog(t, 15)
	ctx := context.Background()

	got, err := l.ReadRange(ctx, 5)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	assertIDs(t, got, 6, 15, true)

	page, err := l.ReadPage(ctx, MaxID, 10)
	if err != nil {
		t.Fatalf("read page newest: %v", err)
	}
	assertIDs(t, page, 15, 6, false)

	page, err = l.ReadPage(ctx, 6, 10)
	if err != nil {
		t.Fatalf("read page before 6: %v", err)
	}
	assertIDs(t, page, 5, 1, false)

	page, err = l.ReadPage(ctx, 1, 10)
	if err != nil {
		t.Fatalf("read page before 1: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page below id 1, got %d rows", len(page))
	}

	if got := Reverse(page); len(got) != 0 {
		t.Fatalf("Reverse(empty) returned %d rows", len(got))
	}
}

func seedMemoryLog(t *testing.T, n int) *MemoryLog {
	t.Helper()

	l := NewMemoryLog()
	for i := 1; i <= n; i++ {
		if _, err := l.Append(context.Background(), fmt.Sprintf("u%d: m%d", i, i), fmt.Sprintf("tok-%d", i)); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	return l
}

func assertIDs(t *testing.T, msgs []Message, from, to int64, asc bool) {
	t.Helper()

	want := from - to + 1
	if asc {
		want = to - from + 1
	}
	if int64(len(msgs)) != want {
		t.Fatalf("expected %d rows, got %d", want, len(msgs))
	}
	for i, m := range msgs {
		exp := from - int64(i)
		if asc {
			exp = from + int64(i)
		}
		if m.ID != exp {
			t.Fatalf("row %d: expected id=%d got=%d", i, exp, m.ID)
		}
	}
}
