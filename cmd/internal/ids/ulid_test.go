package ids

import (
	"testing"
	"time"
)

func TestNewULID_SortsWithinMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if len(id) != 26 || !Valid(id) {
			t.Fatalf("bad ulid %q", id)
		}
		if id <= prev {
			t.Fatalf("ids out of order at %d: %s <= %s", i, id, prev)
		}
		prev = id
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "not-a-ulid", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if Valid(s) {
			t.Fatalf("Valid(%q)=true", s)
		}
	}
}
