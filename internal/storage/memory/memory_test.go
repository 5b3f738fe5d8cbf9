package memory

import (
	"context"
	"testing"
	"time"
)

func TestReplayRecordsExpireByClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := now
	store := New().WithClock(func() time.Time { return current })

	inserted, err := store.RecordAssertionID(ctx, "_assertion-1", now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("RecordAssertionID: %v", err)
	}
	if !inserted {
		t.Fatal("expected first record to insert")
	}
	if inserted, _ = store.RecordAssertionID(ctx, "_assertion-1", now.Add(5*time.Minute)); inserted {
		t.Fatal("expected a live record to block reinsertion")
	}

	// Once the record expires it no longer counts as seen.
	current = now.Add(5*time.Minute + time.Second)
	if inserted, _ = store.RecordAssertionID(ctx, "_assertion-1", current.Add(5*time.Minute)); !inserted {
		t.Fatal("expected an expired record to be replaceable")
	}

	if inserted, _ = store.RecordTOTPStep(ctx, "principal-1", 100, current.Add(time.Minute)); !inserted {
		t.Fatal("expected first step record to insert")
	}
	if inserted, _ = store.RecordTOTPStep(ctx, "principal-1", 100, current.Add(time.Minute)); inserted {
		t.Fatal("expected a live step record to block reinsertion")
	}
	current = current.Add(2 * time.Minute)
	if inserted, _ = store.RecordTOTPStep(ctx, "principal-1", 100, current.Add(time.Minute)); !inserted {
		t.Fatal("expected an expired step record to be replaceable")
	}
}
