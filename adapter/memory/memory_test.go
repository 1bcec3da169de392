package memory

import (
	"context"
	"testing"
	"time"

	"github.com/driftcron/driftcron/adapter"
)

func TestAddIsIdempotentPerKey(t *testing.T) {
	a := New()
	ctx := context.Background()

	created, err := a.Add(ctx, "job1setTimeout", false, time.Minute)
	if err != nil || !created {
		t.Fatalf("expected first Add to create, got created=%v err=%v", created, err)
	}

	created, err = a.Add(ctx, "job1setTimeout", false, 2*time.Minute)
	if err != nil || created {
		t.Fatalf("expected second Add to update, got created=%v err=%v", created, err)
	}

	if got := a.Len(); got != 1 {
		t.Fatalf("expected 1 live record, got %d", got)
	}
}

func TestRemoveReportsWhetherARecordExisted(t *testing.T) {
	a := New()
	ctx := context.Background()
	a.Add(ctx, "k", false, time.Second)

	removed, err := a.Remove(ctx, "k")
	if err != nil || !removed {
		t.Fatalf("expected removal of existing key, got removed=%v err=%v", removed, err)
	}

	removed, err = a.Remove(ctx, "k")
	if err != nil || removed {
		t.Fatalf("expected no-op removal of already-gone key, got removed=%v err=%v", removed, err)
	}
}

func TestAcquireLockExcludesConcurrentHolders(t *testing.T) {
	a := New()
	ctx := context.Background()

	ok, err := a.AcquireLock(ctx, "fleet-a", time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = a.AcquireLock(ctx, "fleet-a", time.Now().Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("expected second acquire to be refused while held, got ok=%v err=%v", ok, err)
	}

	if err := a.ReleaseLock(ctx, "fleet-a"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	ok, err = a.AcquireLock(ctx, "fleet-a", time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("expected acquire after release to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestAcquireLockSucceedsPastExpiry(t *testing.T) {
	a := New()
	ctx := context.Background()

	a.AcquireLock(ctx, "scope", time.Now().Add(-time.Millisecond))

	ok, err := a.AcquireLock(ctx, "scope", time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("expected expired lock to be reacquirable, got ok=%v err=%v", ok, err)
	}
}

func TestIterateClaimsOnlyDueRecordsAndAdvancesThem(t *testing.T) {
	a := New()
	ctx := context.Background()

	a.Add(ctx, "due", false, 0)
	a.Add(ctx, "notdue", false, time.Hour)

	now := time.Now()
	rescheduleTo := now.Add(15 * time.Minute)

	var seen []string
	var claimedAt time.Time
	err := a.Iterate(ctx, now, rescheduleTo, func(_ context.Context, task *adapter.TaskRecord) {
		seen = append(seen, task.UID)
		claimedAt = task.ExecuteAt
	})
	if err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	if len(seen) != 1 || seen[0] != "due" {
		t.Fatalf("expected only 'due' to be claimed, got %v", seen)
	}
	if !claimedAt.Equal(rescheduleTo) {
		t.Fatalf("expected claimed record advanced to %v, got %v", rescheduleTo, claimedAt)
	}

	if a.Len() != 2 {
		t.Fatalf("expected both records to remain after claim, got %d", a.Len())
	}
}
