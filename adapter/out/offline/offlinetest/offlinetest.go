// Package offlinetest is a conformance suite for out.OfflineQueue.
package offlinetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"

	"github.com/google/uuid"
)

// QueueFactory returns an empty queue with the given cap.
type QueueFactory func(t *testing.T, capacity int) out.OfflineQueue

func RunQueueTests(t *testing.T, factory QueueFactory) {
	t.Run("AppendThenDrain", func(t *testing.T) { testAppendThenDrain(t, factory) })
	t.Run("CapEvictsOldest", func(t *testing.T) { testCapEvictsOldest(t, factory) })
	t.Run("DeliveredSet", func(t *testing.T) { testDeliveredSet(t, factory) })
	t.Run("DeliveredSetBounded", func(t *testing.T) { testDeliveredSetBounded(t, factory) })
	t.Run("DrainEmpty", func(t *testing.T) { testDrainEmpty(t, factory) })
	t.Run("ConcurrentDrain", func(t *testing.T) { testConcurrentDrain(t, factory) })
	t.Run("ExpiryCarried", func(t *testing.T) { testExpiryCarried(t, factory) })
}

func userID() string { return "user-" + uuid.NewString() }

func note(title string) *domain.Notification {
	return &domain.Notification{
		ID:        uuid.NewString(),
		Type:      domain.NotificationTypeOrderUpdate,
		Title:     title,
		Priority:  domain.NotificationPriorityNormal,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testAppendThenDrain(t *testing.T, factory QueueFactory) {
	q := factory(t, 10)
	ctx := context.Background()
	user := userID()

	first, second := note("first"), note("second")
	for _, n := range []*domain.Notification{first, second} {
		if err := q.Append(ctx, user, n); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if n, _ := q.Len(ctx, user); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}

	got, delivered, err := q.Drain(ctx, user)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("Drain order wrong: %+v", got)
	}
	if len(delivered) != 0 {
		t.Errorf("delivered = %v, want empty", delivered)
	}
	if n, _ := q.Len(ctx, user); n != 0 {
		t.Errorf("Len after drain = %d, want 0", n)
	}
}

func testCapEvictsOldest(t *testing.T, factory QueueFactory) {
	q := factory(t, 3)
	ctx := context.Background()
	user := userID()

	var ids []string
	for i := 0; i < 5; i++ {
		n := note(fmt.Sprintf("n%d", i))
		ids = append(ids, n.ID)
		if err := q.Append(ctx, user, n); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, _, err := q.Drain(ctx, user)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, n := range got {
		if n.ID != ids[i+2] {
			t.Errorf("entry %d = %s, want %s", i, n.ID, ids[i+2])
		}
	}
}

func testDeliveredSet(t *testing.T, factory QueueFactory) {
	q := factory(t, 10)
	ctx := context.Background()
	user := userID()

	live, offline := note("live"), note("offline")
	_ = q.Append(ctx, user, live)
	_ = q.Append(ctx, user, offline)
	if err := q.MarkDelivered(ctx, user, live.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	_, delivered, err := q.Drain(ctx, user)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if _, ok := delivered[live.ID]; !ok {
		t.Errorf("live id missing from delivered set")
	}
	if _, ok := delivered[offline.ID]; ok {
		t.Errorf("offline id should not be in delivered set")
	}

	_, delivered, _ = q.Drain(ctx, user)
	if len(delivered) != 0 {
		t.Errorf("delivered set not cleared by drain")
	}
}

func testDeliveredSetBounded(t *testing.T, factory QueueFactory) {
	q := factory(t, 3)
	ctx := context.Background()
	user := userID()

	var ids []string
	for i := 0; i < 10; i++ {
		id := uuid.NewString()
		ids = append(ids, id)
		if err := q.MarkDelivered(ctx, user, id); err != nil {
			t.Fatalf("MarkDelivered: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	// Re-marking a retained id does not grow the set.
	if err := q.MarkDelivered(ctx, user, ids[9]); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	_, delivered, err := q.Drain(ctx, user)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(delivered) != 3 {
		t.Fatalf("delivered set size = %d, want 3", len(delivered))
	}
	for _, id := range ids[7:] {
		if _, ok := delivered[id]; !ok {
			t.Errorf("recent id %s trimmed from delivered set", id)
		}
	}
}

func testDrainEmpty(t *testing.T, factory QueueFactory) {
	q := factory(t, 10)
	got, delivered, err := q.Drain(context.Background(), userID())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 0 || len(delivered) != 0 {
		t.Errorf("expected empty drain, got %d entries", len(got))
	}
}

func testConcurrentDrain(t *testing.T, factory QueueFactory) {
	q := factory(t, 100)
	ctx := context.Background()
	user := userID()

	for i := 0; i < 20; i++ {
		_ = q.Append(ctx, user, note(fmt.Sprintf("n%d", i)))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := q.Drain(ctx, user)
			if err != nil {
				t.Errorf("Drain: %v", err)
				return
			}
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 20 {
		t.Errorf("entries drained = %d, want exactly 20", total)
	}
}

func testExpiryCarried(t *testing.T, factory QueueFactory) {
	q := factory(t, 10)
	ctx := context.Background()
	user := userID()

	n := note("expiring")
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	n.ExpiresAt = &exp
	_ = q.Append(ctx, user, n)

	got, _, err := q.Drain(ctx, user)
	if err != nil || len(got) != 1 {
		t.Fatalf("Drain = %d entries, err %v", len(got), err)
	}
	if got[0].ExpiresAt == nil || !got[0].ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", got[0].ExpiresAt, exp)
	}
}
