// Package offline implements the per-user offline notification queue.
package offline

import (
	"context"
	"sync"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"

	"github.com/goccy/go-json"
)

type memoryEntry struct {
	items     [][]byte
	delivered map[string]struct{}
	marked    []string // delivered ids, oldest first
	expiresAt time.Time
}

// MemoryQueue keeps queues in process memory with the same cap and key-TTL
// semantics as the Redis queue. Entries are stored encoded so callers never
// alias queued notifications.
type MemoryQueue struct {
	mu    sync.Mutex
	users map[string]*memoryEntry
	cap   int
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryQueue(capacity int, ttl time.Duration) *MemoryQueue {
	return &MemoryQueue{
		users: make(map[string]*memoryEntry),
		cap:   capacity,
		ttl:   ttl,
		now:   time.Now,
	}
}

// entry returns the live entry for userID, dropping it if its TTL lapsed.
// Caller holds q.mu.
func (q *MemoryQueue) entry(userID string, create bool) *memoryEntry {
	e, ok := q.users[userID]
	if ok && q.ttl > 0 && !q.now().Before(e.expiresAt) {
		delete(q.users, userID)
		ok = false
	}
	if !ok && create {
		e = &memoryEntry{delivered: make(map[string]struct{})}
		q.users[userID] = e
	}
	return e
}

func (q *MemoryQueue) touch(e *memoryEntry) {
	if q.ttl > 0 {
		e.expiresAt = q.now().Add(q.ttl)
	}
}

func (q *MemoryQueue) Append(_ context.Context, userID string, n *domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entry(userID, true)
	e.items = append(e.items, data)
	if over := len(e.items) - q.cap; over > 0 {
		e.items = append([][]byte(nil), e.items[over:]...)
	}
	q.touch(e)
	return nil
}

func (q *MemoryQueue) MarkDelivered(_ context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entry(userID, true)
	for _, id := range ids {
		if _, ok := e.delivered[id]; ok {
			continue
		}
		e.delivered[id] = struct{}{}
		e.marked = append(e.marked, id)
	}
	if over := len(e.marked) - q.cap; q.cap > 0 && over > 0 {
		for _, id := range e.marked[:over] {
			delete(e.delivered, id)
		}
		e.marked = append([]string(nil), e.marked[over:]...)
	}
	q.touch(e)
	return nil
}

func (q *MemoryQueue) Drain(_ context.Context, userID string) ([]*domain.Notification, map[string]struct{}, error) {
	q.mu.Lock()
	e := q.entry(userID, false)
	delete(q.users, userID)
	q.mu.Unlock()

	if e == nil {
		return nil, map[string]struct{}{}, nil
	}
	return decodeEntries(e.items), e.delivered, nil
}

func (q *MemoryQueue) Len(_ context.Context, userID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e := q.entry(userID, false); e != nil {
		return len(e.items), nil
	}
	return 0, nil
}

func decodeEntries(items [][]byte) []*domain.Notification {
	list := make([]*domain.Notification, 0, len(items))
	for _, raw := range items {
		var n domain.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			continue
		}
		list = append(list, &n)
	}
	return list
}

var _ out.OfflineQueue = (*MemoryQueue)(nil)
