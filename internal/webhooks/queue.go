package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed" // attempts exhausted
)

// Delivery is one queued POST of an event payload to one target.
type Delivery struct {
	ID            string
	EventType     string
	URL           string
	Secret        string
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	Status        DeliveryStatus
	LastError     string
	LastCode      int
	LatencyMs     int
}

// Queue holds deliveries between Emit and the worker.
type Queue interface {
	Enqueue(ctx context.Context, eventType, url, secret string, payload []byte) (string, error)
	FetchDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	Mark(ctx context.Context, id string, success bool, next time.Time, lastError string, code, latencyMs int) error
	Fail(ctx context.Context, id string, lastError string, code, latencyMs int) error
}

// DefaultMaxFailed is how many exhausted deliveries a MemoryQueue retains.
const DefaultMaxFailed = 256

// MemoryQueue is an in-process Queue. Delivered entries are dropped; the
// newest MaxFailed failed ones stay visible through Failed.
type MemoryQueue struct {
	MaxFailed int

	mu     sync.Mutex
	items  map[string]*Delivery
	seq    map[string]int
	failed []string // oldest first
	n      int
	now    func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{MaxFailed: DefaultMaxFailed, items: map[string]*Delivery{}, seq: map[string]int{}, now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, eventType, url, secret string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	q.items[id] = &Delivery{
		ID: id, EventType: eventType, URL: url, Secret: secret,
		Payload: append([]byte(nil), payload...), NextAttemptAt: q.now(), Status: StatusPending,
	}
	q.n++
	q.seq[id] = q.n
	return id, nil
}

// FetchDue returns pending deliveries whose next attempt is due, oldest first.
func (q *MemoryQueue) FetchDue(_ context.Context, now time.Time, limit int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Delivery
	for _, d := range q.items {
		if d.Status == StatusPending && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return q.seq[out[i].ID] < q.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) Mark(_ context.Context, id string, success bool, next time.Time, lastError string, code, latencyMs int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.items[id]
	if !ok {
		return nil
	}
	if success {
		delete(q.items, id)
		delete(q.seq, id)
		return nil
	}
	d.Attempts++
	d.NextAttemptAt = next
	d.LastError, d.LastCode, d.LatencyMs = lastError, code, latencyMs
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id string, lastError string, code, latencyMs int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.items[id]
	if !ok || d.Status == StatusFailed {
		return nil
	}
	d.Attempts++
	d.Status = StatusFailed
	d.LastError, d.LastCode, d.LatencyMs = lastError, code, latencyMs
	q.failed = append(q.failed, id)
	limit := q.MaxFailed
	if limit <= 0 {
		limit = DefaultMaxFailed
	}
	for len(q.failed) > limit {
		old := q.failed[0]
		q.failed = q.failed[1:]
		delete(q.items, old)
		delete(q.seq, old)
	}
	return nil
}

// Pending returns the number of deliveries still to be attempted.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, d := range q.items {
		if d.Status == StatusPending {
			n++
		}
	}
	return n
}

// Failed returns deliveries that exhausted their attempts.
func (q *MemoryQueue) Failed() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Delivery
	for _, d := range q.items {
		if d.Status == StatusFailed {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return q.seq[out[i].ID] < q.seq[out[j].ID] })
	return out
}
