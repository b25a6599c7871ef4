package synthesis

import (
	"context"
	"sync"
	"time"
)

// MissingCapabilityRequest records a capability a plan referenced but the
// Marketplace never had registered, queued for out-of-band resolution
// (a human, a discovery crawl, or another synthesis pass supplying a
// provider) instead of silently dropping the failure.
type MissingCapabilityRequest struct {
	CapabilityID string
	PlanID       string
	IntentID     string
	RequestedAt  time.Time
	Reason       string
}

// Queue accepts missing-capability resolution requests. Implementations
// must not block the caller on slow downstream delivery; the in-memory
// default simply buffers requests for a poller to drain.
type Queue interface {
	Enqueue(ctx context.Context, req MissingCapabilityRequest) error
}

// MemoryQueue is the default in-process Queue: an unbounded, mutex-guarded
// slice drained via Pending/Drain.
type MemoryQueue struct {
	mu       sync.Mutex
	requests []MissingCapabilityRequest
}

// NewMemoryQueue builds an in-process Queue.
func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{} }

func (q *MemoryQueue) Enqueue(ctx context.Context, req MissingCapabilityRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	return nil
}

// Pending returns a snapshot of queued requests without draining them.
func (q *MemoryQueue) Pending() []MissingCapabilityRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]MissingCapabilityRequest, len(q.requests))
	copy(out, q.requests)
	return out
}

// Drain returns and clears all queued requests.
func (q *MemoryQueue) Drain() []MissingCapabilityRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.requests
	q.requests = nil
	return out
}
