package marketplace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"goa.design/ccos/pkg/value"
)

// Fingerprint computes the stable (capability_id, args) dedupe key used by
// the at-most-one-in-flight policy of spec.md section 4.2.
func Fingerprint(capabilityID string, args []value.Value) (string, error) {
	h := sha256.New()
	h.Write([]byte(capabilityID))
	for _, a := range args {
		enc, err := value.ToJSON(a)
		if err != nil {
			return "", err
		}
		h.Write([]byte(enc))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CoalescingCache backs the at-most-one-in-flight-per-fingerprint policy.
// A CoalescingCache implementation may be purely local (single process) or
// distributed (Redis-backed, see stores/redis), letting the same
// Marketplace code scale from a unit test to a multi-process deployment.
type CoalescingCache interface {
	// Claim attempts to become the leader for fingerprint. If leader is
	// true, the caller must execute the capability and call Publish with
	// the outcome. If leader is false, wait returns a channel that closes
	// once the leader publishes its result.
	Claim(ctx context.Context, fingerprint string) (leader bool, wait <-chan CoalescedResult)

	// Publish delivers the leader's result to every follower waiting on
	// fingerprint and clears the in-flight entry.
	Publish(ctx context.Context, fingerprint string, result value.Value, err error)
}

// CoalescedResult is the outcome a coalescing leader publishes to every
// follower waiting on the same fingerprint. Exported so out-of-package
// CoalescingCache implementations (stores/redis) can construct and return it.
type CoalescedResult struct {
	Value value.Value
	Err   error
}

// memoryCoalescingCache is the default single-process CoalescingCache.
type memoryCoalescingCache struct {
	mu      sync.Mutex
	pending map[string][]chan CoalescedResult
}

// NewMemoryCoalescingCache constructs an in-process CoalescingCache.
func NewMemoryCoalescingCache() CoalescingCache {
	return &memoryCoalescingCache{pending: make(map[string][]chan CoalescedResult)}
}

func (c *memoryCoalescingCache) Claim(ctx context.Context, fingerprint string) (bool, <-chan CoalescedResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiters, inFlight := c.pending[fingerprint]
	ch := make(chan CoalescedResult, 1)
	if inFlight {
		c.pending[fingerprint] = append(waiters, ch)
		return false, ch
	}
	c.pending[fingerprint] = []chan CoalescedResult{}
	return true, nil
}

func (c *memoryCoalescingCache) Publish(ctx context.Context, fingerprint string, result value.Value, err error) {
	c.mu.Lock()
	waiters := c.pending[fingerprint]
	delete(c.pending, fingerprint)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- CoalescedResult{Value: result, Err: err}
		close(w)
	}
}
