// Package redis adapts the Marketplace's at-most-one-in-flight coalescing
// policy (spec.md section 4.2) to span multiple Marketplace processes,
// using Redis SETNX leadership claims the way the claim/release pattern in
// a distributed checkpoint-expiry sweep does, and Pub/Sub to fan the
// leader's result out to every waiting follower.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/marketplace"
)

const (
	defaultClaimTTL  = 30 * time.Second
	defaultResultTTL = 30 * time.Second

	claimKeyPrefix      = "ccos:coalesce:claim:"
	resultKeyPrefix     = "ccos:coalesce:result:"
	resultChannelPrefix = "ccos:coalesce:notify:"
)

// CoalescingCacheOptions configures a Redis-backed marketplace.CoalescingCache.
type CoalescingCacheOptions struct {
	Client *goredis.Client

	// ClaimTTL bounds how long a leadership claim survives without a
	// Publish, guarding against an orphaned claim if the leader process
	// dies mid-invocation. Zero uses defaultClaimTTL.
	ClaimTTL time.Duration

	// ResultTTL bounds how long a published result is memoized for
	// followers that subscribe after Publish already fired. Zero uses
	// defaultResultTTL.
	ResultTTL time.Duration
}

// CoalescingCache is a distributed marketplace.CoalescingCache: the
// at-most-one-in-flight-per-fingerprint policy that is naturally
// single-process in memoryCoalescingCache here spans every Marketplace
// replica sharing the same Redis instance.
type CoalescingCache struct {
	client     *goredis.Client
	claimTTL   time.Duration
	resultTTL  time.Duration
	instanceID string
}

var _ marketplace.CoalescingCache = (*CoalescingCache)(nil)

// NewCoalescingCache constructs a Redis-backed CoalescingCache.
func NewCoalescingCache(opts CoalescingCacheOptions) (*CoalescingCache, error) {
	if opts.Client == nil {
		return nil, errors.New("redis: client is required")
	}
	claimTTL := opts.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	resultTTL := opts.ResultTTL
	if resultTTL <= 0 {
		resultTTL = defaultResultTTL
	}
	return &CoalescingCache{
		client:     opts.Client,
		claimTTL:   claimTTL,
		resultTTL:  resultTTL,
		instanceID: uuid.New().String(),
	}, nil
}

// Claim attempts SETNX on the fingerprint's claim key. Success makes the
// caller the leader, and so does a Redis error (the claim fails open). When
// another process already holds the claim, the caller waits on a channel
// fed by Pub/Sub, with a memoized-result fallback for the race where the
// leader already published before this follower subscribed.
func (c *CoalescingCache) Claim(ctx context.Context, fingerprint string) (bool, <-chan marketplace.CoalescedResult) {
	leader, err := c.client.SetNX(ctx, claimKeyPrefix+fingerprint, c.instanceID, c.claimTTL).Result()
	if err != nil {
		// Redis unreachable: fail open as leader rather than strand the
		// caller waiting on a coordination layer that cannot respond.
		return true, nil
	}
	if leader {
		return true, nil
	}

	out := make(chan marketplace.CoalescedResult, 1)
	go c.awaitResult(ctx, fingerprint, out)
	return false, out
}

func (c *CoalescingCache) awaitResult(ctx context.Context, fingerprint string, out chan<- marketplace.CoalescedResult) {
	defer close(out)

	sub := c.client.Subscribe(ctx, resultChannelPrefix+fingerprint)
	defer sub.Close()

	if raw, err := c.client.Get(ctx, resultKeyPrefix+fingerprint).Result(); err == nil {
		if res, ok := decodeResult(raw); ok {
			out <- res
			return
		}
	}

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return
		}
		if res, ok := decodeResult(msg.Payload); ok {
			out <- res
		}
	case <-ctx.Done():
	}
}

// Publish memoizes the leader's result under the fingerprint's result key
// (for followers that haven't subscribed yet), notifies any already
// subscribed followers over Pub/Sub, and releases the leadership claim.
func (c *CoalescingCache) Publish(ctx context.Context, fingerprint string, result value.Value, err error) {
	payload, encErr := encodeResult(result, err)
	if encErr == nil {
		c.client.Set(ctx, resultKeyPrefix+fingerprint, payload, c.resultTTL)
		c.client.Publish(ctx, resultChannelPrefix+fingerprint, payload)
	}
	c.client.Del(ctx, claimKeyPrefix+fingerprint)
}

type resultMessage struct {
	Value string `json:"value,omitempty"`
	Err   string `json:"err,omitempty"`
}

func encodeResult(v value.Value, err error) (string, error) {
	var msg resultMessage
	if err != nil {
		msg.Err = err.Error()
	} else {
		enc, encErr := value.ToJSON(v)
		if encErr != nil {
			return "", fmt.Errorf("redis: encode coalesced result: %w", encErr)
		}
		msg.Value = enc
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("redis: marshal coalesced result: %w", err)
	}
	return string(raw), nil
}

func decodeResult(raw string) (marketplace.CoalescedResult, bool) {
	var msg resultMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return marketplace.CoalescedResult{}, false
	}
	if msg.Err != "" {
		return marketplace.CoalescedResult{Err: errors.New(msg.Err)}, true
	}
	v, err := value.FromJSON(msg.Value)
	if err != nil {
		return marketplace.CoalescedResult{}, false
	}
	return marketplace.CoalescedResult{Value: v}, true
}
