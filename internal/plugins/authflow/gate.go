package authflow

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// gateKeyPrefix is the Redis key prefix for callback gates.
const gateKeyPrefix = "oauthgate:"

// Gate key values for the two occupied states.
const (
	gateInProgress = "in_progress"
	gateProcessed  = "processed"
)

// GateOutcome is the result of TryEnter.
type GateOutcome int

const (
	// Entered means this caller holds the gate and must finish with
	// MarkDone or Release.
	Entered GateOutcome = iota

	// AlreadyEntered means another invocation holds a provisional lock.
	// Benign -- the duplicate simply stands down.
	AlreadyEntered

	// AlreadyDone means a previous invocation reached a terminal outcome.
	// Benign -- the work already happened.
	AlreadyDone
)

// String returns the wire name used in responses and logs.
func (o GateOutcome) String() string {
	switch o {
	case Entered:
		return "entered"
	case AlreadyEntered:
		return "in_progress"
	case AlreadyDone:
		return "already_processed"
	default:
		return "unknown"
	}
}

// Gate is the three-state guard (not-started, in-progress, processed) that
// collapses near-simultaneous callback invocations into a single effective
// exchange attempt. The provider's one-time code would make the duplicate
// exchange fail anyway; the gate keeps that failure from ever being
// user-visible.
type Gate struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewGate creates a gate. Keys expire with the flow they guard.
func NewGate(rdb *redis.Client, ttl time.Duration) *Gate {
	return &Gate{redis: rdb, ttl: ttl}
}

// TryEnter attempts to claim the gate for a request. SET NX makes the claim
// atomic: exactly one concurrent caller gets Entered.
func (g *Gate) TryEnter(ctx context.Context, requestID string) (GateOutcome, error) {
	key := gateKeyPrefix + requestID

	ok, err := g.redis.SetNX(ctx, key, gateInProgress, g.ttl).Result()
	if err != nil {
		return AlreadyEntered, fmt.Errorf("claiming gate: %w", err)
	}
	if ok {
		return Entered, nil
	}

	val, err := g.redis.Get(ctx, key).Result()
	if err != nil {
		// The key vanished between SetNX and Get (holder released). Treat
		// as in-progress; the caller retries on its next invocation.
		return AlreadyEntered, nil
	}
	if val == gateProcessed {
		return AlreadyDone, nil
	}
	return AlreadyEntered, nil
}

// MarkDone records a terminal outcome so later invocations observe
// AlreadyDone instead of re-attempting the exchange.
func (g *Gate) MarkDone(ctx context.Context, requestID string) error {
	key := gateKeyPrefix + requestID
	if err := g.redis.Set(ctx, key, gateProcessed, g.ttl).Err(); err != nil {
		return fmt.Errorf("marking gate done: %w", err)
	}
	return nil
}

// Release abandons the claim without a terminal outcome. Used when state
// validation failed before anything was consumed, so a later invocation
// gets the same verdict instead of a misleading "in progress".
func (g *Gate) Release(ctx context.Context, requestID string) error {
	key := gateKeyPrefix + requestID
	if err := g.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("releasing gate: %w", err)
	}
	return nil
}
