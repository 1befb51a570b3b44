// Package kv defines the atomic key-value store used for cross-worker
// coordination state: stage semaphore counters, stage backlogs, and quota
// flags. The interface mirrors the primitives of an external store like
// Redis so the pipeline stays correct across a multi-process worker fleet;
// Memory is the in-process implementation used for single-node deployments
// and tests.
package kv

import (
	"context"
	"time"
)

// Store is the coordination store contract. Implementations must make each
// operation atomic with respect to concurrent callers.
type Store interface {
	// IncrAndGet atomically increments the integer at key and returns the
	// post-increment value. A missing key counts as zero.
	IncrAndGet(ctx context.Context, key string) (int64, error)

	// DecrAndGet atomically decrements the integer at key and returns the
	// post-decrement value. The value may go negative; callers that need a
	// floor must clamp via SetInt.
	DecrAndGet(ctx context.Context, key string) (int64, error)

	// SetInt overwrites the integer at key.
	SetInt(ctx context.Context, key string, value int64) error

	// GetInt returns the integer at key, or 0 and false if absent.
	GetInt(ctx context.Context, key string) (int64, bool, error)

	// Set stores a string value with an optional TTL. A zero TTL means the
	// key never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value at key, or "" and false if absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of key, or zero if the key is
	// absent or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// ZAdd inserts member into the sorted set at key with the given score,
	// overwriting the score if the member already exists.
	ZAdd(ctx context.Context, key, member string, score float64) error

	// ZPopMin atomically removes and returns the lowest-scored member, or
	// "" and false if the set is empty.
	ZPopMin(ctx context.Context, key string) (string, bool, error)

	// ZCard returns the cardinality of the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZMembers returns all members of the sorted set at key in score order.
	ZMembers(ctx context.Context, key string) ([]string, error)

	// ZRem removes member from the sorted set at key, reporting whether it
	// was present.
	ZRem(ctx context.Context, key, member string) (bool, error)
}
