package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers keys for ttl using SETNX. The first caller to claim a key
// wins; everyone else sees it as a duplicate until it expires or is released.
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Key(topic string, partition int, offset int64) string {
	return fmt.Sprintf("idem:%s:%d:%d", topic, partition, offset)
}

// DeliveryKey identifies a webhook delivery by its source and request id.
func (s *Store) DeliveryKey(source, requestID string) string {
	return fmt.Sprintf("idem:%s:%s", source, requestID)
}

func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}

	return !ok, nil
}

// State is the outcome of Begin.
type State int

const (
	// Claimed means the caller owns the key and must Finish or Release it.
	Claimed State = iota
	// InFlight means another caller holds the key and has not finished.
	InFlight
	// Done means the key was finished and is remembered for the store ttl.
	Done
)

const (
	pendingValue = "pending"
	doneValue    = "done"
)

// Begin claims key for at most lease. Unlike Seen it tells a retry racing
// an unfinished attempt apart from a delivery that already completed.
func (s *Store) Begin(ctx context.Context, key string, lease time.Duration) (State, error) {
	ok, err := s.rdb.SetNX(ctx, key, pendingValue, lease).Result()
	if err != nil {
		return 0, err
	}
	if ok {
		return Claimed, nil
	}

	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired or released between the two calls; the caller retries.
		return InFlight, nil
	}
	if err != nil {
		return 0, err
	}
	if v == pendingValue {
		return InFlight, nil
	}
	return Done, nil
}

// Finish marks a claimed key as completed for the store ttl.
func (s *Store) Finish(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, key, doneValue, s.ttl).Err()
}

// Release forgets key so a failed attempt can be retried.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
