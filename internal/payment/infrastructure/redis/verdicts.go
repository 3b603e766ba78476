package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmehra2102/kiosk-payments/internal/payment/application"
	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
)

const keyPrefix = "verdict:"

// VerdictCache stores approved verdicts as correlation id -> payment id.
// SETNX keeps the first approval seen for an id.
type VerdictCache struct {
	rdb goredis.UniversalClient
	ttl time.Duration
}

func NewVerdictCache(rdb goredis.UniversalClient, ttl time.Duration) *VerdictCache {
	return &VerdictCache{rdb: rdb, ttl: ttl}
}

var _ application.VerdictCache = (*VerdictCache)(nil)

func (c *VerdictCache) Get(ctx context.Context, correlationID string) (domain.Verdict, bool, error) {
	paymentID, err := c.rdb.Get(ctx, keyPrefix+correlationID).Result()
	if errors.Is(err, goredis.Nil) {
		return domain.Verdict{}, false, nil
	}
	if err != nil {
		return domain.Verdict{}, false, err
	}
	return domain.Approved(paymentID), true, nil
}

func (c *VerdictCache) PutApproved(ctx context.Context, correlationID, paymentID string) error {
	return c.rdb.SetNX(ctx, keyPrefix+correlationID, paymentID, c.ttl).Err()
}
