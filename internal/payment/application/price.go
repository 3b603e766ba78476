package application

import (
	"context"
	"log/slog"
)

// PriceResolver never fails: a missing or broken price source falls back to
// the configured default so price lookups cannot block a purchase.
type PriceResolver struct {
	log      *slog.Logger
	src      PriceSource
	fallback int64
}

func NewPriceResolver(log *slog.Logger, src PriceSource, fallback int64) *PriceResolver {
	return &PriceResolver{log: log, src: src, fallback: fallback}
}

func (p *PriceResolver) Resolve(ctx context.Context) int64 {
	if p.src == nil {
		return p.fallback
	}
	amount, err := p.src.FetchPrice(ctx)
	if err != nil {
		p.log.Warn("price config unavailable, using default", "err", err, "default", p.fallback)
		return p.fallback
	}
	if amount <= 0 {
		p.log.Warn("price config returned non-positive amount, using default", "amount", amount, "default", p.fallback)
		return p.fallback
	}
	return amount
}
