package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
)

type IssuerConfig struct {
	Title         string
	Currency      string
	TTL           time.Duration
	AllowOverride bool
}

type Issuer struct {
	log    *slog.Logger
	prices *PriceResolver
	proc   Processor
	cfg    IssuerConfig
	now    func() time.Time
	newID  func() string
}

func NewIssuer(log *slog.Logger, prices *PriceResolver, proc Processor, cfg IssuerConfig) *Issuer {
	return &Issuer{
		log:    log,
		prices: prices,
		proc:   proc,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  domain.NewCorrelationID,
	}
}

// IntentOptions carries the optional test overrides accepted by the create
// endpoint. They are ignored unless overrides are enabled.
type IntentOptions struct {
	AmountCents int64
}

func (i *Issuer) CreateIntent(ctx context.Context, opts IntentOptions) (domain.PaymentIntent, error) {
	amount := i.prices.Resolve(ctx)
	if i.cfg.AllowOverride && opts.AmountCents > 0 {
		amount = opts.AmountCents
	}

	now := i.now()
	intent := domain.PaymentIntent{
		CorrelationID: i.newID(),
		AmountCents:   amount,
		CreatedAt:     now,
		ExpiresAt:     now.Add(i.cfg.TTL),
	}

	pref, err := i.proc.CreatePreference(ctx, PreferenceRequest{
		CorrelationID: intent.CorrelationID,
		Title:         i.cfg.Title,
		Currency:      i.cfg.Currency,
		AmountCents:   amount,
		ExpiresFrom:   intent.CreatedAt,
		ExpiresTo:     intent.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			return domain.PaymentIntent{}, err
		}
		i.log.Error("create preference failed", "correlation_id", intent.CorrelationID, "err", err)
		return domain.PaymentIntent{}, fmt.Errorf("%w: %v", domain.ErrIssuerUnavailable, err)
	}
	if pref.ID == "" || pref.RedirectURL == "" {
		i.log.Error("preference without usable handle", "correlation_id", intent.CorrelationID, "preference_id", pref.ID)
		return domain.PaymentIntent{}, fmt.Errorf("%w: preference has no redirect handle", domain.ErrIssuerUnavailable)
	}

	intent.PreferenceID = pref.ID
	intent.RedirectURL = pref.RedirectURL
	i.log.Info("payment intent created", "correlation_id", intent.CorrelationID, "preference_id", pref.ID, "amount_cents", amount)
	return intent, nil
}
