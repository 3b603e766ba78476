package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
)

type ReconcilerConfig struct {
	// FreshnessWindow bounds how old an unreferenced approval may be and
	// still be accepted by the fallback search.
	FreshnessWindow time.Duration
	FallbackLimit   int
	FallbackEnabled bool
	ProviderTimeout time.Duration
	StoreTimeout    time.Duration
}

// Reconciler turns the processor's view of a payment into a single verdict.
// Both the kiosk poll and the provider webhook go through it; they meet only
// in the record store and the verdict cache.
type Reconciler struct {
	log   *slog.Logger
	proc  Processor
	store RecordStore
	cache VerdictCache
	cfg   ReconcilerConfig
	now   func() time.Time
}

func NewReconciler(log *slog.Logger, proc Processor, store RecordStore, cache VerdictCache, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		log:   log,
		proc:  proc,
		store: store,
		cache: cache,
		cfg:   cfg,
		now:   time.Now,
	}
}

// CheckStatus answers approved or pending for a correlation id. It is safe to
// call repeatedly; the only side effects are record upserts and caching an
// approval once seen.
func (r *Reconciler) CheckStatus(ctx context.Context, correlationID string) (domain.Verdict, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return domain.Verdict{}, domain.ErrInvalidReference
	}

	if v, ok := r.cached(ctx, correlationID); ok {
		return v, nil
	}

	matches, err := r.search(ctx, SearchQuery{ExternalReference: correlationID})
	if err != nil {
		return domain.Verdict{}, r.lookupErr(correlationID, "reference search", err)
	}
	r.record(ctx, matches)
	if len(matches) > 0 {
		if top := matches[0]; top.Status == domain.StatusApproved {
			return r.approve(ctx, correlationID, top.ID), nil
		}
		return domain.Pending(), nil
	}

	if !r.cfg.FallbackEnabled {
		return domain.Pending(), nil
	}

	// The reference-filtered search can lag behind the provider's payment
	// index, so a very recent approval is accepted without a reference match.
	// Two kiosks paying inside the window can cross-match.
	recent, err := r.search(ctx, SearchQuery{Limit: r.cfg.FallbackLimit})
	if err != nil {
		return domain.Verdict{}, r.lookupErr(correlationID, "recent search", err)
	}
	r.record(ctx, recent)
	if len(recent) == 0 {
		return domain.Pending(), nil
	}
	top := recent[0]
	if top.Status == domain.StatusApproved && r.fresh(top.CreatedAt) {
		r.log.Warn("loose match: accepting unreferenced recent approval",
			"correlation_id", correlationID,
			"payment_id", top.ID,
			"payment_reference", top.ExternalReference,
			"age", r.now().Sub(top.CreatedAt).String(),
		)
		return r.approve(ctx, correlationID, top.ID), nil
	}
	return domain.Pending(), nil
}

// HandleNotification re-reads the notified resource from the processor and
// stores what it says. It trusts the provider's own payment id, so no
// correlation matching happens here.
func (r *Reconciler) HandleNotification(ctx context.Context, n domain.Notification) error {
	if !n.Actionable() {
		return domain.ErrIgnored
	}

	ids := []string{strings.TrimSpace(n.ID)}
	if n.Topic == domain.TopicMerchantOrder {
		pctx, cancel := r.providerCtx(ctx)
		paymentIDs, err := r.proc.GetMerchantOrderPayments(pctx, ids[0])
		cancel()
		if err != nil {
			return r.lookupErr("", "merchant order "+ids[0], err)
		}
		ids = paymentIDs
	}

	for _, id := range ids {
		pctx, cancel := r.providerCtx(ctx)
		p, err := r.proc.GetPayment(pctx, id)
		cancel()
		if err != nil {
			return r.lookupErr("", "payment "+id, err)
		}
		if _, err := r.upsert(ctx, p); err != nil {
			return fmt.Errorf("store payment %s: %w", id, err)
		}
		if p.Status == domain.StatusApproved && p.ExternalReference != "" {
			r.approve(ctx, p.ExternalReference, p.ID)
		}
	}
	r.log.Info("notification processed", "topic", n.Topic, "id", n.ID, "payments", len(ids))
	return nil
}

// Records returns what the store holds for a correlation id. It is for
// debugging only; CheckStatus always asks the processor.
func (r *Reconciler) Records(ctx context.Context, correlationID string) ([]domain.PaymentRecord, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, domain.ErrInvalidReference
	}
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	return r.store.GetByCorrelationID(sctx, correlationID)
}

func (r *Reconciler) cached(ctx context.Context, correlationID string) (domain.Verdict, bool) {
	if r.cache == nil {
		return domain.Verdict{}, false
	}
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	v, ok, err := r.cache.Get(sctx, correlationID)
	if err != nil {
		r.log.Warn("verdict cache read failed", "correlation_id", correlationID, "err", err)
		return domain.Verdict{}, false
	}
	return v, ok && v.Status == domain.StatusApproved
}

func (r *Reconciler) approve(ctx context.Context, correlationID, paymentID string) domain.Verdict {
	if r.cache != nil {
		sctx, cancel := r.storeCtx(ctx)
		defer cancel()
		if err := r.cache.PutApproved(sctx, correlationID, paymentID); err != nil {
			r.log.Error("verdict cache write failed", "correlation_id", correlationID, "payment_id", paymentID, "err", err)
		}
	}
	return domain.Approved(paymentID)
}

func (r *Reconciler) search(ctx context.Context, q SearchQuery) ([]ProviderPayment, error) {
	pctx, cancel := r.providerCtx(ctx)
	defer cancel()
	payments, err := r.proc.SearchPayments(pctx, q)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
	return payments, nil
}

// record upserts every observed payment. Failures are logged only: the
// verdict comes from the processor and the next poll or webhook rewrites it.
func (r *Reconciler) record(ctx context.Context, payments []ProviderPayment) {
	for _, p := range payments {
		if _, err := r.upsert(ctx, p); err != nil {
			r.log.Error("payment record upsert failed", "payment_id", p.ID, "err", err)
		}
	}
}

func (r *Reconciler) upsert(ctx context.Context, p ProviderPayment) (UpsertResult, error) {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	res, err := r.store.Upsert(sctx, p.Record())
	if err != nil {
		return UpsertResult{}, err
	}
	if res.BecameApproved {
		r.log.Info("payment approved", "payment_id", p.ID, "correlation_id", res.Record.CorrelationID, "amount_cents", res.Record.AmountCents)
	}
	return res, nil
}

func (r *Reconciler) lookupErr(correlationID, stage string, err error) error {
	if errors.Is(err, domain.ErrConfiguration) {
		r.log.Error("processor rejected credentials", "stage", stage, "err", err)
		return err
	}
	r.log.Warn("transient payment lookup failure", "correlation_id", correlationID, "stage", stage, "err", err)
	return fmt.Errorf("%w: %s: %v", domain.ErrTransientLookup, stage, err)
}

func (r *Reconciler) fresh(created time.Time) bool {
	if created.IsZero() {
		return false
	}
	return r.now().Sub(created) <= r.cfg.FreshnessWindow
}

func (r *Reconciler) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.ProviderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.ProviderTimeout)
}

func (r *Reconciler) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}
