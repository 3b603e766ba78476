package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/kiosk-payments/internal/redemption/domain"
)

const tokenAttempts = 3

var ErrInvalidTicket = errors.New("invalid ticket")

// Ledger redeems prize tickets exactly once. The at-most-once guarantee lives
// in the store's conditional update; Ledger only normalises input and logs.
type Ledger struct {
	log   *slog.Logger
	store TicketStore
	now   func() time.Time
}

func NewLedger(log *slog.Logger, store TicketStore) *Ledger {
	return &Ledger{
		log:   log,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Redeem(ctx context.Context, tokenOrID string) (domain.Ticket, error) {
	key := domain.NormalizeToken(tokenOrID)
	if key == "" {
		return domain.Ticket{}, domain.ErrNotFound
	}

	t, err := l.store.Redeem(ctx, key, l.now())
	var already *domain.AlreadyRedeemedError
	switch {
	case err == nil:
		l.log.Info("ticket redeemed", "ticket_id", t.ID, "token", t.Token)
		return t, nil
	case errors.As(err, &already):
		l.log.Warn("ticket redemption refused", "ticket_id", already.TicketID, "redeemed_at", already.RedeemedAt)
		return domain.Ticket{}, err
	case errors.Is(err, domain.ErrNotFound):
		return domain.Ticket{}, err
	default:
		return domain.Ticket{}, fmt.Errorf("redeem ticket: %w", err)
	}
}

// Issue records a ticket produced by a paid play. The producer owns the
// ticket id, so replays of the same event are no-ops. A generated token that
// collides is regenerated.
func (l *Ledger) Issue(ctx context.Context, ev domain.TicketIssued) (domain.Ticket, error) {
	if ev.TicketID == "" {
		return domain.Ticket{}, fmt.Errorf("%w: missing ticket id", ErrInvalidTicket)
	}
	if _, err := uuid.Parse(ev.TicketID); err != nil {
		return domain.Ticket{}, fmt.Errorf("%w: id %q: %v", ErrInvalidTicket, ev.TicketID, err)
	}

	generated := domain.NormalizeToken(ev.Token) == ""
	for attempt := 1; ; attempt++ {
		t, err := domain.NewTicket(ev.TicketID, ev.Token, ev.StoreID, ev.IssuedAt)
		if err != nil {
			return domain.Ticket{}, err
		}
		created, err := l.store.Insert(ctx, t, ev.PaymentID)
		if errors.Is(err, ErrTokenConflict) && generated && attempt < tokenAttempts {
			continue
		}
		if err != nil {
			return domain.Ticket{}, fmt.Errorf("insert ticket %s: %w", t.ID, err)
		}
		if created {
			l.log.Info("ticket issued", "ticket_id", t.ID, "payment_id", ev.PaymentID)
		} else {
			l.log.Info("ticket already issued", "ticket_id", t.ID)
		}
		return t, nil
	}
}
