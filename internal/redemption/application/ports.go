package application

import (
	"context"
	"errors"
	"time"

	"github.com/dmehra2102/kiosk-payments/internal/redemption/domain"
)

// ErrTokenConflict is returned by Insert when another ticket already uses
// the token.
var ErrTokenConflict = errors.New("ticket token already in use")

type TicketStore interface {
	// Redeem atomically marks the ticket matching key (token or id) as
	// redeemed at the given time. It returns domain.ErrNotFound or a
	// *domain.AlreadyRedeemedError when the ticket cannot be redeemed.
	Redeem(ctx context.Context, key string, at time.Time) (domain.Ticket, error)
	// Insert stores t and reports whether it was new. Re-inserting an
	// existing id is a no-op.
	Insert(ctx context.Context, t domain.Ticket, paymentID string) (bool, error)
}
