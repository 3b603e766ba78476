package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/kiosk-payments/internal/redemption/application"
	"github.com/dmehra2102/kiosk-payments/internal/redemption/domain"
	"github.com/dmehra2102/kiosk-payments/pkg/outbox"
)

const (
	EventTicketRedeemed = "TicketRedeemed"

	uniqueViolation = "23505"
	tokenConstraint = "tickets_token_key"
)

const ticketColumns = `id::text, token, store_id, created_at, redeemed_at`

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

var _ application.TicketStore = (*Repository)(nil)

// Redeem is a single conditional update: of any number of concurrent
// callers, only one sees a row come back.
func (r *Repository) Redeem(ctx context.Context, key string, at time.Time) (domain.Ticket, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Ticket{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	t, err := scanTicket(tx.QueryRow(ctx, `UPDATE tickets SET redeemed_at=$2 WHERE (token=$1 OR id::text=lower($1)) AND redeemed_at IS NULL RETURNING `+ticketColumns, key, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, r.whyNot(ctx, tx, key)
	}
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("redeem: %w", err)
	}

	event, err := outbox.NewEvent(ctx, "ticket", t.ID, EventTicketRedeemed, domain.TicketRedeemed{
		TicketID:   t.ID,
		Token:      t.Token,
		StoreID:    t.StoreID,
		RedeemedAt: *t.RedeemedAt,
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := outbox.Enqueue(ctx, tx, event); err != nil {
		return domain.Ticket{}, fmt.Errorf("enqueue %s: %w", EventTicketRedeemed, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

func (r *Repository) whyNot(ctx context.Context, tx pgx.Tx, key string) error {
	t, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE token=$1 OR id::text=lower($1)`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load ticket: %w", err)
	}
	if !t.Redeemed() {
		// Only reachable if the row was un-redeemed between the two
		// statements, which nothing in this service does.
		return fmt.Errorf("ticket %s changed during redemption", t.ID)
	}
	return &domain.AlreadyRedeemedError{TicketID: t.ID, RedeemedAt: *t.RedeemedAt}
}

func (r *Repository) Insert(ctx context.Context, t domain.Ticket, paymentID string) (bool, error) {
	ct, err := r.pool.Exec(ctx, `INSERT INTO tickets (id, token, store_id, payment_id, created_at) VALUES ($1,$2,$3,NULLIF($4,''),$5) ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Token, t.StoreID, paymentID, t.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == tokenConstraint {
		return false, application.ErrTokenConflict
	}
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var t domain.Ticket
	if err := row.Scan(&t.ID, &t.Token, &t.StoreID, &t.CreatedAt, &t.RedeemedAt); err != nil {
		return domain.Ticket{}, err
	}
	if t.RedeemedAt != nil {
		at := t.RedeemedAt.UTC()
		t.RedeemedAt = &at
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}
