package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/kiosk-payments/internal/payment/application"
	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
	"github.com/dmehra2102/kiosk-payments/pkg/outbox"
)

const EventPaymentApproved = "PaymentApproved"

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

var _ application.RecordStore = (*Repository)(nil)

// Upsert merges rec into the stored row under a row lock, so concurrent poll
// and webhook writers for the same payment serialise here. The first write
// that stores approved also enqueues a PaymentApproved event in the same
// transaction.
func (r *Repository) Upsert(ctx context.Context, rec domain.PaymentRecord) (application.UpsertResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return application.UpsertResult{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `INSERT INTO payment_records (provider_id, amount_cents, status, correlation_id, method, updated_at) VALUES ($1,$2,$3,NULLIF($4,''),$5,$6) ON CONFLICT (provider_id) DO NOTHING`,
		rec.ProviderID, rec.AmountCents, string(rec.Status), rec.CorrelationID, rec.Method, rec.UpdatedAt)
	if err != nil {
		return application.UpsertResult{}, fmt.Errorf("insert payment record: %w", err)
	}

	res := application.UpsertResult{Record: rec, BecameApproved: rec.Status == domain.StatusApproved}
	if ct.RowsAffected() == 0 {
		existing, err := scanRecord(tx.QueryRow(ctx, `SELECT provider_id, amount_cents, status, COALESCE(correlation_id, ''), method, updated_at FROM payment_records WHERE provider_id=$1 FOR UPDATE`, rec.ProviderID))
		if err != nil {
			return application.UpsertResult{}, fmt.Errorf("lock payment record: %w", err)
		}
		merged := domain.Merge(existing, rec)
		res = application.UpsertResult{
			Record:         merged,
			BecameApproved: existing.Status != domain.StatusApproved && merged.Status == domain.StatusApproved,
		}
		if !sameRecord(existing, merged) {
			_, err = tx.Exec(ctx, `UPDATE payment_records SET amount_cents=$2, status=$3, correlation_id=NULLIF($4,''), method=$5, updated_at=$6 WHERE provider_id=$1`,
				merged.ProviderID, merged.AmountCents, string(merged.Status), merged.CorrelationID, merged.Method, merged.UpdatedAt)
			if err != nil {
				return application.UpsertResult{}, fmt.Errorf("update payment record: %w", err)
			}
		}
	}

	if res.BecameApproved {
		m := res.Record
		event, err := outbox.NewEvent(ctx, "payment", m.ProviderID, EventPaymentApproved, domain.PaymentApproved{
			ProviderID:    m.ProviderID,
			CorrelationID: m.CorrelationID,
			AmountCents:   m.AmountCents,
			Method:        m.Method,
			ApprovedAt:    m.UpdatedAt,
		})
		if err != nil {
			return application.UpsertResult{}, err
		}
		if err := outbox.Enqueue(ctx, tx, event); err != nil {
			return application.UpsertResult{}, fmt.Errorf("enqueue %s: %w", EventPaymentApproved, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return application.UpsertResult{}, err
	}
	return res, nil
}

func (r *Repository) GetByCorrelationID(ctx context.Context, correlationID string) ([]domain.PaymentRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT provider_id, amount_cents, status, COALESCE(correlation_id, ''), method, updated_at FROM payment_records WHERE correlation_id=$1 ORDER BY updated_at DESC`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	var status string
	err := row.Scan(&rec.ProviderID, &rec.AmountCents, &status, &rec.CorrelationID, &rec.Method, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PaymentRecord{}, fmt.Errorf("payment record vanished: %w", err)
	}
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	rec.Status = domain.Status(status)
	return rec, nil
}

func sameRecord(a, b domain.PaymentRecord) bool {
	return a.AmountCents == b.AmountCents &&
		a.Status == b.Status &&
		a.CorrelationID == b.CorrelationID &&
		a.Method == b.Method &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}
