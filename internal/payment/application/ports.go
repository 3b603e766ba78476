package application

import (
	"context"
	"time"

	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
)

type RecordStore interface {
	Upsert(ctx context.Context, rec domain.PaymentRecord) (UpsertResult, error)
	GetByCorrelationID(ctx context.Context, correlationID string) ([]domain.PaymentRecord, error)
}

type UpsertResult struct {
	Record domain.PaymentRecord
	// BecameApproved is true only for the write that first stored approved.
	BecameApproved bool
}

// VerdictCache remembers approved verdicts per correlation id. Approval is a
// terminal fact, so nothing is ever evicted on purpose.
type VerdictCache interface {
	Get(ctx context.Context, correlationID string) (domain.Verdict, bool, error)
	PutApproved(ctx context.Context, correlationID, paymentID string) error
}

type PriceSource interface {
	FetchPrice(ctx context.Context) (int64, error)
}

type Processor interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error)
	SearchPayments(ctx context.Context, q SearchQuery) ([]ProviderPayment, error)
	GetPayment(ctx context.Context, id string) (ProviderPayment, error)
	GetMerchantOrderPayments(ctx context.Context, id string) ([]string, error)
}

type PreferenceRequest struct {
	CorrelationID string
	Title         string
	Currency      string
	AmountCents   int64
	ExpiresFrom   time.Time
	ExpiresTo     time.Time
}

type Preference struct {
	ID          string
	RedirectURL string
}

// SearchQuery lists payments newest first. An empty ExternalReference
// searches across all of the account's payments.
type SearchQuery struct {
	ExternalReference string
	Limit             int
}

type ProviderPayment struct {
	ID                string
	Status            domain.Status
	ExternalReference string
	AmountCents       int64
	Method            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (p ProviderPayment) Record() domain.PaymentRecord {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = p.CreatedAt
	}
	return domain.PaymentRecord{
		ProviderID:    p.ID,
		AmountCents:   p.AmountCents,
		Status:        p.Status,
		CorrelationID: p.ExternalReference,
		Method:        p.Method,
		UpdatedAt:     updated,
	}
}
