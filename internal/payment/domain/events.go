package domain

import "time"

type PaymentApproved struct {
	ProviderID    string    `json:"provider_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	AmountCents   int64     `json:"amount_cents"`
	Method        string    `json:"method,omitempty"`
	ApprovedAt    time.Time `json:"approved_at"`
}
