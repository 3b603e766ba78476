package provider

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/dmehra2102/kiosk-payments/internal/payment/application"
	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
)

type preferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type backURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type preferenceBody struct {
	Items              []preferenceItem `json:"items"`
	ExternalReference  string           `json:"external_reference"`
	Expires            bool             `json:"expires"`
	ExpirationDateFrom string           `json:"expiration_date_from"`
	ExpirationDateTo   string           `json:"expiration_date_to"`
	BackURLs           backURLs         `json:"back_urls"`
	AutoReturn         string           `json:"auto_return,omitempty"`
	NotificationURL    string           `json:"notification_url,omitempty"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type paymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	ExternalReference string      `json:"external_reference"`
	TransactionAmount float64     `json:"transaction_amount"`
	PaymentMethodID   string      `json:"payment_method_id"`
	DateCreated       string      `json:"date_created"`
	DateLastUpdated   string      `json:"date_last_updated"`
}

type searchResponse struct {
	Results []paymentResponse `json:"results"`
}

type merchantOrderResponse struct {
	ID       json.Number `json:"id"`
	Payments []struct {
		ID json.Number `json:"id"`
	} `json:"payments"`
}

// toPayment maps the processor schema field by field. Unknown statuses become
// StatusOther and unparseable dates become the zero time, which the
// reconciler never treats as fresh.
func (p paymentResponse) toPayment() application.ProviderPayment {
	return application.ProviderPayment{
		ID:                p.ID.String(),
		Status:            mapStatus(p.Status),
		ExternalReference: strings.TrimSpace(p.ExternalReference),
		AmountCents:       toMinor(p.TransactionAmount),
		Method:            p.PaymentMethodID,
		CreatedAt:         parseTime(p.DateCreated),
		UpdatedAt:         parseTime(p.DateLastUpdated),
	}
}

func mapStatus(s string) domain.Status {
	switch strings.ToLower(s) {
	case "approved":
		return domain.StatusApproved
	case "pending", "in_process", "authorized":
		return domain.StatusPending
	case "rejected", "cancelled":
		return domain.StatusRejected
	default:
		return domain.StatusOther
	}
}

func toMajor(cents int64) float64 { return float64(cents) / 100 }

func toMinor(amount float64) int64 { return int64(math.Round(amount * 100)) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
