package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusOther    Status = "other"
)

const correlationPrefix = "game-"

// PaymentIntent is handed back to the kiosk so it can complete payment and
// start polling. Only CorrelationID outlives the request.
type PaymentIntent struct {
	PreferenceID  string
	RedirectURL   string
	CorrelationID string
	AmountCents   int64
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// NewCorrelationID returns a fresh external reference for a payment intent.
func NewCorrelationID() string {
	return correlationPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type PaymentRecord struct {
	ProviderID    string
	AmountCents   int64
	Status        Status
	CorrelationID string
	Method        string
	UpdatedAt     time.Time
}

// Merge folds an incoming observation of a payment into what is already
// stored. Approved is absorbing, otherwise the newer write wins and
// UpdatedAt never moves backwards.
func Merge(existing, incoming PaymentRecord) PaymentRecord {
	out := existing
	newer := !incoming.UpdatedAt.Before(existing.UpdatedAt)

	if newer {
		if existing.Status != StatusApproved {
			out.Status = incoming.Status
		}
		if incoming.AmountCents > 0 {
			out.AmountCents = incoming.AmountCents
		}
		if incoming.Method != "" {
			out.Method = incoming.Method
		}
		out.UpdatedAt = incoming.UpdatedAt
	}
	if out.CorrelationID == "" {
		out.CorrelationID = incoming.CorrelationID
	}
	if incoming.Status == StatusApproved {
		out.Status = StatusApproved
	}
	return out
}

type Verdict struct {
	Status    Status
	PaymentID string
}

func Approved(paymentID string) Verdict {
	return Verdict{Status: StatusApproved, PaymentID: paymentID}
}

func Pending() Verdict {
	return Verdict{Status: StatusPending}
}

type Topic string

const (
	TopicPayment       Topic = "payment"
	TopicMerchantOrder Topic = "merchant_order"
)

// Notification is a provider push identifying a resource to re-read.
type Notification struct {
	Topic     Topic
	ID        string
	RequestID string
}

func (n Notification) Actionable() bool {
	return (n.Topic == TopicPayment || n.Topic == TopicMerchantOrder) && strings.TrimSpace(n.ID) != ""
}
