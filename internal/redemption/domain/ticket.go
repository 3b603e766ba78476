package domain

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("ticket not found")
	ErrAlreadyRedeemed = errors.New("ticket already redeemed")
)

// AlreadyRedeemedError carries the original redemption time so the
// attendant can see when the prize was handed out.
type AlreadyRedeemedError struct {
	TicketID   string
	RedeemedAt time.Time
}

func (e *AlreadyRedeemedError) Error() string {
	return fmt.Sprintf("ticket %s already redeemed at %s", e.TicketID, e.RedeemedAt.Format(time.RFC3339))
}

func (e *AlreadyRedeemedError) Is(target error) bool {
	return target == ErrAlreadyRedeemed
}

type Ticket struct {
	ID         string     `json:"id"`
	Token      string     `json:"token"`
	StoreID    *string    `json:"storeId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	RedeemedAt *time.Time `json:"redeemedAt"`
}

func (t Ticket) Redeemed() bool {
	return t.RedeemedAt != nil
}

const (
	tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	tokenLength   = 8
)

// NormalizeToken trims and upper-cases a scanned or typed code.
func NormalizeToken(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NewToken returns a human-presentable redemption code without the
// ambiguous 0/O and 1/I characters.
func NewToken() (string, error) {
	var b strings.Builder
	b.Grow(tokenLength)
	limit := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < tokenLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(tokenAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NewTicket fills in the identifiers a ticket needs before it is stored.
func NewTicket(id, token string, storeID *string, createdAt time.Time) (Ticket, error) {
	if id == "" {
		id = uuid.NewString()
	}
	token = NormalizeToken(token)
	if token == "" {
		var err error
		if token, err = NewToken(); err != nil {
			return Ticket{}, err
		}
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return Ticket{ID: id, Token: token, StoreID: storeID, CreatedAt: createdAt}, nil
}
