package domain

import "time"

// TicketIssued is published by the game-result flow once a paid play
// produced a prize.
type TicketIssued struct {
	TicketID  string    `json:"ticket_id"`
	Token     string    `json:"token,omitempty"`
	StoreID   *string   `json:"store_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	PaymentID string    `json:"payment_id,omitempty"`
}

type TicketRedeemed struct {
	TicketID   string    `json:"ticket_id"`
	Token      string    `json:"token"`
	StoreID    *string   `json:"store_id,omitempty"`
	RedeemedAt time.Time `json:"redeemed_at"`
}
