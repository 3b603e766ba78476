package priceconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const PriceKey = "game_price"

var ErrInvalidPrice = errors.New("invalid price config")

type record struct {
	Key      string `json:"key"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Client reads the authoritative game price. It implements
// application.PriceSource.
type Client struct {
	http     *resty.Client
	url      string
	currency string
}

func NewClient(url, currency string, timeout time.Duration) *Client {
	return &Client{
		http:     resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		url:      url,
		currency: currency,
	}
}

func (c *Client) FetchPrice(ctx context.Context) (int64, error) {
	var rec record
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("key", PriceKey).
		SetResult(&rec).
		Get(c.url)
	if err != nil {
		return 0, fmt.Errorf("fetch price: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("fetch price: status %d", resp.StatusCode())
	}
	if rec.Key != "" && rec.Key != PriceKey {
		return 0, fmt.Errorf("%w: unexpected key %q", ErrInvalidPrice, rec.Key)
	}
	if rec.Currency != "" && c.currency != "" && !strings.EqualFold(rec.Currency, c.currency) {
		return 0, fmt.Errorf("%w: currency %s, want %s", ErrInvalidPrice, rec.Currency, c.currency)
	}
	if rec.Amount <= 0 {
		return 0, fmt.Errorf("%w: amount %d", ErrInvalidPrice, rec.Amount)
	}
	return rec.Amount, nil
}
