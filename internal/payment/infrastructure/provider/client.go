package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dmehra2102/kiosk-payments/internal/payment/application"
	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
)

const DefaultBaseURL = "https://api.mercadopago.com"

// The checkout flow is kiosk-driven, so back URLs are placeholders the
// processor requires but nobody visits.
var placeholderBackURLs = backURLs{
	Success: "https://localhost/payment/success",
	Failure: "https://localhost/payment/failure",
	Pending: "https://localhost/payment/pending",
}

type Config struct {
	BaseURL         string
	AccessToken     string
	NotificationURL string
	Timeout         time.Duration
}

// Client talks to the payment processor's REST API. It implements
// application.Processor.
type Client struct {
	log             *slog.Logger
	http            *resty.Client
	notificationURL string
}

func NewClient(log *slog.Logger, cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	rc := resty.New().
		SetBaseURL(base).
		SetAuthToken(cfg.AccessToken).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout)
	return &Client{log: log, http: rc, notificationURL: cfg.NotificationURL}
}

var _ application.Processor = (*Client)(nil)

func (c *Client) CreatePreference(ctx context.Context, req application.PreferenceRequest) (application.Preference, error) {
	body := preferenceBody{
		Items: []preferenceItem{{
			Title:      req.Title,
			Quantity:   1,
			UnitPrice:  toMajor(req.AmountCents),
			CurrencyID: req.Currency,
		}},
		ExternalReference:  req.CorrelationID,
		Expires:            true,
		ExpirationDateFrom: req.ExpiresFrom.Format(time.RFC3339Nano),
		ExpirationDateTo:   req.ExpiresTo.Format(time.RFC3339Nano),
		BackURLs:           placeholderBackURLs,
		AutoReturn:         "approved",
		NotificationURL:    c.notificationURL,
	}

	var out preferenceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Idempotency-Key", req.CorrelationID).
		SetBody(body).
		SetResult(&out).
		Post("/checkout/preferences")
	if err := check("create preference", resp, err); err != nil {
		return application.Preference{}, err
	}

	redirect := out.InitPoint
	if redirect == "" {
		redirect = out.SandboxInitPoint
	}
	return application.Preference{ID: out.ID, RedirectURL: redirect}, nil
}

func (c *Client) SearchPayments(ctx context.Context, q application.SearchQuery) ([]application.ProviderPayment, error) {
	params := map[string]string{
		"sort":     "date_created",
		"criteria": "desc",
	}
	if q.ExternalReference != "" {
		params["external_reference"] = q.ExternalReference
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}

	var out searchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		Get("/v1/payments/search")
	if err := check("search payments", resp, err); err != nil {
		return nil, err
	}

	payments := make([]application.ProviderPayment, 0, len(out.Results))
	for _, p := range out.Results {
		if p.ID.String() == "" {
			c.log.Warn("skipping payment without id in search result", "external_reference", p.ExternalReference)
			continue
		}
		payments = append(payments, p.toPayment())
	}
	return payments, nil
}

func (c *Client) GetPayment(ctx context.Context, id string) (application.ProviderPayment, error) {
	var out paymentResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/v1/payments/{id}")
	if err := check("get payment "+id, resp, err); err != nil {
		return application.ProviderPayment{}, err
	}
	p := out.toPayment()
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

func (c *Client) GetMerchantOrderPayments(ctx context.Context, id string) ([]string, error) {
	var out merchantOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/merchant_orders/{id}")
	if err := check("get merchant order "+id, resp, err); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Payments))
	for _, p := range out.Payments {
		if s := p.ID.String(); s != "" {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// check turns transport failures and non-2xx answers into errors. Credential
// rejections are configuration problems and never retried.
func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s: processor rejected credentials (%d)", domain.ErrConfiguration, op, code)
	case resp.IsError():
		return fmt.Errorf("%s: processor returned %d: %s", op, code, truncate(resp.String(), 256))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
