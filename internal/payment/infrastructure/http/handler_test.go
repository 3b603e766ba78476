package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/kiosk-payments/internal/payment/application"
	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
	"github.com/dmehra2102/kiosk-payments/internal/payment/infrastructure/provider"
	"github.com/dmehra2102/kiosk-payments/pkg/idempotency"
)

type fakeIssuer struct {
	intent domain.PaymentIntent
	err    error
	opts   application.IntentOptions
}

func (f *fakeIssuer) CreateIntent(_ context.Context, opts application.IntentOptions) (domain.PaymentIntent, error) {
	f.opts = opts
	return f.intent, f.err
}

type fakeReconciler struct {
	mu       sync.Mutex
	verdict  domain.Verdict
	err      error
	records  []domain.PaymentRecord
	notified []domain.Notification
}

func (f *fakeReconciler) CheckStatus(context.Context, string) (domain.Verdict, error) {
	return f.verdict, f.err
}

func (f *fakeReconciler) HandleNotification(_ context.Context, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, n)
	return f.err
}

func (f *fakeReconciler) Records(_ context.Context, id string) ([]domain.PaymentRecord, error) {
	if id == "" {
		return nil, domain.ErrInvalidReference
	}
	return f.records, f.err
}

// memDeduper maps a key to true once finished and false while in flight.
type memDeduper struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (d *memDeduper) DeliveryKey(source, requestID string) string { return source + ":" + requestID }

func (d *memDeduper) Begin(_ context.Context, key string, _ time.Duration) (idempotency.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	done, ok := d.keys[key]
	switch {
	case !ok:
		d.keys[key] = false
		return idempotency.Claimed, nil
	case done:
		return idempotency.Done, nil
	default:
		return idempotency.InFlight, nil
	}
}

func (d *memDeduper) Finish(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[key] = true
	return nil
}

func (d *memDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	return nil
}

func newServer(iss *fakeIssuer, rec *fakeReconciler, dedupe Deduper, secret string) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), iss, rec, dedupe, secret)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(t *testing.T, srv http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestCreatePayment(t *testing.T) {
	expires := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	iss := &fakeIssuer{intent: domain.PaymentIntent{
		PreferenceID:  "pref-1",
		RedirectURL:   "https://pay.example/init",
		CorrelationID: "game-1000",
		AmountCents:   1500,
		ExpiresAt:     expires,
	}}
	srv := newServer(iss, &fakeReconciler{}, nil, "")

	rec, body := do(t, srv, httptest.NewRequest(http.MethodPost, "/payment/create", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pref-1", body["id"])
	assert.Equal(t, "https://pay.example/init", body["redirectHandle"])
	assert.Equal(t, "game-1000", body["correlationId"])
	assert.Equal(t, float64(1500), body["amount"])
	assert.Equal(t, "2026-03-01T12:10:00Z", body["expiresAt"])
}

func TestCreatePayment_AmountOverridePassedThrough(t *testing.T) {
	iss := &fakeIssuer{intent: domain.PaymentIntent{PreferenceID: "p", RedirectURL: "u", CorrelationID: "game-1"}}
	srv := newServer(iss, &fakeReconciler{}, nil, "")

	rec, _ := do(t, srv, httptest.NewRequest(http.MethodPost, "/payment/create", strings.NewReader(`{"amount":250}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(250), iss.opts.AmountCents)
}

func TestCreatePayment_Errors(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{err: fmt.Errorf("%w: 503", domain.ErrIssuerUnavailable), code: "ISSUER_UNAVAILABLE"},
		{err: fmt.Errorf("%w: 401", domain.ErrConfiguration), code: "CONFIGURATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := newServer(&fakeIssuer{err: tt.err}, &fakeReconciler{}, nil, "")

			rec, body := do(t, srv, httptest.NewRequest(http.MethodPost, "/payment/create", nil))

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, tt.code, body["code"])
			assert.NotContains(t, body["error"], "503")
		})
	}
}

func TestPaymentStatus(t *testing.T) {
	tests := []struct {
		name       string
		verdict    domain.Verdict
		err        error
		wantStatus int
		want       map[string]any
	}{
		{
			name:       "approved",
			verdict:    domain.Approved("pay-77"),
			wantStatus: http.StatusOK,
			want:       map[string]any{"status": "approved", "payment_id": "pay-77"},
		},
		{
			name:       "pending",
			verdict:    domain.Pending(),
			wantStatus: http.StatusOK,
			want:       map[string]any{"status": "pending"},
		},
		{
			name:       "transient",
			err:        fmt.Errorf("%w: search: timeout", domain.ErrTransientLookup),
			wantStatus: http.StatusOK,
			want:       map[string]any{"status": "pending", "retryable": true, "code": "TRANSIENT_LOOKUP_ERROR"},
		},
		{
			name:       "invalid reference",
			err:        domain.ErrInvalidReference,
			wantStatus: http.StatusBadRequest,
			want:       map[string]any{"status": "error", "error": "external_reference is required", "code": "INVALID_REFERENCE"},
		},
		{
			name:       "configuration",
			err:        domain.ErrConfiguration,
			wantStatus: http.StatusInternalServerError,
			want:       map[string]any{"status": "error", "error": "payment provider misconfigured", "code": "CONFIGURATION_ERROR"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(&fakeIssuer{}, &fakeReconciler{verdict: tt.verdict, err: tt.err}, nil, "")

			rec, body := do(t, srv, httptest.NewRequest(http.MethodGet, "/payment/status?external_reference=game-1000", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
			assert.Equal(t, tt.want, body)
		})
	}
}

func TestPaymentRecords(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := newServer(&fakeIssuer{}, &fakeReconciler{records: []domain.PaymentRecord{
		{ProviderID: "pay-1", AmountCents: 1500, Status: domain.StatusApproved, CorrelationID: "game-1", UpdatedAt: updated},
	}}, nil, "")

	rec, body := do(t, srv, httptest.NewRequest(http.MethodGet, "/payment/records?external_reference=game-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	records := body["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "approved", records[0].(map[string]any)["status"])

	rec, _ = do(t, srv, httptest.NewRequest(http.MethodGet, "/payment/records", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_ParsesShapes(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		want   domain.Notification
	}{
		{
			name:   "query params",
			target: "/webhook/payment?type=payment&data.id=123",
			want:   domain.Notification{Topic: domain.TopicPayment, ID: "123"},
		},
		{
			name:   "body data id",
			target: "/webhook/payment",
			body:   `{"action":"payment.updated","type":"payment","id":987,"data":{"id":"456"}}`,
			want:   domain.Notification{Topic: domain.TopicPayment, ID: "456"},
		},
		{
			name:   "numeric data id",
			target: "/webhook/payment",
			body:   `{"type":"payment","data":{"id":789}}`,
			want:   domain.Notification{Topic: domain.TopicPayment, ID: "789"},
		},
		{
			name:   "merchant order resource",
			target: "/webhook/payment?topic=merchant_order",
			body:   `{"resource":"https://api.mercadolibre.com/merchant_orders/555","topic":"merchant_order"}`,
			want:   domain.Notification{Topic: domain.TopicMerchantOrder, ID: "555"},
		},
		{
			name:   "legacy query id",
			target: "/webhook/payment?topic=payment&id=42",
			want:   domain.Notification{Topic: domain.TopicPayment, ID: "42"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := &fakeReconciler{}
			srv := newServer(&fakeIssuer{}, rc, nil, "")

			rec, body := do(t, srv, httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body)))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "processed", body["status"])
			require.Len(t, rc.notified, 1)
			assert.Equal(t, tt.want, rc.notified[0])
		})
	}
}

func TestWebhook_Ignored(t *testing.T) {
	for _, secret := range []string{"", "whsec"} {
		for _, target := range []string{
			"/webhook/payment?type=plan&data.id=1",
			"/webhook/payment?type=payment",
			"/webhook/payment",
		} {
			rc := &fakeReconciler{}
			srv := newServer(&fakeIssuer{}, rc, nil, secret)

			rec, body := do(t, srv, httptest.NewRequest(http.MethodPost, target, strings.NewReader("not json")))

			assert.Equal(t, http.StatusOK, rec.Code, "%s secret=%q", target, secret)
			assert.Equal(t, "ignored", body["status"], "%s secret=%q", target, secret)
			assert.Empty(t, rc.notified, target)
		}
	}
}

func TestWebhook_Duplicate(t *testing.T) {
	rc := &fakeReconciler{}
	srv := newServer(&fakeIssuer{}, rc, &memDeduper{keys: map[string]bool{}}, "")

	send := func() map[string]any {
		req := httptest.NewRequest(http.MethodPost, "/webhook/payment?type=payment&data.id=1", nil)
		req.Header.Set("x-request-id", "req-1")
		_, body := do(t, srv, req)
		return body
	}

	assert.Equal(t, "processed", send()["status"])
	assert.Equal(t, "duplicate", send()["status"])
	assert.Len(t, rc.notified, 1)
}

func TestWebhook_RetryWhileInFlight(t *testing.T) {
	dedupe := &memDeduper{keys: map[string]bool{}}
	rc := &fakeReconciler{}
	srv := newServer(&fakeIssuer{}, rc, dedupe, "")

	key := dedupe.DeliveryKey("payment-webhook", "req-3")
	state, err := dedupe.Begin(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.Claimed, state)

	req := httptest.NewRequest(http.MethodPost, "/webhook/payment?type=payment&data.id=1", nil)
	req.Header.Set("x-request-id", "req-3")
	rec, body := do(t, srv, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IN_PROGRESS", body["code"])
	assert.Empty(t, rc.notified)

	// The first attempt fails and lets go; the provider's next retry runs.
	require.NoError(t, dedupe.Release(context.Background(), key))
	req = httptest.NewRequest(http.MethodPost, "/webhook/payment?type=payment&data.id=1", nil)
	req.Header.Set("x-request-id", "req-3")
	rec, body = do(t, srv, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", body["status"])
	assert.Len(t, rc.notified, 1)
}

func TestWebhook_FailureReleasesDeliveryForRetry(t *testing.T) {
	rc := &fakeReconciler{err: fmt.Errorf("%w: payment 1: timeout", domain.ErrTransientLookup)}
	srv := newServer(&fakeIssuer{}, rc, &memDeduper{keys: map[string]bool{}}, "")

	send := func() (*httptest.ResponseRecorder, map[string]any) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/payment?type=payment&data.id=1", nil)
		req.Header.Set("x-request-id", "req-2")
		return do(t, srv, req)
	}

	rec, body := send()
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "TRANSIENT_LOOKUP_ERROR", body["code"])

	rc.err = nil
	rec, body = send()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", body["status"])
	assert.Len(t, rc.notified, 2)
}

func TestWebhook_Signature(t *testing.T) {
	const secret = "whsec"
	rc := &fakeReconciler{}
	srv := newServer(&fakeIssuer{}, rc, nil, secret)

	good := httptest.NewRequest(http.MethodPost, "/webhook/payment?type=payment&data.id=123", nil)
	good.Header.Set("x-request-id", "req-9")
	good.Header.Set("x-signature", provider.Sign(secret, "123", "req-9", "1704908010"))
	rec, _ := do(t, srv, good)
	assert.Equal(t, http.StatusOK, rec.Code)

	bad := httptest.NewRequest(http.MethodPost, "/webhook/payment?type=payment&data.id=123", nil)
	bad.Header.Set("x-request-id", "req-9")
	bad.Header.Set("x-signature", provider.Sign("wrong", "123", "req-9", "1704908010"))
	rec, body := do(t, srv, bad)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_SIGNATURE", body["code"])

	assert.Len(t, rc.notified, 1)
}

func TestWebhook_ProcessingError(t *testing.T) {
	rc := &fakeReconciler{err: errors.New("store down")}
	srv := newServer(&fakeIssuer{}, rc, nil, "")

	rec, body := do(t, srv, httptest.NewRequest(http.MethodPost, "/webhook/payment?type=payment&data.id=1", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "INTERNAL_ERROR", body["code"])
}
