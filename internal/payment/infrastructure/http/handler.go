package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/kiosk-payments/internal/payment/application"
	"github.com/dmehra2102/kiosk-payments/internal/payment/domain"
	"github.com/dmehra2102/kiosk-payments/internal/payment/infrastructure/provider"
	"github.com/dmehra2102/kiosk-payments/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

type IntentCreator interface {
	CreateIntent(ctx context.Context, opts application.IntentOptions) (domain.PaymentIntent, error)
}

type Reconciler interface {
	CheckStatus(ctx context.Context, correlationID string) (domain.Verdict, error)
	HandleNotification(ctx context.Context, n domain.Notification) error
	Records(ctx context.Context, correlationID string) ([]domain.PaymentRecord, error)
}

// Deduper claims webhook delivery ids. A nil Deduper disables dedupe.
type Deduper interface {
	DeliveryKey(source, requestID string) string
	Begin(ctx context.Context, key string, lease time.Duration) (idempotency.State, error)
	Finish(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// deliveryLease bounds how long a crashed attempt blocks provider retries.
const deliveryLease = time.Minute

type Handler struct {
	log           *slog.Logger
	issuer        IntentCreator
	reconciler    Reconciler
	dedupe        Deduper
	webhookSecret string
	tracer        trace.Tracer
}

func NewHandler(log *slog.Logger, issuer IntentCreator, reconciler Reconciler, dedupe Deduper, webhookSecret string) *Handler {
	return &Handler{
		log:           log,
		issuer:        issuer,
		reconciler:    reconciler,
		dedupe:        dedupe,
		webhookSecret: webhookSecret,
		tracer:        otel.Tracer("payment-http"),
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/payment/create", h.createPayment)
	r.Get("/payment/status", h.paymentStatus)
	r.Get("/payment/records", h.paymentRecords)
	r.Post("/webhook/payment", h.webhook)
}

type createPaymentReq struct {
	Amount int64 `json:"amount"`
}

type createPaymentResp struct {
	ID             string    `json:"id"`
	RedirectHandle string    `json:"redirectHandle"`
	CorrelationID  string    `json:"correlationId"`
	Amount         int64     `json:"amount"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreatePayment")
	defer span.End()

	var req createPaymentReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid body", Code: "INVALID_BODY"})
		return
	}

	intent, err := h.issuer.CreateIntent(ctx, application.IntentOptions{AmountCents: req.Amount})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create intent")
		code, msg := "ISSUER_UNAVAILABLE", "payment provider unavailable"
		if errors.Is(err, domain.ErrConfiguration) {
			code, msg = "CONFIGURATION_ERROR", "payment provider misconfigured"
		}
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: msg, Code: code})
		return
	}
	span.SetAttributes(attribute.String("correlation_id", intent.CorrelationID))

	writeJSON(w, http.StatusOK, createPaymentResp{
		ID:             intent.PreferenceID,
		RedirectHandle: intent.RedirectURL,
		CorrelationID:  intent.CorrelationID,
		Amount:         intent.AmountCents,
		ExpiresAt:      intent.ExpiresAt,
	})
}

type statusResp struct {
	Status    string `json:"status"`
	PaymentID string `json:"payment_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentStatus")
	defer span.End()

	// A stale pending from an intermediary cache would stall the kiosk.
	w.Header().Set("Cache-Control", "no-store")

	correlationID := r.URL.Query().Get("external_reference")
	span.SetAttributes(attribute.String("correlation_id", correlationID))

	v, err := h.reconciler.CheckStatus(ctx, correlationID)
	switch {
	case err == nil:
		span.SetAttributes(attribute.String("verdict", string(v.Status)))
		writeJSON(w, http.StatusOK, statusResp{Status: string(v.Status), PaymentID: v.PaymentID})
	case errors.Is(err, domain.ErrInvalidReference):
		writeJSON(w, http.StatusBadRequest, statusResp{Status: "error", Error: "external_reference is required", Code: "INVALID_REFERENCE"})
	case errors.Is(err, domain.ErrTransientLookup):
		writeJSON(w, http.StatusOK, statusResp{Status: string(domain.StatusPending), Retryable: true, Code: "TRANSIENT_LOOKUP_ERROR"})
	case errors.Is(err, domain.ErrConfiguration):
		span.RecordError(err)
		span.SetStatus(codes.Error, "configuration")
		writeJSON(w, http.StatusInternalServerError, statusResp{Status: "error", Error: "payment provider misconfigured", Code: "CONFIGURATION_ERROR"})
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "status")
		h.log.Error("payment status failed", "correlation_id", correlationID, "err", err)
		writeJSON(w, http.StatusInternalServerError, statusResp{Status: "error", Error: "internal error", Code: "INTERNAL_ERROR"})
	}
}

type recordView struct {
	ProviderID    string    `json:"provider_id"`
	AmountCents   int64     `json:"amount"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Method        string    `json:"method,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (h *Handler) paymentRecords(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentRecords")
	defer span.End()

	recs, err := h.reconciler.Records(ctx, r.URL.Query().Get("external_reference"))
	if errors.Is(err, domain.ErrInvalidReference) {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "external_reference is required", Code: "INVALID_REFERENCE"})
		return
	}
	if err != nil {
		span.RecordError(err)
		h.log.Error("payment records failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error", Code: "INTERNAL_ERROR"})
		return
	}

	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordView{
			ProviderID:    rec.ProviderID,
			AmountCents:   rec.AmountCents,
			Status:        string(rec.Status),
			CorrelationID: rec.CorrelationID,
			Method:        rec.Method,
			UpdatedAt:     rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentWebhook")
	defer span.End()

	n, dataID := parseNotification(r)
	n.RequestID = r.Header.Get("x-request-id")
	span.SetAttributes(attribute.String("topic", string(n.Topic)), attribute.String("resource_id", n.ID))

	if !n.Actionable() {
		writeJSON(w, http.StatusOK, statusResp{Status: "ignored"})
		return
	}

	if h.webhookSecret != "" {
		if err := provider.VerifySignature(h.webhookSecret, r.Header.Get("x-signature"), n.RequestID, dataID); err != nil {
			h.log.Warn("webhook signature rejected", "topic", n.Topic, "id", n.ID, "err", err)
			writeJSON(w, http.StatusUnauthorized, statusResp{Status: "error", Code: "INVALID_SIGNATURE"})
			return
		}
	}

	key := ""
	if h.dedupe != nil && n.RequestID != "" {
		key = h.dedupe.DeliveryKey("payment-webhook", n.RequestID)
		state, err := h.dedupe.Begin(ctx, key, deliveryLease)
		switch {
		case err != nil:
			h.log.Warn("webhook dedupe unavailable", "request_id", n.RequestID, "err", err)
			key = ""
		case state == idempotency.InFlight:
			writeJSON(w, http.StatusConflict, statusResp{Status: "in_progress", Code: "IN_PROGRESS"})
			return
		case state == idempotency.Done:
			writeJSON(w, http.StatusOK, statusResp{Status: "duplicate"})
			return
		}
	}

	err := h.reconciler.HandleNotification(ctx, n)
	switch {
	case err == nil || errors.Is(err, domain.ErrIgnored):
		if key != "" {
			if fErr := h.dedupe.Finish(ctx, key); fErr != nil {
				h.log.Warn("webhook dedupe finish failed", "request_id", n.RequestID, "err", fErr)
			}
		}
		status := "processed"
		if err != nil {
			status = "ignored"
		}
		writeJSON(w, http.StatusOK, statusResp{Status: status})
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook")
		if key != "" {
			if rErr := h.dedupe.Release(ctx, key); rErr != nil {
				h.log.Warn("webhook dedupe release failed", "request_id", n.RequestID, "err", rErr)
			}
		}
		code := "INTERNAL_ERROR"
		switch {
		case errors.Is(err, domain.ErrTransientLookup):
			code = "TRANSIENT_LOOKUP_ERROR"
		case errors.Is(err, domain.ErrConfiguration):
			code = "CONFIGURATION_ERROR"
		}
		h.log.Error("webhook processing failed", "topic", n.Topic, "id", n.ID, "err", err)
		writeJSON(w, http.StatusInternalServerError, statusResp{Status: "error", Code: code})
	}
}

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
