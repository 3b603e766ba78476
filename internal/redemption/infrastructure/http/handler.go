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
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/kiosk-payments/internal/redemption/domain"
	"github.com/dmehra2102/kiosk-payments/pkg/ratelimit"
)

type Redeemer interface {
	Redeem(ctx context.Context, tokenOrID string) (domain.Ticket, error)
}

type Handler struct {
	log     *slog.Logger
	ledger  Redeemer
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

// NewHandler builds the redeem endpoint. A nil limiter disables rate
// limiting.
func NewHandler(log *slog.Logger, ledger Redeemer, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		log:     log,
		ledger:  ledger,
		limiter: limiter,
		tracer:  otel.Tracer("redemption-http"),
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, redeemResp{Error: "too many attempts", Code: "RATE_LIMITED"})
			}))
		}
		r.Post("/redeem", h.redeem)
	})
}

type redeemReq struct {
	Token string `json:"token"`
}

type redeemResp struct {
	Success    bool           `json:"success"`
	Ticket     *domain.Ticket `json:"ticket,omitempty"`
	Error      string         `json:"error,omitempty"`
	Code       string         `json:"code,omitempty"`
	RedeemedAt *time.Time     `json:"redeemedAt,omitempty"`
}

func (h *Handler) redeem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RedeemTicket")
	defer span.End()

	var req redeemReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, redeemResp{Error: "invalid body", Code: "INVALID_BODY"})
		return
	}

	t, err := h.ledger.Redeem(ctx, req.Token)
	var already *domain.AlreadyRedeemedError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, redeemResp{Success: true, Ticket: &t})
	case errors.As(err, &already):
		at := already.RedeemedAt
		writeJSON(w, http.StatusBadRequest, redeemResp{Error: "ticket already redeemed", Code: "ALREADY_REDEEMED", RedeemedAt: &at})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, redeemResp{Error: "ticket not found", Code: "NOT_FOUND"})
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "redeem")
		h.log.Error("redeem failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, redeemResp{Error: "internal error", Code: "INTERNAL_ERROR"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
