package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chanpass/api/middleware"
	"chanpass/api/responses"
	"chanpass/api/validators"
	"chanpass/internal/settlement"
	"chanpass/pkg/db/models"
	"chanpass/pkg/enums"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/logger"
	"chanpass/pkg/nowpayments"
)

type settlementService interface {
	CreatePendingTransaction(ctx context.Context, input settlement.CreatePendingInput) (*models.Transaction, *nowpayments.Invoice, error)
	ManualOverride(ctx context.Context, transactionID, adminID uuid.UUID) (*settlement.Result, error)
}

type createTransactionRequest struct {
	PayeeKind string    `json:"payee_kind" validate:"required"`
	PayeeID   uuid.UUID `json:"payee_id" validate:"required"`
	PlanID    uuid.UUID `json:"plan_id" validate:"required"`
}

type transactionResponse struct {
	ID         string              `json:"id"`
	InvoiceID  string              `json:"invoice_id"`
	InvoiceURL string              `json:"invoice_url,omitempty"`
	PayeeKind  string              `json:"payee_kind"`
	PayeeID    string              `json:"payee_id"`
	PlanID     string              `json:"plan_id"`
	AmountDue  decimal.Decimal     `json:"amount_due"`
	Currency   string              `json:"currency"`
	Status     enums.PaymentStatus `json:"status"`
	ExpiresAt  time.Time           `json:"expires_at"`
}

// CreateTransaction opens a payment attempt: a processor invoice plus the
// matching pending ledger row.
func CreateTransaction(svc settlementService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req createTransactionRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		payeeKind, err := enums.ParsePayeeKind(req.PayeeKind)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payee kind"))
			return
		}

		row, invoice, err := svc.CreatePendingTransaction(ctx, settlement.CreatePendingInput{
			PayeeKind: payeeKind,
			PayeeID:   req.PayeeID,
			PlanID:    req.PlanID,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, transactionResponse{
			ID:         row.ID.String(),
			InvoiceID:  row.InvoiceID,
			InvoiceURL: invoice.InvoiceURL,
			PayeeKind:  row.PayeeKind.String(),
			PayeeID:    row.PayeeID.String(),
			PlanID:     row.PlanID.String(),
			AmountDue:  row.AmountDue,
			Currency:   row.Currency,
			Status:     row.Status,
			ExpiresAt:  row.ExpiresAt,
		})
	}
}

// OverrideTransaction confirms a non-terminal transaction on an admin's
// authority, bypassing the processor.
func OverrideTransaction(svc settlementService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		transactionID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "transaction id must be a uuid"))
			return
		}

		adminID, err := uuid.Parse(middleware.AdminIDFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing admin identity"))
			return
		}

		result, err := svc.ManualOverride(ctx, transactionID, adminID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{
			"outcome": string(result.Outcome),
			"action":  result.Action,
			"status":  result.Status.String(),
		})
	}
}
