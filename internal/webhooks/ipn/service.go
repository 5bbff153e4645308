package ipn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"chanpass/internal/settlement"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/logger"
	"chanpass/pkg/nowpayments"
)

// Notification is the processor's IPN body. Amount and timestamp stay
// optional; waiting/expired notifications carry neither.
type Notification struct {
	PaymentID     int64               `json:"payment_id"`
	InvoiceID     string              `json:"invoice_id" validate:"required"`
	PaymentStatus string              `json:"payment_status" validate:"required"`
	ActuallyPaid  decimal.NullDecimal `json:"actually_paid"`
	PayCurrency   string              `json:"pay_currency"`
	UpdatedAt     *time.Time          `json:"updated_at,omitempty"`
}

type settlementApplier interface {
	Apply(ctx context.Context, input settlement.ApplyInput) (*settlement.Result, error)
}

type ServiceParams struct {
	Secret string
	Engine settlementApplier
	Replay *ReplayGuard
	Guard  *IdempotencyGuard
	Logger *logger.Logger
}

// Service is the IPN ingestion pipeline: signature, shape, replay window,
// duplicate shedding, then the settlement engine.
type Service struct {
	secret   string
	engine   settlementApplier
	replay   *ReplayGuard
	guard    *IdempotencyGuard
	logg     *logger.Logger
	validate *validator.Validate
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Engine == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "settlement engine required")
	}
	if params.Replay == nil {
		params.Replay = NewReplayGuard(0, nil)
	}
	return &Service{
		secret:   params.Secret,
		engine:   params.Engine,
		replay:   params.Replay,
		guard:    params.Guard,
		logg:     params.Logger,
		validate: validator.New(),
	}, nil
}

// Handle runs one raw notification through the pipeline. The signature is
// checked against the raw body before anything is decoded.
func (s *Service) Handle(ctx context.Context, rawBody []byte, signature string) (*settlement.Result, error) {
	if !nowpayments.VerifyIPNSignature(s.secret, rawBody, signature) {
		return nil, pkgerrors.New(pkgerrors.CodeSignature, "ipn signature mismatch")
	}

	var notification Notification
	if err := json.Unmarshal(rawBody, &notification); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode ipn body")
	}
	if err := s.validate.Struct(notification); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid ipn body")
	}

	if err := s.replay.Check(notification.UpdatedAt); err != nil {
		return nil, err
	}

	if s.guard != nil {
		already, err := s.guard.CheckAndMark(ctx, notification.InvoiceID, notification.PaymentStatus)
		if err != nil {
			// Redis being down must not drop payments; the engine
			// dedupes on its own.
			if s.logg != nil {
				s.logg.Error(ctx, "ipn idempotency check failed", err)
			}
		} else if already {
			if s.logg != nil {
				logCtx := s.logg.WithFields(ctx, map[string]any{
					"invoice_id":     notification.InvoiceID,
					"payment_status": notification.PaymentStatus,
				})
				s.logg.Info(logCtx, "duplicate ipn delivery shed")
			}
			return &settlement.Result{
				Outcome: settlement.OutcomeSuccess,
				Action:  "duplicate_delivery",
			}, nil
		}
	}

	result, err := s.engine.Apply(ctx, settlement.ApplyInput{
		InvoiceID:      notification.InvoiceID,
		ReportedStatus: notification.PaymentStatus,
		ActuallyPaid:   notification.ActuallyPaid,
		PayCurrency:    notification.PayCurrency,
	})
	if err != nil {
		if s.guard != nil {
			if releaseErr := s.guard.Release(ctx, notification.InvoiceID, notification.PaymentStatus); releaseErr != nil && s.logg != nil {
				s.logg.Error(ctx, "ipn idempotency release failed", releaseErr)
			}
		}
		return nil, err
	}

	// Underpayment is recorded FAILED by the engine and then surfaced as
	// an error envelope so the processor's delivery log carries the
	// shortfall. The idempotency claim stays held; the row is terminal.
	if result.Action == settlement.ActionUnderpaid {
		detail := result.Detail
		if detail == "" {
			detail = "payment amount fell short"
		}
		return nil, pkgerrors.New(pkgerrors.CodePartialPayment, detail)
	}
	return result, nil
}
