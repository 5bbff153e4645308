package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"chanpass/internal/accounts"
	"chanpass/internal/ledger"
	"chanpass/pkg/db/models"
	"chanpass/pkg/enums"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/logger"
	"chanpass/pkg/nowpayments"
	"chanpass/pkg/outbox"
	"chanpass/pkg/outbox/payloads"
)

// Outcome distinguishes whether Apply changed any state.
type Outcome string

const (
	// OutcomeSuccess means the notification was handled without a state
	// change (duplicate delivery, already-terminal row).
	OutcomeSuccess Outcome = "success"
	// OutcomeUpdated means the ledger row (and possibly the subscription)
	// transitioned.
	OutcomeUpdated Outcome = "updated"
)

// ActionUnderpaid marks a settled report whose amount fell short of the
// row's amount due. The row is recorded FAILED.
const ActionUnderpaid = "underpaid"

// Result reports what Apply did with a status notification.
type Result struct {
	Outcome Outcome
	Action  string
	Status  enums.PaymentStatus
	Detail  string
}

// ApplyInput is a processor status report, from the webhook or from the
// reconciliation sweep. Both paths converge here.
type ApplyInput struct {
	InvoiceID      string
	ReportedStatus string
	ActuallyPaid   decimal.NullDecimal
	PayCurrency    string
}

// CreatePendingInput starts a new payment attempt for a payee on a plan.
type CreatePendingInput struct {
	PayeeKind enums.PayeeKind
	PayeeID   uuid.UUID
	PlanID    uuid.UUID
}

type invoiceCreator interface {
	CreateInvoice(ctx context.Context, params nowpayments.InvoiceParams) (*nowpayments.Invoice, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Engine owns every transition of the transaction ledger and the subscription
// facets it drives. All writes happen inside a single database transaction
// with the ledger row locked, so concurrent reports for one invoice
// serialize.
type Engine struct {
	ledger     ledger.Repository
	accounts   accounts.Repository
	outbox     *outbox.Service
	processor  invoiceCreator
	txRunner   txRunner
	logg       *logger.Logger
	invoiceTTL time.Duration
	now        func() time.Time
}

// EngineParams groups dependencies for the settlement engine.
type EngineParams struct {
	Ledger            ledger.Repository
	Accounts          accounts.Repository
	Outbox            *outbox.Service
	Processor         invoiceCreator
	TransactionRunner txRunner
	Logger            *logger.Logger
	InvoiceTTL        time.Duration
	Now               func() time.Time
}

// NewEngine builds the settlement engine with the required dependencies.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Accounts == nil {
		return nil, fmt.Errorf("accounts repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.InvoiceTTL <= 0 {
		params.InvoiceTTL = time.Hour
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Engine{
		ledger:     params.Ledger,
		accounts:   params.Accounts,
		outbox:     params.Outbox,
		processor:  params.Processor,
		txRunner:   params.TransactionRunner,
		logg:       params.Logger,
		invoiceTTL: params.InvoiceTTL,
		now:        params.Now,
	}, nil
}

// CreatePendingTransaction asks the processor for an invoice and appends the
// matching PENDING ledger row. The invoice is created before the row so a
// processor failure leaves no orphaned ledger entry.
func (e *Engine) CreatePendingTransaction(ctx context.Context, input CreatePendingInput) (*models.Transaction, *nowpayments.Invoice, error) {
	if !input.PayeeKind.IsValid() {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid payee kind %q", input.PayeeKind))
	}
	if input.PayeeID == uuid.Nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "payee id is required")
	}
	if e.processor == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeInternal, "processor client not configured")
	}

	plan, err := e.accounts.FindPlanByID(ctx, input.PlanID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
		}
		return nil, nil, err
	}

	transactionID := uuid.New()
	invoice, err := e.processor.CreateInvoice(ctx, nowpayments.InvoiceParams{
		PriceAmount:      plan.Price,
		PriceCurrency:    plan.Currency,
		OrderID:          transactionID.String(),
		OrderDescription: plan.Name,
	})
	if err != nil {
		return nil, nil, err
	}

	row := &models.Transaction{
		ID:        transactionID,
		InvoiceID: invoice.ID,
		PayeeKind: input.PayeeKind,
		PayeeID:   input.PayeeID,
		PlanID:    plan.ID,
		AmountDue: plan.Price,
		Currency:  plan.Currency,
		Status:    enums.PaymentStatusPending,
		ExpiresAt: e.now().Add(e.invoiceTTL),
	}
	if err := e.ledger.Create(ctx, row); err != nil {
		return nil, nil, err
	}

	if e.logg != nil {
		logCtx := e.logg.WithFields(ctx, map[string]any{
			"transaction_id": row.ID.String(),
			"invoice_id":     row.InvoiceID,
			"payee_kind":     row.PayeeKind,
		})
		e.logg.Info(logCtx, "pending transaction created")
	}
	return row, invoice, nil
}

// Apply runs one processor status report through the state machine. It is the
// single write path for settlement state: webhook deliveries, reconciliation
// polls, and duplicates all pass through here and serialize on the row lock.
func (e *Engine) Apply(ctx context.Context, input ApplyInput) (*Result, error) {
	if input.InvoiceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice id is required")
	}

	var result *Result
	err := e.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		ledgerRepo := e.ledger.WithTx(tx)
		row, err := ledgerRepo.FindByInvoiceIDForUpdate(ctx, input.InvoiceID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "unknown invoice")
			}
			return err
		}

		// CONFIRMED, FAILED, and EXPIRED are terminal. A late settled
		// report cannot resurrect a failed row and a late waiting report
		// cannot drag it back to pending; a failed payment is only
		// recoverable through a new invoice. Re-deliveries are
		// acknowledged without touching the row.
		if row.Status.IsTerminal() {
			action := "already_terminal"
			if row.Status == enums.PaymentStatusConfirmed {
				action = "already_confirmed"
			}
			result = &Result{
				Outcome: OutcomeSuccess,
				Action:  action,
				Status:  row.Status,
			}
			return nil
		}

		reported := enums.NormalizeProcessorStatus(input.ReportedStatus)
		if reported.IsSettled() {
			result, err = e.settle(ctx, tx, row, input)
			return err
		}

		next := reported.LocalStatus()
		if next == row.Status {
			result = &Result{
				Outcome: OutcomeSuccess,
				Action:  "noop",
				Status:  row.Status,
			}
			return nil
		}
		return e.transition(ctx, tx, row, next, string(reported), &result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ManualOverride confirms a transaction on an operator's authority, paying it
// at face value. It reuses the settled path so the subscription, access log,
// and outbox effects are identical to an organic confirmation.
func (e *Engine) ManualOverride(ctx context.Context, transactionID, adminID uuid.UUID) (*Result, error) {
	if transactionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	if adminID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "admin id is required")
	}

	row, err := e.ledger.FindByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
		}
		return nil, err
	}

	var result *Result
	err = e.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		ledgerRepo := e.ledger.WithTx(tx)
		locked, err := ledgerRepo.FindByInvoiceIDForUpdate(ctx, row.InvoiceID)
		if err != nil {
			return err
		}
		if locked.Status == enums.PaymentStatusConfirmed {
			result = &Result{
				Outcome: OutcomeSuccess,
				Action:  "already_confirmed",
				Status:  locked.Status,
			}
			return nil
		}

		actor := &outbox.ActorRef{Performer: enums.AccessPerformerAdmin, AdminID: &adminID}
		result, err = e.confirm(ctx, tx, locked, confirmInput{
			paid:        locked.AmountDue,
			payCurrency: locked.PayCurrency,
			performer:   enums.AccessPerformerAdmin,
			actor:       actor,
			detail:      "manual override",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) settle(ctx context.Context, tx *gorm.DB, row *models.Transaction, input ApplyInput) (*Result, error) {
	paid := decimal.Zero
	if input.ActuallyPaid.Valid {
		paid = input.ActuallyPaid.Decimal
	}

	if paid.LessThan(row.AmountDue) {
		return e.fail(ctx, tx, row, failInput{
			paid:        input.ActuallyPaid,
			payCurrency: input.PayCurrency,
			status:      enums.PaymentStatusFailed,
			reason:      fmt.Sprintf("underpaid: received %s of %s %s", paid, row.AmountDue, row.Currency),
			action:      ActionUnderpaid,
		})
	}

	var payCurrency *string
	if input.PayCurrency != "" {
		payCurrency = &input.PayCurrency
	}
	return e.confirm(ctx, tx, row, confirmInput{
		paid:        paid,
		payCurrency: payCurrency,
		performer:   enums.AccessPerformerSystem,
		actor:       &outbox.ActorRef{Performer: enums.AccessPerformerSystem},
	})
}

type confirmInput struct {
	paid        decimal.Decimal
	payCurrency *string
	performer   enums.AccessPerformer
	actor       *outbox.ActorRef
	detail      string
}

func (e *Engine) confirm(ctx context.Context, tx *gorm.DB, row *models.Transaction, input confirmInput) (*Result, error) {
	now := e.now()
	ledgerRepo := e.ledger.WithTx(tx)
	accountsRepo := e.accounts.WithTx(tx)

	updates := map[string]any{
		"status":        enums.PaymentStatusConfirmed,
		"confirmed_at":  now,
		"actually_paid": decimal.NewNullDecimal(input.paid),
	}
	if input.payCurrency != nil {
		updates["pay_currency"] = *input.payCurrency
	}
	if err := ledgerRepo.Update(ctx, row.ID, updates); err != nil {
		return nil, err
	}

	plan, err := accountsRepo.FindPlanByID(ctx, row.PlanID)
	if err != nil {
		return nil, err
	}

	switch row.PayeeKind {
	case enums.PayeeKindSubscriber:
		if err := e.activateSubscriber(ctx, tx, row, plan, input, now); err != nil {
			return nil, err
		}
	case enums.PayeeKindPlatform:
		if err := e.activateClient(ctx, tx, row, plan, now); err != nil {
			return nil, err
		}
	default:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unhandled payee kind %q", row.PayeeKind))
	}

	confirmedEvent := payloads.PaymentConfirmedEvent{
		TransactionID: row.ID,
		InvoiceID:     row.InvoiceID,
		PayeeKind:     row.PayeeKind,
		PayeeID:       row.PayeeID,
		AmountDue:     row.AmountDue,
		ActuallyPaid:  input.paid,
		ConfirmedAt:   now,
	}
	if input.payCurrency != nil {
		confirmedEvent.PayCurrency = *input.payCurrency
	}
	if err := e.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentConfirmed,
		AggregateType: enums.AggregateTransaction,
		AggregateID:   row.ID,
		Actor:         input.actor,
		Data:          confirmedEvent,
	}); err != nil {
		return nil, err
	}

	return &Result{
		Outcome: OutcomeUpdated,
		Action:  "confirmed",
		Status:  enums.PaymentStatusConfirmed,
		Detail:  input.detail,
	}, nil
}

// activateSubscriber applies extend-or-reset semantics: a renewal paid before
// the old period lapses extends from the old end, a lapsed one restarts from
// now. Remaining paid time is never lost.
func (e *Engine) activateSubscriber(ctx context.Context, tx *gorm.DB, row *models.Transaction, plan *models.Plan, input confirmInput, now time.Time) error {
	accountsRepo := e.accounts.WithTx(tx)

	subscriber, err := accountsRepo.FindSubscriberByID(ctx, row.PayeeID)
	if err != nil {
		return err
	}
	client, err := accountsRepo.FindClientByID(ctx, subscriber.ClientID)
	if err != nil {
		return err
	}

	base := now
	if subscriber.PeriodEnd != nil && subscriber.PeriodEnd.After(now) {
		base = *subscriber.PeriodEnd
	}
	newEnd := base.Add(plan.Duration())

	updates := map[string]any{
		"status":     enums.SubscriptionStatusActive,
		"plan_id":    plan.ID,
		"period_end": newEnd,
	}
	if subscriber.PeriodStart == nil {
		updates["period_start"] = now
	}
	if err := accountsRepo.UpdateSubscriber(ctx, subscriber.ID, updates); err != nil {
		return err
	}

	// The audit row commits with the settlement; the provider call happens
	// out of band and never blocks or rolls back this transaction.
	entry := &models.AccessLogEntry{
		SubscriberID: subscriber.ID,
		ChannelID:    client.ChannelID,
		Action:       enums.AccessActionGrant,
		PerformedBy:  input.performer,
		Reason:       "payment confirmed",
	}
	if err := accountsRepo.CreateAccessLogEntry(ctx, entry); err != nil {
		return err
	}

	return e.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventAccessGrantRequested,
		AggregateType: enums.AggregateSubscriber,
		AggregateID:   subscriber.ID,
		Actor:         input.actor,
		Data: payloads.AccessGrantRequestedEvent{
			SubscriberID:  subscriber.ID,
			ClientID:      client.ID,
			ChannelID:     client.ChannelID,
			ChatUserID:    subscriber.ChatUserID,
			TransactionID: &row.ID,
			PeriodEnd:     newEnd,
		},
	})
}

func (e *Engine) activateClient(ctx context.Context, tx *gorm.DB, row *models.Transaction, plan *models.Plan, now time.Time) error {
	accountsRepo := e.accounts.WithTx(tx)

	client, err := accountsRepo.FindClientByID(ctx, row.PayeeID)
	if err != nil {
		return err
	}

	base := now
	if client.PeriodEnd != nil && client.PeriodEnd.After(now) {
		base = *client.PeriodEnd
	}
	newEnd := base.Add(plan.Duration())

	updates := map[string]any{
		"status":     enums.SubscriptionStatusActive,
		"plan_id":    plan.ID,
		"period_end": newEnd,
	}
	if client.PeriodStart == nil {
		updates["period_start"] = now
	}
	return accountsRepo.UpdateClient(ctx, client.ID, updates)
}

type failInput struct {
	paid        decimal.NullDecimal
	payCurrency string
	status      enums.PaymentStatus
	reason      string
	action      string
}

func (e *Engine) fail(ctx context.Context, tx *gorm.DB, row *models.Transaction, input failInput) (*Result, error) {
	ledgerRepo := e.ledger.WithTx(tx)

	updates := map[string]any{"status": input.status}
	if input.paid.Valid {
		updates["actually_paid"] = input.paid
	}
	if input.payCurrency != "" {
		updates["pay_currency"] = input.payCurrency
	}
	if err := ledgerRepo.Update(ctx, row.ID, updates); err != nil {
		return nil, err
	}

	if err := e.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentFailed,
		AggregateType: enums.AggregateTransaction,
		AggregateID:   row.ID,
		Actor:         &outbox.ActorRef{Performer: enums.AccessPerformerSystem},
		Data: payloads.PaymentFailedEvent{
			TransactionID: row.ID,
			InvoiceID:     row.InvoiceID,
			Status:        input.status,
			Reason:        input.reason,
		},
	}); err != nil {
		return nil, err
	}

	return &Result{
		Outcome: OutcomeUpdated,
		Action:  input.action,
		Status:  input.status,
		Detail:  input.reason,
	}, nil
}

func (e *Engine) transition(ctx context.Context, tx *gorm.DB, row *models.Transaction, next enums.PaymentStatus, reported string, result **Result) error {
	switch next {
	case enums.PaymentStatusFailed, enums.PaymentStatusExpired:
		transitioned, err := e.fail(ctx, tx, row, failInput{
			status: next,
			reason: fmt.Sprintf("processor reported %s", reported),
			action: "status_" + string(next),
		})
		if err != nil {
			return err
		}
		*result = transitioned
		return nil
	default:
		ledgerRepo := e.ledger.WithTx(tx)
		if err := ledgerRepo.Update(ctx, row.ID, map[string]any{"status": next}); err != nil {
			return err
		}
		*result = &Result{
			Outcome: OutcomeUpdated,
			Action:  "status_" + string(next),
			Status:  next,
		}
		return nil
	}
}
