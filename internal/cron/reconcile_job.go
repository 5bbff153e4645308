package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"chanpass/internal/settlement"
	"chanpass/pkg/db/models"
	"chanpass/pkg/enums"
	"chanpass/pkg/logger"
	"chanpass/pkg/nowpayments"
)

const defaultReconcileLookback = 24 * time.Hour

type stuckLister interface {
	ListStuck(ctx context.Context, payeeKind enums.PayeeKind, cutoff time.Time) ([]models.Transaction, error)
}

type paymentFetcher interface {
	GetPayment(ctx context.Context, invoiceID string) (*nowpayments.PaymentAttempt, error)
}

type settlementApplier interface {
	Apply(ctx context.Context, input settlement.ApplyInput) (*settlement.Result, error)
}

type sweepReporter interface {
	SweepReport(ctx context.Context, checked, updated, failed int)
}

// ReconcileJobParams configures the reconciliation sweep.
type ReconcileJobParams struct {
	Logger    *logger.Logger
	Ledger    stuckLister
	Processor paymentFetcher
	Engine    settlementApplier
	Sink      sweepReporter
	Lookback  time.Duration
	Interval  time.Duration
	Now       func() time.Time
}

// NewReconcileJob builds the sweep that re-polls the processor for
// transactions the webhook never settled.
func NewReconcileJob(params ReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("processor client required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("settlement engine required")
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = defaultReconcileLookback
	}
	interval := params.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &reconcileJob{
		logg:      params.Logger,
		ledger:    params.Ledger,
		processor: params.Processor,
		engine:    params.Engine,
		sink:      params.Sink,
		lookback:  lookback,
		interval:  interval,
		now:       now,
	}, nil
}

type reconcileJob struct {
	logg      *logger.Logger
	ledger    stuckLister
	processor paymentFetcher
	engine    settlementApplier
	sink      sweepReporter
	lookback  time.Duration
	interval  time.Duration
	now       func() time.Time
}

func (j *reconcileJob) Name() string { return "reconcile-sweep" }

func (j *reconcileJob) Interval() time.Duration { return j.interval }

// Run polls the processor for each subscriber transaction still pending or
// confirming past the lookback and pushes the answer through the settlement
// engine. Lapsed rows without funds terminalize as expired so the sweep does
// not re-poll them forever. One bad row never stops the sweep.
func (j *reconcileJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.lookback)
	rows, err := j.ledger.ListStuck(ctx, enums.PayeeKindSubscriber, cutoff)
	if err != nil {
		return fmt.Errorf("list stuck transactions: %w", err)
	}

	var (
		updated int
		failed  int
		errs    error
	)
	for _, row := range rows {
		rowCtx := j.logg.WithFields(ctx, map[string]any{
			"transaction_id": row.ID.String(),
			"invoice_id":     row.InvoiceID,
		})

		attempt, err := j.processor.GetPayment(rowCtx, row.InvoiceID)
		if err != nil {
			if !errors.Is(err, nowpayments.ErrPaymentNotFound) {
				failed++
				errs = multierr.Append(errs, fmt.Errorf("fetch payment %s: %w", row.InvoiceID, err))
				j.logg.Error(rowCtx, "payment lookup failed", err)
				continue
			}
			if !j.lapsed(row) {
				j.logg.Warn(rowCtx, "processor has no payment for invoice")
				continue
			}
			attempt = nil
		}

		result, err := j.engine.Apply(rowCtx, j.applyInput(row, attempt))
		if err != nil {
			failed++
			errs = multierr.Append(errs, fmt.Errorf("apply %s: %w", row.InvoiceID, err))
			j.logg.Error(rowCtx, "reconciliation apply failed", err)
			continue
		}
		if result.Outcome == settlement.OutcomeUpdated {
			updated++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"checked": len(rows),
		"updated": updated,
		"failed":  failed,
	})
	j.logg.Info(logCtx, "reconciliation sweep complete")

	if j.sink != nil && (updated > 0 || failed > 0) {
		j.sink.SweepReport(ctx, len(rows), updated, failed)
	}
	return errs
}

// lapsed reports whether the row's payment window has closed.
func (j *reconcileJob) lapsed(row models.Transaction) bool {
	return !row.ExpiresAt.IsZero() && row.ExpiresAt.Before(j.now().UTC())
}

// applyInput decides what to push through the engine for one stuck row.
// Settled answers pass through untouched. A row whose payment window has
// lapsed without funds is expired locally so the sweep stops re-polling
// it, including rows the processor no longer knows at all.
func (j *reconcileJob) applyInput(row models.Transaction, attempt *nowpayments.PaymentAttempt) settlement.ApplyInput {
	if attempt != nil && enums.NormalizeProcessorStatus(attempt.PaymentStatus).IsSettled() {
		return settlement.ApplyInput{
			InvoiceID:      row.InvoiceID,
			ReportedStatus: attempt.PaymentStatus,
			ActuallyPaid:   nullDecimal(attempt),
			PayCurrency:    attempt.PayCurrency,
		}
	}
	if attempt == nil || j.lapsed(row) {
		return settlement.ApplyInput{
			InvoiceID:      row.InvoiceID,
			ReportedStatus: string(enums.ProcessorStatusExpired),
		}
	}
	return settlement.ApplyInput{
		InvoiceID:      row.InvoiceID,
		ReportedStatus: attempt.PaymentStatus,
		ActuallyPaid:   nullDecimal(attempt),
		PayCurrency:    attempt.PayCurrency,
	}
}

func nullDecimal(attempt *nowpayments.PaymentAttempt) decimal.NullDecimal {
	if attempt == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(attempt.ActuallyPaid)
}
