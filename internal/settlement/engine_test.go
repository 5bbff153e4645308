package settlement

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"chanpass/internal/accounts"
	"chanpass/internal/ledger"
	"chanpass/pkg/db/models"
	"chanpass/pkg/enums"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/nowpayments"
	"chanpass/pkg/outbox"
)

func setupSettlementTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	statements := []string{`
CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  invoice_id TEXT NOT NULL UNIQUE,
  payee_kind TEXT NOT NULL,
  payee_id TEXT NOT NULL,
  plan_id TEXT NOT NULL,
  amount_due TEXT NOT NULL,
  currency TEXT NOT NULL,
  pay_currency TEXT,
  actually_paid TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  confirmed_at DATETIME,
  expires_at DATETIME NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS subscribers (
  id TEXT PRIMARY KEY,
  client_id TEXT NOT NULL,
  chat_user_id INTEGER NOT NULL,
  username TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  plan_id TEXT,
  period_start DATETIME,
  period_end DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS clients (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  chat_user_id INTEGER NOT NULL,
  channel_id INTEGER NOT NULL UNIQUE,
  status TEXT NOT NULL DEFAULT 'pending',
  plan_id TEXT,
  period_start DATETIME,
  period_end DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS plans (
  id TEXT PRIMARY KEY,
  client_id TEXT,
  name TEXT NOT NULL,
  duration_days INTEGER NOT NULL,
  price TEXT NOT NULL,
  currency TEXT NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS access_log_entries (
  id TEXT PRIMARY KEY,
  subscriber_id TEXT NOT NULL,
  channel_id INTEGER NOT NULL,
  action TEXT NOT NULL,
  performed_by TEXT NOT NULL,
  reason TEXT,
  created_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`}
	for _, stmt := range statements {
		require.NoError(t, db.Exec(stmt).Error)
	}
	t.Cleanup(func() {
		for _, table := range []string{"outbox_events", "access_log_entries", "transactions", "subscribers", "plans", "clients"} {
			db.Exec("DELETE FROM " + table)
		}
	})
	return db
}

// sqlite has no SELECT ... FOR UPDATE, so tests swap the locking lookup for a
// plain one. The transition logic under test is unchanged.
type lockFreeLedger struct {
	ledger.Repository
}

func (l lockFreeLedger) WithTx(tx *gorm.DB) ledger.Repository {
	return lockFreeLedger{Repository: l.Repository.WithTx(tx)}
}

func (l lockFreeLedger) FindByInvoiceIDForUpdate(ctx context.Context, invoiceID string) (*models.Transaction, error) {
	return l.Repository.FindByInvoiceID(ctx, invoiceID)
}

type testTxRunner struct {
	db *gorm.DB
}

func (r *testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

type fakeInvoiceCreator struct {
	invoiceID string
	lastOrder string
	err       error
}

func (f *fakeInvoiceCreator) CreateInvoice(_ context.Context, params nowpayments.InvoiceParams) (*nowpayments.Invoice, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastOrder = params.OrderID
	return &nowpayments.Invoice{ID: f.invoiceID, InvoiceURL: "https://pay.example/i/" + f.invoiceID}, nil
}

type engineFixture struct {
	db       *gorm.DB
	engine   *Engine
	ledger   ledger.Repository
	accounts accounts.Repository
	invoices *fakeInvoiceCreator
	now      time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db := setupSettlementTestDB(t)

	ledgerRepo := lockFreeLedger{Repository: ledger.NewRepository(db)}
	accountsRepo := accounts.NewRepository(db)
	outboxSvc := outbox.NewService(outbox.NewRepository(db), nil)
	invoices := &fakeInvoiceCreator{invoiceID: "inv-created"}
	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

	engine, err := NewEngine(EngineParams{
		Ledger:            ledgerRepo,
		Accounts:          accountsRepo,
		Outbox:            outboxSvc,
		Processor:         invoices,
		TransactionRunner: &testTxRunner{db: db},
		InvoiceTTL:        time.Hour,
		Now:               func() time.Time { return now },
	})
	require.NoError(t, err)

	return &engineFixture{
		db:       db,
		engine:   engine,
		ledger:   ledgerRepo,
		accounts: accountsRepo,
		invoices: invoices,
		now:      now,
	}
}

func (f *engineFixture) seedClient(t *testing.T) *models.Client {
	t.Helper()
	client := &models.Client{
		Name:       "Creator Co",
		ChatUserID: 7,
		ChannelID:  -1001,
		Status:     enums.SubscriptionStatusActive,
	}
	require.NoError(t, f.accounts.CreateClient(context.Background(), client))
	return client
}

func (f *engineFixture) seedPlan(t *testing.T, clientID uuid.UUID, days int) *models.Plan {
	t.Helper()
	plan := &models.Plan{
		ClientID:     &clientID,
		Name:         "monthly",
		DurationDays: days,
		Price:        decimal.RequireFromString("9.99"),
		Currency:     "usd",
	}
	require.NoError(t, f.accounts.CreatePlan(context.Background(), plan))
	return plan
}

func (f *engineFixture) seedSubscriber(t *testing.T, clientID uuid.UUID, periodEnd *time.Time) *models.Subscriber {
	t.Helper()
	subscriber := &models.Subscriber{
		ClientID:   clientID,
		ChatUserID: 42,
		Username:   "sam",
		Status:     enums.SubscriptionStatusPending,
		PeriodEnd:  periodEnd,
	}
	if periodEnd != nil {
		subscriber.Status = enums.SubscriptionStatusActive
		start := f.now.Add(-30 * 24 * time.Hour)
		subscriber.PeriodStart = &start
	}
	require.NoError(t, f.accounts.CreateSubscriber(context.Background(), subscriber))
	return subscriber
}

func (f *engineFixture) seedTransaction(t *testing.T, payeeKind enums.PayeeKind, payeeID, planID uuid.UUID, invoiceID string) *models.Transaction {
	t.Helper()
	row := &models.Transaction{
		InvoiceID: invoiceID,
		PayeeKind: payeeKind,
		PayeeID:   payeeID,
		PlanID:    planID,
		AmountDue: decimal.RequireFromString("9.99"),
		Currency:  "usd",
		Status:    enums.PaymentStatusPending,
		ExpiresAt: f.now.Add(time.Hour),
	}
	require.NoError(t, f.ledger.Create(context.Background(), row))
	return row
}

func (f *engineFixture) outboxEventTypes(t *testing.T) []enums.OutboxEventType {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, f.db.Order("created_at ASC, id ASC").Find(&rows).Error)
	types := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	return types
}

func TestApply_FreshActivation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)
	row := f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-1")

	result, err := f.engine.Apply(ctx, ApplyInput{
		InvoiceID:      "inv-1",
		ReportedStatus: "finished",
		ActuallyPaid:   decimal.NewNullDecimal(decimal.RequireFromString("9.99")),
		PayCurrency:    "btc",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, result.Outcome)
	assert.Equal(t, "confirmed", result.Action)

	stored, err := f.ledger.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusConfirmed, stored.Status)
	require.NotNil(t, stored.ConfirmedAt)
	require.True(t, stored.ActuallyPaid.Valid)
	assert.True(t, stored.ActuallyPaid.Decimal.Equal(decimal.RequireFromString("9.99")))

	updated, err := f.accounts.FindSubscriberByID(ctx, subscriber.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, updated.Status)
	require.NotNil(t, updated.PeriodEnd)
	assert.WithinDuration(t, f.now.Add(30*24*time.Hour), *updated.PeriodEnd, time.Second)
	require.NotNil(t, updated.PeriodStart)
	assert.WithinDuration(t, f.now, *updated.PeriodStart, time.Second)

	entries, err := f.accounts.ListAccessLog(ctx, subscriber.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, enums.AccessActionGrant, entries[0].Action)
	assert.Equal(t, enums.AccessPerformerSystem, entries[0].PerformedBy)
	assert.Equal(t, client.ChannelID, entries[0].ChannelID)

	assert.Equal(t, []enums.OutboxEventType{
		enums.EventAccessGrantRequested,
		enums.EventPaymentConfirmed,
	}, f.outboxEventTypes(t))
}

func TestApply_ConfirmedIsTerminalAndIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)
	f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-1")

	input := ApplyInput{
		InvoiceID:      "inv-1",
		ReportedStatus: "finished",
		ActuallyPaid:   decimal.NewNullDecimal(decimal.RequireFromString("9.99")),
	}
	_, err := f.engine.Apply(ctx, input)
	require.NoError(t, err)

	first, err := f.accounts.FindSubscriberByID(ctx, subscriber.ID)
	require.NoError(t, err)
	firstEnd := *first.PeriodEnd

	result, err := f.engine.Apply(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "already_confirmed", result.Action)

	second, err := f.accounts.FindSubscriberByID(ctx, subscriber.ID)
	require.NoError(t, err)
	assert.Equal(t, firstEnd, *second.PeriodEnd, "duplicate delivery must not extend the period")

	assert.Len(t, f.outboxEventTypes(t), 2, "duplicate delivery must not queue new events")
}

func TestApply_UnderpaymentFails(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)
	row := f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-1")

	result, err := f.engine.Apply(ctx, ApplyInput{
		InvoiceID:      "inv-1",
		ReportedStatus: "partially_paid",
		ActuallyPaid:   decimal.NewNullDecimal(decimal.RequireFromString("4.00")),
		PayCurrency:    "btc",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, result.Outcome)
	assert.Equal(t, "underpaid", result.Action)
	assert.Equal(t, enums.PaymentStatusFailed, result.Status)

	stored, err := f.ledger.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusFailed, stored.Status)
	require.True(t, stored.ActuallyPaid.Valid)
	assert.True(t, stored.ActuallyPaid.Decimal.Equal(decimal.RequireFromString("4.00")))

	untouched, err := f.accounts.FindSubscriberByID(ctx, subscriber.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusPending, untouched.Status)
	assert.Nil(t, untouched.PeriodEnd)

	assert.Equal(t, []enums.OutboxEventType{enums.EventPaymentFailed}, f.outboxEventTypes(t))
}

func TestApply_FailedRejectsLateSettledReport(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)
	row := f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-1")

	_, err := f.engine.Apply(ctx, ApplyInput{
		InvoiceID:      "inv-1",
		ReportedStatus: "partially_paid",
		ActuallyPaid:   decimal.NewNullDecimal(decimal.RequireFromString("4.00")),
		PayCurrency:    "btc",
	})
	require.NoError(t, err)

	// Topping up after the row failed must not confirm it. The payer is
	// only recoverable through a new invoice.
	result, err := f.engine.Apply(ctx, ApplyInput{
		InvoiceID:      "inv-1",
		ReportedStatus: "finished",
		ActuallyPaid:   decimal.NewNullDecimal(decimal.RequireFromString("9.99")),
		PayCurrency:    "btc",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "already_terminal", result.Action)
	assert.Equal(t, enums.PaymentStatusFailed, result.Status)

	stored, err := f.ledger.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusFailed, stored.Status)
	assert.Nil(t, stored.ConfirmedAt)

	untouched, err := f.accounts.FindSubscriberByID(ctx, subscriber.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusPending, untouched.Status)
	assert.Nil(t, untouched.PeriodEnd)

	assert.Equal(t, []enums.OutboxEventType{enums.EventPaymentFailed}, f.outboxEventTypes(t))
}

func TestApply_FailedNeverMovesBackward(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)
	row := f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-1")

	_, err := f.engine.Apply(ctx, ApplyInput{InvoiceID: "inv-1", ReportedStatus: "failed"})
	require.NoError(t, err)

	// A late out-of-order waiting report must not drag the row back to
	// pending, where the reconciliation sweep would pick it up again.
	result, err := f.engine.Apply(ctx, ApplyInput{InvoiceID: "inv-1", ReportedStatus: "waiting"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "already_terminal", result.Action)

	stored, err := f.ledger.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusFailed, stored.Status)
}

func TestApply_ExpiredIsTerminal(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)
	row := f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-1")

	_, err := f.engine.Apply(ctx, ApplyInput{InvoiceID: "inv-1", ReportedStatus: "expired"})
	require.NoError(t, err)

	result, err := f.engine.Apply(ctx, ApplyInput{
		InvoiceID:      "inv-1",
		ReportedStatus: "finished",
		ActuallyPaid:   decimal.NewNullDecimal(decimal.RequireFromString("9.99")),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "already_terminal", result.Action)

	stored, err := f.ledger.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusExpired, stored.Status)
}

func TestApply_RenewalExtendsFromOldEnd(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)

	oldEnd := f.now.Add(10 * 24 * time.Hour)
	subscriber := f.seedSubscriber(t, client.ID, &oldEnd)
	f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-renew")

	_, err := f.engine.Apply(ctx, ApplyInput{
		InvoiceID:      "inv-renew",
		ReportedStatus: "confirmed",
		ActuallyPaid:   decimal.NewNullDecimal(decimal.RequireFromString("10.00")),
	})
	require.NoError(t, err)

	updated, err := f.accounts.FindSubscriberByID(ctx, subscriber.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.PeriodEnd)
	assert.WithinDuration(t, f.now.Add(40*24*time.Hour), *updated.PeriodEnd, time.Second,
		"early renewal extends from the old end, not from now")
	require.NotNil(t, updated.PeriodStart)
	assert.WithinDuration(t, f.now.Add(-30*24*time.Hour), *updated.PeriodStart, time.Second,
		"renewal keeps the original period start")
}

func TestApply_LapsedRenewalRestartsFromNow(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)

	oldEnd := f.now.Add(-5 * 24 * time.Hour)
	subscriber := f.seedSubscriber(t, client.ID, &oldEnd)
	f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-lapsed")

	_, err := f.engine.Apply(ctx, ApplyInput{
		InvoiceID:      "inv-lapsed",
		ReportedStatus: "finished",
		ActuallyPaid:   decimal.NewNullDecimal(decimal.RequireFromString("9.99")),
	})
	require.NoError(t, err)

	updated, err := f.accounts.FindSubscriberByID(ctx, subscriber.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.PeriodEnd)
	assert.WithinDuration(t, f.now.Add(30*24*time.Hour), *updated.PeriodEnd, time.Second)
}

func TestApply_NonSettledStatusMapping(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)
	row := f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-1")

	result, err := f.engine.Apply(ctx, ApplyInput{InvoiceID: "inv-1", ReportedStatus: "sending"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, result.Outcome)
	assert.Equal(t, enums.PaymentStatusConfirming, result.Status)

	result, err = f.engine.Apply(ctx, ApplyInput{InvoiceID: "inv-1", ReportedStatus: "confirming"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "noop", result.Action)

	// Unknown statuses park the row at pending rather than failing.
	result, err = f.engine.Apply(ctx, ApplyInput{InvoiceID: "inv-1", ReportedStatus: "refunded"})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, result.Status)

	stored, err := f.ledger.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, stored.Status)
}

func TestApply_ExpiredEmitsFailureEvent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)
	f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-1")

	result, err := f.engine.Apply(ctx, ApplyInput{InvoiceID: "inv-1", ReportedStatus: "expired"})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusExpired, result.Status)

	assert.Equal(t, []enums.OutboxEventType{enums.EventPaymentFailed}, f.outboxEventTypes(t))
}

func TestApply_UnknownInvoice(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Apply(context.Background(), ApplyInput{InvoiceID: "missing", ReportedStatus: "finished"})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestApply_PlatformPayeeActivatesClient(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	platformPlan := &models.Plan{
		Name:         "platform-monthly",
		DurationDays: 30,
		Price:        decimal.RequireFromString("9.99"),
		Currency:     "usd",
	}
	require.NoError(t, f.accounts.CreatePlan(ctx, platformPlan))
	f.seedTransaction(t, enums.PayeeKindPlatform, client.ID, platformPlan.ID, "inv-platform")

	_, err := f.engine.Apply(ctx, ApplyInput{
		InvoiceID:      "inv-platform",
		ReportedStatus: "finished",
		ActuallyPaid:   decimal.NewNullDecimal(decimal.RequireFromString("9.99")),
	})
	require.NoError(t, err)

	updated, err := f.accounts.FindClientByID(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, updated.Status)
	require.NotNil(t, updated.PeriodEnd)
	assert.WithinDuration(t, f.now.Add(30*24*time.Hour), *updated.PeriodEnd, time.Second)

	// Platform settlements notify but never request channel access.
	assert.Equal(t, []enums.OutboxEventType{enums.EventPaymentConfirmed}, f.outboxEventTypes(t))
}

func TestManualOverride(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)
	row := f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-1")

	adminID := uuid.New()
	result, err := f.engine.ManualOverride(ctx, row.ID, adminID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, result.Outcome)
	assert.Equal(t, "confirmed", result.Action)

	stored, err := f.ledger.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusConfirmed, stored.Status)

	entries, err := f.accounts.ListAccessLog(ctx, subscriber.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, enums.AccessPerformerAdmin, entries[0].PerformedBy)

	var events []models.OutboxEvent
	require.NoError(t, f.db.Where("event_type = ?", enums.EventAccessGrantRequested).Find(&events).Error)
	require.Len(t, events, 1)
	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(events[0].Payload, &envelope))
	require.NotNil(t, envelope.Actor)
	assert.Equal(t, enums.AccessPerformerAdmin, envelope.Actor.Performer)
	require.NotNil(t, envelope.Actor.AdminID)
	assert.Equal(t, adminID, *envelope.Actor.AdminID)

	// Second override is a no-op.
	result, err = f.engine.ManualOverride(ctx, row.ID, adminID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestManualOverride_ConfirmsFailedRow(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)
	row := f.seedTransaction(t, enums.PayeeKindSubscriber, subscriber.ID, plan.ID, "inv-1")

	_, err := f.engine.Apply(ctx, ApplyInput{
		InvoiceID:      "inv-1",
		ReportedStatus: "partially_paid",
		ActuallyPaid:   decimal.NewNullDecimal(decimal.RequireFromString("4.00")),
	})
	require.NoError(t, err)

	// The terminal guard binds processor reports, not operators. An
	// admin can still settle a failed row at face value.
	result, err := f.engine.ManualOverride(ctx, row.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, result.Outcome)
	assert.Equal(t, "confirmed", result.Action)

	stored, err := f.ledger.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusConfirmed, stored.Status)

	updated, err := f.accounts.FindSubscriberByID(ctx, subscriber.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, updated.Status)
}

func TestCreatePendingTransaction(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	client := f.seedClient(t)
	plan := f.seedPlan(t, client.ID, 30)
	subscriber := f.seedSubscriber(t, client.ID, nil)

	row, invoice, err := f.engine.CreatePendingTransaction(ctx, CreatePendingInput{
		PayeeKind: enums.PayeeKindSubscriber,
		PayeeID:   subscriber.ID,
		PlanID:    plan.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "inv-created", invoice.ID)
	assert.Equal(t, row.ID.String(), f.invoices.lastOrder)
	assert.Equal(t, enums.PaymentStatusPending, row.Status)
	assert.True(t, row.AmountDue.Equal(plan.Price))
	assert.Equal(t, f.now.Add(time.Hour), row.ExpiresAt)

	stored, err := f.ledger.FindByInvoiceID(ctx, "inv-created")
	require.NoError(t, err)
	assert.Equal(t, row.ID, stored.ID)
}

func TestCreatePendingTransaction_UnknownPlan(t *testing.T) {
	f := newEngineFixture(t)

	_, _, err := f.engine.CreatePendingTransaction(context.Background(), CreatePendingInput{
		PayeeKind: enums.PayeeKindSubscriber,
		PayeeID:   uuid.New(),
		PlanID:    uuid.New(),
	})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}
