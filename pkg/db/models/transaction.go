package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chanpass/pkg/enums"
)

// Transaction is the ledger record for a single payment attempt. Rows are
// append-only: the state transition engine is the only writer, and rows are
// never deleted.
type Transaction struct {
	ID           uuid.UUID           `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	InvoiceID    string              `gorm:"column:invoice_id;not null;unique"`
	PayeeKind    enums.PayeeKind     `gorm:"column:payee_kind;type:payee_kind_enum;not null"`
	PayeeID      uuid.UUID           `gorm:"column:payee_id;type:uuid;not null;index"`
	PlanID       uuid.UUID           `gorm:"column:plan_id;type:uuid;not null"`
	AmountDue    decimal.Decimal     `gorm:"column:amount_due;type:numeric(18,8);not null"`
	Currency     string              `gorm:"column:currency;not null"`
	PayCurrency  *string             `gorm:"column:pay_currency"`
	ActuallyPaid decimal.NullDecimal `gorm:"column:actually_paid;type:numeric(18,8)"`
	Status       enums.PaymentStatus `gorm:"column:status;type:payment_status_enum;not null;default:'pending'"`
	ConfirmedAt  *time.Time          `gorm:"column:confirmed_at"`
	ExpiresAt    time.Time           `gorm:"column:expires_at;not null"`
	CreatedAt    time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
