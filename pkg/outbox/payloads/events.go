package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chanpass/pkg/enums"
)

// AccessGrantRequestedEvent asks the access worker to admit a subscriber to a
// channel after a settled payment or an operator override.
type AccessGrantRequestedEvent struct {
	SubscriberID  uuid.UUID  `json:"subscriber_id"`
	ClientID      uuid.UUID  `json:"client_id"`
	ChannelID     int64      `json:"channel_id"`
	ChatUserID    int64      `json:"chat_user_id"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	PeriodEnd     time.Time  `json:"period_end"`
}

// AccessRevokeRequestedEvent asks the access worker to remove a subscriber
// from a channel.
type AccessRevokeRequestedEvent struct {
	SubscriberID uuid.UUID `json:"subscriber_id"`
	ClientID     uuid.UUID `json:"client_id"`
	ChannelID    int64     `json:"channel_id"`
	ChatUserID   int64     `json:"chat_user_id"`
	Reason       string    `json:"reason"`
}

// PaymentConfirmedEvent reports a settled transaction for admin notification.
type PaymentConfirmedEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	InvoiceID     string          `json:"invoice_id"`
	PayeeKind     enums.PayeeKind `json:"payee_kind"`
	PayeeID       uuid.UUID       `json:"payee_id"`
	AmountDue     decimal.Decimal `json:"amount_due"`
	ActuallyPaid  decimal.Decimal `json:"actually_paid"`
	PayCurrency   string          `json:"pay_currency"`
	ConfirmedAt   time.Time       `json:"confirmed_at"`
}

// PaymentFailedEvent reports a failed or underpaid transaction.
type PaymentFailedEvent struct {
	TransactionID uuid.UUID           `json:"transaction_id"`
	InvoiceID     string              `json:"invoice_id"`
	Status        enums.PaymentStatus `json:"status"`
	Reason        string              `json:"reason,omitempty"`
}
