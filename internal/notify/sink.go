package notify

import (
	"context"
	"fmt"

	"chanpass/pkg/logger"
	"chanpass/pkg/outbox/payloads"
)

type messageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Sink posts operational notifications to the admin chat. Delivery is best
// effort: a failed notification is logged and dropped, never retried and
// never allowed to fail the pipeline that produced it.
type Sink struct {
	chat        messageSender
	adminChatID int64
	logg        *logger.Logger
}

// NewSink builds the admin-chat notification sink. A zero chat ID disables
// delivery entirely.
func NewSink(chat messageSender, adminChatID int64, logg *logger.Logger) *Sink {
	return &Sink{chat: chat, adminChatID: adminChatID, logg: logg}
}

// PaymentConfirmed announces a settled transaction.
func (s *Sink) PaymentConfirmed(ctx context.Context, event payloads.PaymentConfirmedEvent) {
	s.send(ctx, fmt.Sprintf(
		"Payment confirmed: invoice %s, %s %s received (%s due).",
		event.InvoiceID, event.ActuallyPaid, event.PayCurrency, event.AmountDue,
	))
}

// PaymentFailed announces a failed or underpaid transaction.
func (s *Sink) PaymentFailed(ctx context.Context, event payloads.PaymentFailedEvent) {
	text := fmt.Sprintf("Payment %s: invoice %s.", event.Status, event.InvoiceID)
	if event.Reason != "" {
		text = fmt.Sprintf("Payment %s: invoice %s (%s).", event.Status, event.InvoiceID, event.Reason)
	}
	s.send(ctx, text)
}

// SweepReport posts an aggregate reconciliation summary. Callers only invoke
// this when the sweep actually changed or failed something.
func (s *Sink) SweepReport(ctx context.Context, checked, updated, failed int) {
	s.send(ctx, fmt.Sprintf(
		"Reconciliation sweep: %d checked, %d updated, %d failed.",
		checked, updated, failed,
	))
}

func (s *Sink) send(ctx context.Context, text string) {
	if s == nil || s.chat == nil || s.adminChatID == 0 {
		return
	}
	if err := s.chat.SendMessage(ctx, s.adminChatID, text); err != nil && s.logg != nil {
		s.logg.Error(ctx, "admin notification dropped", err)
	}
}
