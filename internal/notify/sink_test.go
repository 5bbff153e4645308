package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"chanpass/pkg/enums"
	"chanpass/pkg/outbox/payloads"
)

type fakeSender struct {
	sent    []string
	chatIDs []int64
	err     error
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string) error {
	f.chatIDs = append(f.chatIDs, chatID)
	f.sent = append(f.sent, text)
	return f.err
}

func TestSinkDeliversToAdminChat(t *testing.T) {
	sender := &fakeSender{}
	sink := NewSink(sender, -2001, nil)

	sink.PaymentConfirmed(context.Background(), payloads.PaymentConfirmedEvent{
		InvoiceID:    "inv-1",
		AmountDue:    decimal.RequireFromString("9.99"),
		ActuallyPaid: decimal.RequireFromString("10.00"),
		PayCurrency:  "btc",
	})
	sink.PaymentFailed(context.Background(), payloads.PaymentFailedEvent{
		InvoiceID: "inv-2",
		Status:    enums.PaymentStatusFailed,
		Reason:    "underpaid",
	})
	sink.SweepReport(context.Background(), 5, 2, 1)

	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(sender.sent))
	}
	for _, chatID := range sender.chatIDs {
		if chatID != -2001 {
			t.Fatalf("unexpected chat id %d", chatID)
		}
	}
}

func TestSinkDisabledWithoutChatID(t *testing.T) {
	sender := &fakeSender{}
	sink := NewSink(sender, 0, nil)

	sink.SweepReport(context.Background(), 1, 1, 0)
	if len(sender.sent) != 0 {
		t.Fatalf("expected no delivery, got %d", len(sender.sent))
	}
}

func TestSinkSwallowsSendErrors(t *testing.T) {
	sender := &fakeSender{err: errors.New("chat down")}
	sink := NewSink(sender, -2001, nil)

	// Must not panic or propagate.
	sink.PaymentFailed(context.Background(), payloads.PaymentFailedEvent{InvoiceID: "inv-3", Status: enums.PaymentStatusExpired})
	if len(sender.sent) != 1 {
		t.Fatalf("expected attempted delivery, got %d", len(sender.sent))
	}
}
