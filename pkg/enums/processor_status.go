package enums

import "strings"

// ProcessorStatus is the payment status string reported by the processor,
// either in a webhook notification or when polled directly.
type ProcessorStatus string

const (
	ProcessorStatusWaiting       ProcessorStatus = "waiting"
	ProcessorStatusConfirming    ProcessorStatus = "confirming"
	ProcessorStatusSending       ProcessorStatus = "sending"
	ProcessorStatusConfirmed     ProcessorStatus = "confirmed"
	ProcessorStatusFinished      ProcessorStatus = "finished"
	ProcessorStatusPartiallyPaid ProcessorStatus = "partially_paid"
	ProcessorStatusFailed        ProcessorStatus = "failed"
	ProcessorStatusExpired       ProcessorStatus = "expired"
)

// String implements fmt.Stringer.
func (p ProcessorStatus) String() string {
	return string(p)
}

// NormalizeProcessorStatus lowercases and trims raw processor input.
func NormalizeProcessorStatus(value string) ProcessorStatus {
	return ProcessorStatus(strings.ToLower(strings.TrimSpace(value)))
}

// IsSettled reports whether the processor considers funds received.
// partially_paid is routed through the settled branch on purpose: it still has
// to clear the amount check before a transaction may confirm.
func (p ProcessorStatus) IsSettled() bool {
	switch p {
	case ProcessorStatusFinished, ProcessorStatusConfirmed, ProcessorStatusPartiallyPaid:
		return true
	}
	return false
}

// LocalStatus maps a non-settled processor status onto the ledger lifecycle.
// Unknown statuses map to pending so a later notification can still move the
// transaction forward.
func (p ProcessorStatus) LocalStatus() PaymentStatus {
	switch p {
	case ProcessorStatusWaiting:
		return PaymentStatusPending
	case ProcessorStatusConfirming, ProcessorStatusSending:
		return PaymentStatusConfirming
	case ProcessorStatusExpired:
		return PaymentStatusExpired
	case ProcessorStatusFailed:
		return PaymentStatusFailed
	default:
		return PaymentStatusPending
	}
}
