package models

import "github.com/shopspring/decimal"

// invoiceTransitions is the full legal transition set. Anything not listed
// here fails InvalidTransition. Closed has no exits; Cancelled can only be
// archived. Paid is not payment-terminal: a refund can move it back to
// PartiallyPaid, or to Confirmed when everything paid is refunded, and
// Overpaid resolves toward Paid only via compensating refunds (never by
// clamping).
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:         {InvoiceStatusConfirmed},
	InvoiceStatusConfirmed:     {InvoiceStatusPartiallyPaid, InvoiceStatusPaid, InvoiceStatusOverpaid, InvoiceStatusCancelled},
	InvoiceStatusPartiallyPaid: {InvoiceStatusPaid, InvoiceStatusOverpaid, InvoiceStatusConfirmed},
	InvoiceStatusPaid:          {InvoiceStatusPartiallyPaid, InvoiceStatusOverpaid, InvoiceStatusConfirmed, InvoiceStatusClosed},
	InvoiceStatusOverpaid:      {InvoiceStatusPaid, InvoiceStatusPartiallyPaid, InvoiceStatusConfirmed},
	InvoiceStatusCancelled:     {InvoiceStatusClosed},
	InvoiceStatusClosed:        {},
}

func CanTransition(from, to InvoiceStatus) bool {
	for _, candidate := range invoiceTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsPaymentEligible reports whether the ledger may apply payments in this state.
func IsPaymentEligible(status InvoiceStatus) bool {
	switch status {
	case InvoiceStatusConfirmed, InvoiceStatusPartiallyPaid, InvoiceStatusPaid, InvoiceStatusOverpaid:
		return true
	}
	return false
}

// DeriveStatusFromPaid maps a recomputed paid-to-date onto the status the
// invoice must carry. Overpayment is flagged, never clamped: clamping would
// hide operator error or fraud.
func DeriveStatusFromPaid(total, paid decimal.Decimal) InvoiceStatus {
	switch {
	case paid.GreaterThan(total):
		return InvoiceStatusOverpaid
	case paid.Equal(total):
		return InvoiceStatusPaid
	case paid.IsPositive():
		return InvoiceStatusPartiallyPaid
	default:
		return InvoiceStatusConfirmed
	}
}
