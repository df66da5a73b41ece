package workflow

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentResultStatus values mirror the payment-callback contract: every
// adapter (manual entry UI, gateway webhook) receives one of these.
type PaymentResultStatus string

const (
	PaymentResultApplied        PaymentResultStatus = "Applied"
	PaymentResultAlreadyApplied PaymentResultStatus = "AlreadyApplied"
	PaymentResultOrphanedRefund PaymentResultStatus = "OrphanedRefund"
)

// PaymentEvent is the normalized shape every payment source is reduced to
// before application. Gateway-specific payloads are parsed by adapters
// outside the ledger.
type PaymentEvent struct {
	InvoiceId   int             `json:"invoice_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Source      string          `json:"source" binding:"required"`
	ExternalRef string          `json:"external_ref" binding:"required"`
	// OriginalExternalRef links a refund (negative amount) to the payment
	// it reverses. Required for refunds, ignored otherwise.
	OriginalExternalRef string    `json:"original_external_ref"`
	OccurredAt          time.Time `json:"occurred_at" binding:"required"`
}

type PaymentResult struct {
	Status        PaymentResultStatus  `json:"status"`
	PaymentId     int                  `json:"payment_id"`
	InvoiceStatus models.InvoiceStatus `json:"invoice_status"`
	PaidToDate    decimal.Decimal      `json:"paid_to_date"`
	Balance       decimal.Decimal      `json:"balance"`
}

var paymentSourcePattern = regexp.MustCompile(`^(manual|gateway:[a-z0-9_-]+)$`)

// ValidPaymentSource accepts "manual" or "gateway:<name>".
func ValidPaymentSource(source string) bool {
	return paymentSourcePattern.MatchString(source)
}

// ValidateRefund rejects a refund that would drive paid-to-date below zero.
// Refunds cannot exceed the amount actually paid.
func ValidateRefund(paidToDate, refundAmount decimal.Decimal) error {
	if paidToDate.Add(refundAmount).IsNegative() {
		return utils.NewFlowError(utils.ErrKindInvalidRefund, "payment", "",
			"refund exceeds paid-to-date "+paidToDate.StringFixed(2))
	}
	return nil
}

func (event *PaymentEvent) validate() error {
	if !ValidPaymentSource(event.Source) {
		return utils.NewFlowError(utils.ErrKindValidation, "payment", "", "source must be 'manual' or 'gateway:<name>'")
	}
	if event.ExternalRef == "" {
		return utils.NewFlowError(utils.ErrKindValidation, "payment", "", "external_ref is required")
	}
	if event.Amount.IsZero() {
		return utils.NewFlowError(utils.ErrKindValidation, "payment", "", "amount must be non-zero")
	}
	if event.Amount.IsNegative() && event.OriginalExternalRef == "" {
		return utils.NewFlowError(utils.ErrKindValidation, "payment", "", "refund requires original_external_ref")
	}
	return nil
}

// ApplyPayment applies one payment event against its invoice: at-most-once
// per (source, external_ref), strictly serialized per invoice via an
// advisory lock, balance always recomputed from the applied payment set.
// Re-delivery of an already-applied event returns AlreadyApplied with the
// balance unchanged. A refund whose original payment has not been observed
// yet is queued for retry rather than rejected.
func ApplyPayment(ctx context.Context, event *PaymentEvent) (*PaymentResult, error) {
	if err := event.validate(); err != nil {
		return nil, err
	}

	db := config.GetDB()

	var result *PaymentResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Strict per-invoice ordering across instances; payments for
		// different invoices proceed fully in parallel.
		if err := AcquireInvoicePostingLock(tx, event.InvoiceId); err != nil {
			return err
		}
		defer ReleaseInvoicePostingLock(tx, event.InvoiceId)

		invoice, err := models.FetchInvoiceTx(tx, event.InvoiceId)
		if err != nil {
			return err
		}
		if !models.IsPaymentEligible(invoice.CurrentStatus) {
			return utils.NewFlowError(utils.ErrKindInvalidTransition, "invoice", strconv.Itoa(invoice.ID),
				"invoice status "+string(invoice.CurrentStatus)+" does not accept payments")
		}

		if event.Amount.IsNegative() {
			original, err := models.FindPaymentByExternalRefTx(tx, event.Source, event.OriginalExternalRef)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Out-of-order delivery: queue until the original payment
				// is observed, do not reject.
				result, err = queueOrphanedRefundTx(tx, event, invoice)
				return err
			}
			if err != nil {
				return err
			}
			if original.InvoiceId != event.InvoiceId {
				return utils.NewFlowError(utils.ErrKindInvalidRefund, "payment", event.ExternalRef,
					"original payment belongs to a different invoice")
			}
			paid, err := models.PaidToDateTx(tx, event.InvoiceId)
			if err != nil {
				return err
			}
			if err := ValidateRefund(paid, event.Amount); err != nil {
				return err
			}
		}

		payment := models.Payment{
			InvoiceId:   event.InvoiceId,
			Amount:      event.Amount,
			Source:      event.Source,
			ExternalRef: event.ExternalRef,
			PaymentDate: event.OccurredAt,
			Applied:     utils.NewTrue(),
		}
		if err := tx.Create(&payment).Error; err != nil {
			if !isDuplicateKeyErr(err) {
				return err
			}
			// Re-delivery: the unique (source, external_ref) index already
			// holds this event. Return the prior result unchanged.
			prior, err := models.FindPaymentByExternalRefTx(tx, event.Source, event.ExternalRef)
			if err != nil {
				return err
			}
			paid, err := models.PaidToDateTx(tx, event.InvoiceId)
			if err != nil {
				return err
			}
			result = &PaymentResult{
				Status:        PaymentResultAlreadyApplied,
				PaymentId:     prior.ID,
				InvoiceStatus: invoice.CurrentStatus,
				PaidToDate:    paid,
				Balance:       invoice.InvoiceTotalAmount.Sub(paid),
			}
			return nil
		}

		paid, err := models.PaidToDateTx(tx, event.InvoiceId)
		if err != nil {
			return err
		}

		newStatus := models.DeriveStatusFromPaid(invoice.InvoiceTotalAmount, paid)
		if newStatus != invoice.CurrentStatus {
			if invoice.CurrentStatus == models.InvoiceStatusConfirmed {
				// First money against a Confirmed invoice turns the holds
				// into permanent on-hand decrements.
				if err := models.CommitInvoiceReservationsTx(tx, event.InvoiceId); err != nil {
					return err
				}
			}
			if err := models.TransitionStatusTx(tx, event.InvoiceId, invoice.CurrentStatus, newStatus, invoice.Version); err != nil {
				return err
			}
			invoice.CurrentStatus = newStatus
			invoice.Version++

			if newStatus == models.InvoiceStatusPaid || newStatus == models.InvoiceStatusOverpaid {
				if err := models.PublishToReporting(ctx, tx, payment.PaymentDate, invoice.ID, models.ReportingReferenceTypeInvoice, models.ReportingActionFinalized, invoice); err != nil {
					return err
				}
			}
		}

		if err := models.PublishToReporting(ctx, tx, payment.PaymentDate, payment.ID, models.ReportingReferenceTypePayment, models.ReportingActionApplied, payment); err != nil {
			return err
		}

		result = &PaymentResult{
			Status:        PaymentResultApplied,
			PaymentId:     payment.ID,
			InvoiceStatus: invoice.CurrentStatus,
			PaidToDate:    paid,
			Balance:       invoice.InvoiceTotalAmount.Sub(paid),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func queueOrphanedRefundTx(tx *gorm.DB, event *PaymentEvent, invoice *models.Invoice) (*PaymentResult, error) {
	orphan := models.OrphanedRefund{
		InvoiceId:           event.InvoiceId,
		Amount:              event.Amount,
		Source:              event.Source,
		ExternalRef:         event.ExternalRef,
		OriginalExternalRef: event.OriginalExternalRef,
		Status:              models.OrphanedRefundStatusQueued,
		Attempts:            0,
		NextAttemptAt:       time.Now().UTC().Add(orphanBackoff(0)),
	}
	if err := tx.Create(&orphan).Error; err != nil {
		return nil, err
	}

	paid, err := models.PaidToDateTx(tx, event.InvoiceId)
	if err != nil {
		return nil, err
	}
	return &PaymentResult{
		Status:        PaymentResultOrphanedRefund,
		InvoiceStatus: invoice.CurrentStatus,
		PaidToDate:    paid,
		Balance:       invoice.InvoiceTotalAmount.Sub(paid),
	}, nil
}
