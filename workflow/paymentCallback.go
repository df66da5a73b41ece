package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"gorm.io/gorm"
)

const gatewayCallbackHandler = "gateway-callback"

// ApplyPaymentFromCallback wraps ApplyPayment with a durable idempotency
// guard for webhook delivery. The (source, external_ref) unique index
// already makes duplicate *payments* harmless, but a re-delivered refund
// whose original payment is still unrecorded would otherwise enqueue a
// second orphaned-refund row. The DB-backed key makes the whole callback
// at-most-once.
func ApplyPaymentFromCallback(ctx context.Context, event *PaymentEvent) (*PaymentResult, error) {
	if err := event.validate(); err != nil {
		return nil, err
	}

	db := config.GetDB()
	messageId := fmt.Sprintf("%s:%s", event.Source, event.ExternalRef)

	var skip bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		skip, err = BeginIdempotency(tx, gatewayCallbackHandler, messageId)
		return err
	})
	if err != nil {
		return nil, err
	}
	if skip {
		return priorCallbackResult(ctx, event)
	}

	result, err := ApplyPayment(ctx, event)
	if err != nil {
		_ = MarkIdempotencyFailed(db.WithContext(ctx), gatewayCallbackHandler, messageId, err)
		return nil, err
	}
	if err := MarkIdempotencySucceeded(db.WithContext(ctx), gatewayCallbackHandler, messageId); err != nil {
		return nil, err
	}
	return result, nil
}

// priorCallbackResult reconstructs the response for a callback that already
// succeeded: balance unchanged, status as currently stored.
func priorCallbackResult(ctx context.Context, event *PaymentEvent) (*PaymentResult, error) {
	db := config.GetDB().WithContext(ctx)

	invoice, err := models.FetchInvoiceTx(db, event.InvoiceId)
	if err != nil {
		return nil, err
	}
	paid, err := models.PaidToDateTx(db, event.InvoiceId)
	if err != nil {
		return nil, err
	}

	result := PaymentResult{
		InvoiceStatus: invoice.CurrentStatus,
		PaidToDate:    paid,
		Balance:       invoice.InvoiceTotalAmount.Sub(paid),
	}

	prior, err := models.FindPaymentByExternalRefTx(db, event.Source, event.ExternalRef)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The earlier delivery queued an orphaned refund rather than a payment.
		result.Status = PaymentResultOrphanedRefund
		return &result, nil
	}
	if err != nil {
		return nil, err
	}
	result.Status = PaymentResultAlreadyApplied
	result.PaymentId = prior.ID
	return &result, nil
}
