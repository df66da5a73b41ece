package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// MaxOrphanAttempts bounds the retry budget; past it the refund is
	// escalated for operator attention instead of retried forever.
	MaxOrphanAttempts = 10

	orphanInitialBackoff = 30 * time.Second
	orphanMaxBackoff     = time.Hour
)

// orphanBackoff returns the delay before retry number attempt+1.
func orphanBackoff(attempt int) time.Duration {
	backoff := orphanInitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= orphanMaxBackoff {
			return orphanMaxBackoff
		}
	}
	return backoff
}

// OrphanedRefundWorker periodically retries queued refunds whose original
// payment had not been recorded when they arrived (out-of-order gateway
// delivery). Once the original payment shows up the refund applies through
// the normal ledger path.
type OrphanedRefundWorker struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	BatchSize    int
	PollInterval time.Duration
}

func NewOrphanedRefundWorker(db *gorm.DB, logger *logrus.Logger) *OrphanedRefundWorker {
	return &OrphanedRefundWorker{
		DB:           db,
		Logger:       logger,
		BatchSize:    50,
		PollInterval: 15 * time.Second,
	}
}

func (w *OrphanedRefundWorker) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.retryOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.PollInterval):
		}
	}
}

func (w *OrphanedRefundWorker) retryOnce(ctx context.Context) {
	db := w.DB
	if db == nil {
		db = config.GetDB()
	}
	now := time.Now().UTC()

	var due []models.OrphanedRefund
	err := db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.OrphanedRefundStatusQueued, now).
		Order("next_attempt_at ASC").
		Limit(w.BatchSize).
		Find(&due).Error
	if err != nil {
		if w.Logger != nil {
			config.LogError(w.Logger, "workflow", "retryOnce", "claim", nil, err)
		}
		return
	}

	for i := range due {
		w.retryOrphan(ctx, &due[i])
	}
}

func (w *OrphanedRefundWorker) retryOrphan(ctx context.Context, orphan *models.OrphanedRefund) {
	db := w.DB
	if db == nil {
		db = config.GetDB()
	}

	// Only attempt application once the original payment is visible;
	// re-running ApplyPayment while it is still missing would just enqueue
	// the same refund again.
	_, err := models.FindPaymentByExternalRefTx(db.WithContext(ctx), orphan.Source, orphan.OriginalExternalRef)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w.recordAttempt(ctx, orphan, errors.New("original payment still unrecorded"))
		return
	}
	if err != nil {
		if w.Logger != nil {
			config.LogError(w.Logger, "workflow", "retryOrphan", "lookup", orphan, err)
		}
		return
	}

	event := PaymentEvent{
		InvoiceId:           orphan.InvoiceId,
		Amount:              orphan.Amount,
		Source:              orphan.Source,
		ExternalRef:         orphan.ExternalRef,
		OriginalExternalRef: orphan.OriginalExternalRef,
		OccurredAt:          orphan.CreatedAt,
	}
	result, err := ApplyPayment(ctx, &event)
	if err != nil {
		// Financial anomalies are for a human, not for the retry loop.
		if utils.IsKind(err, utils.ErrKindInvalidRefund) {
			w.escalate(ctx, orphan, err)
			return
		}
		w.recordAttempt(ctx, orphan, err)
		return
	}

	switch result.Status {
	case PaymentResultApplied, PaymentResultAlreadyApplied:
		_ = db.WithContext(ctx).Model(&models.OrphanedRefund{}).
			Where("id = ?", orphan.ID).
			Updates(map[string]interface{}{
				"status":     models.OrphanedRefundStatusResolved,
				"last_error": "",
			}).Error
	default:
		w.recordAttempt(ctx, orphan, errors.New("refund still orphaned after apply"))
	}
}

func (w *OrphanedRefundWorker) recordAttempt(ctx context.Context, orphan *models.OrphanedRefund, cause error) {
	db := w.DB
	if db == nil {
		db = config.GetDB()
	}

	attempts := orphan.Attempts + 1
	if attempts >= MaxOrphanAttempts {
		w.escalate(ctx, orphan, cause)
		return
	}

	next := time.Now().UTC().Add(orphanBackoff(attempts))
	_ = db.WithContext(ctx).Model(&models.OrphanedRefund{}).
		Where("id = ?", orphan.ID).
		Updates(map[string]interface{}{
			"attempts":        attempts,
			"next_attempt_at": next,
			"last_error":      cause.Error(),
		}).Error
}

func (w *OrphanedRefundWorker) escalate(ctx context.Context, orphan *models.OrphanedRefund, cause error) {
	db := w.DB
	if db == nil {
		db = config.GetDB()
	}
	_ = db.WithContext(ctx).Model(&models.OrphanedRefund{}).
		Where("id = ?", orphan.ID).
		Updates(map[string]interface{}{
			"status":     models.OrphanedRefundStatusEscalated,
			"attempts":   orphan.Attempts + 1,
			"last_error": cause.Error(),
		}).Error

	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":                 "OrphanedRefundWorker",
			"orphaned_refund_id":    orphan.ID,
			"invoice_id":            orphan.InvoiceId,
			"source":                orphan.Source,
			"external_ref":          orphan.ExternalRef,
			"original_external_ref": orphan.OriginalExternalRef,
		}).Error("orphaned refund escalated: " + cause.Error())
	}
}
