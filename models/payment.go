package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment is one applied ledger entry against an invoice. A negative amount
// is a refund. The (source, external_ref) pair is the dedupe key: the unique
// index makes re-delivery of the same gateway event a database-level no-op.
type Payment struct {
	ID          int             `gorm:"primary_key" json:"id"`
	InvoiceId   int             `gorm:"index;not null" json:"invoice_id"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Source      string          `gorm:"size:100;not null;uniqueIndex:uniq_ext_ref" json:"source"`
	ExternalRef string          `gorm:"size:255;not null;uniqueIndex:uniq_ext_ref" json:"external_ref"`
	PaymentDate time.Time       `gorm:"not null" json:"payment_date"`
	Applied     *bool           `gorm:"default:true" json:"applied"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrphanedRefund queues a refund whose original payment reference was not
// found when it arrived. A retry worker re-attempts it with backoff; after
// the attempt budget it escalates for manual review.
type OrphanedRefund struct {
	ID                  int                  `gorm:"primary_key" json:"id"`
	InvoiceId           int                  `gorm:"index;not null" json:"invoice_id"`
	Amount              decimal.Decimal      `gorm:"type:decimal(20,4);not null" json:"amount"`
	Source              string               `gorm:"size:100;not null" json:"source"`
	ExternalRef         string               `gorm:"size:255;not null" json:"external_ref"`
	OriginalExternalRef string               `gorm:"size:255;not null" json:"original_external_ref"`
	Status              OrphanedRefundStatus `gorm:"type:enum('Queued','Resolved','Escalated');not null;default:'Queued';index" json:"status"`
	Attempts            int                  `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt       time.Time            `gorm:"index" json:"next_attempt_at"`
	LastError           string               `gorm:"size:2048" json:"last_error"`
	CreatedAt           time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// PaidToDateTx sums the applied payments of an invoice (refunds included,
// as negative amounts). Balance and status are always derived from this sum,
// never from a stored running total.
func PaidToDateTx(tx *gorm.DB, invoiceId int) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := tx.Model(&Payment{}).
		Where("invoice_id = ? AND applied = ?", invoiceId, true).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&paid).Error
	if err != nil {
		return decimal.Zero, err
	}
	return paid, nil
}

// FindPaymentByExternalRefTx resolves a prior payment by its dedupe key.
// Used both for idempotent re-delivery responses and for matching a refund
// to the payment it reverses.
func FindPaymentByExternalRefTx(tx *gorm.DB, source, externalRef string) (*Payment, error) {
	var payment Payment
	err := tx.Where("source = ? AND external_ref = ?", source, externalRef).First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func GetInvoicePayments(ctx context.Context, invoiceId int) ([]*Payment, error) {
	db := config.GetDB()
	var results []*Payment
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceId).
		Order("payment_date ASC, id ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetEscalatedOrphanedRefunds lists refunds that exhausted their retry
// budget and need a human decision.
func GetEscalatedOrphanedRefunds(ctx context.Context) ([]*OrphanedRefund, error) {
	db := config.GetDB()
	var results []*OrphanedRefund
	err := db.WithContext(ctx).
		Where("status = ?", OrphanedRefundStatusEscalated).
		Order("updated_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
