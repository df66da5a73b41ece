package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"github.com/shopspring/decimal"
)

// DailySummary is a query-friendly aggregate for dashboards.
// Derived data: rebuildable at any time from invoices and payments, so it
// is computed on read (and cached) rather than maintained as a table.
type DailySummary struct {
	Date           string          `json:"date"`
	InvoicedCount  int64           `json:"invoiced_count"`
	InvoicedAmount decimal.Decimal `json:"invoiced_amount"`
	PaymentCount   int64           `json:"payment_count"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
}

// OutstandingReceivable is one customer's open balance across all invoices
// that still accept payments.
type OutstandingReceivable struct {
	CustomerId   int             `json:"customer_id"`
	CustomerName string          `json:"customer_name"`
	InvoiceCount int64           `json:"invoice_count"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	PaidToDate   decimal.Decimal `json:"paid_to_date"`
	Balance      decimal.Decimal `json:"balance"`
}

const reportingCacheTTL = 5 * time.Minute

// GetDailySummary aggregates one calendar day: invoices confirmed that day
// (Draft excluded, Cancelled excluded) and payments applied that day.
func GetDailySummary(ctx context.Context, date time.Time) (*DailySummary, error) {
	day := date.Format("2006-01-02")
	cacheKey := fmt.Sprintf("reporting:dailySummary:%s", day)

	var cached DailySummary
	if found, err := config.GetRedisObject(cacheKey, &cached); err == nil && found {
		return &cached, nil
	}

	db := config.GetDB()
	summary := DailySummary{Date: day}

	err := db.WithContext(ctx).Model(&models.Invoice{}).
		Where("DATE(invoice_date) = ? AND current_status NOT IN ?", day,
			[]models.InvoiceStatus{models.InvoiceStatusDraft, models.InvoiceStatusCancelled}).
		Select("COUNT(*) AS invoiced_count, COALESCE(SUM(invoice_total_amount), 0) AS invoiced_amount").
		Scan(&summary).Error
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).Model(&models.Payment{}).
		Where("DATE(payment_date) = ? AND applied = ?", day, true).
		Select("COUNT(*) AS payment_count, COALESCE(SUM(amount), 0) AS paid_amount").
		Scan(&summary).Error
	if err != nil {
		return nil, err
	}

	_ = config.SetRedisObject(cacheKey, summary, reportingCacheTTL)
	return &summary, nil
}

// GetOutstandingReceivables lists, per customer, the open invoice balances
// (Confirmed, PartiallyPaid or Overpaid, anything not yet settled or closed).
func GetOutstandingReceivables(ctx context.Context) ([]OutstandingReceivable, error) {
	cacheKey := "reporting:outstandingReceivables"

	var cached []OutstandingReceivable
	if found, err := config.GetRedisObject(cacheKey, &cached); err == nil && found {
		return cached, nil
	}

	db := config.GetDB()
	var results []OutstandingReceivable
	err := db.WithContext(ctx).Raw(`
		SELECT
			c.id AS customer_id,
			c.name AS customer_name,
			COUNT(DISTINCT i.id) AS invoice_count,
			COALESCE(SUM(i.invoice_total_amount), 0) AS total_amount,
			COALESCE((
				SELECT SUM(p.amount) FROM payments p
				WHERE p.invoice_id IN (
					SELECT i2.id FROM invoices i2
					WHERE i2.customer_id = c.id AND i2.current_status IN ?
				) AND p.applied = 1
			), 0) AS paid_to_date
		FROM customers c
		JOIN invoices i ON i.customer_id = c.id
		WHERE i.current_status IN ?
		GROUP BY c.id, c.name
		ORDER BY c.id ASC
	`, openStatuses(), openStatuses()).Scan(&results).Error
	if err != nil {
		return nil, err
	}

	for i := range results {
		results[i].Balance = results[i].TotalAmount.Sub(results[i].PaidToDate)
	}

	_ = config.SetRedisObject(cacheKey, results, reportingCacheTTL)
	return results, nil
}

func openStatuses() []models.InvoiceStatus {
	return []models.InvoiceStatus{
		models.InvoiceStatusConfirmed,
		models.InvoiceStatusPartiallyPaid,
		models.InvoiceStatusOverpaid,
	}
}
