package models

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Invoice struct {
	ID                       int              `gorm:"primary_key" json:"id"`
	CustomerId               int              `gorm:"index;not null" json:"customer_id" binding:"required"`
	SequenceNo               decimal.Decimal  `gorm:"type:decimal(15);not null" json:"sequence_no"`
	InvoiceNumber            string           `gorm:"size:255;not null" json:"invoice_number"`
	InvoiceDate              time.Time        `gorm:"not null" json:"invoice_date"`
	PaymentTerms             PaymentTerms     `gorm:"type:enum('Net15','Net30','Net45','Net60','DueMonthEnd','DueNextMonthEnd','DueOnReceipt','Custom');not null" json:"payment_terms"`
	PaymentTermsCustomDays   int              `gorm:"default:0" json:"payment_terms_custom_days"`
	InvoiceDueDate           *time.Time       `gorm:"not null" json:"invoice_due_date"`
	Jurisdiction             string           `gorm:"size:10;not null" json:"jurisdiction"`
	CurrentStatus            InvoiceStatus    `gorm:"type:enum('Draft','Confirmed','PartiallyPaid','Paid','Overpaid','Cancelled','Closed');not null;index" json:"current_status"`
	Version                  int              `gorm:"not null;default:1" json:"version"`
	Details                  []InvoiceDetail  `gorm:"foreignKey:InvoiceId" json:"details"`
	TaxLines                 []InvoiceTaxLine `gorm:"foreignKey:InvoiceId" json:"tax_lines"`
	InvoiceSubtotal          decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"invoice_subtotal"`
	InvoiceTotalTaxAmount    decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"invoice_total_tax_amount"`
	InvoiceTotalAmount       decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"invoice_total_amount"`
	CreatedAt                time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// InvoiceDetail snapshots the unit rate at invoice-creation time; later
// product price changes never retroactively alter existing invoices.
type InvoiceDetail struct {
	ID                int             `gorm:"primary_key" json:"id"`
	InvoiceId         int             `gorm:"index;not null" json:"invoice_id"`
	ProductId         int             `gorm:"index;not null" json:"product_id"`
	Name              string          `gorm:"size:100;not null" json:"name"`
	DetailQty         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"detail_qty"`
	DetailUnitRate    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"detail_unit_rate"`
	DetailTaxAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_tax_amount"`
	DetailTotalAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_total_amount"`
	SortOrder         int             `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// InvoiceTaxLine is the per-component rollup captured at creation
// (per-line amounts rounded first, then summed per component).
type InvoiceTaxLine struct {
	ID        int             `gorm:"primary_key" json:"id"`
	InvoiceId int             `gorm:"index;not null" json:"invoice_id"`
	TaxName   string          `gorm:"size:100;not null" json:"tax_name"`
	TaxRate   decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"tax_rate"`
	TaxAmount decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"tax_amount"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewInvoice struct {
	CustomerId             int                `json:"customer_id" binding:"required"`
	InvoiceDate            time.Time          `json:"invoice_date" binding:"required"`
	PaymentTerms           PaymentTerms       `json:"payment_terms" binding:"required"`
	PaymentTermsCustomDays int                `json:"payment_terms_custom_days"`
	Jurisdiction           string             `json:"jurisdiction" binding:"required"`
	Details                []NewInvoiceDetail `json:"details" binding:"required"`
	// Confirm requests create+confirm in one call. The invoice is still
	// built as Draft and transitioned inside the same DB transaction so
	// stock movements happen through the same status-transition path
	// everywhere.
	Confirm bool `json:"confirm"`
}

type NewInvoiceDetail struct {
	ProductId int             `json:"product_id" binding:"required"`
	Qty       decimal.Decimal `json:"qty" binding:"required"`
}

func calculateDueDate(date time.Time, paymentTerms PaymentTerms, customDays int) *time.Time {
	var dueDate time.Time
	switch terms := paymentTerms; terms {
	case PaymentTermsDueOnReceipt:
		dueDate = date
	case PaymentTermsNet15:
		dueDate = date.AddDate(0, 0, 15)
	case PaymentTermsNet30:
		dueDate = date.AddDate(0, 0, 30)
	case PaymentTermsNet45:
		dueDate = date.AddDate(0, 0, 45)
	case PaymentTermsNet60:
		dueDate = date.AddDate(0, 0, 60)
	case PaymentTermsDueEndOfMonth:
		year, month, _ := date.Date()
		firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, date.Location())
		dueDate = firstOfMonth.AddDate(0, 1, -1)
	case PaymentTermsDueEndOfNextMonth:
		year, month, _ := date.Date()
		firstOfNextMonth := time.Date(year, month+1, 1, 0, 0, 0, 0, date.Location())
		dueDate = firstOfNextMonth.AddDate(0, 1, -1)
	case PaymentTermsCustom:
		dueDate = date.AddDate(0, 0, customDays)
	}
	return &dueDate
}

func (input *NewInvoice) validate(ctx context.Context) error {
	if err := utils.ValidateResourceId[Customer](ctx, input.CustomerId); err != nil {
		return utils.NewFlowError(utils.ErrKindCustomerNotFound, "customer", strconv.Itoa(input.CustomerId), "customer not found")
	}
	if len(input.Details) == 0 {
		return utils.NewFlowError(utils.ErrKindValidation, "invoice", "", "invoice requires at least one line item")
	}
	for _, item := range input.Details {
		if !item.Qty.IsPositive() || !item.Qty.IsInteger() {
			return utils.NewFlowError(utils.ErrKindValidation, "product", strconv.Itoa(item.ProductId), "line item qty must be a positive integer")
		}
	}
	return nil
}

// CreateInvoice builds a Draft invoice: snapshots unit prices, computes tax
// per line (round-half-up per line, then summed), and persists atomically.
// With input.Confirm the Draft -> Confirmed transition (stock reservation
// included) happens inside the same transaction; any failure leaves nothing
// behind, so a half-built invoice is never visible.
func CreateInvoice(ctx context.Context, input *NewInvoice) (*Invoice, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	components, err := GetJurisdictionTaxes(ctx, input.Jurisdiction)
	if err != nil {
		return nil, err
	}

	var details []InvoiceDetail
	var perLineTax [][]TaxComponentAmount
	var subtotal, totalTax decimal.Decimal

	for i, item := range input.Details {
		product, err := GetProduct(ctx, item.ProductId)
		if err != nil {
			return nil, err
		}
		if product.IsActive != nil && !*product.IsActive {
			return nil, utils.NewFlowError(utils.ErrKindProductNotFound, "product", strconv.Itoa(item.ProductId), "product is inactive")
		}

		lineAmount := item.Qty.Mul(product.UnitPrice)
		lineTax := ComputeLineTax(lineAmount, components)
		lineTaxTotal := decimal.Zero
		for _, component := range lineTax {
			lineTaxTotal = lineTaxTotal.Add(component.Amount)
		}

		details = append(details, InvoiceDetail{
			ProductId:         product.ID,
			Name:              product.Name,
			DetailQty:         item.Qty,
			DetailUnitRate:    product.UnitPrice,
			DetailTaxAmount:   lineTaxTotal,
			DetailTotalAmount: lineAmount,
			SortOrder:         i,
		})
		perLineTax = append(perLineTax, lineTax)
		subtotal = subtotal.Add(lineAmount)
		totalTax = totalTax.Add(lineTaxTotal)
	}

	var taxLines []InvoiceTaxLine
	for _, component := range SumTaxComponents(perLineTax) {
		taxLines = append(taxLines, InvoiceTaxLine{
			TaxName:   component.Name,
			TaxRate:   component.Rate,
			TaxAmount: component.Amount,
		})
	}

	seqNo, err := utils.GetSequence[Invoice](ctx)
	if err != nil {
		return nil, err
	}

	invoice := Invoice{
		CustomerId:             input.CustomerId,
		SequenceNo:             decimal.NewFromInt(seqNo),
		InvoiceNumber:          "INV-" + fmt.Sprint(seqNo),
		InvoiceDate:            input.InvoiceDate,
		PaymentTerms:           input.PaymentTerms,
		PaymentTermsCustomDays: input.PaymentTermsCustomDays,
		InvoiceDueDate:         calculateDueDate(input.InvoiceDate, input.PaymentTerms, input.PaymentTermsCustomDays),
		Jurisdiction:           input.Jurisdiction,
		CurrentStatus:          InvoiceStatusDraft,
		Version:                1,
		Details:                details,
		TaxLines:               taxLines,
		InvoiceSubtotal:        subtotal,
		InvoiceTotalTaxAmount:  totalTax,
		InvoiceTotalAmount:     subtotal.Add(totalTax),
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&invoice).Error; err != nil {
			return err
		}
		if input.Confirm {
			return confirmInvoiceTx(ctx, tx, &invoice)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &invoice, nil
}

// ConfirmInvoice transitions Draft -> Confirmed: every line item is reserved
// inside one transaction, so a failure on any line rolls back every
// reservation made so far (all-or-nothing, no partial leakage).
func ConfirmInvoice(ctx context.Context, id int, version int) (*Invoice, error) {
	db := config.GetDB()

	var invoice *Invoice
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		invoice, err = FetchInvoiceTx(tx, id)
		if err != nil {
			return err
		}
		if invoice.Version != version {
			return utils.NewFlowError(utils.ErrKindVersionConflict, "invoice", strconv.Itoa(id), "stale invoice version; re-read and retry")
		}
		return confirmInvoiceTx(ctx, tx, invoice)
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

func confirmInvoiceTx(ctx context.Context, tx *gorm.DB, invoice *Invoice) error {
	if invoice.CurrentStatus != InvoiceStatusDraft {
		return utils.NewFlowError(utils.ErrKindInvalidTransition, "invoice", strconv.Itoa(invoice.ID), "only Draft invoices can be confirmed")
	}

	// Reserve in product-id order: a deterministic lock order across
	// concurrent confirmations avoids deadlocks between row locks.
	details := make([]InvoiceDetail, len(invoice.Details))
	copy(details, invoice.Details)
	sort.Slice(details, func(i, j int) bool { return details[i].ProductId < details[j].ProductId })

	for _, detail := range details {
		if _, err := reserveStockTx(tx, detail.ProductId, invoice.ID, detail.DetailQty); err != nil {
			return err
		}
	}

	if err := TransitionStatusTx(tx, invoice.ID, invoice.CurrentStatus, InvoiceStatusConfirmed, invoice.Version); err != nil {
		return err
	}
	invoice.CurrentStatus = InvoiceStatusConfirmed
	invoice.Version++

	return PublishToReporting(ctx, tx, invoice.InvoiceDate, invoice.ID, ReportingReferenceTypeInvoice, ReportingActionConfirmed, invoice)
}

// CancelInvoice is allowed only while zero payments are applied; it releases
// every reservation without committing any stock decrement.
func CancelInvoice(ctx context.Context, id int, version int) (*Invoice, error) {
	db := config.GetDB()

	var invoice *Invoice
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		invoice, err = FetchInvoiceTx(tx, id)
		if err != nil {
			return err
		}
		if invoice.CurrentStatus != InvoiceStatusConfirmed {
			return utils.NewFlowError(utils.ErrKindInvalidTransition, "invoice", strconv.Itoa(id), "only Confirmed invoices can be cancelled")
		}

		var paymentCount int64
		if err := tx.Model(&Payment{}).Where("invoice_id = ? AND applied = ?", id, true).Count(&paymentCount).Error; err != nil {
			return err
		}
		if paymentCount > 0 {
			return utils.NewFlowError(utils.ErrKindInvalidTransition, "invoice", strconv.Itoa(id), "invoice has applied payments; amend with a new invoice instead")
		}

		if err := releaseInvoiceReservationsTx(tx, id); err != nil {
			return err
		}
		if err := TransitionStatusTx(tx, id, invoice.CurrentStatus, InvoiceStatusCancelled, version); err != nil {
			return err
		}
		invoice.CurrentStatus = InvoiceStatusCancelled
		invoice.Version++

		return PublishToReporting(ctx, tx, invoice.InvoiceDate, invoice.ID, ReportingReferenceTypeInvoice, ReportingActionCancelled, invoice)
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// CloseInvoice archives a settled (Paid) or Cancelled invoice.
func CloseInvoice(ctx context.Context, id int, version int) (*Invoice, error) {
	db := config.GetDB()

	var invoice *Invoice
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		invoice, err = FetchInvoiceTx(tx, id)
		if err != nil {
			return err
		}
		if err := TransitionStatusTx(tx, id, invoice.CurrentStatus, InvoiceStatusClosed, version); err != nil {
			return err
		}
		invoice.CurrentStatus = InvoiceStatusClosed
		invoice.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// TransitionStatusTx performs an optimistic-concurrency status transition:
// a single UPDATE guarded by current status AND version. Zero rows affected
// means the caller lost the race (or requested an illegal move) and must
// re-read and retry.
func TransitionStatusTx(tx *gorm.DB, id int, from, to InvoiceStatus, version int) error {
	if !CanTransition(from, to) {
		return utils.NewFlowError(utils.ErrKindInvalidTransition, "invoice", strconv.Itoa(id),
			"illegal transition "+string(from)+" -> "+string(to))
	}

	res := tx.Model(&Invoice{}).
		Where("id = ? AND current_status = ? AND version = ?", id, from, version).
		Updates(map[string]interface{}{
			"current_status": to,
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.NewFlowError(utils.ErrKindVersionConflict, "invoice", strconv.Itoa(id), "stale invoice version; re-read and retry")
	}
	return nil
}

func FetchInvoiceTx(tx *gorm.DB, id int) (*Invoice, error) {
	var invoice Invoice
	if err := tx.Preload("Details").Preload("TaxLines").First(&invoice, id).Error; err != nil {
		return nil, utils.NewFlowError(utils.ErrKindInvoiceNotFound, "invoice", strconv.Itoa(id), "invoice not found")
	}
	return &invoice, nil
}

func GetInvoice(ctx context.Context, id int) (*Invoice, error) {
	db := config.GetDB()
	return FetchInvoiceTx(db.WithContext(ctx), id)
}

func GetInvoices(ctx context.Context, customerId *int, status *InvoiceStatus) ([]*Invoice, error) {
	db := config.GetDB()
	var results []*Invoice

	dbCtx := db.WithContext(ctx).Preload("Details").Preload("TaxLines")
	if customerId != nil && *customerId > 0 {
		dbCtx = dbCtx.Where("customer_id = ?", *customerId)
	}
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("current_status = ?", *status)
	}
	if err := dbCtx.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// InvoiceBalance recomputes balance strictly from the invoice total and the
// applied payment set. It is never stored as an independently-mutated field.
func InvoiceBalance(ctx context.Context, id int) (decimal.Decimal, error) {
	db := config.GetDB()
	invoice, err := FetchInvoiceTx(db.WithContext(ctx), id)
	if err != nil {
		return decimal.Zero, err
	}
	paid, err := PaidToDateTx(db.WithContext(ctx), id)
	if err != nil {
		return decimal.Zero, err
	}
	return invoice.InvoiceTotalAmount.Sub(paid), nil
}
