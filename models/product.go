package models

import (
	"context"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/shopspring/decimal"
)

type Product struct {
	ID          int             `gorm:"primary_key" json:"id"`
	Name        string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Sku         string          `gorm:"size:100;not null;uniqueIndex" json:"sku" binding:"required"`
	Description string          `gorm:"size:255;default:null" json:"description"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price" binding:"required"`
	OnHandQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"on_hand_qty"`
	ReservedQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reserved_qty"`
	IsActive    *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name        string          `json:"name" binding:"required"`
	Sku         string          `json:"sku" binding:"required"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price" binding:"required"`
	OpeningQty  decimal.Decimal `json:"opening_qty"`
}

// AvailableQty is on-hand minus reserved; every reservation decision is made
// against this number, never against on-hand alone.
func (p *Product) AvailableQty() decimal.Decimal {
	return p.OnHandQty.Sub(p.ReservedQty)
}

// reserveQty places a hold. The caller must hold the product row lock.
func (p *Product) reserveQty(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return utils.NewFlowError(utils.ErrKindValidation, "product", strconv.Itoa(p.ID), "reservation qty must be positive")
	}
	if p.AvailableQty().LessThan(qty) {
		return utils.NewFlowError(utils.ErrKindInsufficientStock, "product", strconv.Itoa(p.ID),
			"insufficient stock (available="+p.AvailableQty().String()+", requested="+qty.String()+")")
	}
	p.ReservedQty = p.ReservedQty.Add(qty)
	return nil
}

// commitQty converts a hold into a permanent on-hand decrement.
func (p *Product) commitQty(qty decimal.Decimal) error {
	if p.ReservedQty.LessThan(qty) || p.OnHandQty.LessThan(qty) {
		// reserved+onHand invariants would go negative; this indicates a
		// reservation applied twice, which the token status should prevent
		return utils.NewFlowError(utils.ErrKindInvalidTransition, "product", strconv.Itoa(p.ID), "commit exceeds reserved stock")
	}
	p.ReservedQty = p.ReservedQty.Sub(qty)
	p.OnHandQty = p.OnHandQty.Sub(qty)
	return nil
}

// releaseQty returns a hold to the available pool.
func (p *Product) releaseQty(qty decimal.Decimal) error {
	if p.ReservedQty.LessThan(qty) {
		return utils.NewFlowError(utils.ErrKindInvalidTransition, "product", strconv.Itoa(p.ID), "release exceeds reserved stock")
	}
	p.ReservedQty = p.ReservedQty.Sub(qty)
	return nil
}

func (input *NewProduct) validate(ctx context.Context, id int) error {
	if input.UnitPrice.IsNegative() {
		return utils.NewFlowError(utils.ErrKindValidation, "product", strconv.Itoa(id), "unit price cannot be negative")
	}
	if input.OpeningQty.IsNegative() {
		return utils.NewFlowError(utils.ErrKindValidation, "product", strconv.Itoa(id), "opening qty cannot be negative")
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	product := Product{
		Name:        input.Name,
		Sku:         input.Sku,
		Description: input.Description,
		UnitPrice:   input.UnitPrice,
		OnHandQty:   input.OpeningQty,
		ReservedQty: decimal.Zero,
		IsActive:    utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// UpdateProduct changes catalog fields only. Price changes never touch
// existing invoices because line items snapshot the unit rate at creation.
// Stock fields are owned by the reservation path and are not updatable here.
func UpdateProduct(ctx context.Context, id int, input *NewProduct) (*Product, error) {
	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, utils.NewFlowError(utils.ErrKindProductNotFound, "product", strconv.Itoa(id), "product not found")
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(product).Updates(map[string]interface{}{
		"Name":        input.Name,
		"Sku":         input.Sku,
		"Description": input.Description,
		"UnitPrice":   input.UnitPrice,
	}).Error
	if err != nil {
		return nil, err
	}
	return product, nil
}

// DeleteProduct hard-deletes only unreferenced products; products on any
// invoice are soft-deleted to preserve referential integrity for audit.
func DeleteProduct(ctx context.Context, id int) (*Product, error) {
	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, utils.NewFlowError(utils.ErrKindProductNotFound, "product", strconv.Itoa(id), "product not found")
	}

	db := config.GetDB()
	var refCount int64
	if err := db.WithContext(ctx).Model(&InvoiceDetail{}).Where("product_id = ?", id).Count(&refCount).Error; err != nil {
		return nil, err
	}
	if refCount > 0 {
		if err := db.WithContext(ctx).Model(product).Update("IsActive", false).Error; err != nil {
			return nil, err
		}
		product.IsActive = utils.NewFalse()
		return product, nil
	}

	if err := db.WithContext(ctx).Delete(product).Error; err != nil {
		return nil, err
	}
	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, utils.NewFlowError(utils.ErrKindProductNotFound, "product", strconv.Itoa(id), "product not found")
	}
	return product, nil
}

func GetProducts(ctx context.Context, name *string) ([]*Product, error) {
	db := config.GetDB()
	var results []*Product

	dbCtx := db.WithContext(ctx)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	if err := dbCtx.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
