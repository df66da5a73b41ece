package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/shopspring/decimal"
)

// TaxRate is one named rate band of a jurisdiction (e.g. "VAT 5%",
// "Commercial Tax"). A jurisdiction may carry several bands; each line item
// gets one amount per band.
type TaxRate struct {
	ID           int             `gorm:"primary_key" json:"id"`
	Jurisdiction string          `gorm:"size:10;not null;index:idx_jur_name,unique" json:"jurisdiction" binding:"required"`
	Name         string          `gorm:"size:100;not null;index:idx_jur_name,unique" json:"name" binding:"required"`
	Rate         decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"rate" binding:"required"`
	IsActive     *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type TaxComponent struct {
	Name string          `json:"name"`
	Rate decimal.Decimal `json:"rate"`
}

type TaxComponentAmount struct {
	Name   string          `json:"name"`
	Rate   decimal.Decimal `json:"rate"`
	Amount decimal.Decimal `json:"amount"`
}

// TaxScale is the fixed decimal precision for tax amounts.
const TaxScale = 2

// ComputeLineTax computes one amount per jurisdiction component for a single
// line amount. Rounding is half-up at TaxScale, applied PER LINE ITEM before
// any summation, so identical inputs always produce identical totals.
func ComputeLineTax(lineAmount decimal.Decimal, components []TaxComponent) []TaxComponentAmount {
	results := make([]TaxComponentAmount, 0, len(components))
	oneHundred := decimal.NewFromInt(100)
	for _, component := range components {
		// decimal.Round is round-half-away-from-zero, i.e. half-up for the
		// positive amounts a line item carries
		amount := lineAmount.Mul(component.Rate).Div(oneHundred).Round(TaxScale)
		results = append(results, TaxComponentAmount{
			Name:   component.Name,
			Rate:   component.Rate,
			Amount: amount,
		})
	}
	return results
}

// SumTaxComponents rolls per-line component amounts up into invoice-level
// tax lines, keyed by component name, preserving first-seen order.
func SumTaxComponents(lines [][]TaxComponentAmount) []TaxComponentAmount {
	var order []string
	totals := map[string]TaxComponentAmount{}
	for _, line := range lines {
		for _, component := range line {
			existing, ok := totals[component.Name]
			if !ok {
				order = append(order, component.Name)
				totals[component.Name] = component
				continue
			}
			existing.Amount = existing.Amount.Add(component.Amount)
			totals[component.Name] = existing
		}
	}
	results := make([]TaxComponentAmount, 0, len(order))
	for _, name := range order {
		results = append(results, totals[name])
	}
	return results
}

// GetJurisdictionTaxes loads the active rate bands of a jurisdiction,
// redis-cached (rates are configuration, they change rarely).
func GetJurisdictionTaxes(ctx context.Context, jurisdiction string) ([]TaxComponent, error) {
	components := make([]TaxComponent, 0)
	redisKey := "taxRates:" + jurisdiction
	exists, err := config.GetRedisObject(redisKey, &components)
	if err != nil {
		return nil, err
	}
	if !exists {
		db := config.GetDB()
		var rates []TaxRate
		if err := db.WithContext(ctx).
			Where("jurisdiction = ? AND is_active = ?", jurisdiction, true).
			Order("id ASC").
			Find(&rates).Error; err != nil {
			return nil, err
		}
		if len(rates) == 0 {
			return nil, utils.NewFlowError(utils.ErrKindTaxComputation, "jurisdiction", jurisdiction, "no tax rates configured for jurisdiction")
		}
		for _, rate := range rates {
			components = append(components, TaxComponent{Name: rate.Name, Rate: rate.Rate})
		}
		if err := config.SetRedisObject(redisKey, &components, 0); err != nil {
			return nil, err
		}
	}
	return components, nil
}

type NewTaxRate struct {
	Jurisdiction string          `json:"jurisdiction" binding:"required"`
	Name         string          `json:"name" binding:"required"`
	Rate         decimal.Decimal `json:"rate" binding:"required"`
}

func CreateTaxRate(ctx context.Context, input *NewTaxRate) (*TaxRate, error) {
	if input.Rate.IsNegative() {
		return nil, utils.NewFlowError(utils.ErrKindValidation, "taxRate", "", "rate cannot be negative")
	}

	taxRate := TaxRate{
		Jurisdiction: input.Jurisdiction,
		Name:         input.Name,
		Rate:         input.Rate,
		IsActive:     utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&taxRate).Error; err != nil {
		return nil, err
	}
	// invalidate cached bands for the jurisdiction
	if err := config.RemoveRedisKey("taxRates:" + input.Jurisdiction); err != nil {
		return nil, err
	}
	return &taxRate, nil
}
