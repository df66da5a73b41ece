package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate tax semantics:
// - rounding happens per line item, half-up, at two decimal places
// - identical inputs always produce byte-identical totals
// - invoice-level tax lines are per-component rollups in first-seen order

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func mmComponents() []TaxComponent {
	return []TaxComponent{
		{Name: "Commercial Tax", Rate: dec("5")},
		{Name: "Specific Goods Tax", Rate: dec("2.5")},
	}
}

func TestComputeLineTax_RoundsHalfUpPerLine(t *testing.T) {
	// 10.10 * 5% = 0.505 -> rounds up to 0.51, not truncated to 0.50.
	got := ComputeLineTax(dec("10.10"), []TaxComponent{{Name: "VAT", Rate: dec("5")}})
	if len(got) != 1 {
		t.Fatalf("expected 1 component amount, got %d", len(got))
	}
	if !got[0].Amount.Equal(dec("0.51")) {
		t.Fatalf("expected 0.51, got %s", got[0].Amount)
	}
}

func TestComputeLineTax_OneAmountPerComponent(t *testing.T) {
	got := ComputeLineTax(dec("200"), mmComponents())
	if len(got) != 2 {
		t.Fatalf("expected 2 component amounts, got %d", len(got))
	}
	if !got[0].Amount.Equal(dec("10")) {
		t.Fatalf("Commercial Tax: expected 10, got %s", got[0].Amount)
	}
	if !got[1].Amount.Equal(dec("5")) {
		t.Fatalf("Specific Goods Tax: expected 5, got %s", got[1].Amount)
	}
}

func TestComputeLineTax_Deterministic(t *testing.T) {
	// Same input must yield byte-identical output, every time.
	first := ComputeLineTax(dec("33.33"), mmComponents())
	for i := 0; i < 100; i++ {
		again := ComputeLineTax(dec("33.33"), mmComponents())
		for j := range first {
			if first[j].Amount.String() != again[j].Amount.String() {
				t.Fatalf("run %d: component %s drifted from %s to %s",
					i, first[j].Name, first[j].Amount, again[j].Amount)
			}
		}
	}
}

func TestComputeLineTax_PerLineNotPerTotal(t *testing.T) {
	// Two lines of 10.10 at 5%: per-line rounding gives 0.51 + 0.51 = 1.02.
	// Rounding the summed base instead would give round(1.01) = 1.01.
	// The per-line discipline is what keeps stored detail_tax_amount values
	// summing exactly to the invoice tax line.
	components := []TaxComponent{{Name: "VAT", Rate: dec("5")}}
	lineA := ComputeLineTax(dec("10.10"), components)
	lineB := ComputeLineTax(dec("10.10"), components)

	rollup := SumTaxComponents([][]TaxComponentAmount{lineA, lineB})
	if len(rollup) != 1 {
		t.Fatalf("expected 1 rollup component, got %d", len(rollup))
	}
	if !rollup[0].Amount.Equal(dec("1.02")) {
		t.Fatalf("expected 1.02 (per-line rounding), got %s", rollup[0].Amount)
	}
}

func TestSumTaxComponents_FirstSeenOrder(t *testing.T) {
	lines := [][]TaxComponentAmount{
		{
			{Name: "Commercial Tax", Rate: dec("5"), Amount: dec("1.00")},
			{Name: "Specific Goods Tax", Rate: dec("2.5"), Amount: dec("0.50")},
		},
		{
			{Name: "Specific Goods Tax", Rate: dec("2.5"), Amount: dec("0.25")},
		},
		{
			{Name: "Commercial Tax", Rate: dec("5"), Amount: dec("2.00")},
		},
	}

	rollup := SumTaxComponents(lines)
	if len(rollup) != 2 {
		t.Fatalf("expected 2 rollup components, got %d", len(rollup))
	}
	if rollup[0].Name != "Commercial Tax" || !rollup[0].Amount.Equal(dec("3.00")) {
		t.Fatalf("component 0: got %s %s", rollup[0].Name, rollup[0].Amount)
	}
	if rollup[1].Name != "Specific Goods Tax" || !rollup[1].Amount.Equal(dec("0.75")) {
		t.Fatalf("component 1: got %s %s", rollup[1].Name, rollup[1].Amount)
	}
}

func TestComputeLineTax_ZeroComponents(t *testing.T) {
	got := ComputeLineTax(dec("100"), nil)
	if len(got) != 0 {
		t.Fatalf("expected no component amounts, got %d", len(got))
	}
}
