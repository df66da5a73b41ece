package models

import (
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. The reserve/commit/release
// arithmetic lives on Product so the invariants hold regardless of which
// transaction path drives them; the row-lock plumbing is exercised by the
// DB integration tests.

func newStockedProduct(onHand string) *Product {
	return &Product{
		ID:        1,
		OnHandQty: dec(onHand),
	}
}

func TestReserveQty_HoldsStock(t *testing.T) {
	p := newStockedProduct("5")

	if err := p.reserveQty(dec("3")); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if !p.AvailableQty().Equal(dec("2")) {
		t.Fatalf("expected available 2, got %s", p.AvailableQty())
	}
	if !p.OnHandQty.Equal(dec("5")) {
		t.Fatalf("reserve must not touch on-hand, got %s", p.OnHandQty)
	}
}

func TestReserveQty_InsufficientStockThenRetryAfterRelease(t *testing.T) {
	p := newStockedProduct("5")

	if err := p.reserveQty(dec("3")); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	// Second hold of 3 exceeds the remaining 2.
	err := p.reserveQty(dec("3"))
	if err == nil {
		t.Fatal("expected second reserve to fail")
	}
	if !utils.IsKind(err, utils.ErrKindInsufficientStock) {
		t.Fatalf("expected InsufficientStock, got %v", err)
	}

	// Releasing the first hold frees the stock; the retry succeeds.
	if err := p.releaseQty(dec("3")); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := p.reserveQty(dec("3")); err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
}

func TestCommitQty_DecrementsBoth(t *testing.T) {
	p := newStockedProduct("5")
	if err := p.reserveQty(dec("3")); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := p.commitQty(dec("3")); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if !p.OnHandQty.Equal(dec("2")) {
		t.Fatalf("expected on-hand 2, got %s", p.OnHandQty)
	}
	if !p.ReservedQty.IsZero() {
		t.Fatalf("expected reserved 0, got %s", p.ReservedQty)
	}
}

func TestCommitQty_ExceedingReservedFails(t *testing.T) {
	p := newStockedProduct("5")
	if err := p.reserveQty(dec("2")); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := p.commitQty(dec("3")); err == nil {
		t.Fatal("expected commit beyond reserved to fail")
	}
}

func TestReleaseQty_ExceedingReservedFails(t *testing.T) {
	p := newStockedProduct("5")
	if err := p.releaseQty(dec("1")); err == nil {
		t.Fatal("expected release with nothing reserved to fail")
	}
}

func TestReserveQty_RejectsNonPositive(t *testing.T) {
	p := newStockedProduct("5")
	for _, qty := range []string{"0", "-1"} {
		if err := p.reserveQty(dec(qty)); err == nil {
			t.Fatalf("expected reserve of %s to fail", qty)
		}
	}
}

// No-oversell property: under concurrent reserve attempts (serialized the
// way the row lock serializes them), committed decrements never exceed the
// initial on-hand count.
func TestReserveCommit_NoOversellUnderConcurrency(t *testing.T) {
	const (
		initialStock = 50
		workers      = 200
	)
	p := newStockedProduct("50")
	var mu sync.Mutex // stands in for the SELECT ... FOR UPDATE row lock

	var wg sync.WaitGroup
	committed := decimal.Zero
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qty := dec("1")

			mu.Lock()
			err := p.reserveQty(qty)
			mu.Unlock()
			if err != nil {
				return
			}

			mu.Lock()
			if err := p.commitQty(qty); err == nil {
				committed = committed.Add(qty)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if committed.GreaterThan(decimal.NewFromInt(initialStock)) {
		t.Fatalf("oversold: committed %s of %d on hand", committed, initialStock)
	}
	if !committed.Equal(decimal.NewFromInt(initialStock)) {
		t.Fatalf("expected all %d units to sell, committed %s", initialStock, committed)
	}
	if !p.OnHandQty.IsZero() || !p.ReservedQty.IsZero() {
		t.Fatalf("expected empty shelves, on-hand=%s reserved=%s", p.OnHandQty, p.ReservedQty)
	}
}
