package workflow

import (
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. A fakeLedger reproduces the
// reconciliation semantics with the same pure pieces ApplyPayment composes:
// dedupe by (source, external_ref), balance recomputed from the applied set,
// status derived via models.DeriveStatusFromPaid and checked against
// models.CanTransition the way TransitionStatusTx checks it, refunds guarded
// by ValidateRefund. Full DB integration tests need MySQL.

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeLedger struct {
	mu      sync.Mutex
	total   decimal.Decimal
	status  models.InvoiceStatus
	applied map[string]decimal.Decimal // "source|external_ref" -> amount
}

func newFakeLedger(total string) *fakeLedger {
	return &fakeLedger{
		total:   dec(total),
		status:  models.InvoiceStatusConfirmed,
		applied: map[string]decimal.Decimal{},
	}
}

func (l *fakeLedger) paidToDate() decimal.Decimal {
	paid := decimal.Zero
	for _, amount := range l.applied {
		paid = paid.Add(amount)
	}
	return paid
}

func (l *fakeLedger) apply(source, externalRef string, amount decimal.Decimal) (PaymentResultStatus, decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := source + "|" + externalRef
	if _, seen := l.applied[key]; seen {
		return PaymentResultAlreadyApplied, l.total.Sub(l.paidToDate()), nil
	}
	if amount.IsNegative() {
		if err := ValidateRefund(l.paidToDate(), amount); err != nil {
			return "", l.total.Sub(l.paidToDate()), err
		}
	}
	l.applied[key] = amount
	next := models.DeriveStatusFromPaid(l.total, l.paidToDate())
	if next != l.status {
		if !models.CanTransition(l.status, next) {
			delete(l.applied, key)
			return "", l.total.Sub(l.paidToDate()), utils.NewFlowError(utils.ErrKindInvalidTransition,
				"invoice", "", string(l.status)+" -> "+string(next))
		}
		l.status = next
	}
	return PaymentResultApplied, l.total.Sub(l.paidToDate()), nil
}

func TestReconciler_PartialThenRedeliveryThenSettlement(t *testing.T) {
	ledger := newFakeLedger("100.00")

	// Payment p1 = 60.00: partially paid, balance 40.00.
	status, balance, err := ledger.apply("gateway:stripe", "p1", dec("60.00"))
	if err != nil {
		t.Fatalf("p1 failed: %v", err)
	}
	if status != PaymentResultApplied {
		t.Fatalf("p1: expected Applied, got %s", status)
	}
	if ledger.status != models.InvoiceStatusPartiallyPaid {
		t.Fatalf("p1: expected PartiallyPaid, got %s", ledger.status)
	}
	if !balance.Equal(dec("40.00")) {
		t.Fatalf("p1: expected balance 40.00, got %s", balance)
	}

	// p1 redelivered: AlreadyApplied, balance unchanged.
	status, balance, err = ledger.apply("gateway:stripe", "p1", dec("60.00"))
	if err != nil {
		t.Fatalf("p1 redelivery failed: %v", err)
	}
	if status != PaymentResultAlreadyApplied {
		t.Fatalf("p1 redelivery: expected AlreadyApplied, got %s", status)
	}
	if !balance.Equal(dec("40.00")) {
		t.Fatalf("p1 redelivery: balance drifted to %s", balance)
	}
	if ledger.status != models.InvoiceStatusPartiallyPaid {
		t.Fatalf("p1 redelivery: status drifted to %s", ledger.status)
	}

	// p2 = 40.00 settles the invoice.
	status, balance, err = ledger.apply("gateway:stripe", "p2", dec("40.00"))
	if err != nil {
		t.Fatalf("p2 failed: %v", err)
	}
	if status != PaymentResultApplied {
		t.Fatalf("p2: expected Applied, got %s", status)
	}
	if ledger.status != models.InvoiceStatusPaid {
		t.Fatalf("p2: expected Paid, got %s", ledger.status)
	}
	if !balance.IsZero() {
		t.Fatalf("p2: expected balance 0, got %s", balance)
	}
}

func TestReconciler_OverpaymentFlaggedNotClamped(t *testing.T) {
	ledger := newFakeLedger("100.00")

	if _, _, err := ledger.apply("manual", "m1", dec("150.00")); err != nil {
		t.Fatalf("overpayment failed: %v", err)
	}
	if ledger.status != models.InvoiceStatusOverpaid {
		t.Fatalf("expected Overpaid, got %s", ledger.status)
	}
	if !ledger.paidToDate().Equal(dec("150.00")) {
		t.Fatalf("paid-to-date was clamped: %s", ledger.paidToDate())
	}
}

func TestReconciler_RefundBelowZeroRejected(t *testing.T) {
	ledger := newFakeLedger("100.00")

	_, _, err := ledger.apply("gateway:stripe", "r1", dec("-20.00"))
	if err == nil {
		t.Fatal("expected refund on zero paid-to-date to fail")
	}
	if !utils.IsKind(err, utils.ErrKindInvalidRefund) {
		t.Fatalf("expected InvalidRefund, got %v", err)
	}
	if len(ledger.applied) != 0 {
		t.Fatal("rejected refund must not enter the applied set")
	}
}

func TestReconciler_RefundMovesPaidBackToPartiallyPaid(t *testing.T) {
	ledger := newFakeLedger("100.00")

	if _, _, err := ledger.apply("gateway:stripe", "p1", dec("100.00")); err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if ledger.status != models.InvoiceStatusPaid {
		t.Fatalf("expected Paid, got %s", ledger.status)
	}

	if _, _, err := ledger.apply("gateway:stripe", "r1", dec("-30.00")); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if ledger.status != models.InvoiceStatusPartiallyPaid {
		t.Fatalf("expected PartiallyPaid after refund, got %s", ledger.status)
	}
	if balance := ledger.total.Sub(ledger.paidToDate()); !balance.Equal(dec("30.00")) {
		t.Fatalf("expected balance 30.00, got %s", balance)
	}
}

func TestReconciler_FullRefundReturnsPaidToConfirmed(t *testing.T) {
	ledger := newFakeLedger("100.00")

	if _, _, err := ledger.apply("gateway:stripe", "p1", dec("100.00")); err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if ledger.status != models.InvoiceStatusPaid {
		t.Fatalf("expected Paid, got %s", ledger.status)
	}

	// Refund everything: paid lands on exactly zero and the invoice goes
	// back to Confirmed, still open for a fresh payment.
	status, balance, err := ledger.apply("gateway:stripe", "r1", dec("-100.00"))
	if err != nil {
		t.Fatalf("full refund failed: %v", err)
	}
	if status != PaymentResultApplied {
		t.Fatalf("full refund: expected Applied, got %s", status)
	}
	if ledger.status != models.InvoiceStatusConfirmed {
		t.Fatalf("expected Confirmed after full refund, got %s", ledger.status)
	}
	if !balance.Equal(dec("100.00")) {
		t.Fatalf("expected balance 100.00, got %s", balance)
	}

	if _, _, err := ledger.apply("gateway:stripe", "p2", dec("100.00")); err != nil {
		t.Fatalf("re-payment after full refund failed: %v", err)
	}
	if ledger.status != models.InvoiceStatusPaid {
		t.Fatalf("expected Paid after re-payment, got %s", ledger.status)
	}
}

func TestReconciler_FullRefundReturnsOverpaidToConfirmed(t *testing.T) {
	ledger := newFakeLedger("100.00")

	if _, _, err := ledger.apply("manual", "m1", dec("150.00")); err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if ledger.status != models.InvoiceStatusOverpaid {
		t.Fatalf("expected Overpaid, got %s", ledger.status)
	}

	if _, _, err := ledger.apply("manual", "r1", dec("-150.00")); err != nil {
		t.Fatalf("full refund failed: %v", err)
	}
	if ledger.status != models.InvoiceStatusConfirmed {
		t.Fatalf("expected Confirmed after full refund, got %s", ledger.status)
	}
	if balance := ledger.total.Sub(ledger.paidToDate()); !balance.Equal(dec("100.00")) {
		t.Fatalf("expected balance 100.00, got %s", balance)
	}
}

func TestReconciler_IdempotentUnderConcurrentRedelivery(t *testing.T) {
	ledger := newFakeLedger("100.00")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = ledger.apply("gateway:kbz", "dup-1", dec("60.00"))
		}()
	}
	wg.Wait()

	if !ledger.paidToDate().Equal(dec("60.00")) {
		t.Fatalf("duplicate deliveries changed paid-to-date: %s", ledger.paidToDate())
	}
	if ledger.status != models.InvoiceStatusPartiallyPaid {
		t.Fatalf("expected PartiallyPaid, got %s", ledger.status)
	}
}

func TestValidPaymentSource(t *testing.T) {
	valid := []string{"manual", "gateway:stripe", "gateway:kbz-pay", "gateway:wave_money", "gateway:2c2p"}
	for _, s := range valid {
		if !ValidPaymentSource(s) {
			t.Fatalf("expected %q to be valid", s)
		}
	}
	invalid := []string{"", "Manual", "gateway:", "gateway", "stripe", "gateway:Stripe!", "manual:x"}
	for _, s := range invalid {
		if ValidPaymentSource(s) {
			t.Fatalf("expected %q to be invalid", s)
		}
	}
}

func TestValidateRefund(t *testing.T) {
	if err := ValidateRefund(dec("50"), dec("-50")); err != nil {
		t.Fatalf("refund to exactly zero must pass: %v", err)
	}
	if err := ValidateRefund(dec("50"), dec("-50.01")); err == nil {
		t.Fatal("refund past zero must fail")
	}
	if err := ValidateRefund(dec("0"), dec("-0.01")); err == nil {
		t.Fatal("any refund on zero paid must fail")
	}
}

func TestOrphanBackoff_DoublesAndCaps(t *testing.T) {
	if got := orphanBackoff(0); got != 30*time.Second {
		t.Fatalf("attempt 0: expected 30s, got %s", got)
	}
	if got := orphanBackoff(1); got != time.Minute {
		t.Fatalf("attempt 1: expected 1m, got %s", got)
	}
	if got := orphanBackoff(3); got != 4*time.Minute {
		t.Fatalf("attempt 3: expected 4m, got %s", got)
	}
	for attempt := 7; attempt < MaxOrphanAttempts+5; attempt++ {
		if got := orphanBackoff(attempt); got > time.Hour {
			t.Fatalf("attempt %d: backoff %s exceeds the 1h cap", attempt, got)
		}
	}
}
