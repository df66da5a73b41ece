package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"bitbucket.org/mmdatafocus/billing_backend/workflow"
	"github.com/shopspring/decimal"
)

// End-to-end lifecycle against real MySQL + Redis: create catalog and
// customer, confirm an invoice (stock reserved), pay it in two parts with a
// duplicate delivery in between (stock committed on first payment), then
// refund part of it.
func TestInvoiceLifecycle_ConfirmPaySettleRefund(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "billing_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{
		Name:  "Lifecycle Trading",
		Email: "owner@lifecycle.test",
	})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:       "Widget",
		Sku:        "WID-001",
		UnitPrice:  dec("50.00"),
		OpeningQty: dec("10"),
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	if _, err := models.CreateTaxRate(ctx, &models.NewTaxRate{
		Jurisdiction: "MM",
		Name:         "Commercial Tax",
		Rate:         dec("0"),
	}); err != nil {
		t.Fatalf("CreateTaxRate: %v", err)
	}

	invoice, err := models.CreateInvoice(ctx, &models.NewInvoice{
		CustomerId:   customer.ID,
		InvoiceDate:  time.Now().UTC(),
		PaymentTerms: models.PaymentTermsNet30,
		Jurisdiction: "MM",
		Details: []models.NewInvoiceDetail{
			{ProductId: product.ID, Qty: dec("2")},
		},
		Confirm: true,
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if invoice.CurrentStatus != models.InvoiceStatusConfirmed {
		t.Fatalf("expected Confirmed, got %s", invoice.CurrentStatus)
	}
	if !invoice.InvoiceTotalAmount.Equal(dec("100.00")) {
		t.Fatalf("expected total 100.00, got %s", invoice.InvoiceTotalAmount)
	}

	// Confirmation reserved 2 of 10; nothing left inventory yet.
	product, err = models.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if !product.ReservedQty.Equal(dec("2")) || !product.OnHandQty.Equal(dec("10")) {
		t.Fatalf("after confirm: reserved=%s on-hand=%s", product.ReservedQty, product.OnHandQty)
	}

	// First payment: 60.00 -> PartiallyPaid, stock committed.
	result, err := workflow.ApplyPayment(ctx, &workflow.PaymentEvent{
		InvoiceId:   invoice.ID,
		Amount:      dec("60.00"),
		Source:      "gateway:stripe",
		ExternalRef: "p1",
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyPayment p1: %v", err)
	}
	if result.Status != workflow.PaymentResultApplied {
		t.Fatalf("p1: expected Applied, got %s", result.Status)
	}
	if result.InvoiceStatus != models.InvoiceStatusPartiallyPaid {
		t.Fatalf("p1: expected PartiallyPaid, got %s", result.InvoiceStatus)
	}
	if !result.Balance.Equal(dec("40.00")) {
		t.Fatalf("p1: expected balance 40.00, got %s", result.Balance)
	}

	product, _ = models.GetProduct(ctx, product.ID)
	if !product.OnHandQty.Equal(dec("8")) || !product.ReservedQty.IsZero() {
		t.Fatalf("after first payment: reserved=%s on-hand=%s", product.ReservedQty, product.OnHandQty)
	}

	// p1 redelivered: AlreadyApplied, balance unchanged.
	result, err = workflow.ApplyPayment(ctx, &workflow.PaymentEvent{
		InvoiceId:   invoice.ID,
		Amount:      dec("60.00"),
		Source:      "gateway:stripe",
		ExternalRef: "p1",
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyPayment p1 redelivery: %v", err)
	}
	if result.Status != workflow.PaymentResultAlreadyApplied {
		t.Fatalf("p1 redelivery: expected AlreadyApplied, got %s", result.Status)
	}
	if !result.Balance.Equal(dec("40.00")) {
		t.Fatalf("p1 redelivery: expected balance 40.00, got %s", result.Balance)
	}

	// Settlement.
	result, err = workflow.ApplyPayment(ctx, &workflow.PaymentEvent{
		InvoiceId:   invoice.ID,
		Amount:      dec("40.00"),
		Source:      "gateway:stripe",
		ExternalRef: "p2",
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyPayment p2: %v", err)
	}
	if result.InvoiceStatus != models.InvoiceStatusPaid {
		t.Fatalf("p2: expected Paid, got %s", result.InvoiceStatus)
	}
	if !result.Balance.IsZero() {
		t.Fatalf("p2: expected balance 0, got %s", result.Balance)
	}

	// Partial refund against p1 moves the invoice back to PartiallyPaid.
	result, err = workflow.ApplyPayment(ctx, &workflow.PaymentEvent{
		InvoiceId:           invoice.ID,
		Amount:              dec("-30.00"),
		Source:              "gateway:stripe",
		ExternalRef:         "r1",
		OriginalExternalRef: "p1",
		OccurredAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyPayment refund: %v", err)
	}
	if result.InvoiceStatus != models.InvoiceStatusPartiallyPaid {
		t.Fatalf("refund: expected PartiallyPaid, got %s", result.InvoiceStatus)
	}
	if !result.Balance.Equal(dec("30.00")) {
		t.Fatalf("refund: expected balance 30.00, got %s", result.Balance)
	}

	// Refund referencing an unknown original payment is queued, not rejected.
	result, err = workflow.ApplyPayment(ctx, &workflow.PaymentEvent{
		InvoiceId:           invoice.ID,
		Amount:              dec("-10.00"),
		Source:              "gateway:stripe",
		ExternalRef:         "r2",
		OriginalExternalRef: "never-seen",
		OccurredAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyPayment orphan refund: %v", err)
	}
	if result.Status != workflow.PaymentResultOrphanedRefund {
		t.Fatalf("orphan refund: expected OrphanedRefund, got %s", result.Status)
	}

	// Full refund cycle: a second invoice is paid in full, refunded in full
	// back to Confirmed, and paid again without disturbing stock twice.
	invoice2, err := models.CreateInvoice(ctx, &models.NewInvoice{
		CustomerId:   customer.ID,
		InvoiceDate:  time.Now().UTC(),
		PaymentTerms: models.PaymentTermsNet30,
		Jurisdiction: "MM",
		Details: []models.NewInvoiceDetail{
			{ProductId: product.ID, Qty: dec("1")},
		},
		Confirm: true,
	})
	if err != nil {
		t.Fatalf("CreateInvoice 2: %v", err)
	}

	result, err = workflow.ApplyPayment(ctx, &workflow.PaymentEvent{
		InvoiceId:   invoice2.ID,
		Amount:      dec("50.00"),
		Source:      "gateway:stripe",
		ExternalRef: "fp1",
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyPayment fp1: %v", err)
	}
	if result.InvoiceStatus != models.InvoiceStatusPaid {
		t.Fatalf("fp1: expected Paid, got %s", result.InvoiceStatus)
	}

	product, _ = models.GetProduct(ctx, product.ID)
	if !product.OnHandQty.Equal(dec("7")) {
		t.Fatalf("after fp1: expected on-hand 7, got %s", product.OnHandQty)
	}

	result, err = workflow.ApplyPayment(ctx, &workflow.PaymentEvent{
		InvoiceId:           invoice2.ID,
		Amount:              dec("-50.00"),
		Source:              "gateway:stripe",
		ExternalRef:         "fr1",
		OriginalExternalRef: "fp1",
		OccurredAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyPayment full refund: %v", err)
	}
	if result.InvoiceStatus != models.InvoiceStatusConfirmed {
		t.Fatalf("full refund: expected Confirmed, got %s", result.InvoiceStatus)
	}
	if !result.Balance.Equal(dec("50.00")) {
		t.Fatalf("full refund: expected balance 50.00, got %s", result.Balance)
	}

	result, err = workflow.ApplyPayment(ctx, &workflow.PaymentEvent{
		InvoiceId:   invoice2.ID,
		Amount:      dec("50.00"),
		Source:      "gateway:stripe",
		ExternalRef: "fp2",
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyPayment fp2 after full refund: %v", err)
	}
	if result.InvoiceStatus != models.InvoiceStatusPaid {
		t.Fatalf("fp2: expected Paid, got %s", result.InvoiceStatus)
	}

	// Stock already left inventory with fp1; fp2 must not decrement again.
	product, _ = models.GetProduct(ctx, product.ID)
	if !product.OnHandQty.Equal(dec("7")) || !product.ReservedQty.IsZero() {
		t.Fatalf("after fp2: on-hand=%s reserved=%s", product.OnHandQty, product.ReservedQty)
	}

	// Expiry sweep: holds of a Confirmed invoice survive past their TTL,
	// standalone holds do not.
	invoice3, err := models.CreateInvoice(ctx, &models.NewInvoice{
		CustomerId:   customer.ID,
		InvoiceDate:  time.Now().UTC(),
		PaymentTerms: models.PaymentTermsNet30,
		Jurisdiction: "MM",
		Details: []models.NewInvoiceDetail{
			{ProductId: product.ID, Qty: dec("3")},
		},
		Confirm: true,
	})
	if err != nil {
		t.Fatalf("CreateInvoice 3: %v", err)
	}

	standalone, err := models.ReserveStock(ctx, product.ID, dec("2"))
	if err != nil {
		t.Fatalf("ReserveStock standalone: %v", err)
	}

	db := config.GetDB()
	past := time.Now().UTC().Add(-time.Hour)
	if err := db.Model(&models.StockReservation{}).
		Where("invoice_id = ?", invoice3.ID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("expire invoice holds: %v", err)
	}
	if err := db.Model(&models.StockReservation{}).
		Where("token = ?", standalone.Token).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("expire standalone hold: %v", err)
	}

	reclaimed, err := models.ReleaseExpiredReservations(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ReleaseExpiredReservations: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("sweep: expected 1 reclaimed (standalone only), got %d", reclaimed)
	}

	product, _ = models.GetProduct(ctx, product.ID)
	if !product.ReservedQty.Equal(dec("3")) {
		t.Fatalf("after sweep: expected invoice hold to survive, reserved=%s", product.ReservedQty)
	}

	// Payment long after the TTL still commits the surviving hold.
	result, err = workflow.ApplyPayment(ctx, &workflow.PaymentEvent{
		InvoiceId:   invoice3.ID,
		Amount:      dec("150.00"),
		Source:      "gateway:stripe",
		ExternalRef: "lp1",
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ApplyPayment lp1: %v", err)
	}
	if result.InvoiceStatus != models.InvoiceStatusPaid {
		t.Fatalf("lp1: expected Paid, got %s", result.InvoiceStatus)
	}

	product, _ = models.GetProduct(ctx, product.ID)
	if !product.OnHandQty.Equal(dec("4")) || !product.ReservedQty.IsZero() {
		t.Fatalf("after lp1: on-hand=%s reserved=%s", product.OnHandQty, product.ReservedQty)
	}

	// A refund must cite an original payment on its own invoice; fp1
	// belongs to a different one.
	_, err = workflow.ApplyPayment(ctx, &workflow.PaymentEvent{
		InvoiceId:           invoice3.ID,
		Amount:              dec("-10.00"),
		Source:              "gateway:stripe",
		ExternalRef:         "xr1",
		OriginalExternalRef: "fp1",
		OccurredAt:          time.Now().UTC(),
	})
	if !utils.IsKind(err, utils.ErrKindInvalidRefund) {
		t.Fatalf("cross-invoice refund: expected InvalidRefund, got %v", err)
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("billing-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("billing-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=billing_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
