package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
)

// Lists orphaned refunds needing operator attention: escalated ones by
// default, queued ones too with -all.
func main() {
	all := flag.Bool("all", false, "Include refunds still in the retry queue, not just escalated ones.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	var orphans []*models.OrphanedRefund
	var err error
	if *all {
		err = db.WithContext(ctx).
			Where("status IN ?", []models.OrphanedRefundStatus{
				models.OrphanedRefundStatusQueued,
				models.OrphanedRefundStatusEscalated,
			}).
			Order("status DESC, updated_at ASC").
			Find(&orphans).Error
	} else {
		orphans, err = models.GetEscalatedOrphanedRefunds(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list orphaned refunds: %v\n", err)
		os.Exit(1)
	}

	if len(orphans) == 0 {
		fmt.Println("no orphaned refunds")
		return
	}

	fmt.Printf("%-6s %-10s %-12s %-10s %-25s %-25s %-9s %s\n",
		"ID", "INVOICE", "AMOUNT", "STATUS", "EXTERNAL_REF", "ORIGINAL_REF", "ATTEMPTS", "LAST_ERROR")
	for _, o := range orphans {
		fmt.Printf("%-6d %-10d %-12s %-10s %-25s %-25s %-9d %s\n",
			o.ID, o.InvoiceId, o.Amount.StringFixed(2), o.Status,
			o.ExternalRef, o.OriginalExternalRef, o.Attempts, o.LastError)
	}
}
