package models

import (
	"log"

	"bitbucket.org/mmdatafocus/billing_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Customer{},
		&Product{}, &StockReservation{},
		&TaxRate{},
		&Invoice{}, &InvoiceDetail{}, &InvoiceTaxLine{},
		&Payment{}, &OrphanedRefund{},
		&ReportingOutboxRecord{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
