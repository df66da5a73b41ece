package models

import (
	"context"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockReservation is a temporary hold on stock. It is created Active,
// and always ends up Committed, Released, or Expired. An abandoned Active
// reservation is reclaimed by the sweep after ExpiresAt.
type StockReservation struct {
	ID        int               `gorm:"primary_key" json:"id"`
	Token     string            `gorm:"size:36;not null;uniqueIndex" json:"token"`
	ProductId int               `gorm:"index;not null" json:"product_id"`
	InvoiceId int               `gorm:"index;default:0" json:"invoice_id"`
	Qty       decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"qty"`
	Status    ReservationStatus `gorm:"type:enum('Active','Committed','Released','Expired');not null;index" json:"status"`
	ExpiresAt time.Time         `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReservationTTL is how long a hold survives without being committed or
// released. Env override: RESERVATION_TTL_MINUTES (default 30).
func ReservationTTL() time.Duration {
	if v := os.Getenv("RESERVATION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	return 30 * time.Minute
}

// ReserveStock places a hold against a product. Serialization is per
// product: the product row is locked FOR UPDATE, never the whole catalog.
func ReserveStock(ctx context.Context, productId int, qty decimal.Decimal) (*StockReservation, error) {
	db := config.GetDB()

	var reservation *StockReservation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reservation, err = reserveStockTx(tx, productId, 0, qty)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// reserveStockTx is the transactional core, shared with invoice confirmation
// (which reserves every line inside one transaction for all-or-nothing).
func reserveStockTx(tx *gorm.DB, productId int, invoiceId int, qty decimal.Decimal) (*StockReservation, error) {
	var product Product
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&product, productId).Error; err != nil {
		return nil, utils.NewFlowError(utils.ErrKindProductNotFound, "product", strconv.Itoa(productId), "product not found")
	}

	if err := product.reserveQty(qty); err != nil {
		return nil, err
	}

	if err := tx.Model(&Product{}).Where("id = ?", productId).
		Update("reserved_qty", product.ReservedQty).Error; err != nil {
		return nil, err
	}

	reservation := StockReservation{
		Token:     uuid.NewString(),
		ProductId: productId,
		InvoiceId: invoiceId,
		Qty:       qty,
		Status:    ReservationStatusActive,
		ExpiresAt: time.Now().UTC().Add(ReservationTTL()),
	}
	if err := tx.Create(&reservation).Error; err != nil {
		return nil, err
	}
	return &reservation, nil
}

// CommitReservation converts a hold into a permanent on-hand decrement.
// Committing an already-committed token is a no-op, not an error.
func CommitReservation(ctx context.Context, token string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return commitReservationTx(tx, token)
	})
}

func commitReservationTx(tx *gorm.DB, token string) error {
	var reservation StockReservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("token = ?", token).First(&reservation).Error; err != nil {
		return utils.NewFlowError(utils.ErrKindValidation, "reservation", token, "reservation not found")
	}

	switch reservation.Status {
	case ReservationStatusCommitted:
		return nil // idempotent
	case ReservationStatusReleased, ReservationStatusExpired:
		return utils.NewFlowError(utils.ErrKindInvalidTransition, "reservation", token, "reservation is no longer active")
	}

	var product Product
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&product, reservation.ProductId).Error; err != nil {
		return err
	}
	if err := product.commitQty(reservation.Qty); err != nil {
		return err
	}
	if err := tx.Model(&Product{}).Where("id = ?", product.ID).Updates(map[string]interface{}{
		"reserved_qty": product.ReservedQty,
		"on_hand_qty":  product.OnHandQty,
	}).Error; err != nil {
		return err
	}

	return tx.Model(&StockReservation{}).Where("id = ?", reservation.ID).
		Update("status", ReservationStatusCommitted).Error
}

// ReleaseReservation returns the held quantity to the available pool.
// Releasing an already-released or expired token is a no-op.
func ReleaseReservation(ctx context.Context, token string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation StockReservation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ?", token).First(&reservation).Error; err != nil {
			return utils.NewFlowError(utils.ErrKindValidation, "reservation", token, "reservation not found")
		}
		return releaseReservationTx(tx, &reservation, ReservationStatusReleased)
	})
}

func releaseReservationTx(tx *gorm.DB, reservation *StockReservation, endStatus ReservationStatus) error {
	switch reservation.Status {
	case ReservationStatusReleased, ReservationStatusExpired:
		return nil // idempotent
	case ReservationStatusCommitted:
		return utils.NewFlowError(utils.ErrKindInvalidTransition, "reservation", reservation.Token, "reservation already committed")
	}

	var product Product
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&product, reservation.ProductId).Error; err != nil {
		return err
	}
	if err := product.releaseQty(reservation.Qty); err != nil {
		return err
	}
	if err := tx.Model(&Product{}).Where("id = ?", product.ID).
		Update("reserved_qty", product.ReservedQty).Error; err != nil {
		return err
	}

	return tx.Model(&StockReservation{}).Where("id = ?", reservation.ID).
		Update("status", endStatus).Error
}

// ReleaseExpiredReservations reclaims abandoned holds (crashed callers).
// Holds belonging to a Confirmed invoice are not abandoned: they are the
// stock the ledger commits once payment arrives, and the invoice lifecycle
// (payment, cancellation) is the only thing allowed to end them. Returns
// the number of reservations reclaimed. Each reservation gets its own short
// transaction so one poisoned row cannot wedge the sweep.
func ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	db := config.GetDB()

	var expired []StockReservation
	if err := db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", ReservationStatusActive, now).
		Where("invoice_id = 0 OR invoice_id NOT IN (?)",
			db.Model(&Invoice{}).Select("id").Where("current_status = ?", InvoiceStatusConfirmed)).
		Limit(500).
		Find(&expired).Error; err != nil {
		return 0, err
	}

	reclaimed := 0
	for i := range expired {
		released := false
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var reservation StockReservation
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("id = ? AND status = ?", expired[i].ID, ReservationStatusActive).
				First(&reservation).Error; err != nil {
				// raced with a commit/release; nothing to reclaim
				return nil
			}
			if reservation.InvoiceId != 0 {
				var invoice Invoice
				if err := tx.Select("current_status").First(&invoice, reservation.InvoiceId).Error; err != nil {
					return err
				}
				// raced with a confirmation; the ledger owns this hold now
				if invoice.CurrentStatus == InvoiceStatusConfirmed {
					return nil
				}
			}
			if err := releaseReservationTx(tx, &reservation, ReservationStatusExpired); err != nil {
				return err
			}
			released = true
			return nil
		})
		if err != nil {
			config.LogError(config.GetLogger(), "models", "ReleaseExpiredReservations", "reclaim", expired[i].Token, err)
			continue
		}
		if released {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// releaseInvoiceReservationsTx releases every Active hold belonging to an
// invoice (cancellation, or confirmation rollback).
func releaseInvoiceReservationsTx(tx *gorm.DB, invoiceId int) error {
	var reservations []StockReservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("invoice_id = ? AND status = ?", invoiceId, ReservationStatusActive).
		Find(&reservations).Error; err != nil {
		return err
	}
	for i := range reservations {
		if err := releaseReservationTx(tx, &reservations[i], ReservationStatusReleased); err != nil {
			return err
		}
	}
	return nil
}

// CommitInvoiceReservationsTx commits every Active hold belonging to an
// invoice. Called by the ledger on a Confirmed -> paid transition: stock
// leaves inventory only once money is owed. With no Active holds the stock
// may already be committed (an invoice fully refunded back to Confirmed and
// paid again); that is a no-op. Finding no holds at all, or only expired
// ones, means the decrement would be lost, and that aborts the posting
// instead of no-opping.
func CommitInvoiceReservationsTx(tx *gorm.DB, invoiceId int) error {
	var reservations []StockReservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("invoice_id = ? AND status = ?", invoiceId, ReservationStatusActive).
		Find(&reservations).Error; err != nil {
		return err
	}
	if len(reservations) == 0 {
		var committed int64
		if err := tx.Model(&StockReservation{}).
			Where("invoice_id = ? AND status = ?", invoiceId, ReservationStatusCommitted).
			Count(&committed).Error; err != nil {
			return err
		}
		if committed > 0 {
			return nil
		}
		return utils.NewFlowError(utils.ErrKindInvalidTransition, "invoice", strconv.Itoa(invoiceId),
			"no reservations to commit")
	}
	for i := range reservations {
		if err := commitReservationTx(tx, reservations[i].Token); err != nil {
			return err
		}
	}
	return nil
}
