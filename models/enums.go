package models

// InvoiceStatus is the invoice state machine's state set.
// Draft content is mutable; everything after Confirmed is append-only
// (status and version are the only fields that ever change).
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "Draft"
	InvoiceStatusConfirmed     InvoiceStatus = "Confirmed"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PartiallyPaid"
	InvoiceStatusPaid          InvoiceStatus = "Paid"
	InvoiceStatusOverpaid      InvoiceStatus = "Overpaid"
	InvoiceStatusCancelled     InvoiceStatus = "Cancelled"
	InvoiceStatusClosed        InvoiceStatus = "Closed"
)

type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "Active"
	ReservationStatusCommitted ReservationStatus = "Committed"
	ReservationStatusReleased  ReservationStatus = "Released"
	ReservationStatusExpired   ReservationStatus = "Expired"
)

type PaymentTerms string

const (
	PaymentTermsNet15             PaymentTerms = "Net15"
	PaymentTermsNet30             PaymentTerms = "Net30"
	PaymentTermsNet45             PaymentTerms = "Net45"
	PaymentTermsNet60             PaymentTerms = "Net60"
	PaymentTermsDueEndOfMonth     PaymentTerms = "DueMonthEnd"
	PaymentTermsDueEndOfNextMonth PaymentTerms = "DueNextMonthEnd"
	PaymentTermsDueOnReceipt      PaymentTerms = "DueOnReceipt"
	PaymentTermsCustom            PaymentTerms = "Custom"
)

type ReportingReferenceType string

const (
	ReportingReferenceTypeInvoice ReportingReferenceType = "IV"
	ReportingReferenceTypePayment ReportingReferenceType = "PM"
)

type ReportingAction string

const (
	ReportingActionConfirmed ReportingAction = "Confirmed"
	ReportingActionCancelled ReportingAction = "Cancelled"
	ReportingActionFinalized ReportingAction = "Finalized"
	ReportingActionApplied   ReportingAction = "Applied"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusPublished  = "PUBLISHED"
	OutboxPublishStatusDead       = "DEAD"
)

type OrphanedRefundStatus string

const (
	OrphanedRefundStatusQueued    OrphanedRefundStatus = "Queued"
	OrphanedRefundStatusResolved  OrphanedRefundStatus = "Resolved"
	OrphanedRefundStatusEscalated OrphanedRefundStatus = "Escalated"
)
