package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind classifies every failure the engine can surface.
// Callers branch on the kind, never on message text.
type ErrorKind string

const (
	// malformed input; caller's fault, not retried by the engine
	ErrKindValidation ErrorKind = "ValidationError"

	ErrKindCustomerNotFound ErrorKind = "CustomerNotFound"
	ErrKindProductNotFound  ErrorKind = "ProductNotFound"
	ErrKindInvoiceNotFound  ErrorKind = "InvoiceNotFound"

	// contention or business-rule conflicts; caller retries with fresh state
	ErrKindInsufficientStock ErrorKind = "InsufficientStock"
	ErrKindInvalidTransition ErrorKind = "InvalidTransition"
	ErrKindVersionConflict   ErrorKind = "VersionConflict"

	// financial anomalies; surfaced to a human operator, never auto-resolved
	ErrKindInvalidRefund ErrorKind = "InvalidRefund"
	ErrKindOverpaid      ErrorKind = "Overpaid"

	// transient; auto-retried with backoff, escalated after a bound
	ErrKindOrphanedRefund ErrorKind = "OrphanedRefund"

	ErrKindTaxComputation ErrorKind = "TaxComputationError"
)

// FlowError carries kind + offending entity id so calling UIs can render
// actionable detail instead of a bare message.
type FlowError struct {
	Kind     ErrorKind `json:"kind"`
	Entity   string    `json:"entity"`
	EntityId string    `json:"entity_id"`
	Message  string    `json:"message"`
}

func (e *FlowError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s (%s=%s)", e.Kind, e.Message, e.Entity, e.EntityId)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewFlowError(kind ErrorKind, entity string, entityId string, message string) *FlowError {
	return &FlowError{Kind: kind, Entity: entity, EntityId: entityId, Message: message}
}

// KindOf returns the error's kind, or ValidationError for plain errors so
// callers always have something to branch on.
func KindOf(err error) ErrorKind {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrKindValidation
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
