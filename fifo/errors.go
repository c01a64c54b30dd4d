/*
errors.go - Error taxonomy for the FIFO lot engine

PURPOSE:
  All error types in one place. Callers branch on the sentinel with
  errors.Is and read details from the structured error with errors.As.

ERROR CATEGORIES:
  1. Recoverable business refusals - insufficient inventory, receipt in use.
     The caller can correct the input and retry.
  2. Input validation - bad quantity, unknown or inactive master data.
  3. Not found - event, lot, transfer, document.
  4. Consistency faults - a derived-state invariant was broken. These abort
     the enclosing transaction and are logged at error level. Only the
     rebuilder downgrades allocation shortfalls, never consistency faults.

SEE ALSO:
  - allocator.go: Raises InsufficientInventoryError and ConsistencyError
  - reverse.go: Raises ReceiptInUseError
*/
package fifo

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientInventory is returned when a consumption exceeds the
	// quantity available at its location.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// ErrReceiptInUse is returned when reversing a receipt whose lot has
	// already been partly or fully consumed.
	ErrReceiptInUse = errors.New("receipt in use")

	// ErrLotInUse is returned when deleting a lot that has been consumed.
	ErrLotInUse = errors.New("lot in use")

	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrInvalidUnitCost       = errors.New("unit cost must be positive")
	ErrInvalidKind           = errors.New("invalid event kind")
	ErrInvalidEdit           = errors.New("invalid edit")
	ErrUnknownLocation       = errors.New("unknown location")
	ErrUnknownItem           = errors.New("unknown item")
	ErrInactive              = errors.New("location or item inactive")
	ErrSameLocation          = errors.New("transfer source and destination are the same")
	ErrDutyExemptIneligible  = errors.New("duty-exempt sale not allowed for item at location")
	ErrDocumentCompleted     = errors.New("document completed")
	ErrInvalidTransition     = errors.New("invalid document state transition")
	ErrEventReversed         = errors.New("event already reversed")
	ErrDuplicateEvent        = errors.New("event already exists")
	ErrDuplicateDocument     = errors.New("document already exists")

	// ErrConcurrentModification is returned when an event keeps changing
	// between lock acquisition and the transaction re-read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrEventNotFound    = errors.New("event not found")
	ErrLotNotFound      = errors.New("lot not found")
	ErrTransferNotFound = errors.New("transfer not found")
	ErrDocumentNotFound = errors.New("document not found")

	// ErrConsistency marks a broken derived-state invariant.
	ErrConsistency = errors.New("consistency fault")

	// ErrLockNotObtained is returned by lockers that give up waiting.
	ErrLockNotObtained = errors.New("lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientInventoryError details a refused consumption.
type InsufficientInventoryError struct {
	Location  LocationID
	Item      ItemID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for %s at %s: available %s, requested %s",
		e.Item, e.Location, e.Available, e.Requested)
}

func (e *InsufficientInventoryError) Unwrap() error {
	return ErrInsufficientInventory
}

// Shortfall returns how much is missing.
func (e *InsufficientInventoryError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// ReceiptInUseError details a refused receipt reversal.
type ReceiptInUseError struct {
	EventID  EventID
	LotID    LotID
	Consumed decimal.Decimal
}

func (e *ReceiptInUseError) Error() string {
	return fmt.Sprintf("receipt %s in use: lot %s has %s consumed", e.EventID, e.LotID, e.Consumed)
}

func (e *ReceiptInUseError) Unwrap() error {
	return ErrReceiptInUse
}

// LotInUseError details a refused lot deletion.
type LotInUseError struct {
	LotID     LotID
	Original  decimal.Decimal
	Remaining decimal.Decimal
}

func (e *LotInUseError) Error() string {
	return fmt.Sprintf("lot %s in use: remaining %s of %s", e.LotID, e.Remaining, e.Original)
}

func (e *LotInUseError) Unwrap() error {
	return ErrLotInUse
}

// ConsistencyError describes a broken invariant.
type ConsistencyError struct {
	Op      string
	EventID EventID
	LotID   LotID
	Detail  string
}

func (e *ConsistencyError) Error() string {
	msg := "consistency fault in " + e.Op
	if e.EventID != "" {
		msg += " event=" + string(e.EventID)
	}
	if e.LotID != "" {
		msg += " lot=" + string(e.LotID)
	}
	return msg + ": " + e.Detail
}

func (e *ConsistencyError) Unwrap() error {
	return ErrConsistency
}

func consistencyf(op string, eventID EventID, lotID LotID, format string, args ...any) *ConsistencyError {
	return &ConsistencyError{Op: op, EventID: eventID, LotID: lotID, Detail: fmt.Sprintf(format, args...)}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// IsClientError reports whether err was caused by caller input and may be
// corrected by the caller.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInsufficientInventory, ErrReceiptInUse, ErrLotInUse,
		ErrInvalidQuantity, ErrInvalidUnitCost, ErrInvalidKind, ErrInvalidEdit,
		ErrUnknownLocation, ErrUnknownItem, ErrInactive, ErrSameLocation,
		ErrDutyExemptIneligible, ErrDocumentCompleted, ErrInvalidTransition,
		ErrEventReversed, ErrDuplicateEvent, ErrDuplicateDocument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err names a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrLotNotFound) ||
		errors.Is(err, ErrTransferNotFound) ||
		errors.Is(err, ErrDocumentNotFound)
}

// IsConsistencyFault reports whether err is a broken invariant.
func IsConsistencyFault(err error) bool {
	return errors.Is(err, ErrConsistency)
}
