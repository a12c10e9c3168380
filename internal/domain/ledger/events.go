// Package ledger implements the append-only medication event log.
// Entries are immutable; undo is a compensating entry, never an edit,
// and the derived per-package stock counter is maintained atomically
// with every append.
package ledger

import (
	"time"
)

// EntryType represents the type of ledger event
type EntryType string

const (
	EntryIntake                   EntryType = "Intake"
	EntryIntakeUndo               EntryType = "IntakeUndo"
	EntryPurchase                 EntryType = "Purchase"
	EntryPurchaseUndo             EntryType = "PurchaseUndo"
	EntryPrescriptionRequest      EntryType = "PrescriptionRequest"
	EntryPrescriptionRequestUndo  EntryType = "PrescriptionRequestUndo"
	EntryPrescriptionReceived     EntryType = "PrescriptionReceived"
	EntryPrescriptionReceivedUndo EntryType = "PrescriptionReceivedUndo"
	EntryStockAdjustment          EntryType = "StockAdjustment"
)

// Valid reports whether t is one of the closed set of entry types
func (t EntryType) Valid() bool {
	switch t {
	case EntryIntake, EntryIntakeUndo, EntryPurchase, EntryPurchaseUndo,
		EntryPrescriptionRequest, EntryPrescriptionRequestUndo,
		EntryPrescriptionReceived, EntryPrescriptionReceivedUndo,
		EntryStockAdjustment:
		return true
	}
	return false
}

// StockDelta returns the signed stock change this entry type causes.
// units is the quantity carried by the entry: pack size for purchases,
// a signed amount for adjustments, ignored for intake which always
// moves a single unit.
func (t EntryType) StockDelta(units int) int {
	switch t {
	case EntryPurchase:
		return units
	case EntryPurchaseUndo:
		return -units
	case EntryIntake:
		return -1
	case EntryIntakeUndo:
		return 1
	case EntryStockAdjustment:
		return units
	default:
		// Prescription lifecycle events carry no stock effect.
		return 0
	}
}

// CompensatingType returns the undo entry type paired with t, if any.
// Types without a compensating type are undone by direct removal.
func (t EntryType) CompensatingType() (EntryType, bool) {
	switch t {
	case EntryIntake:
		return EntryIntakeUndo, true
	case EntryPurchase:
		return EntryPurchaseUndo, true
	case EntryPrescriptionRequest:
		return EntryPrescriptionRequestUndo, true
	case EntryPrescriptionReceived:
		return EntryPrescriptionReceivedUndo, true
	}
	return "", false
}

// Entry represents an immutable ledger event
type Entry struct {
	ID          string    `json:"id"`
	Type        EntryType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	OperationID string    `json:"operation_id"`
	ReversalOf  string    `json:"reversal_of,omitempty"`
	MedicineID  string    `json:"medicine_id"`
	TherapyID   string    `json:"therapy_id,omitempty"`
	PackageID   string    `json:"package_id,omitempty"`
	Units       int       `json:"units,omitempty"`
}

// StockDelta returns the signed stock change of this entry
func (e *Entry) StockDelta() int {
	return e.Type.StockDelta(e.Units)
}
