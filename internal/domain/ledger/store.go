package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates no entry exists for the given lookup
var ErrNotFound = errors.New("ledger entry not found")

// ErrDuplicateOperation indicates an entry with the operation id already exists
var ErrDuplicateOperation = errors.New("duplicate operation id")

// ErrInvalidInput indicates the append input fails validation
var ErrInvalidInput = errors.New("invalid ledger input")

// Store is the persistence contract for the ledger. Implementations
// must make AppendWithDelta atomic: the entry insert and the clamped
// stock counter mutation either both happen or neither does. Entries
// are queryable by operation id (unique) and by reversal-of id.
type Store interface {
	// GetByOperationID returns the entry recorded under the operation
	// id, or ErrNotFound.
	GetByOperationID(ctx context.Context, operationID string) (*Entry, error)

	// GetReversalOf returns the entry whose ReversalOf references the
	// operation id, or ErrNotFound.
	GetReversalOf(ctx context.Context, operationID string) (*Entry, error)

	// AppendWithDelta inserts the entry and applies delta to the
	// package's stock counter, clamped at zero, as one atomic unit.
	// Returns whether clamping occurred. Fails with
	// ErrDuplicateOperation if the operation id is already present.
	AppendWithDelta(ctx context.Context, e *Entry, delta int) (clamped bool, err error)

	// RemoveAndRebuild deletes the entry with the operation id and
	// recomputes the package's stock counter from the remaining history
	// as one atomic unit, returning the rebuilt units. Reserved for
	// entries with no compensating type.
	RemoveAndRebuild(ctx context.Context, operationID, medicineID, packageID string) (int, error)

	// EntriesForPackage returns all entries for a medicine/package in
	// chronological order.
	EntriesForPackage(ctx context.Context, medicineID, packageID string) ([]*Entry, error)

	// EntriesSince returns all entries recorded at or after the instant
	// in chronological order. The synthesizer's bounded lookback.
	EntriesSince(ctx context.Context, since time.Time) ([]*Entry, error)

	// Stock returns the derived stock counter for a package. A package
	// with no counter yet reads as zero.
	Stock(ctx context.Context, packageID string) (int, error)

	// SetStock overwrites the stock counter for a package. Repair path.
	SetStock(ctx context.Context, packageID string, units int) error

	// PackageRefs returns every (medicineID, packageID) pair that has
	// ledger history. Drives the rebuild fan-out.
	PackageRefs(ctx context.Context) ([]PackageRef, error)
}

// PackageRef identifies a package within a medicine
type PackageRef struct {
	MedicineID string
	PackageID  string
}
