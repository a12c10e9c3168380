package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. It backs tests and single-process
// deployments that do not need durable history.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	byOp    map[string]*Entry
	byRev   map[string]*Entry
	stock   map[string]int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOp:  make(map[string]*Entry),
		byRev: make(map[string]*Entry),
		stock: make(map[string]int),
	}
}

// GetByOperationID returns the entry for the operation id
func (s *MemoryStore) GetByOperationID(_ context.Context, operationID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byOp[operationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// GetReversalOf returns the reversal entry referencing the operation id
func (s *MemoryStore) GetReversalOf(_ context.Context, operationID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byRev[operationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// AppendWithDelta inserts the entry and applies the stock delta atomically
func (s *MemoryStore) AppendWithDelta(_ context.Context, e *Entry, delta int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byOp[e.OperationID]; exists {
		return false, ErrDuplicateOperation
	}

	cp := *e
	s.entries = append(s.entries, &cp)
	s.byOp[cp.OperationID] = &cp
	if cp.ReversalOf != "" {
		s.byRev[cp.ReversalOf] = &cp
	}

	clamped := false
	if cp.PackageID != "" && delta != 0 {
		units := s.stock[cp.PackageID] + delta
		if units < 0 {
			units = 0
			clamped = true
		}
		s.stock[cp.PackageID] = units
	}
	return clamped, nil
}

// RemoveAndRebuild deletes the entry and refolds the package counter
// from the remaining history
func (s *MemoryStore) RemoveAndRebuild(_ context.Context, operationID, medicineID, packageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byOp[operationID]
	if !ok {
		return 0, ErrNotFound
	}
	delete(s.byOp, operationID)
	if e.ReversalOf != "" {
		delete(s.byRev, e.ReversalOf)
	}
	for i, candidate := range s.entries {
		if candidate.OperationID == operationID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}

	units := 0
	if packageID != "" {
		var remaining []*Entry
		for _, candidate := range s.entries {
			if candidate.MedicineID == medicineID && candidate.PackageID == packageID {
				remaining = append(remaining, candidate)
			}
		}
		sortByTime(remaining)
		units = FoldUnits(remaining)
		s.stock[packageID] = units
	}
	return units, nil
}

// EntriesForPackage returns the package's entries in chronological order
func (s *MemoryStore) EntriesForPackage(_ context.Context, medicineID, packageID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.MedicineID == medicineID && e.PackageID == packageID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortByTime(out)
	return out, nil
}

// EntriesSince returns entries at or after the instant in chronological order
func (s *MemoryStore) EntriesSince(_ context.Context, since time.Time) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if !e.Timestamp.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortByTime(out)
	return out, nil
}

// Stock returns the derived counter for the package
func (s *MemoryStore) Stock(_ context.Context, packageID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock[packageID], nil
}

// SetStock overwrites the counter for the package
func (s *MemoryStore) SetStock(_ context.Context, packageID string, units int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if units < 0 {
		units = 0
	}
	s.stock[packageID] = units
	return nil
}

// PackageRefs returns every medicine/package pair with history
func (s *MemoryStore) PackageRefs(_ context.Context) ([]PackageRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[PackageRef]bool)
	var out []PackageRef
	for _, e := range s.entries {
		if e.PackageID == "" {
			continue
		}
		ref := PackageRef{MedicineID: e.MedicineID, PackageID: e.PackageID}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out, nil
}

func sortByTime(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
