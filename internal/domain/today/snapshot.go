// Package today implements the today-state synthesizer: it merges the
// recurrence evaluator and the stock ledger over an immutable snapshot
// of medicines, therapies and recent history into the day's
// categorized, sorted, deduplicated action list.
package today

import (
	"time"

	"github.com/dosetrack/dosetrack/internal/domain/ledger"
	"github.com/dosetrack/dosetrack/internal/domain/schedule"
)

// PackageSnapshot defines the unit semantics of a medicine's package
type PackageSnapshot struct {
	ID           string
	UnitsPerPack int
	DoseUnit     string
}

// TherapySnapshot is a read-only projection of one dosing therapy
type TherapySnapshot struct {
	ID         string
	MedicineID string
	PackageID  string
	StartDate  time.Time
	RuleText   string
	// Rule is the parsed form of RuleText, filled once by Normalize.
	Rule         schedule.Rule
	Doses        []schedule.Dose
	ManualIntake bool
}

// MedicineSnapshot is a read-only projection of a medicine at an instant
type MedicineSnapshot struct {
	ID                   string
	Name                 string
	Package              PackageSnapshot
	Therapies            []TherapySnapshot
	PrescriptionRequired bool
	// StockUnits is the materialized ledger counter at snapshot time.
	StockUnits int
	// ThresholdDays overrides the default purchase threshold; 0 means
	// use the option default.
	ThresholdDays int
}

// Options carries the user-level defaults the synthesizer consults
type Options struct {
	DefaultThresholdDays int
	ManualIntakeDefault  bool
	// PrescriptionValidity bounds how long a received prescription
	// covers a medicine. Zero means the lookback window itself.
	PrescriptionValidity time.Duration
}

// Snapshot is the consistent read the synthesizer runs over. The core
// never mutates the underlying store; the snapshot is captured by the
// persistence collaborator in a single read transaction.
type Snapshot struct {
	Medicines []MedicineSnapshot
	Logs      []*ledger.Entry
	Options   Options
	TakenAt   time.Time
}

// Normalize parses rule texts (once per therapy) and discards invalid
// dose slots. A malformed rule degrades to the inert zero rule so the
// therapy contributes nothing instead of failing the pass, and a
// non-positive dose amount is dropped the same way.
func (s *Snapshot) Normalize() {
	for mi := range s.Medicines {
		med := &s.Medicines[mi]
		for ti := range med.Therapies {
			t := &med.Therapies[ti]
			if t.Rule.IsZero() && t.RuleText != "" {
				t.Rule = schedule.ParseOrInert(t.RuleText)
			}
			doses := t.Doses[:0]
			for _, d := range t.Doses {
				if d.Amount > 0 {
					doses = append(doses, d)
				}
			}
			t.Doses = doses
		}
	}
}
