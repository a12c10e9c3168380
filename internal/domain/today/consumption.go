package today

import (
	"time"

	"github.com/dosetrack/dosetrack/internal/domain/ledger"
	"github.com/dosetrack/dosetrack/internal/domain/schedule"
)

// dailyConsumption estimates the medicine's mean units consumed per
// day, summed across its therapies. The rate uses the rule's mean
// period rather than "today's allowed doses" so off-days of a cycle do
// not read as infinite coverage.
func dailyConsumption(med *MedicineSnapshot) float64 {
	total := 0.0
	for i := range med.Therapies {
		total += therapyDailyRate(&med.Therapies[i])
	}
	return total
}

func therapyDailyRate(t *TherapySnapshot) float64 {
	if t.Rule.IsZero() || len(t.Doses) == 0 {
		return 0
	}

	perOccurrence := 0.0
	for _, d := range t.Doses {
		perOccurrence += d.Amount
	}

	interval := float64(t.Rule.Interval)
	if interval < 1 {
		interval = 1
	}

	switch t.Rule.Frequency {
	case schedule.FreqDaily:
		rate := perOccurrence / interval
		if t.Rule.CycleOn > 0 && t.Rule.CycleOff > 0 {
			rate *= float64(t.Rule.CycleOn) / float64(t.Rule.CycleOn+t.Rule.CycleOff)
		}
		return rate
	case schedule.FreqWeekly:
		occurrences := t.Rule.ByDay.Count()
		if occurrences == 0 {
			occurrences = 7
		}
		return perOccurrence * float64(occurrences) / (7 * interval)
	case schedule.FreqMonthly:
		return perOccurrence / (30.44 * interval)
	case schedule.FreqYearly:
		return perOccurrence / (365.25 * interval)
	}
	return 0
}

// reversedOperations collects the operation ids nullified by a
// reversal entry in the snapshot's log window.
func reversedOperations(logs []*ledger.Entry) map[string]bool {
	reversed := make(map[string]bool)
	for _, e := range logs {
		if e.ReversalOf != "" {
			reversed[e.ReversalOf] = true
		}
	}
	return reversed
}

// completedDosesToday counts unreversed intake entries for the therapy
// on the given day. Entries are matched first by exact therapy
// reference; unassigned entries are attributed by package when the
// medicine has exactly one therapy.
func completedDosesToday(logs []*ledger.Entry, med *MedicineSnapshot, t *TherapySnapshot, reversed map[string]bool, now time.Time) int {
	count := 0
	singleTherapy := len(med.Therapies) == 1

	for _, e := range logs {
		if e.Type != ledger.EntryIntake || reversed[e.OperationID] {
			continue
		}
		if !sameDay(e.Timestamp, now) {
			continue
		}
		switch {
		case e.TherapyID == t.ID:
			count++
		case e.TherapyID == "" && singleTherapy && e.PackageID == med.Package.ID:
			count++
		}
	}
	return count
}

// hasValidPrescription reports whether an unreversed
// PrescriptionReceived entry for the medicine is still within its
// validity window at the given instant.
func hasValidPrescription(logs []*ledger.Entry, medicineID string, reversed map[string]bool, validity time.Duration, now time.Time) bool {
	for _, e := range logs {
		if e.Type != ledger.EntryPrescriptionReceived || e.MedicineID != medicineID {
			continue
		}
		if reversed[e.OperationID] {
			continue
		}
		if validity > 0 && now.Sub(e.Timestamp) > validity {
			continue
		}
		return true
	}
	return false
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
