package today

import (
	"fmt"
	"sort"
	"time"

	"github.com/dosetrack/dosetrack/internal/domain/ledger"
)

const (
	minGuardrailGap    = 30 * time.Minute
	singleDoseGuardGap = 4 * time.Hour
)

// Warning flags an intake that needs explicit user confirmation before
// the ledger append proceeds. The synthesizer and action service never
// auto-confirm.
type Warning struct {
	Code           string    `json:"code"`
	Message        string    `json:"message"`
	PreviousIntake time.Time `json:"previous_intake"`
}

// CheckIntake flags an intake recorded unusually close to the previous
// one for the same therapy. The minimum gap is half the smallest gap
// between the therapy's configured dose times, floored at 30 minutes;
// single-slot therapies use a flat 4 hours.
func CheckIntake(logs []*ledger.Entry, med *MedicineSnapshot, t *TherapySnapshot, now time.Time) *Warning {
	reversed := reversedOperations(logs)
	singleTherapy := len(med.Therapies) == 1

	var last time.Time
	for _, e := range logs {
		if e.Type != ledger.EntryIntake || reversed[e.OperationID] {
			continue
		}
		matches := e.TherapyID == t.ID ||
			(e.TherapyID == "" && singleTherapy && e.PackageID == med.Package.ID)
		if matches && e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	if last.IsZero() {
		return nil
	}

	gap := minDoseGap(t)
	if elapsed := now.Sub(last); elapsed < gap {
		return &Warning{
			Code: "intake_too_close",
			Message: fmt.Sprintf("previous dose was %s ago, expected at least %s between doses",
				elapsed.Round(time.Minute), gap.Round(time.Minute)),
			PreviousIntake: last,
		}
	}
	return nil
}

func minDoseGap(t *TherapySnapshot) time.Duration {
	if len(t.Doses) < 2 {
		return singleDoseGuardGap
	}

	times := make([]time.Duration, len(t.Doses))
	for i, d := range t.Doses {
		times[i] = time.Duration(d.Time.Hour)*time.Hour +
			time.Duration(d.Time.Minute)*time.Minute +
			time.Duration(d.Time.Second)*time.Second
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	smallest := time.Duration(0)
	for i := 1; i < len(times); i++ {
		if gap := times[i] - times[i-1]; smallest == 0 || gap < smallest {
			smallest = gap
		}
	}

	gap := smallest / 2
	if gap < minGuardrailGap {
		gap = minGuardrailGap
	}
	return gap
}
