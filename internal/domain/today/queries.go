package today

import (
	"sort"
	"time"

	"github.com/dosetrack/dosetrack/internal/domain/ledger"
	"github.com/dosetrack/dosetrack/internal/domain/schedule"
)

// NextDoseInfo describes the next pending dose of a day
type NextDoseInfo struct {
	At        time.Time
	TherapyID string
	Remaining int
}

// NextUpcomingDoseDate returns the earliest dose instant strictly
// after now across the medicine's therapies, or false when no therapy
// fires within the evaluator's horizon.
func NextUpcomingDoseDate(med *MedicineSnapshot, now time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for i := range med.Therapies {
		t := &med.Therapies[i]
		next, ok := schedule.NextOccurrence(t.Rule, t.StartDate, t.Doses, now)
		if !ok {
			continue
		}
		if !found || next.Before(best) {
			best = next
			found = true
		}
	}
	return best, found
}

// NextDoseTodayInfo returns the earliest dose slot still pending today
// for the medicine, together with how many doses remain across its
// therapies. ok is false when nothing is pending today.
func NextDoseTodayInfo(med *MedicineSnapshot, logs []*ledger.Entry, now time.Time) (NextDoseInfo, bool) {
	reversed := reversedOperations(logs)

	var info NextDoseInfo
	found := false

	for ti := range med.Therapies {
		t := &med.Therapies[ti]
		allowed := schedule.AllowedEventsOnDay(t.Rule, t.StartDate, now, len(t.Doses))
		if allowed == 0 {
			continue
		}
		done := completedDosesToday(logs, med, t, reversed, now)
		if done >= allowed {
			continue
		}

		doses := make([]schedule.Dose, len(t.Doses))
		copy(doses, t.Doses)
		sort.Slice(doses, func(i, j int) bool { return doses[i].Time.Before(doses[j].Time) })
		if allowed > len(doses) {
			allowed = len(doses)
		}

		info.Remaining += allowed - done
		at := doses[done].Time.On(now)
		if !found || at.Before(info.At) {
			info.At = at
			info.TherapyID = t.ID
			found = true
		}
	}
	return info, found
}

// TodoTimeDate anchors an item's time of day on now's calendar day.
// ok is false for items without a scheduled time.
func TodoTimeDate(item TodoItem, now time.Time) (time.Time, bool) {
	if item.Time == nil {
		return time.Time{}, false
	}
	return item.Time.On(now), true
}
