package schedule

import (
	"sort"
	"time"
)

// MaxScanDays bounds the forward scan in NextOccurrence so rules that
// can never fire terminate instead of looping.
const MaxScanDays = 730

// TimeOfDay represents a wall-clock intake slot without a date
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// On anchors the time of day to the given calendar day
func (t TimeOfDay) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, t.Second, 0, day.Location())
}

// Before reports whether t is earlier in the day than other
func (t TimeOfDay) Before(other TimeOfDay) bool {
	if t.Hour != other.Hour {
		return t.Hour < other.Hour
	}
	if t.Minute != other.Minute {
		return t.Minute < other.Minute
	}
	return t.Second < other.Second
}

// HHMM renders the slot as a four-digit clock string, e.g. "0830"
func (t TimeOfDay) HHMM() string {
	return time.Date(0, 1, 1, t.Hour, t.Minute, 0, 0, time.UTC).Format("1504")
}

// Dose represents one scheduled intake slot within an occurrence day
type Dose struct {
	Time   TimeOfDay
	Amount float64
}

// startOfDay truncates to midnight in t's location
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// startOfWeek truncates to the preceding Monday midnight
func startOfWeek(t time.Time) time.Time {
	d := startOfDay(t)
	// Weekday is Sunday=0; weeks anchor on Monday.
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// wholeDaysBetween counts calendar days from a to b, rounding away
// DST-shortened or -lengthened days.
func wholeDaysBetween(a, b time.Time) int {
	hours := b.Sub(a).Hours()
	if hours >= 0 {
		return int(hours/24 + 0.5)
	}
	return -int(-hours/24 + 0.5)
}

func wholeWeeksBetween(a, b time.Time) int {
	return wholeDaysBetween(a, b) / 7
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

// AllowedEventsOnDay returns how many of the day's configured doses are
// due under the rule, or 0 when the day is not an occurrence day.
func AllowedEventsOnDay(r Rule, startDate, day time.Time, dosesPerDay int) int {
	if r.IsZero() || dosesPerDay <= 0 {
		return 0
	}

	s := startOfDay(startDate)
	d := startOfDay(day)
	if d.Before(s) {
		return 0
	}
	if !r.Until.IsZero() && d.After(startOfDay(r.Until)) {
		return 0
	}

	switch r.Frequency {
	case FreqDaily:
		n := wholeDaysBetween(s, d)
		if n < 0 {
			return 0
		}
		if r.CycleOn > 0 && r.CycleOff > 0 {
			if n%(r.CycleOn+r.CycleOff) >= r.CycleOn {
				return 0
			}
		}
		if n%r.interval() != 0 {
			return 0
		}

	case FreqWeekly:
		// Empty ByDay means every day of an active week.
		if !r.ByDay.IsEmpty() && !r.ByDay.Has(d.Weekday()) {
			return 0
		}
		if wholeWeeksBetween(startOfWeek(s), startOfWeek(d))%r.interval() != 0 {
			return 0
		}

	case FreqMonthly:
		if d.Day() != s.Day() {
			return 0
		}
		if monthsBetween(s, d)%r.interval() != 0 {
			return 0
		}

	case FreqYearly:
		if d.Day() != s.Day() || d.Month() != s.Month() {
			return 0
		}
		if (d.Year()-s.Year())%r.interval() != 0 {
			return 0
		}

	default:
		return 0
	}

	return dosesPerDay
}

// NextOccurrence returns the earliest dose instant strictly after the
// given instant, scanning at most MaxScanDays ahead. The second return
// is false when the rule cannot fire within the horizon.
func NextOccurrence(r Rule, startDate time.Time, doses []Dose, after time.Time) (time.Time, bool) {
	if r.IsZero() || len(doses) == 0 {
		return time.Time{}, false
	}

	times := make([]TimeOfDay, len(doses))
	for i, d := range doses {
		times[i] = d.Time
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	day := startOfDay(after)
	if day.Before(startOfDay(startDate)) {
		day = startOfDay(startDate)
	}

	for i := 0; i <= MaxScanDays; i++ {
		if !r.Until.IsZero() && day.After(startOfDay(r.Until)) {
			return time.Time{}, false
		}
		if AllowedEventsOnDay(r, startDate, day, len(doses)) > 0 {
			for _, t := range times {
				if instant := t.On(day); instant.After(after) {
					return instant, true
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}
