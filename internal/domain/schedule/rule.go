// Package schedule implements the recurrence rule model and evaluator.
// Rules are parsed once per therapy from a compact textual encoding and
// evaluated as pure functions; a malformed rule degrades to one that
// never occurs so a single bad therapy cannot block synthesis.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency represents the recurrence base frequency
type Frequency string

const (
	FreqDaily   Frequency = "DAILY"
	FreqWeekly  Frequency = "WEEKLY"
	FreqMonthly Frequency = "MONTHLY"
	FreqYearly  Frequency = "YEARLY"
)

// ErrInvalidRule indicates the recurrence text could not be parsed
var ErrInvalidRule = errors.New("invalid recurrence rule")

// DaySet is a set of weekdays, one bit per time.Weekday
type DaySet uint8

// Add returns the set with the given weekday included
func (s DaySet) Add(d time.Weekday) DaySet {
	return s | DaySet(1)<<uint(d)
}

// Has reports whether the weekday is in the set
func (s DaySet) Has(d time.Weekday) bool {
	return s&(DaySet(1)<<uint(d)) != 0
}

// Count returns the number of weekdays in the set
func (s DaySet) Count() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			n++
		}
	}
	return n
}

// IsEmpty reports whether no weekday is set
func (s DaySet) IsEmpty() bool { return s == 0 }

// Rule represents an immutable recurrence specification.
// The zero Rule never occurs.
type Rule struct {
	Frequency Frequency
	Interval  int
	ByDay     DaySet
	Until     time.Time // zero means no end date
	CycleOn   int       // daily only; days "on" per cycle
	CycleOff  int       // daily only; days "off" per cycle
}

// IsZero reports whether the rule is the inert never-occurring rule
func (r Rule) IsZero() bool { return r.Frequency == "" }

// interval returns the effective interval, never below 1
func (r Rule) interval() int {
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

var weekdayCodes = map[string]time.Weekday{
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
	"SU": time.Sunday,
}

// Parse decodes the compact rule encoding, e.g.
// "FREQ=DAILY;INTERVAL=2" or "FREQ=WEEKLY;BYDAY=MO,TH;UNTIL=2025-06-30"
// or "FREQ=DAILY;CYCLEON=21;CYCLEOFF=7".
// On failure it returns the zero Rule and a wrapped ErrInvalidRule.
func Parse(text string) (Rule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Rule{}, fmt.Errorf("%w: empty rule text", ErrInvalidRule)
	}

	var r Rule
	for _, part := range strings.Split(text, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return Rule{}, fmt.Errorf("%w: malformed component %q", ErrInvalidRule, part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "FREQ":
			switch Frequency(strings.ToUpper(value)) {
			case FreqDaily, FreqWeekly, FreqMonthly, FreqYearly:
				r.Frequency = Frequency(strings.ToUpper(value))
			default:
				return Rule{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidRule, value)
			}
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Rule{}, fmt.Errorf("%w: interval %q", ErrInvalidRule, value)
			}
			// Zero/negative intervals are invalid input; clamp here so
			// evaluation never has to special-case them.
			if n < 1 {
				n = 1
			}
			r.Interval = n
		case "BYDAY":
			for _, code := range strings.Split(value, ",") {
				day, ok := weekdayCodes[strings.ToUpper(strings.TrimSpace(code))]
				if !ok {
					return Rule{}, fmt.Errorf("%w: weekday %q", ErrInvalidRule, code)
				}
				r.ByDay = r.ByDay.Add(day)
			}
		case "UNTIL":
			t, err := time.Parse("2006-01-02", value)
			if err != nil {
				return Rule{}, fmt.Errorf("%w: until %q", ErrInvalidRule, value)
			}
			r.Until = t
		case "CYCLEON":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return Rule{}, fmt.Errorf("%w: cycleon %q", ErrInvalidRule, value)
			}
			r.CycleOn = n
		case "CYCLEOFF":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return Rule{}, fmt.Errorf("%w: cycleoff %q", ErrInvalidRule, value)
			}
			r.CycleOff = n
		default:
			return Rule{}, fmt.Errorf("%w: unknown key %q", ErrInvalidRule, key)
		}
	}

	if r.Frequency == "" {
		return Rule{}, fmt.Errorf("%w: missing FREQ", ErrInvalidRule)
	}
	if r.Interval == 0 {
		r.Interval = 1
	}
	// Cycle days only make sense on daily rules.
	if r.Frequency != FreqDaily {
		r.CycleOn, r.CycleOff = 0, 0
	}
	return r, nil
}

// MustParse parses text or panics. Test helper.
func MustParse(text string) Rule {
	r, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseOrInert parses text, substituting the inert zero Rule when the
// encoding is malformed. This is the form the synthesizer uses: a
// therapy with an unparseable schedule contributes nothing instead of
// failing the whole pass.
func ParseOrInert(text string) Rule {
	r, err := Parse(text)
	if err != nil {
		return Rule{}
	}
	return r
}

// String renders the rule back into its compact encoding
func (r Rule) String() string {
	if r.IsZero() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FREQ=%s", r.Frequency)
	if r.Interval > 1 {
		fmt.Fprintf(&b, ";INTERVAL=%d", r.Interval)
	}
	if !r.ByDay.IsEmpty() {
		codes := make([]string, 0, 7)
		for _, c := range []string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"} {
			if r.ByDay.Has(weekdayCodes[c]) {
				codes = append(codes, c)
			}
		}
		fmt.Fprintf(&b, ";BYDAY=%s", strings.Join(codes, ","))
	}
	if !r.Until.IsZero() {
		fmt.Fprintf(&b, ";UNTIL=%s", r.Until.Format("2006-01-02"))
	}
	if r.CycleOn > 0 || r.CycleOff > 0 {
		fmt.Fprintf(&b, ";CYCLEON=%d;CYCLEOFF=%d", r.CycleOn, r.CycleOff)
	}
	return b.String()
}
