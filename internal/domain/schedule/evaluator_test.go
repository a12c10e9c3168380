package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var twoDoses = []Dose{
	{Time: TimeOfDay{Hour: 8}, Amount: 1},
	{Time: TimeOfDay{Hour: 20}, Amount: 1},
}

func TestAllowedEventsDailyInterval(t *testing.T) {
	r := MustParse("FREQ=DAILY;INTERVAL=2")
	start := day(2024, 1, 1)

	assert.Equal(t, 2, AllowedEventsOnDay(r, start, day(2024, 1, 1), 2))
	assert.Equal(t, 0, AllowedEventsOnDay(r, start, day(2024, 1, 2), 2))
	assert.Equal(t, 2, AllowedEventsOnDay(r, start, day(2024, 1, 3), 2))
	assert.Equal(t, 0, AllowedEventsOnDay(r, start, day(2023, 12, 31), 2))
}

func TestAllowedEventsCycle(t *testing.T) {
	// 5 days on, 2 days off, starting Monday 2024-01-01: the weekend
	// falls in the off window.
	r := MustParse("FREQ=DAILY;CYCLEON=5;CYCLEOFF=2")
	start := day(2024, 1, 1)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, AllowedEventsOnDay(r, start, start.AddDate(0, 0, i), 1), "day %d", i)
	}
	assert.Equal(t, 0, AllowedEventsOnDay(r, start, day(2024, 1, 6), 1), "saturday")
	assert.Equal(t, 0, AllowedEventsOnDay(r, start, day(2024, 1, 7), 1), "sunday")
	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2024, 1, 8), 1), "next monday")
}

func TestAllowedEventsWeeklyByDay(t *testing.T) {
	r := MustParse("FREQ=WEEKLY;BYDAY=MO,TH")
	start := day(2024, 1, 1) // Monday

	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2024, 1, 1), 1))
	assert.Equal(t, 0, AllowedEventsOnDay(r, start, day(2024, 1, 2), 1))
	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2024, 1, 4), 1))
	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2024, 1, 8), 1))
}

func TestAllowedEventsWeeklyInterval(t *testing.T) {
	// Every other week, weeks anchored on Monday.
	r := MustParse("FREQ=WEEKLY;INTERVAL=2;BYDAY=WE")
	start := day(2024, 1, 3) // Wednesday

	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2024, 1, 3), 1))
	assert.Equal(t, 0, AllowedEventsOnDay(r, start, day(2024, 1, 10), 1))
	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2024, 1, 17), 1))
}

func TestAllowedEventsWeeklyEmptyByDay(t *testing.T) {
	// No BYDAY means every day of an active week.
	r := MustParse("FREQ=WEEKLY")
	start := day(2024, 1, 1)

	for i := 0; i < 7; i++ {
		assert.Equal(t, 1, AllowedEventsOnDay(r, start, start.AddDate(0, 0, i), 1), "day %d", i)
	}
}

func TestAllowedEventsMonthly(t *testing.T) {
	r := MustParse("FREQ=MONTHLY")
	start := day(2024, 1, 31)

	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2024, 1, 31), 1))
	// February has no 31st; the occurrence is skipped, not shifted.
	for d := 1; d <= 29; d++ {
		assert.Equal(t, 0, AllowedEventsOnDay(r, start, day(2024, 2, d), 1), "feb %d", d)
	}
	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2024, 3, 31), 1))
}

func TestAllowedEventsYearly(t *testing.T) {
	r := MustParse("FREQ=YEARLY")
	start := day(2024, 5, 10)

	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2024, 5, 10), 1))
	assert.Equal(t, 0, AllowedEventsOnDay(r, start, day(2024, 6, 10), 1))
	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2025, 5, 10), 1))
}

func TestAllowedEventsUntilInclusive(t *testing.T) {
	r := MustParse("FREQ=DAILY;UNTIL=2024-01-10")
	start := day(2024, 1, 1)

	assert.Equal(t, 1, AllowedEventsOnDay(r, start, day(2024, 1, 10), 1))
	assert.Equal(t, 0, AllowedEventsOnDay(r, start, day(2024, 1, 11), 1))
}

func TestAllowedEventsZeroRule(t *testing.T) {
	assert.Equal(t, 0, AllowedEventsOnDay(Rule{}, day(2024, 1, 1), day(2024, 1, 1), 2))
}

func TestNextOccurrenceSameDay(t *testing.T) {
	r := MustParse("FREQ=DAILY;INTERVAL=2")
	start := day(2024, 1, 1)

	// 09:00 on an occurrence day: the 20:00 slot is still ahead.
	next, ok := NextOccurrence(r, start, twoDoses, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceSkipsOffDays(t *testing.T) {
	r := MustParse("FREQ=DAILY;INTERVAL=2")
	start := day(2024, 1, 1)

	// Past the last slot of day 0: day 1 is off, so day 2 at 08:00.
	next, ok := NextOccurrence(r, start, twoDoses, time.Date(2024, 1, 1, 21, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceBeforeStart(t *testing.T) {
	r := MustParse("FREQ=DAILY")
	start := day(2024, 3, 15)

	next, ok := NextOccurrence(r, start, twoDoses, day(2024, 1, 1))
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrencePastUntil(t *testing.T) {
	r := MustParse("FREQ=DAILY;UNTIL=2024-01-05")
	start := day(2024, 1, 1)

	_, ok := NextOccurrence(r, start, twoDoses, day(2024, 2, 1))
	assert.False(t, ok)
}

func TestNextOccurrenceTerminatesBeyondHorizon(t *testing.T) {
	// A leap-day yearly rule queried right after the occurrence: the
	// next one is four years out, past the scan horizon.
	r := MustParse("FREQ=YEARLY")
	start := day(2024, 2, 29)

	_, ok := NextOccurrence(r, start, twoDoses, day(2024, 3, 1))
	assert.False(t, ok)
}

func TestNextOccurrenceNoDoses(t *testing.T) {
	r := MustParse("FREQ=DAILY")
	_, ok := NextOccurrence(r, day(2024, 1, 1), nil, day(2024, 1, 1))
	assert.False(t, ok)
}

func TestTimeOfDayHelpers(t *testing.T) {
	a := TimeOfDay{Hour: 8, Minute: 30}
	b := TimeOfDay{Hour: 20}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.Equal(t, "0830", a.HHMM())
	assert.Equal(t, time.Date(2024, 1, 5, 8, 30, 0, 0, time.UTC), a.On(day(2024, 1, 5)))
}

func TestWholeDaysBetween(t *testing.T) {
	assert.Equal(t, 2, wholeDaysBetween(day(2024, 1, 1), day(2024, 1, 3)))
	assert.Equal(t, -2, wholeDaysBetween(day(2024, 1, 3), day(2024, 1, 1)))
	assert.Equal(t, 0, wholeDaysBetween(day(2024, 1, 1), day(2024, 1, 1)))
}

func TestStartOfWeekMondayAnchor(t *testing.T) {
	// Sunday belongs to the week starting the previous Monday.
	assert.Equal(t, day(2024, 1, 1), startOfWeek(day(2024, 1, 7)))
	assert.Equal(t, day(2024, 1, 1), startOfWeek(day(2024, 1, 1)))
	assert.Equal(t, day(2024, 1, 8), startOfWeek(day(2024, 1, 8)))
}
