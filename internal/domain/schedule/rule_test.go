package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDaily(t *testing.T) {
	r, err := Parse("FREQ=DAILY;INTERVAL=2")
	require.NoError(t, err)
	assert.Equal(t, FreqDaily, r.Frequency)
	assert.Equal(t, 2, r.Interval)
	assert.True(t, r.ByDay.IsEmpty())
	assert.True(t, r.Until.IsZero())
}

func TestParseWeeklyByDay(t *testing.T) {
	r, err := Parse("FREQ=WEEKLY;BYDAY=MO,TH;UNTIL=2025-06-30")
	require.NoError(t, err)
	assert.Equal(t, FreqWeekly, r.Frequency)
	assert.True(t, r.ByDay.Has(time.Monday))
	assert.True(t, r.ByDay.Has(time.Thursday))
	assert.False(t, r.ByDay.Has(time.Sunday))
	assert.Equal(t, 2, r.ByDay.Count())
	assert.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), r.Until)
}

func TestParseCycle(t *testing.T) {
	r, err := Parse("FREQ=DAILY;CYCLEON=21;CYCLEOFF=7")
	require.NoError(t, err)
	assert.Equal(t, 21, r.CycleOn)
	assert.Equal(t, 7, r.CycleOff)
}

func TestParseCycleIgnoredForWeekly(t *testing.T) {
	r, err := Parse("FREQ=WEEKLY;CYCLEON=5;CYCLEOFF=2")
	require.NoError(t, err)
	assert.Zero(t, r.CycleOn)
	assert.Zero(t, r.CycleOff)
}

func TestParseClampsInterval(t *testing.T) {
	r, err := Parse("FREQ=DAILY;INTERVAL=0")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Interval)

	r, err = Parse("FREQ=DAILY;INTERVAL=-3")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Interval)
}

func TestParseDefaultsInterval(t *testing.T) {
	r, err := Parse("FREQ=MONTHLY")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Interval)
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		"INTERVAL=2",
		"FREQ=HOURLY",
		"FREQ=DAILY;INTERVAL=abc",
		"FREQ=WEEKLY;BYDAY=XX",
		"FREQ=DAILY;UNTIL=June 2025",
		"FREQ=DAILY;BOGUS=1",
		"FREQ=DAILY;NOEQUALS",
	}
	for _, text := range cases {
		_, err := Parse(text)
		assert.ErrorIs(t, err, ErrInvalidRule, "input %q", text)
	}
}

func TestParseOrInert(t *testing.T) {
	assert.True(t, ParseOrInert("garbage").IsZero())
	assert.False(t, ParseOrInert("FREQ=DAILY").IsZero())
}

func TestStringRoundTrip(t *testing.T) {
	inputs := []string{
		"FREQ=DAILY",
		"FREQ=DAILY;INTERVAL=2",
		"FREQ=WEEKLY;BYDAY=MO,TH;UNTIL=2025-06-30",
		"FREQ=DAILY;CYCLEON=21;CYCLEOFF=7",
		"FREQ=YEARLY",
	}
	for _, text := range inputs {
		r := MustParse(text)
		again, err := Parse(r.String())
		require.NoError(t, err, "re-parse %q", r.String())
		assert.Equal(t, r, again, "round trip %q", text)
	}
}

func TestZeroRuleString(t *testing.T) {
	assert.Equal(t, "", Rule{}.String())
}
