package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calserv/scheduling/caldata"
)

var base = time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return base.AddDate(0, 0, n)
}

func fmtDT(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func dailyICS(rrule string, extra string) string {
	return `BEGIN:VCALENDAR
PRODID:-//calserv//scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:rec-1
DTSTAMP:` + fmtDT(day(0)) + `
DTSTART:` + fmtDT(day(0)) + `
DTEND:` + fmtDT(day(0).Add(time.Hour)) + `
RRULE:` + rrule + `
` + extra + `END:VEVENT
END:VCALENDAR`
}

func mustParse(t *testing.T, ics string) *caldata.ObjectTree {
	t.Helper()
	tree, err := caldata.Parse(ics)
	require.NoError(t, err)
	return tree
}

func TestExpandDaily(t *testing.T) {
	tree := mustParse(t, dailyICS("FREQ=DAILY;COUNT=10", ""))
	engine := NewEngine(100)

	set, err := engine.Expand(tree, Window{Start: day(-1), End: day(30)})
	require.NoError(t, err)
	require.Len(t, set.Instances, 10)

	first := set.Instances[0]
	assert.True(t, first.Start.Equal(day(0)))
	assert.True(t, first.RecurrenceID.Equal(day(0)))
	assert.Equal(t, time.Hour, first.End.Sub(first.Start))
	assert.False(t, first.Overridden)
}

func TestExpandHonorsExDates(t *testing.T) {
	tree := mustParse(t, dailyICS("FREQ=DAILY;COUNT=5", "EXDATE:"+fmtDT(day(2))+"\n"))
	engine := NewEngine(100)

	set, err := engine.Expand(tree, Window{Start: day(-1), End: day(30)})
	require.NoError(t, err)
	require.Len(t, set.Instances, 4)
	for _, inst := range set.Instances {
		assert.False(t, inst.RecurrenceID.Equal(day(2)))
	}
}

func TestExpandSubstitutesOverrides(t *testing.T) {
	ics := `BEGIN:VCALENDAR
PRODID:-//calserv//scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:rec-2
DTSTAMP:` + fmtDT(day(0)) + `
DTSTART:` + fmtDT(day(0)) + `
DTEND:` + fmtDT(day(0).Add(time.Hour)) + `
RRULE:FREQ=DAILY;COUNT=3
END:VEVENT
BEGIN:VEVENT
UID:rec-2
DTSTAMP:` + fmtDT(day(0)) + `
RECURRENCE-ID:` + fmtDT(day(1)) + `
DTSTART:` + fmtDT(day(1).Add(2*time.Hour)) + `
DTEND:` + fmtDT(day(1).Add(3*time.Hour)) + `
END:VEVENT
END:VCALENDAR`
	tree := mustParse(t, ics)
	engine := NewEngine(100)

	set, err := engine.Expand(tree, Window{Start: day(-1), End: day(30)})
	require.NoError(t, err)
	require.Len(t, set.Instances, 3)

	moved := set.Instances[1]
	assert.True(t, moved.Overridden)
	assert.True(t, moved.RecurrenceID.Equal(day(1)))
	assert.True(t, moved.Start.Equal(day(1).Add(2*time.Hour)))
}

func TestExpandNonRecurringSingleInstance(t *testing.T) {
	ics := `BEGIN:VCALENDAR
PRODID:-//calserv//scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:one-1
DTSTAMP:` + fmtDT(day(0)) + `
DTSTART:` + fmtDT(day(0)) + `
DTEND:` + fmtDT(day(0).Add(time.Hour)) + `
END:VEVENT
END:VCALENDAR`
	tree := mustParse(t, ics)
	engine := NewEngine(100)

	set, err := engine.Expand(tree, Window{Start: day(-1), End: day(30)})
	require.NoError(t, err)
	assert.Len(t, set.Instances, 1)

	// Outside the window: nothing, and that's not an error.
	set, err = engine.Expand(tree, Window{Start: day(10), End: day(30)})
	require.NoError(t, err)
	assert.Empty(t, set.Instances)

	// A window ending exactly at the event start excludes it.
	set, err = engine.Expand(tree, Window{Start: day(-1), End: day(0)})
	require.NoError(t, err)
	assert.Empty(t, set.Instances)
}

func TestExpandWindowEndExclusive(t *testing.T) {
	tree := mustParse(t, dailyICS("FREQ=DAILY;COUNT=10", ""))
	engine := NewEngine(100)

	set, err := engine.Expand(tree, Window{Start: day(0), End: day(5)})
	require.NoError(t, err)
	require.Len(t, set.Instances, 5)
	last, ok := set.Last()
	require.True(t, ok)
	assert.True(t, last.Start.Equal(day(4)))
}

func TestExpandCapIsHardError(t *testing.T) {
	tree := mustParse(t, dailyICS("FREQ=DAILY", ""))
	engine := NewEngine(5)

	_, err := engine.Expand(tree, Window{Start: day(0), End: day(30)})
	var capErr *TooManyInstancesError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 5, capErr.Max)
	assert.Greater(t, capErr.Count, capErr.Max)
}

func TestSnapAtOrBefore(t *testing.T) {
	tree := mustParse(t, dailyICS("FREQ=DAILY;COUNT=10", ""))
	engine := NewEngine(100)
	set, err := engine.Expand(tree, Window{Start: day(-1), End: day(30)})
	require.NoError(t, err)

	// Between two instances: snaps down.
	got, ok := set.SnapAtOrBefore(day(3).Add(7 * time.Hour))
	require.True(t, ok)
	assert.True(t, got.Equal(day(3)))

	// Exactly on an instance: stays.
	got, ok = set.SnapAtOrBefore(day(4))
	require.True(t, ok)
	assert.True(t, got.Equal(day(4)))

	// Before the first instance: nothing to snap to.
	_, ok = set.SnapAtOrBefore(day(0).Add(-time.Hour))
	assert.False(t, ok)
}

func TestSeriesBounded(t *testing.T) {
	assert.True(t, SeriesBounded(mustParse(t, dailyICS("FREQ=DAILY;COUNT=10", ""))))
	assert.True(t, SeriesBounded(mustParse(t, dailyICS("FREQ=DAILY;UNTIL="+fmtDT(day(30)), ""))))
	assert.False(t, SeriesBounded(mustParse(t, dailyICS("FREQ=DAILY", ""))))
}

func TestDefaultWindow(t *testing.T) {
	w := DefaultWindow(base)
	assert.True(t, w.Start.Equal(base.AddDate(-1, 0, 0)))
	assert.True(t, w.End.Equal(base.AddDate(1, 0, 0)))
}
