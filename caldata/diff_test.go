package caldata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-ical"
)

func simpleEventICS(summary, transp, status string) string {
	ics := `BEGIN:VCALENDAR
PRODID:-//calserv//scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:diff-1
DTSTAMP:` + fmtDT(day(0)) + `
DTSTART:` + fmtDT(day(1)) + `
DTEND:` + fmtDT(day(1).Add(time.Hour)) + `
SUMMARY:` + summary + `
ORGANIZER:urn:x-uid:alice
ATTENDEE;PARTSTAT=ACCEPTED:urn:x-uid:alice
ATTENDEE;PARTSTAT=NEEDS-ACTION:urn:x-uid:bob
`
	if transp != "" {
		ics += "TRANSP:" + transp + "\n"
	}
	if status != "" {
		ics += "STATUS:" + status + "\n"
	}
	return ics + "END:VEVENT\nEND:VCALENDAR"
}

func mustParse(t *testing.T, ics string) *ObjectTree {
	t.Helper()
	tree, err := Parse(ics)
	require.NoError(t, err)
	return tree
}

func TestTimingChanged(t *testing.T) {
	base := simpleEventICS("Lunch", "", "")

	tests := []struct {
		name    string
		mutate  func(tree *ObjectTree)
		changed bool
	}{
		{
			name:    "summary only",
			mutate:  func(tree *ObjectTree) { tree.Master().Props.SetText("SUMMARY", "Dinner") },
			changed: false,
		},
		{
			name: "dtstart moved",
			mutate: func(tree *ObjectTree) {
				SetDateTimeUTC(tree.Master(), ical.PropDateTimeStart, day(2))
			},
			changed: true,
		},
		{
			name:    "transp set",
			mutate:  func(tree *ObjectTree) { tree.Master().Props.SetText(PropTransp, TranspTransparent) },
			changed: true,
		},
		{
			name:    "status cancelled",
			mutate:  func(tree *ObjectTree) { tree.Master().Props.SetText(PropStatus, StatusCancelled) },
			changed: true,
		},
		{
			name:    "exdate added",
			mutate:  func(tree *ObjectTree) { AddExDate(tree.Master(), day(3)) },
			changed: true,
		},
		{
			name:    "travel time added",
			mutate:  func(tree *ObjectTree) { tree.Master().Props.SetText(PropTravelDuration, "PT30M") },
			changed: true,
		},
		{
			name:    "attendee partstat",
			mutate:  func(tree *ObjectTree) { tree.SetAttendeeParam("urn:x-uid:bob", ParamPartStat, PartStatAccepted) },
			changed: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			old := mustParse(t, base)
			updated := mustParse(t, base)
			tc.mutate(updated)
			assert.Equal(t, tc.changed, TimingChanged(old, updated))
		})
	}
}

func TestTimingChangedNilOld(t *testing.T) {
	tree := mustParse(t, simpleEventICS("Lunch", "", ""))
	assert.True(t, TimingChanged(nil, tree))
}

func TestDiffAttendees(t *testing.T) {
	old := mustParse(t, simpleEventICS("Lunch", "", ""))
	updated := mustParse(t, simpleEventICS("Lunch", "", ""))

	// carol joins, bob leaves.
	master := updated.Master()
	atts := ComponentAttendees(master)
	var kept []Attendee
	for _, att := range atts {
		if att.URI != "urn:x-uid:bob" {
			kept = append(kept, att)
		}
	}
	kept = append(kept, Attendee{URI: "urn:x-uid:carol", PartStat: PartStatNeedsAction})
	SetComponentAttendees(master, kept)

	changes := DiffAttendees(old, updated)
	byURI := make(map[string]AttendeeChange)
	for _, c := range changes {
		byURI[c.URI] = c
	}

	assert.True(t, byURI["urn:x-uid:carol"].Added)
	assert.True(t, byURI["urn:x-uid:bob"].Removed)
	// alice unchanged and no timing change: no entry at all.
	_, present := byURI["urn:x-uid:alice"]
	assert.False(t, present)
}

func TestDiffAttendeesTimingChangeTouchesEveryone(t *testing.T) {
	old := mustParse(t, simpleEventICS("Lunch", "", ""))
	updated := mustParse(t, simpleEventICS("Lunch", "", ""))
	SetDateTimeUTC(updated.Master(), ical.PropDateTimeStart, day(2))

	changes := DiffAttendees(old, updated)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.True(t, c.Updated, "attendee %s should be updated", c.URI)
	}
}

func TestPartStatOnlyChange(t *testing.T) {
	base := simpleEventICS("Lunch", "", "")

	t.Run("pure reply", func(t *testing.T) {
		old := mustParse(t, base)
		updated := mustParse(t, base)
		updated.SetAttendeeParam("urn:x-uid:bob", ParamPartStat, PartStatAccepted)
		assert.True(t, PartStatOnlyChange(old, updated, "urn:x-uid:bob"))
	})

	t.Run("reply plus timing change", func(t *testing.T) {
		old := mustParse(t, base)
		updated := mustParse(t, base)
		updated.SetAttendeeParam("urn:x-uid:bob", ParamPartStat, PartStatAccepted)
		SetDateTimeUTC(updated.Master(), ical.PropDateTimeStart, day(2))
		assert.False(t, PartStatOnlyChange(old, updated, "urn:x-uid:bob"))
	})

	t.Run("someone else's partstat", func(t *testing.T) {
		old := mustParse(t, base)
		updated := mustParse(t, base)
		updated.SetAttendeeParam("urn:x-uid:alice", ParamPartStat, PartStatDeclined)
		assert.False(t, PartStatOnlyChange(old, updated, "urn:x-uid:bob"))
	})

	t.Run("no change at all", func(t *testing.T) {
		old := mustParse(t, base)
		updated := mustParse(t, base)
		assert.False(t, PartStatOnlyChange(old, updated, "urn:x-uid:bob"))
	})
}

func TestEarliestInstanceReference(t *testing.T) {
	tree := mustParse(t, dailySeriesICS())
	earliest, found := tree.EarliestInstanceReference()
	require.True(t, found)
	assert.True(t, earliest.Equal(day(-30)))
}
