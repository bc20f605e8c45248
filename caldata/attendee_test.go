package caldata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memberMeetingICS() string {
	return `BEGIN:VCALENDAR
PRODID:-//calserv//scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:att-1
DTSTAMP:` + fmtDT(day(0)) + `
DTSTART:` + fmtDT(day(1)) + `
DTEND:` + fmtDT(day(1).Add(time.Hour)) + `
SUMMARY:Planning
ORGANIZER:urn:x-uid:alice
ATTENDEE;PARTSTAT=ACCEPTED:urn:x-uid:alice
END:VEVENT
END:VCALENDAR`
}

func TestAttendeeMemberParamRoundTrip(t *testing.T) {
	tree, err := Parse(memberMeetingICS())
	require.NoError(t, err)
	master := tree.Master()

	atts := ComponentAttendees(master)
	atts = append(atts, Attendee{
		URI:      "urn:x-uid:bob",
		CUType:   CUTypeIndividual,
		PartStat: PartStatNeedsAction,
		RSVP:     true,
		Member:   "urn:x-uid:team",
	})
	SetComponentAttendees(master, atts)

	// The MEMBER value carries colons, which the encoder must quote on
	// its own; the object still serializes and round-trips.
	data, err := tree.Serialize()
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	bob, ok := FindAttendee(again.Master(), "urn:x-uid:bob")
	require.True(t, ok)
	assert.Equal(t, "urn:x-uid:team", bob.Member)
	assert.Equal(t, PartStatNeedsAction, bob.PartStat)
	assert.True(t, bob.RSVP)
}

func TestSetAttendeeParamClearsWithEmptyValue(t *testing.T) {
	tree, err := Parse(memberMeetingICS())
	require.NoError(t, err)

	tree.SetAttendeeParam("urn:x-uid:alice", ParamScheduleStatus, "1.2")
	att, ok := FindAttendee(tree.Master(), "urn:x-uid:alice")
	require.True(t, ok)
	assert.Equal(t, "1.2", att.ScheduleStatus)

	tree.SetAttendeeParam("urn:x-uid:alice", ParamScheduleStatus, "")
	att, ok = FindAttendee(tree.Master(), "urn:x-uid:alice")
	require.True(t, ok)
	assert.Empty(t, att.ScheduleStatus)
}
