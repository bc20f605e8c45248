package caldata

import (
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// Free-busy-relevant properties: a change to any of these on any
// component means the time-range index must be recomputed.
var freeBusyProps = []string{
	ical.PropDateTimeStart,
	ical.PropDateTimeEnd,
	ical.PropDuration,
	ical.PropRecurrenceRule,
	ical.PropRecurrenceDates,
	ical.PropExceptionDates,
	PropStatus,
	PropTransp,
	PropTravelDuration,
}

// TimingChanged reports whether old and new differ in any property
// that affects free-busy time-range results. A pure metadata change
// (SUMMARY, DESCRIPTION) returns false.
func TimingChanged(old, new *ObjectTree) bool {
	if old == nil || new == nil {
		return true
	}
	oldComps := componentsByRID(old)
	newComps := componentsByRID(new)
	if len(oldComps) != len(newComps) {
		return true
	}
	for key, oldComp := range oldComps {
		newComp, ok := newComps[key]
		if !ok {
			return true
		}
		for _, name := range freeBusyProps {
			if !propValuesEqual(oldComp, newComp, name) {
				return true
			}
		}
	}
	return false
}

func componentsByRID(t *ObjectTree) map[string]*ical.Component {
	out := make(map[string]*ical.Component)
	for _, comp := range t.EventComponents() {
		key := ""
		if prop := comp.Props.Get(PropRecurrenceID); prop != nil {
			if rid, err := parseICalDateTime(prop.Value, prop.Params); err == nil {
				key = rid.UTC().Format(icalDateTimeLayout)
			} else {
				key = prop.Value
			}
		}
		out[key] = comp
	}
	return out
}

func propValuesEqual(a, b *ical.Component, name string) bool {
	av := normalizedValues(a, name)
	bv := normalizedValues(b, name)
	if len(av) != len(bv) {
		return false
	}
	for i := range av {
		if av[i] != bv[i] {
			return false
		}
	}
	return true
}

func normalizedValues(comp *ical.Component, name string) []string {
	var out []string
	for _, prop := range comp.Props.Values(name) {
		for _, raw := range strings.Split(prop.Value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if ts, err := parseICalDateTime(raw, prop.Params); err == nil {
				out = append(out, ts.UTC().Format(icalDateTimeLayout))
			} else {
				out = append(out, strings.ToUpper(raw))
			}
		}
	}
	sort.Strings(out)
	return out
}

// AttendeeChange is the per-attendee outcome of an organizer diff.
type AttendeeChange struct {
	URI string

	// Added means the attendee appears in new but not old.
	Added bool
	// Removed means the attendee appears in old but not new.
	Removed bool
	// Updated means participation-relevant fields changed for an
	// attendee present in both versions.
	Updated bool
}

// DiffAttendees computes, per attendee, whether an organizer write
// changed that attendee's participation: added/removed attendees, or a
// timing / override-set change visible to everyone still invited.
func DiffAttendees(old, new *ObjectTree) []AttendeeChange {
	oldSet := make(map[string]bool)
	newSet := make(map[string]bool)
	if old != nil {
		for _, uri := range old.AttendeeURIs() {
			oldSet[strings.ToLower(uri)] = true
		}
	}
	for _, uri := range new.AttendeeURIs() {
		newSet[strings.ToLower(uri)] = true
	}

	timing := TimingChanged(old, new)

	var changes []AttendeeChange
	for _, uri := range new.AttendeeURIs() {
		key := strings.ToLower(uri)
		switch {
		case !oldSet[key]:
			changes = append(changes, AttendeeChange{URI: uri, Added: true})
		case timing:
			changes = append(changes, AttendeeChange{URI: uri, Updated: true})
		}
	}
	if old != nil {
		for _, uri := range old.AttendeeURIs() {
			if !newSet[strings.ToLower(uri)] {
				changes = append(changes, AttendeeChange{URI: uri, Removed: true})
			}
		}
	}
	return changes
}

// PartStatOnlyChange reports whether the only difference between old
// and new is PARTSTAT (and related scheduling parameters) of the given
// attendee. Such writes are attendee replies and never trigger splits
// or full organizer fan-out.
func PartStatOnlyChange(old, new *ObjectTree, attendeeURI string) bool {
	if old == nil || new == nil {
		return false
	}
	if TimingChanged(old, new) {
		return false
	}
	oldComps := componentsByRID(old)
	newComps := componentsByRID(new)
	if len(oldComps) != len(newComps) {
		return false
	}
	sawPartStatChange := false
	for key, newComp := range newComps {
		oldComp, ok := oldComps[key]
		if !ok {
			return false
		}
		oldAtts := ComponentAttendees(oldComp)
		newAtts := ComponentAttendees(newComp)
		if len(oldAtts) != len(newAtts) {
			return false
		}
		for i := range newAtts {
			if !strings.EqualFold(oldAtts[i].URI, newAtts[i].URI) {
				return false
			}
			if oldAtts[i].PartStat != newAtts[i].PartStat {
				if !strings.EqualFold(newAtts[i].URI, attendeeURI) {
					return false
				}
				sawPartStatChange = true
			}
		}
	}
	return sawPartStatChange
}

// EarliestInstanceReference returns the earliest time referenced by any
// component, used when deciding how old an object's history is.
func (t *ObjectTree) EarliestInstanceReference() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, comp := range t.EventComponents() {
		if start, err := ComponentStart(comp); err == nil {
			if !found || start.Before(earliest) {
				earliest = start
				found = true
			}
		}
	}
	return earliest, found
}
