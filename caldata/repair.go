package caldata

import (
	"fmt"

	"github.com/emersion/go-ical"
)

// ValidationError is a synchronous write-time rejection; the prior
// stored state stays untouched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "caldata: invalid calendar object: " + e.Reason
}

// Validate checks the structural invariants of a stored object: at
// least one event component, a single UID across every component, at
// most one master, and parseable DTSTART/RECURRENCE-ID values.
func (t *ObjectTree) Validate() error {
	comps := t.EventComponents()
	if len(comps) == 0 {
		return &ValidationError{Reason: "no event components"}
	}

	uid := ""
	masters := 0
	for _, comp := range comps {
		prop := comp.Props.Get(ical.PropUID)
		if prop == nil || prop.Value == "" {
			return &ValidationError{Reason: "component missing UID"}
		}
		if uid == "" {
			uid = prop.Value
		} else if uid != prop.Value {
			return &ValidationError{Reason: fmt.Sprintf("UID mismatch: %q vs %q", uid, prop.Value)}
		}

		if ridProp := comp.Props.Get(PropRecurrenceID); ridProp == nil {
			masters++
		} else if _, err := parseICalDateTime(ridProp.Value, ridProp.Params); err != nil {
			return &ValidationError{Reason: "unparseable RECURRENCE-ID"}
		}

		if _, err := ComponentStart(comp); err != nil {
			return &ValidationError{Reason: "component missing or bad DTSTART"}
		}
	}
	if masters > 1 {
		return &ValidationError{Reason: "more than one master component"}
	}
	if masters == 0 && t.Master() == nil && len(t.Overrides()) > 1 {
		// Attendee views of single overridden instances are fine, but
		// multiple orphan overrides with no master are not.
		return &ValidationError{Reason: "orphan overrides without master"}
	}
	return nil
}

// Repair fixes the known-fixable defects found in stored data and
// reports whether anything was changed. The caller logs the repair and
// continues as if the data had been correct.
//
// Fixable cases:
//   - a single orphan override with no master: the RECURRENCE-ID is
//     dropped, turning it into a standalone master;
//   - UID drift between components: every component is rewritten to
//     the canonical UID.
func (t *ObjectTree) Repair() bool {
	repaired := false

	comps := t.EventComponents()
	if len(comps) == 1 && t.Master() == nil {
		comps[0].Props.Del(PropRecurrenceID)
		repaired = true
	}

	uid := t.UID()
	if uid != "" {
		for _, comp := range t.EventComponents() {
			prop := comp.Props.Get(ical.PropUID)
			if prop == nil || prop.Value != uid {
				comp.Props.SetText(ical.PropUID, uid)
				repaired = true
			}
		}
	}

	return repaired
}
