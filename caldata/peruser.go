package caldata

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

// Per-user data rides inside the shared object as non-standard
// X-CALENDARSERVER-PERUSER blocks: one block per user, holding
// X-CALENDARSERVER-PERINSTANCE children with the user's private
// transparency and alarms, keyed by RECURRENCE-ID (absent = master).

// PerUserBlocks returns every per-user block in the tree.
func (t *ObjectTree) PerUserBlocks() []*ical.Component {
	var blocks []*ical.Component
	for _, child := range t.Calendar.Children {
		if child.Name == CompPerUser {
			blocks = append(blocks, child)
		}
	}
	return blocks
}

// PerUserBlock returns the block belonging to one user, or nil.
func (t *ObjectTree) PerUserBlock(userUID string) *ical.Component {
	for _, block := range t.PerUserBlocks() {
		if prop := block.Props.Get(PropPerUserUID); prop != nil &&
			strings.EqualFold(prop.Value, userUID) {
			return block
		}
	}
	return nil
}

// HasPerUserData reports whether the user carries any per-instance
// override in the tree.
func (t *ObjectTree) HasPerUserData(userUID string) bool {
	block := t.PerUserBlock(userUID)
	return block != nil && len(block.Children) > 0
}

// EnsurePerUserBlock returns the user's block, creating it if missing.
func (t *ObjectTree) EnsurePerUserBlock(userUID string) *ical.Component {
	if block := t.PerUserBlock(userUID); block != nil {
		return block
	}
	block := &ical.Component{Name: CompPerUser, Props: make(ical.Props)}
	block.Props.SetText(ical.PropUID, t.UID())
	block.Props.SetText(PropPerUserUID, userUID)
	t.Calendar.Children = append(t.Calendar.Children, block)
	return block
}

// PerInstanceRecurrenceID extracts the recurrence-id of a per-instance
// child; None means the override applies to the master.
func PerInstanceRecurrenceID(inst *ical.Component) mo.Option[time.Time] {
	prop := inst.Props.Get(PropRecurrenceID)
	if prop == nil {
		return mo.None[time.Time]()
	}
	rid, err := parseICalDateTime(prop.Value, prop.Params)
	if err != nil {
		return mo.None[time.Time]()
	}
	return mo.Some(rid)
}

// FilterPerUserData drops per-instance children not accepted by keep.
// Blocks left with no children are removed entirely.
func (t *ObjectTree) FilterPerUserData(keep func(rid mo.Option[time.Time]) bool) {
	var children []*ical.Component
	for _, child := range t.Calendar.Children {
		if child.Name != CompPerUser {
			children = append(children, child)
			continue
		}
		var kept []*ical.Component
		for _, inst := range child.Children {
			if inst.Name != CompPerInstance || keep(PerInstanceRecurrenceID(inst)) {
				kept = append(kept, inst)
			}
		}
		if len(kept) > 0 {
			child.Children = kept
			children = append(children, child)
		}
	}
	t.Calendar.Children = children
}

// MergePerUserData copies per-user blocks from a previously stored copy
// into the receiver, so organizer-originated updates never clobber an
// attendee's private alarms and transparency. Per-instance data for
// recurrence-ids that no longer exist in the receiver is dropped.
func (t *ObjectTree) MergePerUserData(prev *ObjectTree) {
	if prev == nil {
		return
	}
	surviving := make(map[time.Time]bool)
	for _, comp := range t.Overrides() {
		if rid, err := OverrideRecurrenceID(comp); err == nil {
			surviving[rid.UTC()] = true
		}
	}

	for _, block := range prev.PerUserBlocks() {
		userProp := block.Props.Get(PropPerUserUID)
		if userProp == nil {
			continue
		}
		if t.PerUserBlock(userProp.Value) != nil {
			// The new tree already carries data for this user.
			continue
		}
		copied := cloneComponent(block)
		copied.Props.SetText(ical.PropUID, t.UID())
		var kept []*ical.Component
		for _, inst := range copied.Children {
			rid := PerInstanceRecurrenceID(inst)
			if rid.IsAbsent() || surviving[rid.MustGet().UTC()] || t.instanceStillValid(rid.MustGet()) {
				kept = append(kept, inst)
			}
		}
		if len(kept) == 0 && len(copied.Children) > 0 {
			continue
		}
		copied.Children = kept
		t.Calendar.Children = append(t.Calendar.Children, copied)
	}
}

// instanceStillValid reports whether a recurrence-id can still occur in
// the receiver's series: at or after the master DTSTART and not
// excluded by EXDATE.
func (t *ObjectTree) instanceStillValid(rid time.Time) bool {
	master := t.Master()
	if master == nil {
		return false
	}
	start, err := ComponentStart(master)
	if err != nil || rid.Before(start) {
		return false
	}
	for _, prop := range master.Props.Values(ical.PropExceptionDates) {
		for _, raw := range strings.Split(prop.Value, ",") {
			ex, err := parseICalDateTime(strings.TrimSpace(raw), prop.Params)
			if err == nil && ex.Equal(rid) {
				return false
			}
		}
	}
	return true
}

// EffectiveTransparency resolves the user's view of TRANSP for one
// instance: a per-user per-instance override wins over the shared
// component value.
func (t *ObjectTree) EffectiveTransparency(userUID string, rid mo.Option[time.Time]) string {
	if block := t.PerUserBlock(userUID); block != nil {
		for _, inst := range block.Children {
			if inst.Name != CompPerInstance {
				continue
			}
			instRID := PerInstanceRecurrenceID(inst)
			if ridsEqual(instRID, rid) {
				if prop := inst.Props.Get(PropTransp); prop != nil {
					return strings.ToUpper(prop.Value)
				}
			}
		}
	}
	comp := t.componentForRID(rid)
	if comp != nil {
		if prop := comp.Props.Get(PropTransp); prop != nil {
			return strings.ToUpper(prop.Value)
		}
	}
	return "OPAQUE"
}

// ComponentForInstance returns the component governing one instance:
// its override when present, else the master.
func (t *ObjectTree) ComponentForInstance(rid time.Time) *ical.Component {
	return t.componentForRID(mo.Some(rid))
}

// RemoveOverride drops the override component with the given
// recurrence-id, if any.
func (t *ObjectTree) RemoveOverride(rid time.Time) {
	t.removeOverridesWhere(func(got time.Time) bool {
		return got.Equal(rid)
	})
}

func (t *ObjectTree) componentForRID(rid mo.Option[time.Time]) *ical.Component {
	if rid.IsAbsent() {
		return t.Master()
	}
	want := rid.MustGet()
	for _, comp := range t.Overrides() {
		if got, err := OverrideRecurrenceID(comp); err == nil && got.Equal(want) {
			return comp
		}
	}
	return t.Master()
}

func ridsEqual(a, b mo.Option[time.Time]) bool {
	if a.IsAbsent() != b.IsAbsent() {
		return false
	}
	if a.IsAbsent() {
		return true
	}
	return a.MustGet().Equal(b.MustGet())
}
