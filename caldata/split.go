package caldata

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

// SplitTree divides one recurring object into a past half and a future
// half at the boundary recurrence-id. The boundary instance itself
// belongs to the future half.
//
// The past half keeps the original DTSTART with the RRULE truncated by
// UNTIL at one second before the boundary, the overrides strictly
// before the boundary, the EXDATEs before the boundary, and the
// per-user per-instance data for those recurrence-ids.
//
// The future half moves DTSTART to the boundary, keeps the RRULE
// untruncated, drops EXDATEs and overrides before the boundary, keeps
// everything at or after it, and gets its SEQUENCE bumped.
//
// Both halves still carry the receiver's UID; the caller re-identifies
// the past half and stamps the shared RELATED-TO token.
func (t *ObjectTree) SplitTree(boundary time.Time) (past, future *ObjectTree, err error) {
	master := t.Master()
	if master == nil {
		return nil, nil, ErrNoMaster
	}
	if master.Props.Get(ical.PropRecurrenceRule) == nil {
		return nil, nil, ErrNotRecurring
	}

	past = t.Clone()
	future = t.Clone()

	// Past half: truncate the rule, drop future overrides and exdates.
	pastMaster := past.Master()
	truncateRRule(pastMaster, boundary.Add(-time.Second))
	past.removeOverridesWhere(func(rid time.Time) bool { return !rid.Before(boundary) })
	filterExDates(pastMaster, func(ex time.Time) bool { return ex.Before(boundary) })
	past.FilterPerUserData(func(rid mo.Option[time.Time]) bool {
		return rid.IsAbsent() || rid.MustGet().Before(boundary)
	})

	// Future half: slide the master start to the boundary instance.
	futureMaster := future.Master()
	start, err := ComponentStart(futureMaster)
	if err != nil {
		return nil, nil, err
	}
	end, err := ComponentEnd(futureMaster)
	if err != nil {
		return nil, nil, err
	}
	SetDateTimeUTC(futureMaster, ical.PropDateTimeStart, boundary)
	if futureMaster.Props.Get(ical.PropDateTimeEnd) != nil {
		SetDateTimeUTC(futureMaster, ical.PropDateTimeEnd, boundary.Add(end.Sub(start)))
	}
	future.removeOverridesWhere(func(rid time.Time) bool { return rid.Before(boundary) })
	filterExDates(futureMaster, func(ex time.Time) bool { return !ex.Before(boundary) })
	future.FilterPerUserData(func(rid mo.Option[time.Time]) bool {
		return rid.IsAbsent() || !rid.MustGet().Before(boundary)
	})
	future.BumpSequence()

	return past, future, nil
}

func (t *ObjectTree) removeOverridesWhere(drop func(rid time.Time) bool) {
	var children []*ical.Component
	for _, child := range t.Calendar.Children {
		if child.Name == ical.CompEvent {
			if prop := child.Props.Get(PropRecurrenceID); prop != nil {
				rid, err := parseICalDateTime(prop.Value, prop.Params)
				if err == nil && drop(rid) {
					continue
				}
			}
		}
		children = append(children, child)
	}
	t.Calendar.Children = children
}

// truncateRRule rewrites the component's RRULE with UNTIL at the given
// time, removing any prior UNTIL or COUNT clause.
func truncateRRule(comp *ical.Component, until time.Time) {
	prop := comp.Props.Get(ical.PropRecurrenceRule)
	if prop == nil {
		return
	}
	var parts []string
	for _, part := range strings.Split(prop.Value, ";") {
		upper := strings.ToUpper(part)
		if strings.HasPrefix(upper, "UNTIL=") || strings.HasPrefix(upper, "COUNT=") {
			continue
		}
		if part != "" {
			parts = append(parts, part)
		}
	}
	parts = append(parts, "UNTIL="+FormatDateTimeUTC(until))
	// RRULE is a RECUR value: the clause separators must stay unescaped,
	// so the value is written raw rather than as TEXT.
	rule := ical.NewProp(ical.PropRecurrenceRule)
	rule.Value = strings.Join(parts, ";")
	comp.Props.Set(rule)
}

// ExDates collects every EXDATE value on a component.
func ExDates(comp *ical.Component) []time.Time {
	var out []time.Time
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		for _, raw := range strings.Split(prop.Value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if ex, err := parseICalDateTime(raw, prop.Params); err == nil {
				out = append(out, ex)
			}
		}
	}
	return out
}

// AddExDate appends an exclusion to a component.
func AddExDate(comp *ical.Component, ex time.Time) {
	prop := ical.NewProp(ical.PropExceptionDates)
	prop.Value = FormatDateTimeUTC(ex)
	comp.Props.Add(prop)
}

func filterExDates(comp *ical.Component, keep func(time.Time) bool) {
	props := comp.Props.Values(ical.PropExceptionDates)
	if len(props) == 0 {
		return
	}
	var kept []ical.Prop
	for _, prop := range props {
		var values []string
		for _, raw := range strings.Split(prop.Value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			ex, err := parseICalDateTime(raw, prop.Params)
			if err != nil || keep(ex) {
				values = append(values, raw)
			}
		}
		if len(values) > 0 {
			prop.Value = strings.Join(values, ",")
			kept = append(kept, prop)
		}
	}
	if len(kept) == 0 {
		comp.Props.Del(ical.PropExceptionDates)
		return
	}
	comp.Props[ical.PropExceptionDates] = kept
}
