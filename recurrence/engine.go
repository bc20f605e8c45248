// Package recurrence expands recurring calendar objects into concrete
// instance sets for indexing and split-boundary computation.
package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/calserv/scheduling/caldata"
)

// Instance is one expanded occurrence of a calendar object.
type Instance struct {
	// RecurrenceID is the occurrence's original time in the series,
	// equal to Start unless an override moved it.
	RecurrenceID time.Time
	Start        time.Time
	End          time.Time
	Overridden   bool
}

// InstanceSet is the materialized expansion of one object within a
// window, sorted by RecurrenceID. An empty set is valid: an event with
// every occurrence excluded simply contributes nothing to free-busy.
type InstanceSet struct {
	Instances []Instance
}

// TooManyInstancesError is the hard cap on recurrence expansion;
// exceeding it rejects the write rather than truncating the result.
type TooManyInstancesError struct {
	Count, Max int
}

func (e *TooManyInstancesError) Error() string {
	return fmt.Sprintf("recurrence: %d instances exceeds cap of %d", e.Count, e.Max)
}

// Window bounds an expansion. End is exclusive.
type Window struct {
	Start, End time.Time
}

// DefaultWindow is the expansion range used by the indexer when the
// configuration does not override it: one year either side of now.
func DefaultWindow(now time.Time) Window {
	return Window{Start: now.AddDate(-1, 0, 0), End: now.AddDate(1, 0, 0)}
}

// Engine performs recurrence expansion with a configured instance cap.
type Engine struct {
	maxInstances int
}

// NewEngine creates an engine. maxInstances <= 0 disables the cap.
func NewEngine(maxInstances int) *Engine {
	return &Engine{maxInstances: maxInstances}
}

// Expand materializes the object's instances inside the window.
func (e *Engine) Expand(t *caldata.ObjectTree, window Window) (*InstanceSet, error) {
	master := t.Master()

	overrides := make(map[time.Time]*ical.Component)
	for _, comp := range t.Overrides() {
		rid, err := caldata.OverrideRecurrenceID(comp)
		if err != nil {
			return nil, err
		}
		overrides[rid.UTC()] = comp
	}

	var instances []Instance

	if master != nil {
		occurrences, err := e.masterOccurrences(master, window)
		if err != nil {
			return nil, err
		}
		start, err := caldata.ComponentStart(master)
		if err != nil {
			return nil, err
		}
		end, err := caldata.ComponentEnd(master)
		if err != nil {
			return nil, err
		}
		duration := end.Sub(start)

		excluded := make(map[time.Time]bool)
		for _, ex := range caldata.ExDates(master) {
			excluded[ex.UTC()] = true
		}

		for _, occ := range occurrences {
			key := occ.UTC()
			if excluded[key] {
				continue
			}
			if ov, ok := overrides[key]; ok {
				inst, err := overrideInstance(occ, ov)
				if err != nil {
					return nil, err
				}
				instances = append(instances, inst)
				delete(overrides, key)
				continue
			}
			instances = append(instances, Instance{
				RecurrenceID: occ,
				Start:        occ,
				End:          occ.Add(duration),
			})
		}
	}

	// Overrides whose recurrence-id did not match a generated
	// occurrence (moved instances, or attendee views with no master).
	for rid, ov := range overrides {
		inst, err := overrideInstance(rid, ov)
		if err != nil {
			return nil, err
		}
		if inst.Start.Before(window.End) && !inst.End.Before(window.Start) {
			instances = append(instances, inst)
		}
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].RecurrenceID.Before(instances[j].RecurrenceID)
	})

	if e.maxInstances > 0 && len(instances) > e.maxInstances {
		return nil, &TooManyInstancesError{Count: len(instances), Max: e.maxInstances}
	}

	return &InstanceSet{Instances: instances}, nil
}

func overrideInstance(rid time.Time, comp *ical.Component) (Instance, error) {
	start, err := caldata.ComponentStart(comp)
	if err != nil {
		return Instance{}, err
	}
	end, err := caldata.ComponentEnd(comp)
	if err != nil {
		return Instance{}, err
	}
	return Instance{RecurrenceID: rid, Start: start, End: end, Overridden: true}, nil
}

// masterOccurrences generates occurrence start times of the master
// component inside the window: DTSTART, the RRULE expansion and RDATEs.
func (e *Engine) masterOccurrences(master *ical.Component, window Window) ([]time.Time, error) {
	start, err := caldata.ComponentStart(master)
	if err != nil {
		return nil, err
	}

	seen := make(map[time.Time]bool)
	var occurrences []time.Time
	add := func(t time.Time) {
		key := t.UTC()
		if !seen[key] {
			seen[key] = true
			occurrences = append(occurrences, t)
		}
	}

	rruleProp := master.Props.Get(ical.PropRecurrenceRule)
	if rruleProp != nil && rruleProp.Value != "" {
		set, err := parseRuleSet(start, rruleProp.Value)
		if err != nil {
			return nil, err
		}
		for _, occ := range set.Between(window.Start, window.End, true) {
			// Between is inclusive at both bounds; the window end is not.
			if !occ.Before(window.End) {
				continue
			}
			add(occ)
		}
	} else if start.Before(window.End) && !start.Before(window.Start) {
		add(start)
	}

	for _, prop := range master.Props.Values(ical.PropRecurrenceDates) {
		for _, raw := range splitPropValues(prop.Value) {
			rdate, err := caldata.ParseDateTime(raw, prop.Params)
			if err != nil {
				continue
			}
			if rdate.Before(window.End) && !rdate.Before(window.Start) {
				add(rdate)
			}
		}
	}

	sort.Slice(occurrences, func(i, j int) bool { return occurrences[i].Before(occurrences[j]) })
	return occurrences, nil
}

// parseRuleSet builds an rrule set the same way the RRULE is stored:
// the rule string plus the master DTSTART.
func parseRuleSet(dtstart time.Time, rruleStr string) (*rrule.Set, error) {
	full := fmt.Sprintf("DTSTART:%s\nRRULE:%s",
		dtstart.UTC().Format("20060102T150405Z"), rruleStr)
	set, err := rrule.StrToRRuleSet(full)
	if err != nil {
		return nil, fmt.Errorf("recurrence: parse RRULE %q: %w", rruleStr, err)
	}
	return set, nil
}

func splitPropValues(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SnapAtOrBefore returns the recurrence-id of the latest instance whose
// recurrence-id is at or before t. ok is false when no instance
// qualifies. This is the snapping rule for automatic split boundaries:
// a computed boundary that does not land on an instance moves to the
// nearest instance at or before it.
func (s *InstanceSet) SnapAtOrBefore(t time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, inst := range s.Instances {
		if !inst.RecurrenceID.After(t) {
			best = inst.RecurrenceID
			found = true
		}
	}
	return best, found
}

// First returns the earliest instance, ok=false when empty.
func (s *InstanceSet) First() (Instance, bool) {
	if len(s.Instances) == 0 {
		return Instance{}, false
	}
	return s.Instances[0], true
}

// Last returns the latest instance, ok=false when empty.
func (s *InstanceSet) Last() (Instance, bool) {
	if len(s.Instances) == 0 {
		return Instance{}, false
	}
	return s.Instances[len(s.Instances)-1], true
}

// SeriesBounded reports whether the object's recurrence rule has a
// finite end (UNTIL or COUNT, or no rule at all).
func SeriesBounded(t *caldata.ObjectTree) bool {
	master := t.Master()
	if master == nil {
		return true
	}
	prop := master.Props.Get(ical.PropRecurrenceRule)
	if prop == nil || prop.Value == "" {
		return true
	}
	upper := ";" + strings.ToUpper(prop.Value)
	return strings.Contains(upper, ";UNTIL=") || strings.Contains(upper, ";COUNT=")
}
