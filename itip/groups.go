package itip

import (
	"context"
	"strings"
	"time"

	"github.com/calserv/scheduling/caldata"
	"github.com/calserv/scheduling/directory"
	"github.com/calserv/scheduling/recurrence"
)

// expandGroupAttendees replaces directory-group attendees with their
// concrete members. Each member is added as an individual ATTENDEE
// with a MEMBER parameter pointing back at the group, default
// PARTSTAT NEEDS-ACTION and RSVP TRUE. The group itself is retained
// as a marker (CUTYPE=X-SERVER-GROUP) with a SCHEDULE-STATUS showing
// it was expanded, not scheduled directly.
//
// Expansion re-runs on every update that changes the member-affecting
// portion of the object, but is skipped entirely for objects whose
// instances all lie further in the past than the configured horizon.
func (p *Processor) expandGroupAttendees(ctx context.Context, tree *caldata.ObjectTree) (bool, error) {
	if !p.cfg.GroupAttendees.Enabled {
		return false, nil
	}
	expired, err := p.allInstancesExpired(tree)
	if err != nil {
		return false, err
	}
	if expired {
		p.logger.Debug("skipping group expansion, all instances past horizon",
			"uid", tree.UID())
		return false, nil
	}

	horizon := p.now().Add(-p.cfg.GroupAttendees.HorizonDuration())
	changed := false
	for _, comp := range tree.EventComponents() {
		// Overridden instances further back than the horizon keep their
		// group attendee untouched even when the series itself is live.
		if comp.Props.Get(caldata.PropRecurrenceID) != nil {
			if start, err := caldata.ComponentStart(comp); err == nil && start.Before(horizon) {
				continue
			}
		}

		attendees := caldata.ComponentAttendees(comp)
		present := make(map[string]bool, len(attendees))
		for _, att := range attendees {
			present[strings.ToLower(att.URI)] = true
		}

		compChanged := false
		var result []caldata.Attendee
		for _, att := range attendees {
			rec, err := p.dir.Lookup(ctx, att.URI)
			if err != nil || rec.Type != directory.TypeGroup {
				result = append(result, att)
				continue
			}

			// Retain the group as an expanded marker.
			att.CUType = caldata.CUTypeServerGroup
			att.ScheduleStatus = StatusGroupExpanded
			result = append(result, att)
			compChanged = true

			for _, memberUID := range rec.MemberUIDs {
				member, err := p.dir.LookupUID(ctx, memberUID)
				if err != nil {
					p.logger.Warn("group member not resolvable, skipping",
						"group", rec.UID, "member", memberUID)
					continue
				}
				memberURI := "urn:x-uid:" + member.UID
				if present[strings.ToLower(memberURI)] {
					continue
				}
				present[strings.ToLower(memberURI)] = true
				result = append(result, caldata.Attendee{
					URI:        memberURI,
					CommonName: member.DisplayName,
					CUType:     caldata.CUTypeIndividual,
					PartStat:   caldata.PartStatNeedsAction,
					RSVP:       true,
					Member:     "urn:x-uid:" + rec.UID,
				})
			}
		}
		if compChanged {
			caldata.SetComponentAttendees(comp, result)
			changed = true
		}
	}
	return changed, nil
}

// allInstancesExpired reports whether every instance of the object is
// older than the group expansion horizon.
func (p *Processor) allInstancesExpired(tree *caldata.ObjectTree) (bool, error) {
	horizon := p.now().Add(-p.cfg.GroupAttendees.HorizonDuration())

	if !recurrence.SeriesBounded(tree) {
		return false, nil
	}

	engine := recurrence.NewEngine(0)
	first, found := firstStart(tree)
	if !found {
		return false, nil
	}
	window := recurrence.Window{Start: first.Add(-24 * time.Hour), End: p.now().AddDate(10, 0, 0)}
	set, err := engine.Expand(tree, window)
	if err != nil {
		return false, err
	}
	last, ok := set.Last()
	if !ok {
		return false, nil
	}
	return last.Start.Before(horizon), nil
}

func firstStart(tree *caldata.ObjectTree) (time.Time, bool) {
	return tree.EarliestInstanceReference()
}
