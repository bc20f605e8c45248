package itip

import (
	"context"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/calserv/scheduling/caldata"
	"github.com/calserv/scheduling/directory"
)

// enrichRoomLocations injects LOCATION and X-APPLE-STRUCTURED-LOCATION
// from the directory records of ROOM attendees that carry a street
// address and geo coordinate: one pair per distinct room, LOCATION
// values concatenated with "; " when several rooms are booked. The
// enrichment re-runs whenever room attendees change, and is applied
// identically to the organizer's copy and the room's own calendar.
func (p *Processor) enrichRoomLocations(ctx context.Context, tree *caldata.ObjectTree) bool {
	var rooms []*directory.Record
	seen := make(map[string]bool)
	for _, uri := range tree.AttendeeURIs() {
		rec, err := p.dir.Lookup(ctx, uri)
		if err != nil || rec.Type != directory.TypeRoom {
			continue
		}
		if rec.StreetAddress == "" || rec.Geo == "" || seen[rec.UID] {
			continue
		}
		seen[rec.UID] = true
		rooms = append(rooms, rec)
	}
	if len(rooms) == 0 {
		return false
	}

	var locations []string
	for _, room := range rooms {
		locations = append(locations, room.DisplayName+"\n"+room.StreetAddress)
	}
	location := strings.Join(locations, "; ")

	changed := false
	for _, comp := range tree.EventComponents() {
		// LOCATION is a TEXT value, so the newline between room name and
		// street address is escaped in the stored form; compare the
		// decoded text, not the raw value.
		prev := ""
		if prop := comp.Props.Get(caldata.PropLocation); prop != nil {
			if text, err := prop.Text(); err == nil {
				prev = text
			} else {
				prev = prop.Value
			}
		}
		if prev != location {
			comp.Props.SetText(caldata.PropLocation, location)
			changed = true
		}

		comp.Props.Del(caldata.PropStructuredLocation)
		for _, room := range rooms {
			prop := ical.NewProp(caldata.PropStructuredLocation)
			prop.Params.Set(ical.ParamValue, "URI")
			prop.Params.Set("X-TITLE", room.DisplayName)
			prop.Params.Set("X-ADDRESS", room.StreetAddress)
			prop.Value = "geo:" + room.Geo
			comp.Props.Add(prop)
		}
	}
	return changed
}
