package caldata

import (
	"strings"

	"github.com/emersion/go-ical"
)

// Attendee parameters used by the scheduling engine.
const (
	ParamPartStat       = "PARTSTAT"
	ParamRSVP           = "RSVP"
	ParamCUType         = "CUTYPE"
	ParamMember         = "MEMBER"
	ParamScheduleStatus = "SCHEDULE-STATUS"
	ParamCommonName     = "CN"

	CUTypeIndividual  = "INDIVIDUAL"
	CUTypeRoom        = "ROOM"
	CUTypeGroup       = "GROUP"
	CUTypeServerGroup = "X-SERVER-GROUP"

	PartStatNeedsAction = "NEEDS-ACTION"
	PartStatAccepted    = "ACCEPTED"
	PartStatDeclined    = "DECLINED"
)

// Attendee is the engine's view of a single ATTENDEE property.
type Attendee struct {
	// URI is the calendar user address (mailto: or urn:x-uid: form).
	URI string

	CommonName     string
	CUType         string
	PartStat       string
	RSVP           bool
	Member         string
	ScheduleStatus string
	HostedStatus   string
}

func attendeeFromProp(prop ical.Prop) Attendee {
	return Attendee{
		URI:            prop.Value,
		CommonName:     prop.Params.Get(ParamCommonName),
		CUType:         strings.ToUpper(prop.Params.Get(ParamCUType)),
		PartStat:       strings.ToUpper(prop.Params.Get(ParamPartStat)),
		RSVP:           strings.EqualFold(prop.Params.Get(ParamRSVP), "TRUE"),
		Member:         strings.Trim(prop.Params.Get(ParamMember), `"`),
		ScheduleStatus: prop.Params.Get(ParamScheduleStatus),
	}
}

// Prop renders the attendee back into an ical property.
func (a Attendee) Prop() ical.Prop {
	prop := ical.NewProp(PropAttendee)
	prop.Value = a.URI
	if a.CommonName != "" {
		prop.Params.Set(ParamCommonName, a.CommonName)
	}
	if a.CUType != "" {
		prop.Params.Set(ParamCUType, a.CUType)
	}
	if a.PartStat != "" {
		prop.Params.Set(ParamPartStat, a.PartStat)
	}
	if a.RSVP {
		prop.Params.Set(ParamRSVP, "TRUE")
	}
	if a.Member != "" {
		// The encoder quotes parameter values itself; pre-quoting makes
		// the object unserializable.
		prop.Params.Set(ParamMember, a.Member)
	}
	if a.ScheduleStatus != "" {
		prop.Params.Set(ParamScheduleStatus, a.ScheduleStatus)
	}
	if a.HostedStatus != "" {
		prop.Params.Set("X-APPLE-HOSTED-STATUS", a.HostedStatus)
	}
	return *prop
}

// ComponentAttendees lists the attendees of one component.
func ComponentAttendees(comp *ical.Component) []Attendee {
	var out []Attendee
	for _, prop := range comp.Props.Values(PropAttendee) {
		out = append(out, attendeeFromProp(prop))
	}
	return out
}

// Attendees returns the attendee list of the canonical component.
func (t *ObjectTree) Attendees() []Attendee {
	comp := t.Canonical()
	if comp == nil {
		return nil
	}
	return ComponentAttendees(comp)
}

// AttendeeURIs returns the union of attendee addresses across every
// event component, master and overrides. Overrides may invite users
// the master does not.
func (t *ObjectTree) AttendeeURIs() []string {
	seen := make(map[string]bool)
	var uris []string
	for _, comp := range t.EventComponents() {
		for _, att := range ComponentAttendees(comp) {
			if !seen[att.URI] {
				seen[att.URI] = true
				uris = append(uris, att.URI)
			}
		}
	}
	return uris
}

// SetComponentAttendees replaces the attendee list of one component.
func SetComponentAttendees(comp *ical.Component, attendees []Attendee) {
	comp.Props.Del(PropAttendee)
	for _, att := range attendees {
		prop := att.Prop()
		comp.Props.Add(&prop)
	}
}

// FindAttendee locates an attendee by URI on a component.
func FindAttendee(comp *ical.Component, uri string) (Attendee, bool) {
	for _, att := range ComponentAttendees(comp) {
		if strings.EqualFold(att.URI, uri) {
			return att, true
		}
	}
	return Attendee{}, false
}

// SetAttendeeParam sets one parameter on the matching ATTENDEE property
// of every event component where the attendee appears.
func (t *ObjectTree) SetAttendeeParam(uri, param, value string) {
	for _, comp := range t.EventComponents() {
		props := comp.Props.Values(PropAttendee)
		for i := range props {
			if strings.EqualFold(props[i].Value, uri) {
				if props[i].Params == nil {
					props[i].Params = make(ical.Params)
				}
				if value == "" {
					props[i].Params.Del(param)
				} else {
					props[i].Params.Set(param, value)
				}
			}
		}
	}
}

// ParticipatesIn reports whether the attendee appears on a component
// that is not cancelled.
func ParticipatesIn(comp *ical.Component, uri string) bool {
	if status := comp.Props.Get(PropStatus); status != nil &&
		strings.EqualFold(status.Value, StatusCancelled) {
		return false
	}
	_, ok := FindAttendee(comp, uri)
	return ok
}
