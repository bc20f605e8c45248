// Package caldata provides the structured calendar object model used by
// the indexing, splitting and scheduling engines: one master component
// plus recurrence overrides plus non-standard per-user override blocks,
// all carried inside a single VCALENDAR tree.
package caldata

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// Non-standard properties and components understood by the engine.
const (
	PropRelatedTo           = "RELATED-TO"
	ParamRelType            = "RELTYPE"
	RelTypeRecurrenceSet    = "X-CALENDARSERVER-RECURRENCE-SET"
	PropSplitOlderUID       = "X-CALENDARSERVER-SPLIT-OLDER-UID"
	PropSplitRecurrenceID   = "X-CALENDARSERVER-SPLIT-RID"
	PropRecurrenceID        = "RECURRENCE-ID"
	PropMethod              = "METHOD"
	PropSequence            = "SEQUENCE"
	PropStatus              = "STATUS"
	PropTransp              = "TRANSP"
	PropOrganizer           = "ORGANIZER"
	PropAttendee            = "ATTENDEE"
	PropLocation            = "LOCATION"
	PropStructuredLocation  = "X-APPLE-STRUCTURED-LOCATION"
	PropTravelDuration      = "X-APPLE-TRAVEL-DURATION"
	CompPerUser             = "X-CALENDARSERVER-PERUSER"
	CompPerInstance         = "X-CALENDARSERVER-PERINSTANCE"
	PropPerUserUID          = "X-CALENDARSERVER-PERUSER-UID"
	StatusCancelled         = "CANCELLED"
	StatusTentative         = "TENTATIVE"
	TranspTransparent       = "TRANSPARENT"
	MethodRequest           = "REQUEST"
	MethodReply             = "REPLY"
	MethodCancel            = "CANCEL"
)

var (
	// ErrNoMaster is returned when an operation requires a master
	// component and the tree has none.
	ErrNoMaster = errors.New("caldata: no master component")

	// ErrNotRecurring is returned when a recurrence operation is
	// attempted on a non-recurring object.
	ErrNotRecurring = errors.New("caldata: object is not recurring")
)

// ObjectTree is the in-memory representation of one calendar object:
// a VCALENDAR carrying a master VEVENT, zero or more overrides keyed by
// RECURRENCE-ID, and optional per-user override blocks.
type ObjectTree struct {
	Calendar *ical.Calendar
}

// NewTree creates an empty tree with VERSION and PRODID set.
func NewTree() *ObjectTree {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calserv//scheduling//EN")
	return &ObjectTree{Calendar: cal}
}

// Parse decodes RFC 5545 text into an ObjectTree.
func Parse(data string) (*ObjectTree, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("caldata: decode calendar: %w", err)
	}
	return &ObjectTree{Calendar: cal}, nil
}

// Serialize encodes the tree to RFC 5545 text. Missing VERSION, PRODID
// and DTSTAMP values are filled in so the output always round-trips.
func (t *ObjectTree) Serialize() (string, error) {
	if t.Calendar.Props.Get(ical.PropVersion) == nil {
		t.Calendar.Props.SetText(ical.PropVersion, "2.0")
	}
	if t.Calendar.Props.Get(ical.PropProductID) == nil {
		t.Calendar.Props.SetText(ical.PropProductID, "-//calserv//scheduling//EN")
	}
	for _, comp := range t.EventComponents() {
		if comp.Props.Get(ical.PropDateTimeStamp) == nil {
			comp.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
		}
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(t.Calendar); err != nil {
		return "", fmt.Errorf("caldata: encode calendar: %w", err)
	}
	return buf.String(), nil
}

// Size returns the serialized size in bytes, or 0 if encoding fails.
func (t *ObjectTree) Size() int {
	data, err := t.Serialize()
	if err != nil {
		return 0
	}
	return len(data)
}

// Clone returns a deep copy sharing no state with the receiver.
func (t *ObjectTree) Clone() *ObjectTree {
	return &ObjectTree{Calendar: &ical.Calendar{Component: cloneComponent(t.Calendar.Component)}}
}

func cloneComponent(c *ical.Component) *ical.Component {
	out := &ical.Component{
		Name:  c.Name,
		Props: make(ical.Props, len(c.Props)),
	}
	for name, props := range c.Props {
		copied := make([]ical.Prop, len(props))
		for i, p := range props {
			copied[i] = ical.Prop{Name: p.Name, Value: p.Value, Params: cloneParams(p.Params)}
		}
		out.Props[name] = copied
	}
	for _, child := range c.Children {
		out.Children = append(out.Children, cloneComponent(child))
	}
	return out
}

func cloneParams(params ical.Params) ical.Params {
	if params == nil {
		return nil
	}
	out := make(ical.Params, len(params))
	for k, v := range params {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// EventComponents returns all VEVENT children, master and overrides.
func (t *ObjectTree) EventComponents() []*ical.Component {
	var comps []*ical.Component
	for _, child := range t.Calendar.Children {
		if child.Name == ical.CompEvent {
			comps = append(comps, child)
		}
	}
	return comps
}

// Master returns the component without a RECURRENCE-ID, or nil.
func (t *ObjectTree) Master() *ical.Component {
	for _, comp := range t.EventComponents() {
		if comp.Props.Get(PropRecurrenceID) == nil {
			return comp
		}
	}
	return nil
}

// Overrides returns all components carrying a RECURRENCE-ID.
func (t *ObjectTree) Overrides() []*ical.Component {
	var comps []*ical.Component
	for _, comp := range t.EventComponents() {
		if comp.Props.Get(PropRecurrenceID) != nil {
			comps = append(comps, comp)
		}
	}
	return comps
}

// Canonical returns the component carrying organizer-side truth: the
// master, or if the master is absent, the first override.
func (t *ObjectTree) Canonical() *ical.Component {
	if master := t.Master(); master != nil {
		return master
	}
	comps := t.EventComponents()
	if len(comps) == 0 {
		return nil
	}
	return comps[0]
}

// UID returns the object UID from the canonical component.
func (t *ObjectTree) UID() string {
	comp := t.Canonical()
	if comp == nil {
		return ""
	}
	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		return prop.Value
	}
	return ""
}

// SetUID rewrites the UID on every event component.
func (t *ObjectTree) SetUID(uid string) {
	for _, comp := range t.EventComponents() {
		comp.Props.SetText(ical.PropUID, uid)
	}
}

// Method returns the iTIP METHOD at the VCALENDAR level, if any.
func (t *ObjectTree) Method() string {
	if prop := t.Calendar.Props.Get(PropMethod); prop != nil {
		return strings.ToUpper(prop.Value)
	}
	return ""
}

// SetMethod sets the iTIP METHOD; an empty value removes it.
func (t *ObjectTree) SetMethod(method string) {
	if method == "" {
		t.Calendar.Props.Del(PropMethod)
		return
	}
	t.Calendar.Props.SetText(PropMethod, method)
}

// Sequence returns the SEQUENCE of the canonical component (0 if unset).
func (t *ObjectTree) Sequence() int {
	comp := t.Canonical()
	if comp == nil {
		return 0
	}
	prop := comp.Props.Get(PropSequence)
	if prop == nil {
		return 0
	}
	seq, err := strconv.Atoi(prop.Value)
	if err != nil {
		return 0
	}
	return seq
}

// BumpSequence increments SEQUENCE on every event component.
func (t *ObjectTree) BumpSequence() {
	next := t.Sequence() + 1
	for _, comp := range t.EventComponents() {
		comp.Props.SetText(PropSequence, strconv.Itoa(next))
	}
}

// Organizer returns the ORGANIZER calendar user address, if present.
func (t *ObjectTree) Organizer() string {
	comp := t.Canonical()
	if comp == nil {
		return ""
	}
	if prop := comp.Props.Get(PropOrganizer); prop != nil {
		return prop.Value
	}
	return ""
}

// SetOrganizerParam sets one parameter on the ORGANIZER property of
// every event component that carries one.
func (t *ObjectTree) SetOrganizerParam(param, value string) {
	for _, comp := range t.EventComponents() {
		props := comp.Props.Values(PropOrganizer)
		for i := range props {
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

// RelatedTo returns the recurrence-set linkage token, if present.
func (t *ObjectTree) RelatedTo() string {
	comp := t.Canonical()
	if comp == nil {
		return ""
	}
	for _, prop := range comp.Props.Values(PropRelatedTo) {
		if strings.EqualFold(prop.Params.Get(ParamRelType), RelTypeRecurrenceSet) {
			return prop.Value
		}
	}
	return ""
}

// SetRelatedTo stamps the recurrence-set linkage token on every event
// component, replacing any previous token.
func (t *ObjectTree) SetRelatedTo(token string) {
	for _, comp := range t.EventComponents() {
		kept := make([]ical.Prop, 0)
		for _, prop := range comp.Props.Values(PropRelatedTo) {
			if !strings.EqualFold(prop.Params.Get(ParamRelType), RelTypeRecurrenceSet) {
				kept = append(kept, prop)
			}
		}
		link := ical.NewProp(PropRelatedTo)
		link.Params.Set(ParamRelType, RelTypeRecurrenceSet)
		link.Value = token
		kept = append(kept, *link)
		comp.Props[PropRelatedTo] = kept
	}
}

// SplitMarkers reads the split annotation at the VCALENDAR level of an
// inbound iTIP message. ok is false when the message carries no marker.
func (t *ObjectTree) SplitMarkers() (olderUID string, rid time.Time, ok bool) {
	uidProp := t.Calendar.Props.Get(PropSplitOlderUID)
	ridProp := t.Calendar.Props.Get(PropSplitRecurrenceID)
	if uidProp == nil || ridProp == nil {
		return "", time.Time{}, false
	}
	parsed, err := parseICalDateTime(ridProp.Value, ridProp.Params)
	if err != nil {
		return "", time.Time{}, false
	}
	return uidProp.Value, parsed, true
}

// SetSplitMarkers annotates an outbound iTIP message with the split
// linkage: the UID of the past half and the boundary recurrence-id.
// The markers live at the top of the VCALENDAR, not inside the VEVENT.
func (t *ObjectTree) SetSplitMarkers(olderUID string, rid time.Time) {
	t.Calendar.Props.SetText(PropSplitOlderUID, olderUID)
	ridProp := ical.NewProp(PropSplitRecurrenceID)
	ridProp.Params.Set(ical.ParamValue, "DATE-TIME")
	ridProp.Value = rid.UTC().Format(icalDateTimeLayout)
	t.Calendar.Props.Set(ridProp)
}

// ClearSplitMarkers removes the split annotation.
func (t *ObjectTree) ClearSplitMarkers() {
	t.Calendar.Props.Del(PropSplitOlderUID)
	t.Calendar.Props.Del(PropSplitRecurrenceID)
}

const (
	icalDateTimeLayout = "20060102T150405Z"
	icalDateLayout     = "20060102"
)

// parseICalDateTime parses a DATE-TIME or DATE value the way stored
// calendar data actually uses them: UTC date-times, with date-only
// values normalized to midnight UTC.
func parseICalDateTime(value string, params ical.Params) (time.Time, error) {
	isDateOnly := params != nil && strings.EqualFold(params.Get(ical.ParamValue), "DATE")
	if isDateOnly {
		d, err := time.Parse(icalDateLayout, value)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	if ts, err := time.Parse(icalDateTimeLayout, value); err == nil {
		return ts, nil
	}
	// Floating local times are treated as UTC.
	if ts, err := time.Parse("20060102T150405", value); err == nil {
		return ts.UTC(), nil
	}
	d, err := time.Parse(icalDateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("caldata: unparseable date-time %q", value)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
}

// ComponentStart returns DTSTART of a component.
func ComponentStart(comp *ical.Component) (time.Time, error) {
	prop := comp.Props.Get(ical.PropDateTimeStart)
	if prop == nil {
		return time.Time{}, fmt.Errorf("caldata: component has no DTSTART")
	}
	return parseICalDateTime(prop.Value, prop.Params)
}

// ComponentEnd returns the effective end of a component: DTEND, or
// DTSTART+DURATION, or DTSTART itself for instantaneous events.
func ComponentEnd(comp *ical.Component) (time.Time, error) {
	start, err := ComponentStart(comp)
	if err != nil {
		return time.Time{}, err
	}
	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		return parseICalDateTime(prop.Value, prop.Params)
	}
	if prop := comp.Props.Get(ical.PropDuration); prop != nil {
		dur, err := prop.Duration()
		if err != nil {
			return time.Time{}, fmt.Errorf("caldata: bad DURATION: %w", err)
		}
		return start.Add(dur), nil
	}
	return start, nil
}

// OverrideRecurrenceID returns the RECURRENCE-ID of an override.
func OverrideRecurrenceID(comp *ical.Component) (time.Time, error) {
	prop := comp.Props.Get(PropRecurrenceID)
	if prop == nil {
		return time.Time{}, fmt.Errorf("caldata: component has no RECURRENCE-ID")
	}
	return parseICalDateTime(prop.Value, prop.Params)
}

// SetDateTimeUTC writes a UTC DATE-TIME property value.
func SetDateTimeUTC(comp *ical.Component, name string, t time.Time) {
	prop := ical.NewProp(name)
	prop.Value = t.UTC().Format(icalDateTimeLayout)
	comp.Props.Set(prop)
}

// FormatDateTimeUTC renders a time in iCalendar UTC DATE-TIME form.
func FormatDateTimeUTC(t time.Time) string {
	return t.UTC().Format(icalDateTimeLayout)
}

// ParseDateTime is the exported entry point for parsing property
// values elsewhere in the engine.
func ParseDateTime(value string, params ical.Params) (time.Time, error) {
	return parseICalDateTime(value, params)
}
