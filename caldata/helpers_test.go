package caldata

import (
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

func perInstance(rid time.Time) *ical.Component {
	inst := &ical.Component{Name: CompPerInstance, Props: make(ical.Props)}
	SetDateTimeUTC(inst, PropRecurrenceID, rid)
	return inst
}

func someTime(t time.Time) mo.Option[time.Time] {
	return mo.Some(t)
}
