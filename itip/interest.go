package itip

import (
	"time"

	"github.com/calserv/scheduling/caldata"
	"github.com/calserv/scheduling/directory"
	"github.com/calserv/scheduling/recurrence"
)

// AddressesForRecord lists every calendar-user address a directory
// record answers to.
func AddressesForRecord(rec *directory.Record) []string {
	addrs := []string{"urn:x-uid:" + rec.UID}
	addrs = append(addrs, rec.Addresses...)
	if rec.Email != "" {
		addrs = append(addrs, "mailto:"+rec.Email)
	}
	return addrs
}

// AttendeeRetainsInterest reports whether a user still matters to a
// tree: they carry per-user data in it, or participate in at least one
// surviving non-cancelled instance. Used to decide whether a split
// half is worth materializing for an attendee at all.
//
// Expansion here is uncapped: the instance limit guards writes, not
// internal analysis of already-accepted data.
func AttendeeRetainsInterest(tree *caldata.ObjectTree, now time.Time, homeUID string, addrs []string) (bool, error) {
	if tree.HasPerUserData(homeUID) {
		return true, nil
	}

	first, found := tree.EarliestInstanceReference()
	if !found {
		return false, nil
	}
	engine := recurrence.NewEngine(0)
	window := recurrence.Window{Start: first.Add(-24 * time.Hour), End: now.AddDate(10, 0, 0)}
	set, err := engine.Expand(tree, window)
	if err != nil {
		return false, err
	}
	for _, inst := range set.Instances {
		comp := tree.ComponentForInstance(inst.RecurrenceID)
		if comp == nil {
			continue
		}
		for _, addr := range addrs {
			if caldata.ParticipatesIn(comp, addr) {
				return true, nil
			}
		}
	}
	return false, nil
}
