// Package timerange maintains the free-busy time-range index: the
// derived set of (start, end, recurring, free-busy-type) tuples used to
// answer availability queries without parsing full calendar data.
package timerange

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-ical"

	"github.com/calserv/scheduling/caldata"
	"github.com/calserv/scheduling/config"
	"github.com/calserv/scheduling/recurrence"
	"github.com/calserv/scheduling/storage"
)

// Free-busy types stored in the index.
const (
	FreeBusyTypeBusy          = "BUSY"
	FreeBusyTypeFree          = "FREE"
	FreeBusyTypeBusyTentative = "BUSY-TENTATIVE"
)

// NeedsReindex is the smart-update decision: given the previously
// stored tree (nil for a create) and the tree being written, it
// reports whether the index must be recomputed. With the optimization
// disabled every write recomputes unconditionally.
//
// This is a pure function of (old, new): no side effects, deterministic.
func NeedsReindex(old, new *caldata.ObjectTree, smartUpdate bool) bool {
	if !smartUpdate || old == nil {
		return true
	}
	return caldata.TimingChanged(old, new)
}

// Indexer computes and persists index entries for calendar objects.
type Indexer struct {
	engine *recurrence.Engine
	cfg    config.Config
	logger *slog.Logger

	// now is injectable for deterministic tests.
	now func() time.Time

	recomputes atomic.Int64
}

// NewIndexer creates an indexer using the configured instance cap.
func NewIndexer(cfg config.Config, logger *slog.Logger) *Indexer {
	return &Indexer{
		engine: recurrence.NewEngine(cfg.MaxAllowedInstances),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the indexer's notion of now, for tests.
func (ix *Indexer) SetClock(now func() time.Time) { ix.now = now }

// Recomputes reports how many times a full recompute ran, so tests can
// assert the smart-update short circuit.
func (ix *Indexer) Recomputes() int64 { return ix.recomputes.Load() }

// Update refreshes the index for one object write. It returns whether
// a recompute actually ran. Recomputing twice on identical input
// yields identical persisted state: entries are replaced wholesale,
// never appended.
func (ix *Indexer) Update(txn storage.Txn, resourceID string, old, new *caldata.ObjectTree) (bool, error) {
	if !NeedsReindex(old, new, ix.cfg.FreeBusyIndexSmartUpdate) {
		ix.logger.Debug("skipping reindex, no free-busy-relevant change",
			"resource_id", resourceID)
		return false, nil
	}

	entries, err := ix.Compute(new)
	if err != nil {
		return false, err
	}
	if err := txn.ReplaceIndex(resourceID, entries); err != nil {
		return false, err
	}
	ix.recomputes.Add(1)
	ix.logger.Debug("reindexed object",
		"resource_id", resourceID, "instances", len(entries))
	return true, nil
}

// Remove drops the index rows of a deleted object.
func (ix *Indexer) Remove(txn storage.Txn, resourceID string) error {
	return txn.DropIndex(resourceID)
}

// Compute expands the object inside the configured window and maps
// each instance to an index entry. An event with zero instances after
// EXDATE exclusion indexes as an empty set; that is not an error.
func (ix *Indexer) Compute(tree *caldata.ObjectTree) ([]storage.IndexEntry, error) {
	return ix.computeWindow(tree, recurrence.DefaultWindow(ix.now().UTC()))
}

// FreeBusyInWindow answers an availability query for one object.
// Queries inside the default expansion window are served from the
// stored index. Wider queries expand on demand: with delayed expansion
// enabled the result is transient, otherwise the stored index is
// widened and persisted so later queries hit the index again.
func (ix *Indexer) FreeBusyInWindow(txn storage.Txn, resourceID string, tree *caldata.ObjectTree, window recurrence.Window) ([]storage.IndexEntry, error) {
	def := recurrence.DefaultWindow(ix.now().UTC())
	if !window.Start.Before(def.Start) && !window.End.After(def.End) {
		entries, err := txn.IndexEntries(resourceID)
		if err != nil {
			return nil, err
		}
		return overlapping(entries, window), nil
	}

	if ix.cfg.FreeBusyIndexDelayedExpand {
		// Expand just the requested span, transiently.
		entries, err := ix.computeWindow(tree, window)
		if err != nil {
			return nil, err
		}
		return overlapping(entries, window), nil
	}

	// Widen the stored index to cover the union of the default and
	// requested windows, so the next query is served from the index.
	union := recurrence.Window{
		Start: minTime(def.Start, window.Start),
		End:   maxTime(def.End, window.End),
	}
	entries, err := ix.computeWindow(tree, union)
	if err != nil {
		return nil, err
	}
	if err := txn.ReplaceIndex(resourceID, entries); err != nil {
		return nil, err
	}
	ix.recomputes.Add(1)
	return overlapping(entries, window), nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func overlapping(entries []storage.IndexEntry, w recurrence.Window) []storage.IndexEntry {
	var out []storage.IndexEntry
	for _, e := range entries {
		if e.End.After(w.Start) && e.Start.Before(w.End) {
			out = append(out, e)
		}
	}
	return out
}

func (ix *Indexer) computeWindow(tree *caldata.ObjectTree, window recurrence.Window) ([]storage.IndexEntry, error) {
	set, err := ix.engine.Expand(tree, window)
	if err != nil {
		return nil, err
	}

	recurring := false
	if master := tree.Master(); master != nil {
		if prop := master.Props.Get(ical.PropRecurrenceRule); prop != nil && prop.Value != "" {
			recurring = true
		}
	}

	entries := make([]storage.IndexEntry, 0, len(set.Instances))
	for _, inst := range set.Instances {
		comp := componentFor(tree, inst)
		start, end := inst.Start, inst.End
		if comp != nil {
			start, end = extendForTravel(comp, start, end)
		}
		entries = append(entries, storage.IndexEntry{
			Start:        start.UTC(),
			End:          end.UTC(),
			Recurring:    recurring,
			FreeBusyType: freeBusyType(comp),
		})
	}
	return entries, nil
}

func componentFor(tree *caldata.ObjectTree, inst recurrence.Instance) *ical.Component {
	if inst.Overridden {
		for _, comp := range tree.Overrides() {
			if rid, err := caldata.OverrideRecurrenceID(comp); err == nil && rid.Equal(inst.RecurrenceID) {
				return comp
			}
		}
	}
	return tree.Master()
}

// freeBusyType maps STATUS and TRANSP to the index's free-busy type:
// cancelled or transparent instances contribute FREE, tentative ones
// BUSY-TENTATIVE, everything else BUSY.
func freeBusyType(comp *ical.Component) string {
	if comp == nil {
		return FreeBusyTypeBusy
	}
	if prop := comp.Props.Get(caldata.PropStatus); prop != nil {
		switch strings.ToUpper(prop.Value) {
		case caldata.StatusCancelled:
			return FreeBusyTypeFree
		case caldata.StatusTentative:
			return FreeBusyTypeBusyTentative
		}
	}
	if prop := comp.Props.Get(caldata.PropTransp); prop != nil &&
		strings.EqualFold(prop.Value, caldata.TranspTransparent) {
		return FreeBusyTypeFree
	}
	return FreeBusyTypeBusy
}

// extendForTravel widens the busy window by the travel duration when
// the event carries a travel-time property.
func extendForTravel(comp *ical.Component, start, end time.Time) (time.Time, time.Time) {
	prop := comp.Props.Get(caldata.PropTravelDuration)
	if prop == nil {
		return start, end
	}
	dur, err := prop.Duration()
	if err != nil || dur <= 0 {
		return start, end
	}
	return start.Add(-dur), end
}
