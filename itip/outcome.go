package itip

import (
	"github.com/samber/mo"

	"github.com/calserv/scheduling/caldata"
	"github.com/calserv/scheduling/storage"
)

// WriteOutcome is the explicit result of a processed write: whether the
// time-range index was recomputed, and whether deferred split work was
// scheduled (carrying the work item's resource ID when it was).
type WriteOutcome struct {
	Indexed        bool
	SplitScheduled mo.Option[string]
}

// SplitScheduler is the split engine as seen by the scheduling
// processor: it evaluates the organizer's freshly written object
// against the size and age thresholds.
type SplitScheduler interface {
	// EvaluateOnWrite checks split candidacy after an organizer write
	// and either enqueues deferred work or flags the record. Attendee
	// writes must never reach this.
	EvaluateOnWrite(txn storage.Txn, rec *storage.ObjectRecord, tree *caldata.ObjectTree) (mo.Option[string], error)
}
