package itip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/calserv/scheduling/caldata"
	"github.com/calserv/scheduling/config"
	"github.com/calserv/scheduling/directory"
	"github.com/calserv/scheduling/recurrence"
	"github.com/calserv/scheduling/storage"
	"github.com/calserv/scheduling/timerange"
)

// Processor is the implicit scheduling engine. It owns the organizer
// and attendee write paths and the inbound iTIP message path.
type Processor struct {
	dir       directory.Directory
	transport Transport
	indexer   *timerange.Indexer
	splits    SplitScheduler
	cfg       config.Config
	logger    *slog.Logger

	now func() time.Time

	repairs atomic.Int64
}

// NewProcessor wires the processor with its collaborators. The split
// scheduler is attached separately to break the construction cycle
// between the two engines.
func NewProcessor(cfg config.Config, dir directory.Directory, transport Transport, indexer *timerange.Indexer, logger *slog.Logger) *Processor {
	return &Processor{
		dir:       dir,
		transport: transport,
		indexer:   indexer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetSplitScheduler attaches the split engine used after organizer
// writes.
func (p *Processor) SetSplitScheduler(s SplitScheduler) { p.splits = s }

// SetClock overrides the processor's notion of now, for tests.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// Repairs reports how many malformed attendee copies were auto-repaired.
func (p *Processor) Repairs() int64 { return p.repairs.Load() }

// ProcessOrganizerWrite handles a local write to the organizer's copy:
// group expansion, hosted-status tagging, room enrichment, per-attendee
// fan-out (local copies updated in place, external attendees notified
// through the transport), reindexing, and split-candidacy evaluation.
//
// oldTree is nil on create. The record is persisted with the final
// tree, including any recorded SCHEDULE-STATUS values.
func (p *Processor) ProcessOrganizerWrite(ctx context.Context, txn storage.Txn, rec *storage.ObjectRecord, oldTree, newTree *caldata.ObjectTree) (WriteOutcome, error) {
	var outcome WriteOutcome

	if err := newTree.Validate(); err != nil {
		return outcome, err
	}
	if _, err := p.expandGroupAttendees(ctx, newTree); err != nil {
		return outcome, err
	}
	p.applyHostedStatus(ctx, newTree)
	p.enrichRoomLocations(ctx, newTree)

	organizer := strings.ToLower(newTree.Organizer())
	changes := caldata.DiffAttendees(oldTree, newTree)

	var externalRequest, externalCancel []string
	for _, change := range changes {
		if strings.ToLower(change.URI) == organizer {
			continue
		}
		record, err := p.dir.Lookup(ctx, change.URI)
		if err != nil {
			if !errors.Is(err, directory.ErrNotFound) {
				p.logger.Warn("directory lookup failed, treating attendee as external",
					"attendee", change.URI, "error", err)
			}
			if change.Removed {
				externalCancel = append(externalCancel, change.URI)
			} else {
				externalRequest = append(externalRequest, change.URI)
			}
			continue
		}
		if record.Type == directory.TypeGroup {
			// Groups are expanded, never scheduled directly.
			continue
		}

		if change.Removed {
			if err := p.removeAttendeeCopy(txn, record.UID, newTree.UID(), newTree.Organizer()); err != nil {
				return outcome, err
			}
			continue
		}
		kind := NotifyUpdate
		if change.Added {
			kind = NotifyInvite
		}
		if err := p.upsertAttendeeCopy(txn, record.UID, newTree, newTree.Organizer(), kind); err != nil {
			return outcome, err
		}
	}

	if len(externalRequest) > 0 {
		p.sendExternal(ctx, newTree, newTree.Organizer(), caldata.MethodRequest, externalRequest, newTree)
	}
	if len(externalCancel) > 0 && oldTree != nil {
		p.sendExternal(ctx, oldTree, newTree.Organizer(), caldata.MethodCancel, externalCancel, newTree)
	}

	indexed, err := p.indexer.Update(txn, rec.ResourceID, oldTree, newTree)
	if err != nil {
		return outcome, err
	}
	outcome.Indexed = indexed

	rec.ScheduleObject = true
	if err := p.persistRecord(txn, rec, newTree); err != nil {
		return outcome, err
	}

	outcome.SplitScheduled = mo.None[string]()
	if p.splits != nil {
		scheduled, err := p.splits.EvaluateOnWrite(txn, rec, newTree)
		if err != nil {
			return outcome, err
		}
		outcome.SplitScheduled = scheduled
	}
	return outcome, nil
}

// ProcessAttendeeWrite handles a local write made by an attendee to
// their own copy: a PARTSTAT reply, or a per-user override change.
// Attendee writes never trigger splits, regardless of object size.
func (p *Processor) ProcessAttendeeWrite(ctx context.Context, txn storage.Txn, rec *storage.ObjectRecord, oldTree, newTree *caldata.ObjectTree, attendeeURI string) (WriteOutcome, error) {
	var outcome WriteOutcome

	if err := newTree.Validate(); err != nil {
		return outcome, err
	}

	indexed, err := p.indexer.Update(txn, rec.ResourceID, oldTree, newTree)
	if err != nil {
		return outcome, err
	}
	outcome.Indexed = indexed
	outcome.SplitScheduled = mo.None[string]()

	if caldata.PartStatOnlyChange(oldTree, newTree, attendeeURI) {
		if att, ok := caldata.FindAttendee(newTree.Canonical(), attendeeURI); ok {
			organizer := newTree.Organizer()
			orgRecord, lookupErr := p.dir.Lookup(ctx, organizer)
			if lookupErr != nil {
				// External organizer: the attendee originates the REPLY,
				// and the delivery status lands on the ORGANIZER property
				// of the copy persisted below.
				reply := newTree.Clone()
				reply.SetMethod(caldata.MethodReply)
				p.sendExternal(ctx, reply, attendeeURI, caldata.MethodReply, []string{organizer}, newTree)
			} else if err := p.applyReplyToOrganizerCopy(txn, orgRecord.UID, newTree.UID(), att); err != nil {
				return outcome, err
			}
		}
	}

	if err := p.persistRecord(txn, rec, newTree); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// ProcessInbound applies an inbound iTIP message addressed to a local
// calendar user.
func (p *Processor) ProcessInbound(ctx context.Context, txn storage.Txn, recipientUID string, msg *caldata.ObjectTree) error {
	if _, err := txn.EnsureHome(recipientUID); err != nil {
		return err
	}

	switch msg.Method() {
	case caldata.MethodRequest:
		if olderUID, rid, ok := msg.SplitMarkers(); ok {
			return p.applyInboundSplit(ctx, txn, recipientUID, msg, olderUID, rid)
		}
		return p.applyInboundRequest(ctx, txn, recipientUID, msg)
	case caldata.MethodCancel:
		if olderUID, rid, ok := msg.SplitMarkers(); ok {
			if err := p.applyInboundSplit(ctx, txn, recipientUID, msg, olderUID, rid); err != nil {
				return err
			}
		}
		return p.applyInboundCancel(ctx, txn, recipientUID, msg)
	case caldata.MethodReply:
		return p.applyInboundReply(txn, recipientUID, msg)
	default:
		return fmt.Errorf("itip: unsupported method %q", msg.Method())
	}
}

// --- organizer-side fan-out helpers ---

// sendExternal delivers a scheduling message to external recipients on
// behalf of the originator and records per-recipient SCHEDULE-STATUS on
// the local tree. Remote failures never fail the local write.
func (p *Processor) sendExternal(ctx context.Context, base *caldata.ObjectTree, originator, method string, recipients []string, statusTarget *caldata.ObjectTree) {
	msg := base.Clone()
	msg.SetMethod(method)

	statuses, err := p.transport.SendViaExternalProtocol(ctx, originator, recipients, msg)
	if err != nil {
		p.logger.Warn("external scheduling delivery failed",
			"method", method, "recipients", recipients, "error", err)
		for _, r := range recipients {
			p.recordScheduleStatus(statusTarget, r, StatusDeliveryFailed)
		}
		return
	}
	for _, st := range statuses {
		p.recordScheduleStatus(statusTarget, st.Recipient, st.Status)
	}
}

// recordScheduleStatus writes a delivery status onto the property that
// names the recipient: the matching ATTENDEE, or the ORGANIZER when the
// message went to the organizer, as a REPLY does.
func (p *Processor) recordScheduleStatus(tree *caldata.ObjectTree, recipient, status string) {
	if strings.EqualFold(recipient, tree.Organizer()) {
		tree.SetOrganizerParam(caldata.ParamScheduleStatus, status)
		return
	}
	tree.SetAttendeeParam(recipient, caldata.ParamScheduleStatus, status)
}

// upsertAttendeeCopy writes the attendee's view of the object into the
// attendee's home, preserving their per-user overrides. A malformed
// previous copy is auto-repaired in place before the update applies.
func (p *Processor) upsertAttendeeCopy(txn storage.Txn, homeID string, tree *caldata.ObjectTree, changedBy, kind string) error {
	if _, err := txn.EnsureHome(homeID); err != nil {
		return err
	}

	view := tree.Clone()
	view.SetMethod("")
	view.ClearSplitMarkers()

	existing, err := txn.GetObjectByUID(homeID, tree.UID())
	switch {
	case err == nil:
		prev, perr := caldata.Parse(existing.Data)
		if perr != nil {
			p.logger.Error("unreadable attendee copy, replacing",
				"home", homeID, "uid", tree.UID(), "error", perr)
			prev = nil
		} else if verr := prev.Validate(); verr != nil {
			// Self-healing: fix the stored copy and continue as if it
			// had been correct all along.
			if prev.Repair() {
				p.repairs.Add(1)
				p.logger.Warn("auto-repaired malformed attendee copy",
					"home", homeID, "uid", tree.UID(), "cause", verr)
			} else {
				p.logger.Error("attendee copy invalid and unrepairable, replacing",
					"home", homeID, "uid", tree.UID(), "cause", verr)
				prev = nil
			}
		}
		if prev != nil {
			view.MergePerUserData(prev)
		}
		if _, err := p.indexer.Update(txn, existing.ResourceID, prev, view); err != nil {
			return err
		}
		if err := p.persistRecord(txn, existing, view); err != nil {
			return err
		}
	case errors.Is(err, storage.ErrNotFound):
		newRec := &storage.ObjectRecord{
			ResourceID:     uuid.New().String(),
			HomeID:         homeID,
			CollectionID:   "calendar",
			UID:            tree.UID(),
			ScheduleObject: true,
		}
		if _, err := p.indexer.Update(txn, newRec.ResourceID, nil, view); err != nil {
			return err
		}
		if err := p.persistRecord(txn, newRec, view); err != nil {
			return err
		}
	default:
		return err
	}

	item, err := NewInboxNotification(homeID, kind, tree.UID(), changedBy, p.now())
	if err != nil {
		return err
	}
	return txn.AddInboxItem(item)
}

// removeAttendeeCopy deletes the attendee's copy after they were
// uninvited, de-scheduling any pending split work for it.
func (p *Processor) removeAttendeeCopy(txn storage.Txn, homeID, uid, changedBy string) error {
	existing, err := txn.GetObjectByUID(homeID, uid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := txn.DeleteObject(homeID, existing.ResourceID); err != nil {
		return err
	}
	if err := p.indexer.Remove(txn, existing.ResourceID); err != nil {
		return err
	}
	if err := txn.DeleteSplitWork(existing.ResourceID); err != nil {
		return err
	}
	item, err := NewInboxNotification(homeID, NotifyCancel, uid, changedBy, p.now())
	if err != nil {
		return err
	}
	return txn.AddInboxItem(item)
}

// applyReplyToOrganizerCopy records an attendee's PARTSTAT on the
// organizer's stored copy.
func (p *Processor) applyReplyToOrganizerCopy(txn storage.Txn, organizerHome, uid string, att caldata.Attendee) error {
	orgRec, err := txn.GetObjectByUID(organizerHome, uid)
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("reply for unknown organizer object dropped",
			"home", organizerHome, "uid", uid)
		return nil
	}
	if err != nil {
		return err
	}
	orgTree, err := caldata.Parse(orgRec.Data)
	if err != nil {
		return err
	}
	orgTree.SetAttendeeParam(att.URI, caldata.ParamPartStat, att.PartStat)
	orgTree.SetAttendeeParam(att.URI, caldata.ParamScheduleStatus, StatusDelivered)
	return p.persistRecord(txn, orgRec, orgTree)
}

// --- attendee-side inbound helpers ---

func (p *Processor) applyInboundRequest(ctx context.Context, txn storage.Txn, homeID string, msg *caldata.ObjectTree) error {
	return p.upsertAttendeeCopy(txn, homeID, msg, msg.Organizer(), NotifyUpdate)
}

// applyInboundCancel marks or removes cancelled instances. When every
// instance is gone, the whole object is removed along with its index
// rows and any pending split work.
func (p *Processor) applyInboundCancel(ctx context.Context, txn storage.Txn, homeID string, msg *caldata.ObjectTree) error {
	existing, err := txn.GetObjectByUID(homeID, msg.UID())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	tree, err := caldata.Parse(existing.Data)
	if err != nil {
		return err
	}

	cancelled := msg.Overrides()
	if len(cancelled) == 0 {
		// Whole-series cancel.
		return p.deleteObject(txn, homeID, existing, msg.Organizer())
	}

	master := tree.Master()
	for _, comp := range cancelled {
		rid, err := caldata.OverrideRecurrenceID(comp)
		if err != nil {
			continue
		}
		if master != nil {
			caldata.AddExDate(master, rid)
		}
		tree.RemoveOverride(rid)
	}

	empty, err := p.hasNoInstances(tree)
	if err != nil {
		return err
	}
	if empty {
		return p.deleteObject(txn, homeID, existing, msg.Organizer())
	}

	if _, err := p.indexer.Update(txn, existing.ResourceID, nil, tree); err != nil {
		return err
	}
	if err := p.persistRecord(txn, existing, tree); err != nil {
		return err
	}
	item, err := NewInboxNotification(homeID, NotifyCancel, msg.UID(), msg.Organizer(), p.now())
	if err != nil {
		return err
	}
	return txn.AddInboxItem(item)
}

func (p *Processor) deleteObject(txn storage.Txn, homeID string, rec *storage.ObjectRecord, changedBy string) error {
	if err := txn.DeleteObject(homeID, rec.ResourceID); err != nil {
		return err
	}
	if err := p.indexer.Remove(txn, rec.ResourceID); err != nil {
		return err
	}
	if err := txn.DeleteSplitWork(rec.ResourceID); err != nil {
		return err
	}
	item, err := NewInboxNotification(homeID, NotifyCancel, rec.UID, changedBy, p.now())
	if err != nil {
		return err
	}
	return txn.AddInboxItem(item)
}

func (p *Processor) applyInboundReply(txn storage.Txn, homeID string, msg *caldata.ObjectTree) error {
	for _, att := range msg.Attendees() {
		if att.PartStat == "" {
			continue
		}
		if err := p.applyReplyToOrganizerCopy(txn, homeID, msg.UID(), att); err != nil {
			return err
		}
	}
	return nil
}

// applyInboundSplit keeps the attendee's view of a series split in
// lockstep with the organizer's. The message is one half of the split;
// the local copy (if any) still holds the unsplit series and is divided
// at the advertised boundary. A half the attendee was never invited to
// is not materialized: no empty placeholder objects.
func (p *Processor) applyInboundSplit(ctx context.Context, txn storage.Txn, homeID string, msg *caldata.ObjectTree, olderUID string, rid time.Time) error {
	// Already have an object under the message's UID: the split (or
	// this half of it) was applied before; fall through to a plain
	// update so re-delivery stays idempotent.
	if existing, err := txn.GetObjectByUID(homeID, msg.UID()); err == nil {
		stored, perr := caldata.Parse(existing.Data)
		if perr == nil && stored.RelatedTo() == msg.RelatedTo() && msg.RelatedTo() != "" {
			return p.applyInboundRequest(ctx, txn, homeID, msg)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	// The unsplit local copy lives under the future half's UID. For a
	// past-half message that is NOT the message UID.
	futureUID := msg.UID()
	if msg.UID() == olderUID {
		// Past-half message: we cannot know the future UID from the
		// marker alone; the attendee either already holds the series
		// under its original UID (which the past half shares pre-split)
		// or was only ever invited to the past instances.
		futureUID = ""
	}

	var localRec *storage.ObjectRecord
	if futureUID != "" {
		if rec, err := txn.GetObjectByUID(homeID, futureUID); err == nil {
			localRec = rec
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	if localRec == nil {
		// No local series to divide: the attendee only participates in
		// this half. Materialize just it.
		return p.applyInboundRequest(ctx, txn, homeID, msg)
	}

	stored, err := caldata.Parse(localRec.Data)
	if err != nil {
		return err
	}
	past, future, err := stored.SplitTree(rid)
	if err != nil {
		if errors.Is(err, caldata.ErrNotRecurring) || errors.Is(err, caldata.ErrNoMaster) {
			return p.applyInboundRequest(ctx, txn, homeID, msg)
		}
		return err
	}
	past.SetUID(olderUID)

	token := msg.RelatedTo()
	if token == "" {
		token = uuid.New().String()
	}
	past.SetRelatedTo(token)
	future.SetRelatedTo(token)

	addrs := p.addressesForHome(ctx, homeID)

	// Keep the past half only when the attendee still participates in
	// (or carries private data on) at least one surviving instance.
	keepPast, err := p.halfWorthKeeping(past, homeID, addrs)
	if err != nil {
		return err
	}
	if keepPast {
		pastRec, err := txn.GetObjectByUID(homeID, olderUID)
		var prevPast *caldata.ObjectTree
		switch {
		case errors.Is(err, storage.ErrNotFound):
			pastRec = &storage.ObjectRecord{
				ResourceID:     uuid.New().String(),
				HomeID:         homeID,
				CollectionID:   localRec.CollectionID,
				UID:            olderUID,
				ScheduleObject: true,
			}
		case err != nil:
			return err
		default:
			// The past half arrived as its own message before this one;
			// update that copy instead of materializing a second one.
			prevPast, _ = caldata.Parse(pastRec.Data)
		}
		if _, err := p.indexer.Update(txn, pastRec.ResourceID, prevPast, past); err != nil {
			return err
		}
		if err := p.persistRecord(txn, pastRec, past); err != nil {
			return err
		}
	}

	if _, err := p.indexer.Update(txn, localRec.ResourceID, stored, future); err != nil {
		return err
	}
	if err := p.persistRecord(txn, localRec, future); err != nil {
		return err
	}

	// Apply the message's half on top of the freshly split copies.
	if err := p.applyInboundRequest(ctx, txn, homeID, msg); err != nil {
		return err
	}

	item, err := NewInboxNotification(homeID, NotifySplit, futureUID, msg.Organizer(), p.now())
	if err != nil {
		return err
	}
	return txn.AddInboxItem(item)
}

// --- shared helpers ---

func (p *Processor) persistRecord(txn storage.Txn, rec *storage.ObjectRecord, tree *caldata.ObjectTree) error {
	data, err := tree.Serialize()
	if err != nil {
		return err
	}
	rec.Data = data
	rec.UID = tree.UID()
	rec.DataVersion++
	return txn.PutObject(rec)
}

func (p *Processor) addressesForHome(ctx context.Context, homeID string) []string {
	if rec, err := p.dir.LookupUID(ctx, homeID); err == nil {
		return AddressesForRecord(rec)
	}
	return []string{"urn:x-uid:" + homeID}
}

// halfWorthKeeping implements the pruning rule: keep iff at least one
// surviving non-cancelled instance references one of the attendee's
// addresses, or the attendee carries per-user data in the half.
func (p *Processor) halfWorthKeeping(tree *caldata.ObjectTree, homeID string, addrs []string) (bool, error) {
	return AttendeeRetainsInterest(tree, p.now(), homeID, addrs)
}

func (p *Processor) hasNoInstances(tree *caldata.ObjectTree) (bool, error) {
	engine := recurrence.NewEngine(0)
	first, found := tree.EarliestInstanceReference()
	if !found {
		return true, nil
	}
	window := recurrence.Window{Start: first.Add(-24 * time.Hour), End: p.now().AddDate(10, 0, 0)}
	set, err := engine.Expand(tree, window)
	if err != nil {
		return false, err
	}
	return len(set.Instances) == 0, nil
}
