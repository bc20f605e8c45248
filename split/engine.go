// Package split decides when a calendar object's recurring series has
// grown too large or too old and divides it into a past half (new
// identity) and a future half (original identity), linked through a
// shared RELATED-TO token. Automatic splits run deferred through the
// work queue; manual splits run synchronously.
package split

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/calserv/scheduling/caldata"
	"github.com/calserv/scheduling/config"
	"github.com/calserv/scheduling/directory"
	"github.com/calserv/scheduling/itip"
	"github.com/calserv/scheduling/recurrence"
	"github.com/calserv/scheduling/storage"
	"github.com/calserv/scheduling/timerange"
)

// Engine owns split decision and execution. It implements
// itip.SplitScheduler for the organizer write path.
type Engine struct {
	dir       directory.Directory
	transport itip.Transport
	indexer   *timerange.Indexer
	cfg       config.Config
	logger    *slog.Logger

	now func() time.Time
}

func NewEngine(cfg config.Config, dir directory.Directory, transport itip.Transport, indexer *timerange.Indexer, logger *slog.Logger) *Engine {
	return &Engine{
		dir:       dir,
		transport: transport,
		indexer:   indexer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the engine's notion of now, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// EvaluateOnWrite classifies the object after an organizer write and,
// when it qualifies, enqueues deferred split work with the configured
// delay. With splitting disabled the object is only flagged. Dedup is
// the queue's job: a second qualifying write before the first item
// runs pushes its NotBefore instead of adding a duplicate.
func (e *Engine) EvaluateOnWrite(txn storage.Txn, rec *storage.ObjectRecord, tree *caldata.ObjectTree) (mo.Option[string], error) {
	none := mo.None[string]()

	if !e.qualifies(tree) {
		if rec.SplitFlagged {
			rec.SplitFlagged = false
			if err := txn.PutObject(rec); err != nil {
				return none, err
			}
		}
		return none, nil
	}

	if !e.cfg.Splitting.Enabled {
		if !rec.SplitFlagged {
			rec.SplitFlagged = true
			if err := txn.PutObject(rec); err != nil {
				return none, err
			}
			e.logger.Info("object qualifies for split but splitting is disabled, flagged",
				"resource", rec.ResourceID, "uid", rec.UID)
		}
		return none, nil
	}

	notBefore := e.now().Add(e.cfg.Splitting.DelayDuration())
	created, err := txn.EnqueueSplitWork(rec.HomeID, rec.ResourceID, notBefore)
	if err != nil {
		return none, err
	}
	e.logger.Debug("split work scheduled",
		"resource", rec.ResourceID, "not_before", notBefore, "created", created)
	return mo.Some(rec.ResourceID), nil
}

// qualifies reports whether the object is a split candidate: a
// recurring series whose serialized size exceeds the threshold or
// whose oldest instance lies further back than the past window.
func (e *Engine) qualifies(tree *caldata.ObjectTree) bool {
	master := tree.Master()
	if master == nil || master.Props.Get(ical.PropRecurrenceRule) == nil {
		return false
	}
	if tree.Size() > e.cfg.Splitting.Size {
		return true
	}
	first, found := tree.EarliestInstanceReference()
	if !found {
		return false
	}
	return first.Before(e.now().Add(-e.cfg.Splitting.PastDuration()))
}

// SplitAt performs a synchronous, caller-requested split of the object
// at the given boundary. The boundary snaps to the nearest instance at
// or before it. pastUID names the past half; empty means mint one.
// Fails with InvalidSplitError when the caller is not the organizer,
// the boundary falls outside the series, or pastUID collides.
func (e *Engine) SplitAt(ctx context.Context, txn storage.Txn, homeID, resourceID, callerURI string, boundary time.Time, pastUID string) (*storage.ObjectRecord, error) {
	rec, err := txn.GetObject(homeID, resourceID)
	if err != nil {
		return nil, err
	}
	tree, err := caldata.Parse(rec.Data)
	if err != nil {
		return nil, err
	}

	if !e.isOrganizer(ctx, tree, callerURI) {
		return nil, invalidSplit(ReasonNotOrganizer, "%s is not the organizer of %s", callerURI, tree.UID())
	}

	snapped, err := e.boundaryInstance(tree, boundary)
	if err != nil {
		return nil, err
	}

	if pastUID == "" {
		pastUID = uuid.New().String()
	}
	if pastUID == tree.UID() {
		return nil, invalidSplit(ReasonUIDCollision, "past UID equals the current UID %s", pastUID)
	}
	if _, err := txn.GetObjectByUID(homeID, pastUID); err == nil {
		return nil, invalidSplit(ReasonUIDCollision, "UID %s already exists in home %s", pastUID, homeID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	return e.performSplit(ctx, txn, rec, tree, snapped, pastUID)
}

// ExecuteDeferred runs one claimed work item. A vanished resource, an
// object that no longer qualifies, or a boundary that no longer falls
// inside the series all complete the item without error, which is what
// makes at-least-once delivery safe.
func (e *Engine) ExecuteDeferred(ctx context.Context, txn storage.Txn, item *storage.SplitWorkItem) error {
	rec, err := txn.GetObject(item.HomeID, item.ResourceID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Debug("split work target gone, dropping item", "resource", item.ResourceID)
		return nil
	}
	if err != nil {
		return err
	}
	tree, err := caldata.Parse(rec.Data)
	if err != nil {
		e.logger.Error("split work target unparseable, dropping item",
			"resource", item.ResourceID, "error", err)
		return nil
	}
	if !e.qualifies(tree) {
		return nil
	}

	boundary := e.now().Add(-e.cfg.Splitting.PastDuration())
	snapped, err := e.boundaryInstance(tree, boundary)
	if err != nil {
		var invalid *InvalidSplitError
		if errors.As(err, &invalid) {
			e.logger.Debug("deferred split no longer applicable",
				"resource", item.ResourceID, "reason", invalid.Reason)
			return nil
		}
		return err
	}

	_, err = e.performSplit(ctx, txn, rec, tree, snapped, uuid.New().String())
	return err
}

// boundaryInstance validates the boundary against the expanded series
// and snaps it to the nearest instance start at or before it. The
// snapped boundary must lie strictly between the first and last
// instance.
func (e *Engine) boundaryInstance(tree *caldata.ObjectTree, boundary time.Time) (time.Time, error) {
	first, found := tree.EarliestInstanceReference()
	if !found {
		return time.Time{}, invalidSplit(ReasonNotRecurring, "object has no instances")
	}
	// Uncapped: the instance limit guards writes, not boundary analysis.
	engine := recurrence.NewEngine(0)
	window := recurrence.Window{Start: first.Add(-24 * time.Hour), End: e.now().AddDate(10, 0, 0)}
	set, err := engine.Expand(tree, window)
	if err != nil {
		return time.Time{}, err
	}
	firstInst, ok := set.First()
	if !ok {
		return time.Time{}, invalidSplit(ReasonNotRecurring, "object has no instances")
	}
	if !boundary.After(firstInst.Start) {
		return time.Time{}, invalidSplit(ReasonBoundaryTooEarly,
			"boundary %s at or before first instance %s", boundary, firstInst.Start)
	}
	if recurrence.SeriesBounded(tree) {
		if last, ok := set.Last(); ok && !boundary.Before(last.Start) {
			return time.Time{}, invalidSplit(ReasonBoundaryTooLate,
				"boundary %s at or after last instance %s", boundary, last.Start)
		}
	}
	snapped, ok := set.SnapAtOrBefore(boundary)
	if !ok || !snapped.After(firstInst.Start) {
		return time.Time{}, invalidSplit(ReasonBoundaryTooEarly,
			"boundary %s leaves no instances in the past half", boundary)
	}
	return snapped, nil
}

// performSplit executes the split against the organizer's record and
// mirrors it onto every attendee copy. All mutations ride the caller's
// transaction: a rollback leaves no partial halves.
func (e *Engine) performSplit(ctx context.Context, txn storage.Txn, rec *storage.ObjectRecord, tree *caldata.ObjectTree, boundary time.Time, pastUID string) (*storage.ObjectRecord, error) {
	token := tree.RelatedTo()
	if token == "" {
		token = linkToken(tree.UID(), boundary)
	}

	past, future, err := tree.SplitTree(boundary)
	if err != nil {
		return nil, err
	}
	past.SetUID(pastUID)
	past.SetRelatedTo(token)
	future.SetRelatedTo(token)

	pastRec := &storage.ObjectRecord{
		ResourceID:     uuid.New().String(),
		HomeID:         rec.HomeID,
		CollectionID:   rec.CollectionID,
		UID:            pastUID,
		ScheduleObject: rec.ScheduleObject,
	}
	if _, err := e.indexer.Update(txn, pastRec.ResourceID, nil, past); err != nil {
		return nil, err
	}
	if err := e.persist(txn, pastRec, past); err != nil {
		return nil, err
	}

	if _, err := e.indexer.Update(txn, rec.ResourceID, tree, future); err != nil {
		return nil, err
	}
	rec.SplitFlagged = false
	if err := e.persist(txn, rec, future); err != nil {
		return nil, err
	}

	organizer := tree.Organizer()
	var external []string
	for _, uri := range tree.AttendeeURIs() {
		record, err := e.dir.Lookup(ctx, uri)
		if err != nil {
			external = append(external, uri)
			continue
		}
		if record.Type == directory.TypeGroup || record.UID == rec.HomeID {
			continue
		}
		if err := e.mirrorAttendee(ctx, txn, record, tree.UID(), boundary, pastUID, token, organizer); err != nil {
			return nil, err
		}
	}
	if len(external) > 0 {
		e.notifyExternal(ctx, organizer, external, past, future, pastUID, boundary)
	}

	e.logger.Info("series split",
		"uid", tree.UID(), "past_uid", pastUID,
		"boundary", boundary, "link", token)
	return pastRec, nil
}

// mirrorAttendee applies the same division to one local attendee copy.
// Halves the attendee retains no interest in are pruned rather than
// kept as degenerate copies; pruning a half the attendee never
// participated in produces no notification.
func (e *Engine) mirrorAttendee(ctx context.Context, txn storage.Txn, attendee *directory.Record, uid string, boundary time.Time, pastUID, token, changedBy string) error {
	stored, err := txn.GetObjectByUID(attendee.UID, uid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	tree, err := caldata.Parse(stored.Data)
	if err != nil {
		e.logger.Error("attendee copy unparseable, skipping mirror",
			"home", attendee.UID, "uid", uid, "error", err)
		return nil
	}
	if tree.RelatedTo() == token {
		// Already mirrored by an earlier attempt.
		return nil
	}

	past, future, err := tree.SplitTree(boundary)
	if err != nil {
		if errors.Is(err, caldata.ErrNotRecurring) || errors.Is(err, caldata.ErrNoMaster) {
			return nil
		}
		return err
	}
	past.SetUID(pastUID)
	past.SetRelatedTo(token)
	future.SetRelatedTo(token)

	addrs := itip.AddressesForRecord(attendee)
	keepPast, err := itip.AttendeeRetainsInterest(past, e.now(), attendee.UID, addrs)
	if err != nil {
		return err
	}
	keepFuture, err := itip.AttendeeRetainsInterest(future, e.now(), attendee.UID, addrs)
	if err != nil {
		return err
	}

	notify := false
	if keepPast {
		pastRec := &storage.ObjectRecord{
			ResourceID:     uuid.New().String(),
			HomeID:         attendee.UID,
			CollectionID:   stored.CollectionID,
			UID:            pastUID,
			ScheduleObject: true,
		}
		if _, err := e.indexer.Update(txn, pastRec.ResourceID, nil, past); err != nil {
			return err
		}
		if err := e.persist(txn, pastRec, past); err != nil {
			return err
		}
		notify = true
	}

	if keepFuture {
		if _, err := e.indexer.Update(txn, stored.ResourceID, tree, future); err != nil {
			return err
		}
		if err := e.persist(txn, stored, future); err != nil {
			return err
		}
		notify = true
	} else {
		if err := txn.DeleteObject(attendee.UID, stored.ResourceID); err != nil {
			return err
		}
		if err := e.indexer.Remove(txn, stored.ResourceID); err != nil {
			return err
		}
		if err := txn.DeleteSplitWork(stored.ResourceID); err != nil {
			return err
		}
		// Losing the copy is only notification-worthy when the attendee
		// actually participated in it before the split.
		wasParticipant, err := itip.AttendeeRetainsInterest(tree, e.now(), attendee.UID, addrs)
		if err != nil {
			return err
		}
		notify = notify || wasParticipant
	}

	if !notify {
		return nil
	}
	item, err := itip.NewInboxNotification(attendee.UID, itip.NotifySplit, uid, changedBy, e.now())
	if err != nil {
		return err
	}
	return txn.AddInboxItem(item)
}

// notifyExternal hands the split to remote attendees as two REQUEST
// messages carrying the split markers. Remote failure never fails the
// split.
func (e *Engine) notifyExternal(ctx context.Context, organizer string, recipients []string, past, future *caldata.ObjectTree, pastUID string, boundary time.Time) {
	for _, half := range []*caldata.ObjectTree{past, future} {
		msg := half.Clone()
		msg.SetMethod(caldata.MethodRequest)
		msg.SetSplitMarkers(pastUID, boundary)
		if _, err := e.transport.SendViaExternalProtocol(ctx, organizer, recipients, msg); err != nil {
			e.logger.Warn("split notification delivery failed",
				"recipients", recipients, "uid", msg.UID(), "error", err)
		}
	}
}

func (e *Engine) persist(txn storage.Txn, rec *storage.ObjectRecord, tree *caldata.ObjectTree) error {
	data, err := tree.Serialize()
	if err != nil {
		return err
	}
	rec.Data = data
	rec.UID = tree.UID()
	rec.DataVersion++
	return txn.PutObject(rec)
}

func (e *Engine) isOrganizer(ctx context.Context, tree *caldata.ObjectTree, callerURI string) bool {
	organizer := tree.Organizer()
	if organizer == "" {
		return false
	}
	if strings.EqualFold(organizer, callerURI) {
		return true
	}
	orgRec, err := e.dir.Lookup(ctx, organizer)
	if err != nil {
		return false
	}
	callerRec, err := e.dir.Lookup(ctx, callerURI)
	if err != nil {
		return false
	}
	return orgRec.UID == callerRec.UID
}

// linkToken derives the recurrence-set linkage value deterministically
// from the series identity and boundary, so retries of the same split
// agree on the token.
func linkToken(uid string, boundary time.Time) string {
	seed := uid + "/" + boundary.UTC().Format("20060102T150405Z")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}
