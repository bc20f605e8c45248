package split

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calserv/scheduling/caldata"
	"github.com/calserv/scheduling/config"
	"github.com/calserv/scheduling/directory"
	"github.com/calserv/scheduling/itip"
	"github.com/calserv/scheduling/storage"
	"github.com/calserv/scheduling/storage/memory"
	"github.com/calserv/scheduling/timerange"
)

var base = time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return base.AddDate(0, 0, n)
}

func fmtDT(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

type env struct {
	store     *memory.Store
	dir       *directory.MemoryDirectory
	transport *itip.MockTransport
	engine    *Engine
}

func newEnv(t *testing.T, cfg config.Config) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dir := directory.NewMemoryDirectory()
	dir.AddRecord(&directory.Record{UID: "alice", DisplayName: "Alice", Email: "alice@example.com"})
	dir.AddRecord(&directory.Record{UID: "bob", DisplayName: "Bob", Email: "bob@example.com"})

	transport := &itip.MockTransport{}
	indexer := timerange.NewIndexer(cfg, logger)
	indexer.SetClock(func() time.Time { return base })

	engine := NewEngine(cfg, dir, transport, indexer, logger)
	engine.SetClock(func() time.Time { return base })

	return &env{store: memory.New(), dir: dir, transport: transport, engine: engine}
}

func (e *env) begin(t *testing.T) storage.Txn {
	t.Helper()
	txn, err := e.store.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { txn.Rollback() })
	return txn
}

func mustParse(t *testing.T, ics string) *caldata.ObjectTree {
	t.Helper()
	tree, err := caldata.Parse(ics)
	require.NoError(t, err)
	return tree
}

// seriesICS is a daily series owned by alice with bob attending.
func seriesICS(uid string, start time.Time, rrule string) string {
	return `BEGIN:VCALENDAR
PRODID:-//calserv//scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:` + uid + `
DTSTAMP:` + fmtDT(day(0)) + `
DTSTART:` + fmtDT(start) + `
DTEND:` + fmtDT(start.Add(time.Hour)) + `
RRULE:` + rrule + `
SUMMARY:Standup
ORGANIZER:urn:x-uid:alice
ATTENDEE;PARTSTAT=ACCEPTED:urn:x-uid:alice
ATTENDEE;PARTSTAT=ACCEPTED:urn:x-uid:bob
END:VEVENT
END:VCALENDAR`
}

func putSeries(t *testing.T, txn storage.Txn, homeID, resourceID, ics string) (*storage.ObjectRecord, *caldata.ObjectTree) {
	t.Helper()
	tree := mustParse(t, ics)
	rec := &storage.ObjectRecord{
		ResourceID:     resourceID,
		HomeID:         homeID,
		CollectionID:   "calendar",
		UID:            tree.UID(),
		Data:           ics,
		ScheduleObject: true,
	}
	require.NoError(t, txn.PutObject(rec))
	return rec, tree
}

func pendingWork(t *testing.T, txn storage.Txn) int {
	t.Helper()
	n, err := txn.PendingSplitWork()
	require.NoError(t, err)
	return n
}

func TestEvaluateRecentSmallSeriesIsNoCandidate(t *testing.T) {
	e := newEnv(t, config.Default())
	txn := e.begin(t)
	rec, tree := putSeries(t, txn, "alice", "res-1", seriesICS("s-1", day(1), "FREQ=DAILY;COUNT=10"))

	scheduled, err := e.engine.EvaluateOnWrite(txn, rec, tree)
	require.NoError(t, err)
	assert.True(t, scheduled.IsAbsent())
	assert.Equal(t, 0, pendingWork(t, txn))
}

func TestEvaluateNonRecurringNeverQualifies(t *testing.T) {
	cfg := config.Default()
	cfg.Splitting.Size = 10 // everything is oversized
	e := newEnv(t, cfg)
	txn := e.begin(t)

	ics := `BEGIN:VCALENDAR
PRODID:-//calserv//scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:single-1
DTSTAMP:` + fmtDT(day(0)) + `
DTSTART:` + fmtDT(day(-500)) + `
DTEND:` + fmtDT(day(-500).Add(time.Hour)) + `
SUMMARY:One-off
ORGANIZER:urn:x-uid:alice
END:VEVENT
END:VCALENDAR`
	rec, tree := putSeries(t, txn, "alice", "res-1", ics)

	scheduled, err := e.engine.EvaluateOnWrite(txn, rec, tree)
	require.NoError(t, err)
	assert.True(t, scheduled.IsAbsent())
}

func TestEvaluateOldSeriesEnqueuesWithDelay(t *testing.T) {
	e := newEnv(t, config.Default())
	txn := e.begin(t)
	rec, tree := putSeries(t, txn, "alice", "res-1", seriesICS("s-2", day(-400), "FREQ=DAILY"))

	scheduled, err := e.engine.EvaluateOnWrite(txn, rec, tree)
	require.NoError(t, err)
	assert.Equal(t, "res-1", scheduled.MustGet())
	assert.Equal(t, 1, pendingWork(t, txn))
	require.NoError(t, txn.Commit())

	// The delay keeps the item unclaimable until it elapses.
	claim := e.begin(t)
	item, err := claim.ClaimDueSplitWork(base)
	require.NoError(t, err)
	assert.Nil(t, item)
	item, err = claim.ClaimDueSplitWork(base.Add(2 * time.Minute))
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "res-1", item.ResourceID)
}

func TestEvaluateOversizedSeriesQualifies(t *testing.T) {
	cfg := config.Default()
	cfg.Splitting.Size = 10
	e := newEnv(t, cfg)
	txn := e.begin(t)
	rec, tree := putSeries(t, txn, "alice", "res-1", seriesICS("s-3", day(1), "FREQ=DAILY;COUNT=10"))

	scheduled, err := e.engine.EvaluateOnWrite(txn, rec, tree)
	require.NoError(t, err)
	assert.Equal(t, "res-1", scheduled.MustGet())
}

func TestEvaluateDisabledOnlyFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Splitting.Enabled = false
	e := newEnv(t, cfg)
	txn := e.begin(t)
	rec, tree := putSeries(t, txn, "alice", "res-1", seriesICS("s-4", day(-400), "FREQ=DAILY"))

	scheduled, err := e.engine.EvaluateOnWrite(txn, rec, tree)
	require.NoError(t, err)
	assert.True(t, scheduled.IsAbsent())
	assert.Equal(t, 0, pendingWork(t, txn))

	stored, err := txn.GetObject("alice", "res-1")
	require.NoError(t, err)
	assert.True(t, stored.SplitFlagged)
}

func TestEvaluateClearsStaleFlag(t *testing.T) {
	e := newEnv(t, config.Default())
	txn := e.begin(t)
	rec, tree := putSeries(t, txn, "alice", "res-1", seriesICS("s-5", day(1), "FREQ=DAILY;COUNT=10"))
	rec.SplitFlagged = true
	require.NoError(t, txn.PutObject(rec))

	scheduled, err := e.engine.EvaluateOnWrite(txn, rec, tree)
	require.NoError(t, err)
	assert.True(t, scheduled.IsAbsent())

	stored, err := txn.GetObject("alice", "res-1")
	require.NoError(t, err)
	assert.False(t, stored.SplitFlagged)
}

func TestSplitAtRejections(t *testing.T) {
	tests := []struct {
		name     string
		caller   string
		boundary time.Time
		pastUID  string
		reason   string
	}{
		{
			name:     "caller is not the organizer",
			caller:   "urn:x-uid:bob",
			boundary: day(-10),
			reason:   ReasonNotOrganizer,
		},
		{
			name:     "boundary before the first instance",
			caller:   "urn:x-uid:alice",
			boundary: day(-500),
			reason:   ReasonBoundaryTooEarly,
		},
		{
			name:     "boundary equal to the first instance",
			caller:   "urn:x-uid:alice",
			boundary: day(-400),
			reason:   ReasonBoundaryTooEarly,
		},
		{
			name:     "past UID equals the series UID",
			caller:   "urn:x-uid:alice",
			boundary: day(-10),
			pastUID:  "s-6",
			reason:   ReasonUIDCollision,
		},
		{
			name:     "past UID already taken",
			caller:   "urn:x-uid:alice",
			boundary: day(-10),
			pastUID:  "taken-1",
			reason:   ReasonUIDCollision,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, config.Default())
			txn := e.begin(t)
			putSeries(t, txn, "alice", "res-1", seriesICS("s-6", day(-400), "FREQ=DAILY"))
			putSeries(t, txn, "alice", "res-other", seriesICS("taken-1", day(1), "FREQ=DAILY;COUNT=3"))

			_, err := e.engine.SplitAt(context.Background(), txn,
				"alice", "res-1", tt.caller, tt.boundary, tt.pastUID)
			var invalid *InvalidSplitError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.reason, invalid.Reason)
		})
	}
}

func TestSplitAtBoundaryPastEndOfBoundedSeries(t *testing.T) {
	e := newEnv(t, config.Default())
	txn := e.begin(t)
	putSeries(t, txn, "alice", "res-1", seriesICS("s-7", day(-30), "FREQ=DAILY;COUNT=10"))

	_, err := e.engine.SplitAt(context.Background(), txn,
		"alice", "res-1", "urn:x-uid:alice", day(5), "")
	var invalid *InvalidSplitError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ReasonBoundaryTooLate, invalid.Reason)
}

func TestSplitAtDividesOrganizerAndMirrorsAttendee(t *testing.T) {
	e := newEnv(t, config.Default())
	txn := e.begin(t)

	orgICS := seriesICS("s-8", day(-400), "FREQ=DAILY")
	putSeries(t, txn, "alice", "org-res", orgICS)
	bobRec, _ := putSeries(t, txn, "bob", "bob-res", orgICS)

	boundary := day(-10)
	pastRec, err := e.engine.SplitAt(context.Background(), txn,
		"alice", "org-res", "urn:x-uid:alice", boundary, "hist-1")
	require.NoError(t, err)
	assert.Equal(t, "hist-1", pastRec.UID)
	assert.Equal(t, "alice", pastRec.HomeID)

	// Organizer past half: new identity, closed RRULE.
	orgPast, err := caldata.Parse(pastRec.Data)
	require.NoError(t, err)
	assert.Equal(t, "hist-1", orgPast.UID())
	assert.Contains(t, orgPast.Master().Props.Get("RRULE").Value, "UNTIL=")

	// Organizer future half: original identity, moved start.
	orgFuture, err := txn.GetObject("alice", "org-res")
	require.NoError(t, err)
	futureTree, err := caldata.Parse(orgFuture.Data)
	require.NoError(t, err)
	assert.Equal(t, "s-8", futureTree.UID())
	start, err := caldata.ComponentStart(futureTree.Master())
	require.NoError(t, err)
	assert.True(t, start.Equal(boundary))

	// All four objects share the deterministic linkage token.
	wantToken := linkToken("s-8", boundary)
	assert.Equal(t, wantToken, orgPast.RelatedTo())
	assert.Equal(t, wantToken, futureTree.RelatedTo())

	bobPast, err := txn.GetObjectByUID("bob", "hist-1")
	require.NoError(t, err)
	bobPastTree, err := caldata.Parse(bobPast.Data)
	require.NoError(t, err)
	assert.Equal(t, wantToken, bobPastTree.RelatedTo())

	bobFuture, err := txn.GetObject("bob", bobRec.ResourceID)
	require.NoError(t, err)
	bobFutureTree, err := caldata.Parse(bobFuture.Data)
	require.NoError(t, err)
	assert.Equal(t, wantToken, bobFutureTree.RelatedTo())

	items, err := txn.InboxItems("bob")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Payload, "split-notification")
}

func TestSplitAtIsIdempotentPerAttendee(t *testing.T) {
	e := newEnv(t, config.Default())
	txn := e.begin(t)

	orgICS := seriesICS("s-9", day(-400), "FREQ=DAILY")
	putSeries(t, txn, "alice", "org-res", orgICS)
	putSeries(t, txn, "bob", "bob-res", orgICS)

	boundary := day(-10)
	_, err := e.engine.SplitAt(context.Background(), txn,
		"alice", "org-res", "urn:x-uid:alice", boundary, "hist-2")
	require.NoError(t, err)

	// Splitting the already-split future again at a later boundary must
	// not divide bob's copy twice: his tree already carries the token.
	_, err = e.engine.SplitAt(context.Background(), txn,
		"alice", "org-res", "urn:x-uid:alice", day(-5), "hist-3")
	require.NoError(t, err)

	objs, err := txn.ObjectsInHome("bob")
	require.NoError(t, err)
	assert.Len(t, objs, 2)
}

func TestSplitPrunesHalfAttendeeNeverParticipatedIn(t *testing.T) {
	e := newEnv(t, config.Default())
	txn := e.begin(t)

	putSeries(t, txn, "alice", "org-res", seriesICS("s-10", day(-400), "FREQ=DAILY"))

	// Bob's copy is fully cancelled: he retains interest in neither half,
	// so the mirror deletes his copy without creating placeholders or
	// notifying him.
	cancelled := `BEGIN:VCALENDAR
PRODID:-//calserv//scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:s-10
DTSTAMP:` + fmtDT(day(0)) + `
DTSTART:` + fmtDT(day(-400)) + `
DTEND:` + fmtDT(day(-400).Add(time.Hour)) + `
RRULE:FREQ=DAILY
STATUS:CANCELLED
SUMMARY:Standup
ORGANIZER:urn:x-uid:alice
ATTENDEE;PARTSTAT=ACCEPTED:urn:x-uid:alice
ATTENDEE;PARTSTAT=DECLINED:urn:x-uid:bob
END:VEVENT
END:VCALENDAR`
	putSeries(t, txn, "bob", "bob-res", cancelled)

	_, err := e.engine.SplitAt(context.Background(), txn,
		"alice", "org-res", "urn:x-uid:alice", day(-10), "")
	require.NoError(t, err)

	objs, err := txn.ObjectsInHome("bob")
	require.NoError(t, err)
	assert.Empty(t, objs)

	items, err := txn.InboxItems("bob")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestExecuteDeferredVanishedResourceCompletes(t *testing.T) {
	e := newEnv(t, config.Default())
	txn := e.begin(t)

	err := e.engine.ExecuteDeferred(context.Background(), txn, &storage.SplitWorkItem{
		HomeID:     "alice",
		ResourceID: "gone",
		NotBefore:  base,
	})
	assert.NoError(t, err)
}

func TestExecuteDeferredSplitsAtPastWindow(t *testing.T) {
	e := newEnv(t, config.Default())
	txn := e.begin(t)
	putSeries(t, txn, "alice", "res-1", seriesICS("s-11", day(-400), "FREQ=DAILY"))

	err := e.engine.ExecuteDeferred(context.Background(), txn, &storage.SplitWorkItem{
		HomeID:     "alice",
		ResourceID: "res-1",
		NotBefore:  base,
	})
	require.NoError(t, err)

	objs, err := txn.ObjectsInHome("alice")
	require.NoError(t, err)
	require.Len(t, objs, 2)

	// The automatic boundary is the past-window edge snapped to an
	// instance start: exactly now minus 365 days for a daily 09:00 series.
	future, err := txn.GetObject("alice", "res-1")
	require.NoError(t, err)
	futureTree, err := caldata.Parse(future.Data)
	require.NoError(t, err)
	start, err := caldata.ComponentStart(futureTree.Master())
	require.NoError(t, err)
	assert.True(t, start.Equal(day(-365)))
}

func TestExecuteDeferredSkipsNoLongerQualifying(t *testing.T) {
	e := newEnv(t, config.Default())
	txn := e.begin(t)
	putSeries(t, txn, "alice", "res-1", seriesICS("s-12", day(1), "FREQ=DAILY;COUNT=10"))

	err := e.engine.ExecuteDeferred(context.Background(), txn, &storage.SplitWorkItem{
		HomeID:     "alice",
		ResourceID: "res-1",
		NotBefore:  base,
	})
	require.NoError(t, err)

	objs, err := txn.ObjectsInHome("alice")
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}
