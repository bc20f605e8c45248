// Package memory implements the storage contract with in-memory maps.
// Transactions buffer writes in an overlay applied atomically on
// Commit, which is what keeps split execution all-or-nothing in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/calserv/scheduling/storage"
)

// Store implements storage.Store using in-memory maps.
type Store struct {
	mu      sync.RWMutex
	homes   map[string]*storage.Home
	objects map[string]*storage.ObjectRecord // key: homeID/resourceID
	index   map[string][]storage.IndexEntry  // key: resourceID
	inbox   map[string][]*storage.InboxItem  // key: homeID
	work    map[string]*storage.SplitWorkItem

	locks   *lockTable
	timeout time.Duration
}

// New creates a store whose transactions never time out.
func New() *Store {
	return NewWithTimeout(0)
}

// NewWithTimeout creates a store whose transactions self-abort after
// the given wall-clock bound; 0 disables the bound.
func NewWithTimeout(timeout time.Duration) *Store {
	return &Store{
		homes:   make(map[string]*storage.Home),
		objects: make(map[string]*storage.ObjectRecord),
		index:   make(map[string][]storage.IndexEntry),
		inbox:   make(map[string][]*storage.InboxItem),
		work:    make(map[string]*storage.SplitWorkItem),
		locks:   newLockTable(),
		timeout: timeout,
	}
}

func objectKey(homeID, resourceID string) string {
	return fmt.Sprintf("%s/%s", homeID, resourceID)
}

// Begin starts a new overlay transaction.
func (s *Store) Begin(_ context.Context) (storage.Txn, error) {
	t := &txn{
		store:      s,
		putObjects: make(map[string]*storage.ObjectRecord),
		delObjects: make(map[string]bool),
		putHomes:   make(map[string]*storage.Home),
		putIndex:   make(map[string][]storage.IndexEntry),
		delIndex:   make(map[string]bool),
		putWork:    make(map[string]*storage.SplitWorkItem),
		delWork:    make(map[string]bool),
		heldLocks:  make(map[string]bool),
	}
	if s.timeout > 0 {
		t.deadline = time.Now().Add(s.timeout)
	}
	return t, nil
}

// Close releases nothing; the store lives in process memory.
func (s *Store) Close() error { return nil }

type txn struct {
	store *Store

	mu       sync.Mutex
	done     bool
	deadline time.Time

	putObjects map[string]*storage.ObjectRecord
	delObjects map[string]bool
	putHomes   map[string]*storage.Home
	putIndex   map[string][]storage.IndexEntry
	delIndex   map[string]bool
	addInbox   []*storage.InboxItem
	putWork    map[string]*storage.SplitWorkItem
	delWork    map[string]bool

	heldLocks map[string]bool
}

// check enforces the finished/timed-out state on every operation.
func (t *txn) check() error {
	if t.done {
		return storage.ErrAlreadyFinished
	}
	if !t.deadline.IsZero() && time.Now().After(t.deadline) {
		t.finish()
		return storage.ErrAlreadyFinished
	}
	return nil
}

func (t *txn) finish() {
	t.done = true
	for key := range t.heldLocks {
		t.store.locks.release(key)
	}
	t.heldLocks = make(map[string]bool)
}

func (t *txn) EnsureHome(homeID string) (*storage.Home, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}

	t.store.mu.RLock()
	committed, ok := t.store.homes[homeID]
	t.store.mu.RUnlock()
	if ok {
		copied := *committed
		return &copied, nil
	}
	if pending, ok := t.putHomes[homeID]; ok {
		copied := *pending
		return &copied, nil
	}
	home := &storage.Home{ID: homeID, CreatedAt: time.Now()}
	t.putHomes[homeID] = home
	copied := *home
	return &copied, nil
}

func (t *txn) PutObject(rec *storage.ObjectRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}

	key := objectKey(rec.HomeID, rec.ResourceID)
	copied := *rec
	now := time.Now()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	copied.ModifiedAt = now
	t.putObjects[key] = &copied
	delete(t.delObjects, key)
	return nil
}

func (t *txn) getObjectLocked(homeID, resourceID string) (*storage.ObjectRecord, error) {
	key := objectKey(homeID, resourceID)
	if t.delObjects[key] {
		return nil, storage.ErrNotFound
	}
	if rec, ok := t.putObjects[key]; ok {
		copied := *rec
		return &copied, nil
	}
	t.store.mu.RLock()
	rec, ok := t.store.objects[key]
	t.store.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (t *txn) GetObject(homeID, resourceID string) (*storage.ObjectRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.getObjectLocked(homeID, resourceID)
}

func (t *txn) GetObjectByUID(homeID, uid string) (*storage.ObjectRecord, error) {
	recs, err := t.ObjectsInHome(homeID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.UID == uid {
			return rec, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (t *txn) ObjectsInHome(homeID string) ([]*storage.ObjectRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []*storage.ObjectRecord
	for key, rec := range t.putObjects {
		if rec.HomeID == homeID {
			seen[key] = true
			copied := *rec
			out = append(out, &copied)
		}
	}
	t.store.mu.RLock()
	for key, rec := range t.store.objects {
		if rec.HomeID == homeID && !seen[key] && !t.delObjects[key] {
			copied := *rec
			out = append(out, &copied)
		}
	}
	t.store.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

func (t *txn) DeleteObject(homeID, resourceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	if _, err := t.getObjectLocked(homeID, resourceID); err != nil {
		return err
	}
	key := objectKey(homeID, resourceID)
	delete(t.putObjects, key)
	t.delObjects[key] = true
	return nil
}

func (t *txn) LockObject(homeID, resourceID string, block bool) error {
	t.mu.Lock()
	if err := t.check(); err != nil {
		t.mu.Unlock()
		return err
	}
	if _, err := t.getObjectLocked(homeID, resourceID); err != nil {
		t.mu.Unlock()
		return storage.ErrNoSuchObject
	}
	key := "object/" + objectKey(homeID, resourceID)
	if t.heldLocks[key] {
		t.mu.Unlock()
		return nil
	}
	deadline := t.deadline
	t.mu.Unlock()

	// Blocking acquisition happens outside t.mu so a timeout can still
	// finish the transaction.
	if err := t.store.locks.acquire(key, block, deadline); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		t.store.locks.release(key)
		return err
	}
	t.heldLocks[key] = true
	return nil
}

func (t *txn) ReplaceIndex(resourceID string, entries []storage.IndexEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	t.putIndex[resourceID] = append([]storage.IndexEntry(nil), entries...)
	delete(t.delIndex, resourceID)
	return nil
}

func (t *txn) IndexEntries(resourceID string) ([]storage.IndexEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	if t.delIndex[resourceID] {
		return nil, nil
	}
	if entries, ok := t.putIndex[resourceID]; ok {
		return append([]storage.IndexEntry(nil), entries...), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return append([]storage.IndexEntry(nil), t.store.index[resourceID]...), nil
}

func (t *txn) DropIndex(resourceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	delete(t.putIndex, resourceID)
	t.delIndex[resourceID] = true
	return nil
}

func (t *txn) AddInboxItem(item *storage.InboxItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	copied := *item
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	t.addInbox = append(t.addInbox, &copied)
	return nil
}

func (t *txn) InboxItems(homeID string) ([]*storage.InboxItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []*storage.InboxItem
	t.store.mu.RLock()
	for _, item := range t.store.inbox[homeID] {
		copied := *item
		out = append(out, &copied)
	}
	t.store.mu.RUnlock()
	for _, item := range t.addInbox {
		if item.HomeID == homeID {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (t *txn) EnqueueSplitWork(homeID, resourceID string, notBefore time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return false, err
	}

	existing := t.pendingWorkLocked(resourceID)
	if existing != nil {
		// Dedup: push the existing item's horizon out so rapid edits
		// coalesce into a single eventual split.
		updated := *existing
		if notBefore.After(updated.NotBefore) {
			updated.NotBefore = notBefore
		}
		t.putWork[resourceID] = &updated
		return false, nil
	}

	t.putWork[resourceID] = &storage.SplitWorkItem{
		HomeID:     homeID,
		ResourceID: resourceID,
		NotBefore:  notBefore,
		EnqueuedAt: time.Now(),
	}
	delete(t.delWork, resourceID)
	return true, nil
}

func (t *txn) pendingWorkLocked(resourceID string) *storage.SplitWorkItem {
	if t.delWork[resourceID] {
		return nil
	}
	if item, ok := t.putWork[resourceID]; ok {
		return item
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.work[resourceID]
}

func (t *txn) ClaimDueSplitWork(now time.Time) (*storage.SplitWorkItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}

	t.store.mu.RLock()
	var due []*storage.SplitWorkItem
	for id, item := range t.store.work {
		if !t.delWork[id] && !item.NotBefore.After(now) {
			due = append(due, item)
		}
	}
	t.store.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i].NotBefore.Before(due[j].NotBefore) })

	for _, item := range due {
		key := "work/" + item.ResourceID
		if t.heldLocks[key] {
			continue // already claimed by this transaction
		}
		// Row lock on the work item: a concurrent claimant holding the
		// lock makes us skip it, so a second claim finds nothing.
		if err := t.store.locks.acquire(key, false, t.deadline); err != nil {
			continue
		}
		t.heldLocks[key] = true
		copied := *item
		return &copied, nil
	}
	return nil, nil
}

func (t *txn) CompleteSplitWork(resourceID string) error {
	return t.DeleteSplitWork(resourceID)
}

func (t *txn) DeleteSplitWork(resourceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	delete(t.putWork, resourceID)
	t.delWork[resourceID] = true
	return nil
}

func (t *txn) PendingSplitWork() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return 0, err
	}
	count := 0
	seen := make(map[string]bool)
	for id := range t.putWork {
		if !t.delWork[id] {
			seen[id] = true
			count++
		}
	}
	t.store.mu.RLock()
	for id := range t.store.work {
		if !seen[id] && !t.delWork[id] {
			count++
		}
	}
	t.store.mu.RUnlock()
	return count, nil
}

func (t *txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}

	s := t.store
	s.mu.Lock()
	for id, home := range t.putHomes {
		// Get-or-create: keep the winner's committed row.
		if _, exists := s.homes[id]; !exists {
			s.homes[id] = home
		}
	}
	for key, rec := range t.putObjects {
		s.objects[key] = rec
	}
	for key := range t.delObjects {
		delete(s.objects, key)
	}
	for id, entries := range t.putIndex {
		s.index[id] = entries
	}
	for id := range t.delIndex {
		delete(s.index, id)
	}
	for _, item := range t.addInbox {
		s.inbox[item.HomeID] = append(s.inbox[item.HomeID], item)
	}
	for id, item := range t.putWork {
		if !t.delWork[id] {
			s.work[id] = item
		}
	}
	for id := range t.delWork {
		delete(s.work, id)
	}
	s.mu.Unlock()

	t.finish()
	return nil
}

func (t *txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return storage.ErrAlreadyFinished
	}
	t.finish()
	return nil
}
