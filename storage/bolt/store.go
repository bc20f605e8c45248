// Package bolt implements the storage contract on a bbolt database
// with JSON-encoded buckets. bbolt allows a single write transaction
// at a time, so row claims never race within one process; the advisory
// lock and timeout semantics of the contract are layered on top.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/calserv/scheduling/storage"
)

var (
	homesBucketName   = []byte("homes")
	objectsBucketName = []byte("objects")
	indexBucketName   = []byte("timeRangeIndex")
	inboxBucketName   = []byte("inbox")
	workBucketName    = []byte("splitWork")
)

// Store implements storage.Store backed by bbolt.
type Store struct {
	db      *bbolt.DB
	timeout time.Duration
}

// Open opens (creating if needed) a bolt database at path.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{homesBucketName, objectsBucketName, indexBucketName, inboxBucketName, workBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: create buckets: %w", err)
	}
	return &Store{db: db, timeout: timeout}, nil
}

// NewStore wraps an already-open bbolt database.
func NewStore(db *bbolt.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

func (s *Store) Begin(_ context.Context) (storage.Txn, error) {
	btx, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("bolt: begin: %w", err)
	}
	t := &txn{tx: btx}
	if s.timeout > 0 {
		t.deadline = time.Now().Add(s.timeout)
	}
	return t, nil
}

func (s *Store) Close() error { return s.db.Close() }

func encode(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func decode(data []byte, v interface{}) error   { return json.Unmarshal(data, v) }
func objectKey(homeID, resourceID string) []byte {
	return []byte(fmt.Sprintf("%s/%s", homeID, resourceID))
}

type txn struct {
	tx       *bbolt.Tx
	done     bool
	deadline time.Time
	claimed  map[string]bool
}

func (t *txn) check() error {
	if t.done {
		return storage.ErrAlreadyFinished
	}
	if !t.deadline.IsZero() && time.Now().After(t.deadline) {
		t.done = true
		t.tx.Rollback()
		return storage.ErrAlreadyFinished
	}
	return nil
}

func (t *txn) EnsureHome(homeID string) (*storage.Home, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	bkt := t.tx.Bucket(homesBucketName)
	if data := bkt.Get([]byte(homeID)); data != nil {
		var home storage.Home
		if err := decode(data, &home); err != nil {
			return nil, err
		}
		return &home, nil
	}
	home := &storage.Home{ID: homeID, CreatedAt: time.Now()}
	data, err := encode(home)
	if err != nil {
		return nil, err
	}
	if err := bkt.Put([]byte(homeID), data); err != nil {
		return nil, err
	}
	return home, nil
}

func (t *txn) PutObject(rec *storage.ObjectRecord) error {
	if err := t.check(); err != nil {
		return err
	}
	copied := *rec
	now := time.Now()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	copied.ModifiedAt = now
	data, err := encode(&copied)
	if err != nil {
		return err
	}
	return t.tx.Bucket(objectsBucketName).Put(objectKey(rec.HomeID, rec.ResourceID), data)
}

func (t *txn) GetObject(homeID, resourceID string) (*storage.ObjectRecord, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	data := t.tx.Bucket(objectsBucketName).Get(objectKey(homeID, resourceID))
	if data == nil {
		return nil, storage.ErrNotFound
	}
	var rec storage.ObjectRecord
	if err := decode(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
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
	if err := t.check(); err != nil {
		return nil, err
	}
	prefix := []byte(homeID + "/")
	var out []*storage.ObjectRecord
	c := t.tx.Bucket(objectsBucketName).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var rec storage.ObjectRecord
		if err := decode(v, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (t *txn) DeleteObject(homeID, resourceID string) error {
	if err := t.check(); err != nil {
		return err
	}
	key := objectKey(homeID, resourceID)
	bkt := t.tx.Bucket(objectsBucketName)
	if bkt.Get(key) == nil {
		return storage.ErrNotFound
	}
	return bkt.Delete(key)
}

func (t *txn) LockObject(homeID, resourceID string, _ bool) error {
	if err := t.check(); err != nil {
		return err
	}
	// bbolt admits one writer at a time, so holding the write
	// transaction is already exclusive; only existence is verified.
	if t.tx.Bucket(objectsBucketName).Get(objectKey(homeID, resourceID)) == nil {
		return storage.ErrNoSuchObject
	}
	return nil
}

func (t *txn) ReplaceIndex(resourceID string, entries []storage.IndexEntry) error {
	if err := t.check(); err != nil {
		return err
	}
	data, err := encode(entries)
	if err != nil {
		return err
	}
	return t.tx.Bucket(indexBucketName).Put([]byte(resourceID), data)
}

func (t *txn) IndexEntries(resourceID string) ([]storage.IndexEntry, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	data := t.tx.Bucket(indexBucketName).Get([]byte(resourceID))
	if data == nil {
		return nil, nil
	}
	var entries []storage.IndexEntry
	if err := decode(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (t *txn) DropIndex(resourceID string) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.tx.Bucket(indexBucketName).Delete([]byte(resourceID))
}

func (t *txn) AddInboxItem(item *storage.InboxItem) error {
	if err := t.check(); err != nil {
		return err
	}
	copied := *item
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	data, err := encode(&copied)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s/%s", item.HomeID, item.ID)
	return t.tx.Bucket(inboxBucketName).Put([]byte(key), data)
}

func (t *txn) InboxItems(homeID string) ([]*storage.InboxItem, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	prefix := []byte(homeID + "/")
	var out []*storage.InboxItem
	c := t.tx.Bucket(inboxBucketName).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var item storage.InboxItem
		if err := decode(v, &item); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, nil
}

func (t *txn) EnqueueSplitWork(homeID, resourceID string, notBefore time.Time) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	bkt := t.tx.Bucket(workBucketName)
	if data := bkt.Get([]byte(resourceID)); data != nil {
		var existing storage.SplitWorkItem
		if err := decode(data, &existing); err != nil {
			return false, err
		}
		if notBefore.After(existing.NotBefore) {
			existing.NotBefore = notBefore
			updated, err := encode(&existing)
			if err != nil {
				return false, err
			}
			if err := bkt.Put([]byte(resourceID), updated); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	item := storage.SplitWorkItem{
		HomeID:     homeID,
		ResourceID: resourceID,
		NotBefore:  notBefore,
		EnqueuedAt: time.Now(),
	}
	data, err := encode(&item)
	if err != nil {
		return false, err
	}
	return true, bkt.Put([]byte(resourceID), data)
}

func (t *txn) ClaimDueSplitWork(now time.Time) (*storage.SplitWorkItem, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var due []storage.SplitWorkItem
	err := t.tx.Bucket(workBucketName).ForEach(func(_, v []byte) error {
		var item storage.SplitWorkItem
		if err := decode(v, &item); err != nil {
			return err
		}
		if !item.NotBefore.After(now) && !t.claimed[item.ResourceID] {
			due = append(due, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NotBefore.Before(due[j].NotBefore) })
	if t.claimed == nil {
		t.claimed = make(map[string]bool)
	}
	t.claimed[due[0].ResourceID] = true
	item := due[0]
	return &item, nil
}

func (t *txn) CompleteSplitWork(resourceID string) error {
	return t.DeleteSplitWork(resourceID)
}

func (t *txn) DeleteSplitWork(resourceID string) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.tx.Bucket(workBucketName).Delete([]byte(resourceID))
}

func (t *txn) PendingSplitWork() (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	count := 0
	err := t.tx.Bucket(workBucketName).ForEach(func(_, _ []byte) error {
		count++
		return nil
	})
	return count, err
}

func (t *txn) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	return t.tx.Commit()
}

func (t *txn) Rollback() error {
	if t.done {
		return storage.ErrAlreadyFinished
	}
	t.done = true
	return t.tx.Rollback()
}
