package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record doesn't exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned on a create colliding with a
	// committed record.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrNoSuchObject is returned when locking a resource that no
	// longer exists; distinct from a lock timeout.
	ErrNoSuchObject = errors.New("storage: no such object")
	// ErrAlreadyLocked is returned by non-blocking lock acquisition
	// when another transaction holds the lock.
	ErrAlreadyLocked = errors.New("storage: already locked")
	// ErrAlreadyFinished is returned by any operation on a committed,
	// rolled-back or timed-out transaction. The caller retries in a
	// fresh transaction; partial work is never visible.
	ErrAlreadyFinished = errors.New("storage: transaction already finished")
)

// Store opens transactions against the shared relational store.
type Store interface {
	// Begin starts a transaction. A configured timeout makes the
	// transaction self-abort; operations afterwards fail with
	// ErrAlreadyFinished.
	Begin(ctx context.Context) (Txn, error)
	Close() error
}

// Txn is one ACID transaction. Writes become visible only on Commit;
// Rollback discards everything including enqueued work items.
type Txn interface {
	// EnsureHome is get-or-create: two transactions racing to create
	// the same home both succeed, the loser observing the winner's
	// committed row.
	EnsureHome(homeID string) (*Home, error)

	PutObject(rec *ObjectRecord) error
	GetObject(homeID, resourceID string) (*ObjectRecord, error)
	GetObjectByUID(homeID, uid string) (*ObjectRecord, error)
	ObjectsInHome(homeID string) ([]*ObjectRecord, error)
	DeleteObject(homeID, resourceID string) error

	// LockObject takes the advisory per-resource lock. With block set
	// it waits for the holder; otherwise it fails fast with
	// ErrAlreadyLocked. Locking a missing resource fails with
	// ErrNoSuchObject. Locks are released on Commit or Rollback.
	LockObject(homeID, resourceID string, block bool) error

	ReplaceIndex(resourceID string, entries []IndexEntry) error
	IndexEntries(resourceID string) ([]IndexEntry, error)
	DropIndex(resourceID string) error

	AddInboxItem(item *InboxItem) error
	InboxItems(homeID string) ([]*InboxItem, error)

	// EnqueueSplitWork schedules deferred split work, deduplicated per
	// resource: a second enqueue before the first runs updates the
	// existing item's NotBefore instead of creating a duplicate.
	// created reports whether a new item was added.
	EnqueueSplitWork(homeID, resourceID string, notBefore time.Time) (created bool, err error)

	// ClaimDueSplitWork claims one item whose NotBefore has passed,
	// taking its row lock; a concurrent claimant skips it and a second
	// claim finds nothing to do. Returns nil when no item is due.
	ClaimDueSplitWork(now time.Time) (*SplitWorkItem, error)

	// CompleteSplitWork removes a claimed item. Effective on Commit;
	// a rollback leaves the item claimable by a later transaction.
	CompleteSplitWork(resourceID string) error

	// DeleteSplitWork de-schedules pending work for a resource, used
	// when the resource is removed before execution.
	DeleteSplitWork(resourceID string) error

	PendingSplitWork() (int, error)

	Commit() error
	Rollback() error
}
