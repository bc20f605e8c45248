// Package workqueue drives the deferred split queue: a polling worker
// that claims due items one at a time, executes them in their own
// transaction and completes them only on commit, giving at-least-once
// execution against an idempotent split engine.
package workqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/calserv/scheduling/storage"
)

// Executor runs one claimed work item inside the dispatcher's
// transaction. Returning an error rolls the transaction back and
// leaves the item claimable by a later attempt.
type Executor interface {
	ExecuteDeferred(ctx context.Context, txn storage.Txn, item *storage.SplitWorkItem) error
}

// Dispatcher polls the store for due split work.
type Dispatcher struct {
	store    storage.Store
	exec     Executor
	logger   *slog.Logger
	interval time.Duration

	now func() time.Time
}

func NewDispatcher(store storage.Store, exec Executor, logger *slog.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		store:    store,
		exec:     exec,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// SetClock overrides the dispatcher's notion of now, for tests.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Run polls until the context is cancelled, draining all due items on
// every tick.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.Drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain executes due items until none remain or the context is
// cancelled. A failing item is logged and skipped for the rest of this
// drain so it cannot starve the items behind it; it stays claimable for
// the next tick.
func (d *Dispatcher) Drain(ctx context.Context) {
	skip := make(map[string]bool)
	for ctx.Err() == nil {
		processed, resource, err := d.runOnce(ctx, skip)
		if err != nil {
			d.logger.Error("split work execution failed, item left claimable",
				"resource", resource, "error", err)
			if resource == "" {
				return
			}
			skip[resource] = true
			continue
		}
		if !processed {
			return
		}
	}
}

// RunOnce claims and executes at most one due item. processed reports
// whether an item was found.
func (d *Dispatcher) RunOnce(ctx context.Context) (processed bool, err error) {
	processed, _, err = d.runOnce(ctx, nil)
	return processed, err
}

func (d *Dispatcher) runOnce(ctx context.Context, skip map[string]bool) (bool, string, error) {
	txn, err := d.store.Begin(ctx)
	if err != nil {
		return false, "", err
	}

	var item *storage.SplitWorkItem
	for {
		item, err = txn.ClaimDueSplitWork(d.now())
		if err != nil {
			txn.Rollback()
			return false, "", err
		}
		if item == nil {
			txn.Rollback()
			return false, "", nil
		}
		if !skip[item.ResourceID] {
			break
		}
		// Keep the claim on the skipped item: the next claim in this
		// transaction then returns the one behind it.
	}

	if err := d.exec.ExecuteDeferred(ctx, txn, item); err != nil {
		txn.Rollback()
		return true, item.ResourceID, err
	}
	if err := txn.CompleteSplitWork(item.ResourceID); err != nil {
		txn.Rollback()
		return true, item.ResourceID, err
	}
	if err := txn.Commit(); err != nil {
		return true, item.ResourceID, err
	}
	d.logger.Debug("split work completed", "resource", item.ResourceID)
	return true, item.ResourceID, nil
}

// WaitEmpty blocks until no pending items remain, polling the store.
// The context bounds the wait, so a perpetually re-enqueued item
// cannot hang the caller.
func (d *Dispatcher) WaitEmpty(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		pending, err := d.pending(ctx)
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) pending(ctx context.Context) (int, error) {
	txn, err := d.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()
	return txn.PendingSplitWork()
}
