package itip

import (
	"errors"

	"github.com/google/uuid"

	"github.com/calserv/scheduling/caldata"
	"github.com/calserv/scheduling/storage"
)

// ImportResult summarizes one bulk import run.
type ImportResult struct {
	Succeeded int
	Failed    int
	Repaired  int
}

// BulkImport loads a batch of serialized calendar objects into a home,
// indexing each one. Broken objects are repaired when possible
// (a stray RECURRENCE-ID on an orphan override, a drifted UID) and
// counted; unrepairable ones are skipped, not fatal. No scheduling
// fan-out happens on import.
func (p *Processor) BulkImport(txn storage.Txn, homeID string, payloads []string) (ImportResult, error) {
	var result ImportResult

	if _, err := txn.EnsureHome(homeID); err != nil {
		return result, err
	}

	for _, payload := range payloads {
		tree, err := caldata.Parse(payload)
		if err != nil {
			p.logger.Warn("import: unparseable object skipped", "home", homeID, "error", err)
			result.Failed++
			continue
		}
		if verr := tree.Validate(); verr != nil {
			if !tree.Repair() {
				p.logger.Warn("import: unrepairable object skipped",
					"home", homeID, "uid", tree.UID(), "cause", verr)
				result.Failed++
				continue
			}
			p.repairs.Add(1)
			result.Repaired++
		} else if tree.Master() == nil && len(tree.Overrides()) == 1 {
			// A lone override passes validation as an attendee view of a
			// single instance, but imported source data must carry its
			// master: strip the stray RECURRENCE-ID instead.
			if tree.Repair() {
				p.repairs.Add(1)
				result.Repaired++
				p.logger.Warn("import: repaired orphan override into master",
					"home", homeID, "uid", tree.UID())
			}
		}

		rec, err := txn.GetObjectByUID(homeID, tree.UID())
		if errors.Is(err, storage.ErrNotFound) {
			rec = &storage.ObjectRecord{
				ResourceID:   uuid.New().String(),
				HomeID:       homeID,
				CollectionID: "calendar",
			}
			err = nil
		}
		if err != nil {
			return result, err
		}

		var prev *caldata.ObjectTree
		if rec.Data != "" {
			prev, _ = caldata.Parse(rec.Data)
		}
		if _, err := p.indexer.Update(txn, rec.ResourceID, prev, tree); err != nil {
			return result, err
		}
		if err := p.persistRecord(txn, rec, tree); err != nil {
			return result, err
		}
		result.Succeeded++
	}
	return result, nil
}
