package ledger

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/docledger/docledger/internal/model"
	"github.com/docledger/docledger/internal/store"
)

// DefaultMaxWalkDepth caps ancestor walks. A valid tree tops out at depth 4,
// so anything near the ceiling is corrupted parent links, not real lineage.
const DefaultMaxWalkDepth = 100

// Walker traverses parent links from any record up to its root.
type Walker struct {
	store    store.Store
	maxDepth int
}

// NewWalker creates a walker. maxDepth <= 0 selects DefaultMaxWalkDepth.
func NewWalker(st store.Store, maxDepth int) *Walker {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxWalkDepth
	}
	return &Walker{store: st, maxDepth: maxDepth}
}

// Ancestors returns the chain from the given record up to its root,
// nearest-first (the record itself is element zero).
//
// A dangling parent reference ends the chain without error: partially
// deleted lineages are a tolerated state. A revisited id or a walk past the
// hop ceiling is corruption and fails with CycleError or DepthCeilingError.
func (w *Walker) Ancestors(ctx context.Context, id string) ([]model.ProvenanceRecord, error) {
	start, err := w.store.GetRecord(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: ancestors of %s", id)
	}
	if start == nil {
		return nil, &NotFoundError{RecordID: id}
	}

	chain := []model.ProvenanceRecord{*start}
	visited := map[string]bool{start.ID: true}
	current := start

	for current.ParentID != nil {
		nextID := *current.ParentID

		if visited[nextID] {
			chainIDs := make([]string, len(chain))
			for i, r := range chain {
				chainIDs[i] = r.ID
			}
			return nil, &CycleError{RecordID: nextID, Chain: chainIDs}
		}
		if len(chain) >= w.maxDepth {
			return nil, &DepthCeilingError{StartID: id, MaxDepth: w.maxDepth, Partial: chain}
		}

		parent, err := w.store.GetRecord(ctx, nextID)
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: fetch ancestor %s", nextID)
		}
		if parent == nil {
			// Dangling reference: the chain ends here.
			return chain, nil
		}

		chain = append(chain, *parent)
		visited[parent.ID] = true
		current = parent
	}

	return chain, nil
}
