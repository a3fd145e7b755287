package ledger

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/docledger/docledger/internal/hashchain"
	"github.com/docledger/docledger/internal/model"
	"github.com/docledger/docledger/internal/store"
)

// VerifyResult reports the integrity of one lineage subtree.
//
// Valid requires every record to carry a chain hash AND every hash to
// recompute correctly. Legacy null-hash rows are not verified; their
// presence alone invalidates the result, since they are an auditing gap
// (resolved by running backfill, not by the verifier).
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	Total         int    `json:"total"`
	VerifiedCount int    `json:"verified_count"`
	NullHashCount int    `json:"null_hash_count"`
	FirstBreakID  string `json:"first_break_id,omitempty"`
	ExpectedHash  string `json:"expected_hash,omitempty"`
	StoredHash    string `json:"stored_hash,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// Verifier recomputes every chain hash in a lineage subtree and reports the
// first break. Read-only; mismatches are reported, never repaired, since an
// automatic fix would mask tampering or data loss.
type Verifier struct {
	store store.Store
}

// NewVerifier creates a verifier backed by st.
func NewVerifier(st store.Store) *Verifier {
	return &Verifier{store: st}
}

// Verify checks the whole subtree under rootLineageID in O(n) with no
// hashing of raw content: it trusts stored content hashes (computed at
// write time) and recomputes only the chain links. Records arrive ordered
// by depth then creation time, so a parent's hash is validated at or before
// its children, and parents resolve from an in-memory map rather than
// per-record queries.
//
// Cancellation is honored between records; a zero-record subtree is
// trivially valid.
func (v *Verifier) Verify(ctx context.Context, rootLineageID string) (*VerifyResult, error) {
	recs, err := v.store.ListByRootLineage(ctx, rootLineageID)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: verify %s", rootLineageID)
	}

	result := &VerifyResult{Valid: true, Total: len(recs)}
	if len(recs) == 0 {
		return result, nil
	}

	byID := make(map[string]*model.ProvenanceRecord, len(recs))
	for i := range recs {
		byID[recs[i].ID] = &recs[i]
	}

	for i := range recs {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrapf(err, "ledger: verify %s interrupted", rootLineageID)
		}

		rec := &recs[i]
		if rec.ChainHash == nil {
			result.NullHashCount++
			continue
		}

		var parentChainHash *string
		if rec.ParentID != nil {
			if parent, ok := byID[*rec.ParentID]; ok {
				parentChainHash = parent.ChainHash
			}
			// A parent missing from the subtree is a dangling reference:
			// the stored hash can only match if it was computed without
			// the ancestor link, which the recompute below decides.
		}

		expected := hashchain.Compute(rec.ContentHash, parentChainHash)
		if expected != *rec.ChainHash {
			// Every descendant hash is meaningless past a break; stop here.
			result.Valid = false
			result.FirstBreakID = rec.ID
			result.ExpectedHash = expected
			result.StoredHash = *rec.ChainHash
			result.Detail = fmt.Sprintf("chain hash mismatch at %s: expected %s, stored %s",
				rec.ID, expected, *rec.ChainHash)
			zap.L().Warn("lineage verification found a break",
				zap.String("root_lineage_id", rootLineageID),
				zap.String("first_break_id", rec.ID),
			)
			return result, nil
		}
		result.VerifiedCount++
	}

	if result.NullHashCount > 0 {
		result.Valid = false
		result.Detail = fmt.Sprintf("%d legacy records lack a chain hash; run backfill", result.NullHashCount)
	}
	return result, nil
}
