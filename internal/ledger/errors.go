// Package ledger implements the provenance lineage engine: the append path
// that chains each record's hash to its ancestry, the ancestor walk, the
// subtree verifier, and the backfill repairer for pre-hashing legacy rows.
package ledger

import (
	"fmt"

	"github.com/docledger/docledger/internal/model"
)

// ReferentialError reports an append whose declared parent is missing or of
// a type that cannot parent the new record. It is never retried: dropping
// the lineage link silently would leave a hidden orphan in the forest.
type ReferentialError struct {
	ChildType model.RecordType
	ParentID  string
	Reason    string
}

func (e *ReferentialError) Error() string {
	return fmt.Sprintf("referential violation appending %s under parent %s: %s",
		e.ChildType, e.ParentID, e.Reason)
}

// CycleError reports an ancestor walk that revisited a record. A cycle is
// impossible in a valid forest, so this always means corrupted parent_id
// data; it is never auto-repaired.
type CycleError struct {
	RecordID string
	Chain    []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("lineage cycle detected at record %s (walked %d records)",
		e.RecordID, len(e.Chain))
}

// DepthCeilingError reports a walk that exceeded the hop ceiling without
// reaching a root. An unbounded chain is a corruption symptom even without
// a literal cycle. Partial holds the records collected before aborting.
type DepthCeilingError struct {
	StartID  string
	MaxDepth int
	Partial  []model.ProvenanceRecord
}

func (e *DepthCeilingError) Error() string {
	return fmt.Sprintf("lineage walk from %s exceeded %d hops without reaching a root",
		e.StartID, e.MaxDepth)
}

// NotFoundError reports that the record a caller asked about does not exist.
type NotFoundError struct {
	RecordID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("provenance record not found: %s", e.RecordID)
}
