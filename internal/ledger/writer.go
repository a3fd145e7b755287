package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/docledger/docledger/internal/hashchain"
	"github.com/docledger/docledger/internal/model"
	"github.com/docledger/docledger/internal/store"
)

// Writer appends records to the ledger. It validates the declared parent,
// derives the positional fields (root lineage, depth, ancestor list),
// computes the chain hash, and persists the row. Records are immutable once
// written.
type Writer struct {
	store store.Store
}

// NewWriter creates a ledger writer backed by st.
func NewWriter(st store.Store) *Writer {
	return &Writer{store: st}
}

// Append validates rec against its declared parent, computes its chain
// hash, and persists it. Returns the assigned record id.
//
// A parent that exists but has no chain hash (a pre-hashing legacy row) does
// not block the insert: the child's hash is computed without the ancestor
// link and a warning is logged. Running backfill and re-verifying restores
// full chain coverage.
func (w *Writer) Append(ctx context.Context, rec model.NewRecord) (string, error) {
	prepared, err := w.prepare(ctx, rec, nil)
	if err != nil {
		return "", err
	}

	if err := w.store.InsertRecord(ctx, prepared); err != nil {
		// The store's foreign key is the last line of defense against a
		// parent deleted between lookup and insert. Surface it, never
		// swallow it.
		zap.L().Error("ledger append rejected by store",
			zap.String("record_id", prepared.ID),
			zap.String("type", string(prepared.Type)),
			zap.Error(err),
		)
		return "", eris.Wrapf(err, "ledger: append %s", prepared.Type)
	}

	return prepared.ID, nil
}

// AppendBatch validates and persists a batch atomically: one failed row
// rolls back the whole batch. Records may reference parents appearing
// earlier in the same batch (e.g. a DOCUMENT followed by its OCR_RESULT).
// Returns the assigned ids in input order.
func (w *Writer) AppendBatch(ctx context.Context, recs []model.NewRecord) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	pending := make(map[string]*model.ProvenanceRecord, len(recs))
	prepared := make([]*model.ProvenanceRecord, 0, len(recs))
	ids := make([]string, 0, len(recs))

	for i, rec := range recs {
		p, err := w.prepare(ctx, rec, pending)
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: batch record %d", i)
		}
		pending[p.ID] = p
		prepared = append(prepared, p)
		ids = append(ids, p.ID)
	}

	if err := w.store.InsertRecords(ctx, prepared); err != nil {
		zap.L().Error("ledger batch append rejected by store",
			zap.Int("batch_size", len(prepared)),
			zap.Error(err),
		)
		return nil, eris.Wrap(err, "ledger: append batch")
	}

	return ids, nil
}

// prepare turns a producer-supplied NewRecord into a fully-populated row.
// pending lets batch appends resolve parents that are not yet persisted.
func (w *Writer) prepare(ctx context.Context, rec model.NewRecord, pending map[string]*model.ProvenanceRecord) (*model.ProvenanceRecord, error) {
	if rec.ContentHash == "" {
		return nil, eris.New("ledger: content_hash is required")
	}
	if rec.Processor == "" {
		return nil, eris.New("ledger: processor is required")
	}

	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	out := &model.ProvenanceRecord{
		ID:                   id,
		Type:                 rec.Type,
		ContentHash:          rec.ContentHash,
		InputHash:            rec.InputHash,
		Processor:            rec.Processor,
		ProcessorVersion:     rec.ProcessorVersion,
		ProcessingParams:     rec.ProcessingParams,
		Location:             rec.Location,
		QualityScore:         rec.QualityScore,
		ProcessingDurationMS: rec.ProcessingDurationMS,
		CreatedAt:            now,
		ProcessedAt:          rec.ProcessedAt,
	}

	if rec.Type.IsRoot() {
		if rec.ParentID != nil {
			return nil, &ReferentialError{
				ChildType: rec.Type,
				ParentID:  *rec.ParentID,
				Reason:    "root types must not declare a parent",
			}
		}
		out.RootLineageID = id
		out.ParentIDs = []string{}
		out.ChainDepth = 0
		hash := hashchain.Compute(rec.ContentHash, nil)
		out.ChainHash = &hash
		return out, nil
	}

	if rec.ParentID == nil {
		return nil, &ReferentialError{
			ChildType: rec.Type,
			ParentID:  "",
			Reason:    "non-root types require a parent",
		}
	}

	parent, err := w.lookupParent(ctx, *rec.ParentID, pending)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, &ReferentialError{
			ChildType: rec.Type,
			ParentID:  *rec.ParentID,
			Reason:    "parent does not exist",
		}
	}
	if !model.ParentAllowed(rec.Type, parent.Type) {
		return nil, &ReferentialError{
			ChildType: rec.Type,
			ParentID:  parent.ID,
			Reason:    "parent type " + string(parent.Type) + " cannot parent " + string(rec.Type),
		}
	}

	// Depth is always one hop below the parent. For fixed-depth types this
	// must agree with the depth table; EMBEDDING legitimately floats (3
	// under chunk-level parents, 4 under a VLM description).
	depth := parent.ChainDepth + 1
	if fixed, ok := model.FixedDepth(rec.Type); ok && fixed != depth {
		return nil, &ReferentialError{
			ChildType: rec.Type,
			ParentID:  parent.ID,
			Reason:    fmt.Sprintf("parent depth puts record at depth %d, type requires %d", depth, fixed),
		}
	}

	out.ParentID = &parent.ID
	out.RootLineageID = parent.RootLineageID
	out.ParentIDs = append(append([]string{}, parent.ParentIDs...), parent.ID)
	out.ChainDepth = depth

	// A child's created_at is never earlier than its parent's.
	if out.CreatedAt.Before(parent.CreatedAt) {
		out.CreatedAt = parent.CreatedAt
	}

	if parent.ChainHash == nil {
		// Expected transient state for legacy data, not corruption. The
		// child hashes as if it were unchained; backfill reconciles later.
		zap.L().Warn("parent record has no chain hash; appending without ancestor link",
			zap.String("record_id", id),
			zap.String("parent_id", parent.ID),
			zap.String("type", string(rec.Type)),
		)
	}
	hash := hashchain.Compute(rec.ContentHash, parent.ChainHash)
	out.ChainHash = &hash

	return out, nil
}

func (w *Writer) lookupParent(ctx context.Context, parentID string, pending map[string]*model.ProvenanceRecord) (*model.ProvenanceRecord, error) {
	if p, ok := pending[parentID]; ok {
		return p, nil
	}
	parent, err := w.store.GetRecord(ctx, parentID)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: look up parent %s", parentID)
	}
	return parent, nil
}
