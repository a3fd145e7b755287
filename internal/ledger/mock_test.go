package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/docledger/docledger/internal/model"
	"github.com/docledger/docledger/internal/store"
)

// fakeStore is an in-memory store.Store for ledger tests. It mimics the
// referential behavior of the real backends (parent foreign key, atomic
// batches, write-once chain hashes) and allows direct record manipulation
// to simulate legacy rows, tampering, and corrupted parent links.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*model.ProvenanceRecord
	order   []string

	insertErr  error            // forced failure for the next insert
	setHashErr map[string]error // forced per-record SetChainHash failures
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:    make(map[string]*model.ProvenanceRecord),
		setHashErr: make(map[string]error),
	}
}

// put inserts a record bypassing all validation, for corruption scenarios.
func (f *fakeStore) put(rec *model.ProvenanceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[rec.ID] = &cp
	f.order = append(f.order, rec.ID)
}

// get returns the live record for direct mutation in tamper tests.
func (f *fakeStore) get(id string) *model.ProvenanceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id]
}

func (f *fakeStore) checkInsert(rec *model.ProvenanceRecord) error {
	if _, exists := f.records[rec.ID]; exists {
		return eris.Errorf("UNIQUE constraint failed: provenance_records.id (%s)", rec.ID)
	}
	if rec.ParentID != nil {
		if _, ok := f.records[*rec.ParentID]; !ok {
			return eris.Errorf("FOREIGN KEY constraint failed (parent %s)", *rec.ParentID)
		}
	}
	return nil
}

func (f *fakeStore) InsertRecord(_ context.Context, rec *model.ProvenanceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		err := f.insertErr
		f.insertErr = nil
		return err
	}
	if err := f.checkInsert(rec); err != nil {
		return err
	}
	cp := *rec
	f.records[rec.ID] = &cp
	f.order = append(f.order, rec.ID)
	return nil
}

func (f *fakeStore) InsertRecords(_ context.Context, recs []*model.ProvenanceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		err := f.insertErr
		f.insertErr = nil
		return err
	}
	// Atomic: validate the whole batch before persisting anything.
	// In-batch parents are legal.
	staged := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if _, exists := f.records[rec.ID]; exists {
			return eris.Errorf("UNIQUE constraint failed: provenance_records.id (%s)", rec.ID)
		}
		if rec.ParentID != nil {
			_, persisted := f.records[*rec.ParentID]
			if !persisted && !staged[*rec.ParentID] {
				return eris.Errorf("FOREIGN KEY constraint failed (parent %s)", *rec.ParentID)
			}
		}
		staged[rec.ID] = true
	}
	for _, rec := range recs {
		cp := *rec
		f.records[rec.ID] = &cp
		f.order = append(f.order, rec.ID)
	}
	return nil
}

func (f *fakeStore) GetRecord(_ context.Context, id string) (*model.ProvenanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) QueryRecords(_ context.Context, filter store.RecordFilter) ([]model.ProvenanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ProvenanceRecord
	for _, id := range f.order {
		rec := f.records[id]
		if filter.Processor != "" && rec.Processor != filter.Processor {
			continue
		}
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.RootLineageID != "" && rec.RootLineageID != filter.RootLineageID {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeStore) ListByRootLineage(_ context.Context, rootLineageID string) ([]model.ProvenanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ProvenanceRecord
	for _, id := range f.order {
		if f.records[id].RootLineageID == rootLineageID {
			out = append(out, *f.records[id])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChainDepth != out[j].ChainDepth {
			return out[i].ChainDepth < out[j].ChainDepth
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *fakeStore) CountRecords(ctx context.Context, filter store.RecordFilter) (int, error) {
	recs, err := f.QueryRecords(ctx, filter)
	return len(recs), err
}

func (f *fakeStore) ProcessorStats(_ context.Context, _ store.StatsFilter) ([]store.ProcessorStat, error) {
	return nil, nil
}

func (f *fakeStore) ListUnhashed(_ context.Context) ([]model.ProvenanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ProvenanceRecord
	for _, id := range f.order {
		if f.records[id].ChainHash == nil {
			out = append(out, *f.records[id])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChainDepth != out[j].ChainDepth {
			return out[i].ChainDepth < out[j].ChainDepth
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *fakeStore) HashedChainIndex(_ context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := make(map[string]string)
	for id, rec := range f.records {
		if rec.ChainHash != nil {
			index[id] = *rec.ChainHash
		}
	}
	return index, nil
}

func (f *fakeStore) SetChainHash(_ context.Context, id, chainHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.setHashErr[id]; ok {
		return err
	}
	rec, ok := f.records[id]
	if !ok || rec.ChainHash != nil {
		return eris.Errorf("record not found or already hashed: %s", id)
	}
	h := chainHash
	rec.ChainHash = &h
	return nil
}

func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Close() error                  { return nil }

var _ store.Store = (*fakeStore)(nil)
