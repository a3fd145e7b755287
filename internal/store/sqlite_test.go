package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docledger/docledger/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func i64Ptr(n int64) *int64     { return &n }

// testRecord builds a valid record; override fields as needed after the call.
func testRecord(typ model.RecordType, parent *model.ProvenanceRecord) *model.ProvenanceRecord {
	id := uuid.New().String()
	hash := "hash-" + id[:8]
	chain := "chain-" + id[:8]
	rec := &model.ProvenanceRecord{
		ID:               id,
		Type:             typ,
		RootLineageID:    id,
		ParentIDs:        []string{},
		ContentHash:      hash,
		ChainHash:        &chain,
		Processor:        "test-processor",
		ProcessorVersion: "1.0.0",
		ProcessingParams: map[string]any{"mode": "fast"},
		CreatedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}
	if parent != nil {
		rec.ParentID = &parent.ID
		rec.RootLineageID = parent.RootLineageID
		rec.ParentIDs = append(append([]string{}, parent.ParentIDs...), parent.ID)
		rec.ChainDepth = parent.ChainDepth + 1
	}
	return rec
}

func TestSQLite_InsertAndGetRecord(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := testRecord(model.TypeDocument, nil)
	rec.InputHash = strPtr("input-hash")
	rec.QualityScore = f64Ptr(0.92)
	rec.ProcessingDurationMS = 1250
	rec.Location = &model.SourceLocation{Page: 3, CharStart: 10, CharEnd: 250}
	processedAt := time.Now().UTC().Truncate(time.Millisecond)
	rec.ProcessedAt = &processedAt

	require.NoError(t, st.InsertRecord(ctx, rec))

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, model.TypeDocument, got.Type)
	assert.Equal(t, rec.ContentHash, got.ContentHash)
	assert.Equal(t, *rec.ChainHash, *got.ChainHash)
	assert.Equal(t, "input-hash", *got.InputHash)
	assert.Equal(t, "test-processor", got.Processor)
	assert.Equal(t, map[string]any{"mode": "fast"}, got.ProcessingParams)
	assert.Equal(t, 0.92, *got.QualityScore)
	assert.Equal(t, int64(1250), got.ProcessingDurationMS)
	require.NotNil(t, got.Location)
	assert.Equal(t, 3, got.Location.Page)
	require.NotNil(t, got.ProcessedAt)
	assert.Empty(t, got.ParentIDs)
}

func TestSQLite_GetRecord_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetRecord(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_InsertRecord_ForeignKeyEnforced(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := testRecord(model.TypeOCRResult, nil)
	rec.ParentID = strPtr("does-not-exist")

	err := st.InsertRecord(ctx, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FOREIGN KEY")
}

func TestSQLite_InsertRecords_AtomicBatch(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := testRecord(model.TypeDocument, nil)
	require.NoError(t, st.InsertRecord(ctx, doc))

	good := testRecord(model.TypeOCRResult, doc)
	bad := testRecord(model.TypeOCRResult, doc)
	bad.ParentID = strPtr("does-not-exist")

	err := st.InsertRecords(ctx, []*model.ProvenanceRecord{good, bad})
	require.Error(t, err)

	// The failed row rolled back its sibling too.
	got, err := st.GetRecord(ctx, good.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_InsertRecords_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.InsertRecords(context.Background(), nil))
}

func TestSQLite_ListByRootLineage_DepthOrdered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := testRecord(model.TypeDocument, nil)
	ocr := testRecord(model.TypeOCRResult, doc)
	chunk := testRecord(model.TypeChunk, ocr)
	other := testRecord(model.TypeDocument, nil)

	require.NoError(t, st.InsertRecord(ctx, doc))
	require.NoError(t, st.InsertRecord(ctx, ocr))
	require.NoError(t, st.InsertRecord(ctx, chunk))
	require.NoError(t, st.InsertRecord(ctx, other))

	recs, err := st.ListByRootLineage(ctx, doc.RootLineageID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, doc.ID, recs[0].ID)
	assert.Equal(t, ocr.ID, recs[1].ID)
	assert.Equal(t, chunk.ID, recs[2].ID)
}

func TestSQLite_QueryRecords_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := testRecord(model.TypeDocument, nil)
	doc.Processor = "file-manager"
	require.NoError(t, st.InsertRecord(ctx, doc))

	ocr := testRecord(model.TypeOCRResult, doc)
	ocr.Processor = "ocr-local"
	ocr.QualityScore = f64Ptr(0.95)
	ocr.ProcessingDurationMS = 3000
	require.NoError(t, st.InsertRecord(ctx, ocr))

	chunk := testRecord(model.TypeChunk, ocr)
	chunk.Processor = "chunker"
	chunk.QualityScore = f64Ptr(0.40)
	chunk.ProcessingDurationMS = 200
	require.NoError(t, st.InsertRecord(ctx, chunk))

	// By processor.
	recs, err := st.QueryRecords(ctx, RecordFilter{Processor: "ocr-local"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ocr.ID, recs[0].ID)

	// By type.
	recs, err = st.QueryRecords(ctx, RecordFilter{Type: model.TypeChunk})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, chunk.ID, recs[0].ID)

	// By exact depth.
	depth := 1
	recs, err = st.QueryRecords(ctx, RecordFilter{ChainDepth: &depth})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ocr.ID, recs[0].ID)

	// By root lineage.
	recs, err = st.QueryRecords(ctx, RecordFilter{RootLineageID: doc.ID})
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	// By minimum quality score.
	recs, err = st.QueryRecords(ctx, RecordFilter{MinQualityScore: f64Ptr(0.9)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ocr.ID, recs[0].ID)

	// By minimum duration.
	recs, err = st.QueryRecords(ctx, RecordFilter{MinDurationMS: i64Ptr(1000)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ocr.ID, recs[0].ID)

	// By time range: nothing created before the epoch cutoff.
	recs, err = st.QueryRecords(ctx, RecordFilter{CreatedBefore: time.Now().UTC().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = st.QueryRecords(ctx, RecordFilter{CreatedAfter: time.Now().UTC().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestSQLite_QueryRecords_SortAndPagination(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rec := testRecord(model.TypeDocument, nil)
		rec.ProcessingDurationMS = int64((i + 1) * 100)
		rec.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.InsertRecord(ctx, rec))
		ids = append(ids, rec.ID)
	}

	// Sort by duration descending.
	recs, err := st.QueryRecords(ctx, RecordFilter{SortBy: SortDuration, SortDesc: true})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, ids[2], recs[0].ID)
	assert.Equal(t, ids[0], recs[2].ID)

	// An unlisted sort column silently falls back to created_at.
	recs, err = st.QueryRecords(ctx, RecordFilter{SortBy: "id; DROP TABLE provenance_records"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, ids[0], recs[0].ID)

	// Pagination.
	recs, err = st.QueryRecords(ctx, RecordFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ids[1], recs[0].ID)
}

func TestSQLite_CountRecords(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := testRecord(model.TypeDocument, nil)
	require.NoError(t, st.InsertRecord(ctx, doc))
	require.NoError(t, st.InsertRecord(ctx, testRecord(model.TypeOCRResult, doc)))

	n, err := st.CountRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = st.CountRecords(ctx, RecordFilter{Type: model.TypeOCRResult})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_ProcessorStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := testRecord(model.TypeDocument, nil)
	doc.Processor = "file-manager"
	doc.ProcessorVersion = "1.0.0"
	doc.ProcessingDurationMS = 100
	require.NoError(t, st.InsertRecord(ctx, doc))

	for i, dur := range []int64{1000, 3000} {
		rec := testRecord(model.TypeOCRResult, doc)
		rec.Processor = "ocr-local"
		rec.ProcessorVersion = "2.0.0"
		rec.ProcessingDurationMS = dur
		rec.QualityScore = f64Ptr(0.8 + float64(i)*0.1)
		require.NoError(t, st.InsertRecord(ctx, rec))
	}

	stats, err := st.ProcessorStats(ctx, StatsFilter{})
	require.NoError(t, err)
	require.Len(t, stats, 2)

	// Ordered by processor name: file-manager first.
	assert.Equal(t, "file-manager", stats[0].Processor)
	assert.Equal(t, 1, stats[0].RecordCount)
	assert.Nil(t, stats[0].AvgQualityScore)

	ocrStat := stats[1]
	assert.Equal(t, "ocr-local", ocrStat.Processor)
	assert.Equal(t, "2.0.0", ocrStat.ProcessorVersion)
	assert.Equal(t, 2, ocrStat.RecordCount)
	assert.InDelta(t, 2000.0, ocrStat.AvgDurationMS, 0.01)
	assert.Equal(t, int64(1000), ocrStat.MinDurationMS)
	assert.Equal(t, int64(3000), ocrStat.MaxDurationMS)
	assert.Equal(t, int64(4000), ocrStat.TotalDurationMS)
	require.NotNil(t, ocrStat.AvgQualityScore)
	assert.InDelta(t, 0.85, *ocrStat.AvgQualityScore, 0.001)

	// Filtered to one processor.
	stats, err = st.ProcessorStats(ctx, StatsFilter{Processor: "ocr-local"})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "ocr-local", stats[0].Processor)
}

func TestSQLite_BackfillSupport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	hashed := testRecord(model.TypeDocument, nil)
	require.NoError(t, st.InsertRecord(ctx, hashed))

	legacyRoot := testRecord(model.TypeDocument, nil)
	legacyRoot.ChainHash = nil
	require.NoError(t, st.InsertRecord(ctx, legacyRoot))

	legacyChild := testRecord(model.TypeOCRResult, legacyRoot)
	legacyChild.ChainHash = nil
	require.NoError(t, st.InsertRecord(ctx, legacyChild))

	// Unhashed rows come back parents-first.
	unhashed, err := st.ListUnhashed(ctx)
	require.NoError(t, err)
	require.Len(t, unhashed, 2)
	assert.Equal(t, legacyRoot.ID, unhashed[0].ID)
	assert.Equal(t, legacyChild.ID, unhashed[1].ID)

	// The index covers only hashed rows.
	index, err := st.HashedChainIndex(ctx)
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, *hashed.ChainHash, index[hashed.ID])

	// Fill one hash; it leaves the unhashed set and joins the index.
	require.NoError(t, st.SetChainHash(ctx, legacyRoot.ID, "backfilled-hash"))

	unhashed, err = st.ListUnhashed(ctx)
	require.NoError(t, err)
	require.Len(t, unhashed, 1)
	assert.Equal(t, legacyChild.ID, unhashed[0].ID)

	index, err = st.HashedChainIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, "backfilled-hash", index[legacyRoot.ID])

	// A chain hash is write-once.
	err = st.SetChainHash(ctx, legacyRoot.ID, "second-write")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already hashed")

	err = st.SetChainHash(ctx, "nonexistent", "hash")
	require.Error(t, err)
}
