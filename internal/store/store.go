// Package store persists provenance records. Two backends are provided:
// SQLite for single-machine ledgers and Postgres for shared deployments.
// Both enforce the parent foreign key so an append referencing a missing
// parent fails at the store, not silently downstream.
package store

import (
	"context"
	"time"

	"github.com/docledger/docledger/internal/model"
)

// Sort columns accepted by RecordFilter. Dynamic ordering is restricted to
// this allow-list; anything else falls back to created_at.
const (
	SortCreatedAt    = "created_at"
	SortDuration     = "processing_duration_ms"
	SortQualityScore = "quality_score"
)

// RecordFilter specifies criteria for querying the ledger.
type RecordFilter struct {
	Processor       string           `json:"processor,omitempty"`
	Type            model.RecordType `json:"type,omitempty"`
	ChainDepth      *int             `json:"chain_depth,omitempty"`
	RootLineageID   string           `json:"root_lineage_id,omitempty"`
	CreatedAfter    time.Time        `json:"created_after,omitempty"`
	CreatedBefore   time.Time        `json:"created_before,omitempty"`
	MinQualityScore *float64         `json:"min_quality_score,omitempty"`
	MinDurationMS   *int64           `json:"min_duration_ms,omitempty"`
	SortBy          string           `json:"sort_by,omitempty"`
	SortDesc        bool             `json:"sort_desc,omitempty"`
	Limit           int              `json:"limit,omitempty"`
	Offset          int              `json:"offset,omitempty"`
}

// StatsFilter narrows the per-processor aggregate report.
type StatsFilter struct {
	Processor     string           `json:"processor,omitempty"`
	Type          model.RecordType `json:"type,omitempty"`
	CreatedAfter  time.Time        `json:"created_after,omitempty"`
	CreatedBefore time.Time        `json:"created_before,omitempty"`
}

// ProcessorStat is one row of the grouped aggregate report, keyed by
// (processor, processor_version).
type ProcessorStat struct {
	Processor        string   `json:"processor"`
	ProcessorVersion string   `json:"processor_version"`
	RecordCount      int      `json:"record_count"`
	AvgDurationMS    float64  `json:"avg_duration_ms"`
	MinDurationMS    int64    `json:"min_duration_ms"`
	MaxDurationMS    int64    `json:"max_duration_ms"`
	TotalDurationMS  int64    `json:"total_duration_ms"`
	AvgQualityScore  *float64 `json:"avg_quality_score,omitempty"`
}

// Store defines the persistence interface for the lineage ledger.
//
// GetRecord returns (nil, nil) for a missing id: the walker treats a
// dangling parent as "chain ends here", so absence is an expected outcome,
// not an error.
type Store interface {
	// Writes. InsertRecords is atomic: one failed row rolls back the batch.
	InsertRecord(ctx context.Context, rec *model.ProvenanceRecord) error
	InsertRecords(ctx context.Context, recs []*model.ProvenanceRecord) error

	// Reads.
	GetRecord(ctx context.Context, id string) (*model.ProvenanceRecord, error)
	QueryRecords(ctx context.Context, filter RecordFilter) ([]model.ProvenanceRecord, error)
	ListByRootLineage(ctx context.Context, rootLineageID string) ([]model.ProvenanceRecord, error)
	CountRecords(ctx context.Context, filter RecordFilter) (int, error)
	ProcessorStats(ctx context.Context, filter StatsFilter) ([]ProcessorStat, error)

	// Backfill support. ListUnhashed returns legacy rows (nil chain_hash)
	// ordered by chain_depth then created_at, so parents precede children.
	// HashedChainIndex maps id -> chain_hash for every already-hashed row.
	// SetChainHash is the single sanctioned mutation: filling a nil hash.
	ListUnhashed(ctx context.Context) ([]model.ProvenanceRecord, error)
	HashedChainIndex(ctx context.Context) (map[string]string, error)
	SetChainHash(ctx context.Context, id, chainHash string) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
