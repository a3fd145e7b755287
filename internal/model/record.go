package model

import "time"

// RecordType identifies the transformation step that produced a provenance
// record. The set is closed: every producer in the pipeline maps to exactly
// one type, and each type has a fixed position in the lineage tree.
type RecordType string

const (
	TypeDocument       RecordType = "DOCUMENT"
	TypeFormFill       RecordType = "FORM_FILL"
	TypeOCRResult      RecordType = "OCR_RESULT"
	TypeChunk          RecordType = "CHUNK"
	TypeImage          RecordType = "IMAGE"
	TypeExtraction     RecordType = "EXTRACTION"
	TypeComparison     RecordType = "COMPARISON"
	TypeClustering     RecordType = "CLUSTERING"
	TypeVLMDescription RecordType = "VLM_DESCRIPTION"
	TypeEmbedding      RecordType = "EMBEDDING"
)

// AllRecordTypes returns all defined record types.
func AllRecordTypes() []RecordType {
	return []RecordType{
		TypeDocument,
		TypeFormFill,
		TypeOCRResult,
		TypeChunk,
		TypeImage,
		TypeExtraction,
		TypeComparison,
		TypeClustering,
		TypeVLMDescription,
		TypeEmbedding,
	}
}

// IsRoot reports whether the type sits at depth 0 with no parent.
// DOCUMENT and FORM_FILL are parallel roots.
func (t RecordType) IsRoot() bool {
	return t == TypeDocument || t == TypeFormFill
}

// depthForType maps each type to its fixed chain depth. EMBEDDING is absent:
// its depth is a function of its parent (3 under a CHUNK-level branch, 4
// under a VLM_DESCRIPTION) and is computed as parent depth + 1 at append
// time.
var depthForType = map[RecordType]int{
	TypeDocument:       0,
	TypeFormFill:       0,
	TypeOCRResult:      1,
	TypeChunk:          2,
	TypeImage:          2,
	TypeExtraction:     2,
	TypeComparison:     2,
	TypeClustering:     2,
	TypeVLMDescription: 3,
}

// FixedDepth returns the fixed chain depth for a type, or ok=false for
// types whose depth depends on the parent.
func FixedDepth(t RecordType) (depth int, ok bool) {
	depth, ok = depthForType[t]
	return depth, ok
}

// allowedParents maps each non-root type to the parent types it may be
// appended under. A parent of any other type is a referential violation.
var allowedParents = map[RecordType][]RecordType{
	TypeOCRResult:      {TypeDocument},
	TypeChunk:          {TypeOCRResult},
	TypeImage:          {TypeOCRResult},
	TypeExtraction:     {TypeOCRResult},
	TypeComparison:     {TypeOCRResult},
	TypeClustering:     {TypeOCRResult},
	TypeVLMDescription: {TypeImage},
	TypeEmbedding:      {TypeChunk, TypeExtraction, TypeComparison, TypeClustering, TypeVLMDescription},
}

// ParentAllowed reports whether parentType is a legal parent for t.
func ParentAllowed(t, parentType RecordType) bool {
	for _, p := range allowedParents[t] {
		if p == parentType {
			return true
		}
	}
	return false
}

// SourceLocation locates a record's content within its source artifact.
type SourceLocation struct {
	Page        int     `json:"page,omitempty"`
	CharStart   int     `json:"char_start,omitempty"`
	CharEnd     int     `json:"char_end,omitempty"`
	BoundingBox []int   `json:"bounding_box,omitempty"`
	Section     string  `json:"section,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// ProvenanceRecord is one immutable row in the lineage ledger: a single
// transformation step, hash-chained to its entire ancestry.
//
// ChainHash is nil only for rows written before hash-chaining existed;
// new writes always set it. ContentHash, ParentID, and ChainHash are never
// mutated after insert (the one exception is the backfill utility, which
// fills a nil ChainHash exactly once).
type ProvenanceRecord struct {
	ID            string     `json:"id"`
	Type          RecordType `json:"type"`
	RootLineageID string     `json:"root_lineage_id"`
	ParentID      *string    `json:"parent_id,omitempty"`
	// ParentIDs is the full ancestor chain from root to immediate parent,
	// denormalized so lineage display never needs a walk.
	ParentIDs  []string `json:"parent_ids"`
	ChainDepth int      `json:"chain_depth"`

	ContentHash string  `json:"content_hash"`
	InputHash   *string `json:"input_hash,omitempty"`
	ChainHash   *string `json:"chain_hash,omitempty"`

	Processor        string          `json:"processor"`
	ProcessorVersion string          `json:"processor_version"`
	ProcessingParams map[string]any  `json:"processing_params"`
	Location         *SourceLocation `json:"location,omitempty"`

	QualityScore         *float64 `json:"quality_score,omitempty"`
	ProcessingDurationMS int64    `json:"processing_duration_ms"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// NewRecord is the producer-supplied input to the ledger writer: a record
// minus the fields the writer assigns (root lineage, parent chain, depth,
// chain hash, created_at). ID is optional; producers that need to reference
// a record before it is persisted (batch appends with in-batch parents)
// supply their own UUID, everyone else leaves it empty and the writer
// assigns one.
type NewRecord struct {
	ID          string
	Type        RecordType
	ParentID    *string
	ContentHash string
	InputHash   *string

	Processor        string
	ProcessorVersion string
	ProcessingParams map[string]any
	Location         *SourceLocation

	QualityScore         *float64
	ProcessingDurationMS int64
	ProcessedAt          *time.Time
}
