package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/docledger/docledger/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path. Foreign keys and the
// busy timeout are set via DSN pragmas so every pooled connection gets them,
// not just the one that ran an Exec.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: set synchronous")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS provenance_records (
	id                     TEXT PRIMARY KEY,
	type                   TEXT NOT NULL,
	root_lineage_id        TEXT NOT NULL,
	parent_id              TEXT REFERENCES provenance_records(id) ON DELETE CASCADE,
	parent_ids             TEXT NOT NULL DEFAULT '[]',
	chain_depth            INTEGER NOT NULL,
	content_hash           TEXT NOT NULL,
	input_hash             TEXT,
	chain_hash             TEXT,
	processor              TEXT NOT NULL,
	processor_version      TEXT NOT NULL,
	processing_params      TEXT NOT NULL DEFAULT '{}',
	location               TEXT,
	quality_score          REAL,
	processing_duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at             DATETIME NOT NULL,
	processed_at           DATETIME
);

CREATE INDEX IF NOT EXISTS idx_prov_root_lineage ON provenance_records(root_lineage_id, chain_depth, created_at);
CREATE INDEX IF NOT EXISTS idx_prov_parent ON provenance_records(parent_id);
CREATE INDEX IF NOT EXISTS idx_prov_processor ON provenance_records(processor, processor_version);
CREATE INDEX IF NOT EXISTS idx_prov_type ON provenance_records(type);
CREATE INDEX IF NOT EXISTS idx_prov_created_at ON provenance_records(created_at);
CREATE INDEX IF NOT EXISTS idx_prov_unhashed ON provenance_records(chain_depth, created_at) WHERE chain_hash IS NULL;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteInsertRecord = `INSERT INTO provenance_records
	(id, type, root_lineage_id, parent_id, parent_ids, chain_depth,
	 content_hash, input_hash, chain_hash, processor, processor_version,
	 processing_params, location, quality_score, processing_duration_ms,
	 created_at, processed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *model.ProvenanceRecord) error {
	args, err := recordInsertArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqliteInsertRecord, args...); err != nil {
		return eris.Wrapf(err, "sqlite: insert record %s", rec.ID)
	}
	return nil
}

func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []*model.ProvenanceRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin batch")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertRecord)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare batch insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, rec := range recs {
		args, err := recordInsertArgs(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "sqlite: batch insert record %s", rec.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit batch")
}

const sqliteSelectRecord = `SELECT id, type, root_lineage_id, parent_id, parent_ids, chain_depth,
	content_hash, input_hash, chain_hash, processor, processor_version,
	processing_params, location, quality_score, processing_duration_ms,
	created_at, processed_at FROM provenance_records`

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.ProvenanceRecord, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectRecord+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) QueryRecords(ctx context.Context, filter RecordFilter) ([]model.ProvenanceRecord, error) {
	where, args := buildRecordWhere(filter, sqlitePlaceholders)

	query := sqliteSelectRecord + where + ` ORDER BY ` + sortColumn(filter.SortBy) + sortDirection(filter.SortDesc)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query records")
	}
	defer rows.Close()

	var recs []model.ProvenanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: query records iterate")
}

func (s *SQLiteStore) ListByRootLineage(ctx context.Context, rootLineageID string) ([]model.ProvenanceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		sqliteSelectRecord+` WHERE root_lineage_id = ? ORDER BY chain_depth ASC, created_at ASC`,
		rootLineageID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list lineage %s", rootLineageID)
	}
	defer rows.Close()

	var recs []model.ProvenanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lineage record")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list lineage iterate")
}

func (s *SQLiteStore) CountRecords(ctx context.Context, filter RecordFilter) (int, error) {
	where, args := buildRecordWhere(filter, sqlitePlaceholders)

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM provenance_records`+where, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count records")
}

func (s *SQLiteStore) ProcessorStats(ctx context.Context, filter StatsFilter) ([]ProcessorStat, error) {
	query := `SELECT processor, processor_version, COUNT(*),
		AVG(processing_duration_ms), MIN(processing_duration_ms),
		MAX(processing_duration_ms), SUM(processing_duration_ms),
		AVG(quality_score)
		FROM provenance_records WHERE 1=1`
	var args []any

	if filter.Processor != "" {
		query += ` AND processor = ?`
		args = append(args, filter.Processor)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.CreatedBefore.UTC())
	}
	query += ` GROUP BY processor, processor_version ORDER BY processor, processor_version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: processor stats")
	}
	defer rows.Close()

	var stats []ProcessorStat
	for rows.Next() {
		var st ProcessorStat
		var avgQuality sql.NullFloat64
		err := rows.Scan(&st.Processor, &st.ProcessorVersion, &st.RecordCount,
			&st.AvgDurationMS, &st.MinDurationMS, &st.MaxDurationMS,
			&st.TotalDurationMS, &avgQuality)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan processor stat")
		}
		if avgQuality.Valid {
			st.AvgQualityScore = &avgQuality.Float64
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: processor stats iterate")
}

func (s *SQLiteStore) ListUnhashed(ctx context.Context) ([]model.ProvenanceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		sqliteSelectRecord+` WHERE chain_hash IS NULL ORDER BY chain_depth ASC, created_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unhashed")
	}
	defer rows.Close()

	var recs []model.ProvenanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unhashed record")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list unhashed iterate")
}

func (s *SQLiteStore) HashedChainIndex(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chain_hash FROM provenance_records WHERE chain_hash IS NOT NULL`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: hashed chain index")
	}
	defer rows.Close()

	index := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chain index")
		}
		index[id] = hash
	}
	return index, eris.Wrap(rows.Err(), "sqlite: hashed chain index iterate")
}

func (s *SQLiteStore) SetChainHash(ctx context.Context, id, chainHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE provenance_records SET chain_hash = ? WHERE id = ? AND chain_hash IS NULL`,
		chainHash, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set chain hash %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("record not found or already hashed: %s", id)
	}
	return nil
}

// helpers

func sqlitePlaceholders(int) string { return "?" }

// buildRecordWhere renders the shared filter clause. The placeholder
// function abstracts over SQLite (?) and Postgres ($n) parameter styles.
func buildRecordWhere(filter RecordFilter, placeholder func(n int) string) (string, []any) {
	var sb strings.Builder
	sb.WriteString(` WHERE 1=1`)
	var args []any

	add := func(clause string, arg any) {
		args = append(args, arg)
		sb.WriteString(` AND `)
		sb.WriteString(strings.Replace(clause, "%s", placeholder(len(args)), 1))
	}

	if filter.Processor != "" {
		add(`processor = %s`, filter.Processor)
	}
	if filter.Type != "" {
		add(`type = %s`, string(filter.Type))
	}
	if filter.ChainDepth != nil {
		add(`chain_depth = %s`, *filter.ChainDepth)
	}
	if filter.RootLineageID != "" {
		add(`root_lineage_id = %s`, filter.RootLineageID)
	}
	if !filter.CreatedAfter.IsZero() {
		add(`created_at >= %s`, filter.CreatedAfter.UTC())
	}
	if !filter.CreatedBefore.IsZero() {
		add(`created_at < %s`, filter.CreatedBefore.UTC())
	}
	if filter.MinQualityScore != nil {
		add(`quality_score >= %s`, *filter.MinQualityScore)
	}
	if filter.MinDurationMS != nil {
		add(`processing_duration_ms >= %s`, *filter.MinDurationMS)
	}

	return sb.String(), args
}

// sortColumn maps a requested sort to the allow-list, defaulting to
// created_at for anything unrecognized.
func sortColumn(requested string) string {
	switch requested {
	case SortCreatedAt, SortDuration, SortQualityScore:
		return requested
	default:
		return SortCreatedAt
	}
}

func sortDirection(desc bool) string {
	if desc {
		return ` DESC`
	}
	return ` ASC`
}

func recordInsertArgs(rec *model.ProvenanceRecord) ([]any, error) {
	parentIDs, err := json.Marshal(rec.ParentIDs)
	if err != nil {
		return nil, eris.Wrapf(err, "marshal parent_ids for %s", rec.ID)
	}
	params := rec.ProcessingParams
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrapf(err, "marshal processing_params for %s", rec.ID)
	}

	var locationJSON any
	if rec.Location != nil {
		b, err := json.Marshal(rec.Location)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal location for %s", rec.ID)
		}
		locationJSON = string(b)
	}

	return []any{
		rec.ID, string(rec.Type), rec.RootLineageID, rec.ParentID,
		string(parentIDs), rec.ChainDepth, rec.ContentHash, rec.InputHash,
		rec.ChainHash, rec.Processor, rec.ProcessorVersion,
		string(paramsJSON), locationJSON, rec.QualityScore,
		rec.ProcessingDurationMS, rec.CreatedAt.UTC(), nullableTime(rec.ProcessedAt),
	}, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.ProvenanceRecord, error) {
	var rec model.ProvenanceRecord
	var typ, parentIDsJSON, paramsJSON string
	var parentID, inputHash, chainHash, locationJSON sql.NullString
	var qualityScore sql.NullFloat64
	var processedAt sql.NullTime

	err := row.Scan(&rec.ID, &typ, &rec.RootLineageID, &parentID,
		&parentIDsJSON, &rec.ChainDepth, &rec.ContentHash, &inputHash,
		&chainHash, &rec.Processor, &rec.ProcessorVersion, &paramsJSON,
		&locationJSON, &qualityScore, &rec.ProcessingDurationMS,
		&rec.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}

	rec.Type = model.RecordType(typ)
	if parentID.Valid {
		rec.ParentID = &parentID.String
	}
	if inputHash.Valid {
		rec.InputHash = &inputHash.String
	}
	if chainHash.Valid {
		rec.ChainHash = &chainHash.String
	}
	if qualityScore.Valid {
		rec.QualityScore = &qualityScore.Float64
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	if err := json.Unmarshal([]byte(parentIDsJSON), &rec.ParentIDs); err != nil {
		return nil, eris.Wrapf(err, "unmarshal parent_ids for %s", rec.ID)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &rec.ProcessingParams); err != nil {
		return nil, eris.Wrapf(err, "unmarshal processing_params for %s", rec.ID)
	}
	if locationJSON.Valid {
		rec.Location = &model.SourceLocation{}
		if err := json.Unmarshal([]byte(locationJSON.String), rec.Location); err != nil {
			return nil, eris.Wrapf(err, "unmarshal location for %s", rec.ID)
		}
	}
	return &rec, nil
}
