package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/docledger/docledger/internal/db"
	"github.com/docledger/docledger/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot append/walk path.
var preparedStatements = map[string]string{
	"insert_record":  postgresInsertRecord,
	"get_record":     postgresSelectRecord + ` WHERE id = $1`,
	"set_chain_hash": `UPDATE provenance_records SET chain_hash = $1 WHERE id = $2 AND chain_hash IS NULL`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS provenance_records (
	id                     TEXT PRIMARY KEY,
	type                   TEXT NOT NULL,
	root_lineage_id        TEXT NOT NULL,
	parent_id              TEXT REFERENCES provenance_records(id) ON DELETE CASCADE,
	parent_ids             JSONB NOT NULL DEFAULT '[]',
	chain_depth            INTEGER NOT NULL,
	content_hash           TEXT NOT NULL,
	input_hash             TEXT,
	chain_hash             TEXT,
	processor              TEXT NOT NULL,
	processor_version      TEXT NOT NULL,
	processing_params      JSONB NOT NULL DEFAULT '{}',
	location               JSONB,
	quality_score          DOUBLE PRECISION,
	processing_duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at             TIMESTAMPTZ NOT NULL,
	processed_at           TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_prov_root_lineage ON provenance_records(root_lineage_id, chain_depth, created_at);
CREATE INDEX IF NOT EXISTS idx_prov_parent ON provenance_records(parent_id);
CREATE INDEX IF NOT EXISTS idx_prov_processor ON provenance_records(processor, processor_version);
CREATE INDEX IF NOT EXISTS idx_prov_type ON provenance_records(type);
CREATE INDEX IF NOT EXISTS idx_prov_created_at ON provenance_records(created_at);
CREATE INDEX IF NOT EXISTS idx_prov_unhashed ON provenance_records(chain_depth, created_at) WHERE chain_hash IS NULL;
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var recordColumns = []string{
	"id", "type", "root_lineage_id", "parent_id", "parent_ids",
	"chain_depth", "content_hash", "input_hash", "chain_hash",
	"processor", "processor_version", "processing_params", "location",
	"quality_score", "processing_duration_ms", "created_at", "processed_at",
}

const postgresInsertRecord = `INSERT INTO provenance_records
	(id, type, root_lineage_id, parent_id, parent_ids, chain_depth,
	 content_hash, input_hash, chain_hash, processor, processor_version,
	 processing_params, location, quality_score, processing_duration_ms,
	 created_at, processed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

const postgresSelectRecord = `SELECT id, type, root_lineage_id, parent_id, parent_ids::text, chain_depth,
	content_hash, input_hash, chain_hash, processor, processor_version,
	processing_params::text, location::text, quality_score, processing_duration_ms,
	created_at, processed_at FROM provenance_records`

func (s *PostgresStore) InsertRecord(ctx context.Context, rec *model.ProvenanceRecord) error {
	args, err := recordInsertArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, postgresInsertRecord, args...); err != nil {
		return eris.Wrapf(err, "postgres: insert record %s", rec.ID)
	}
	return nil
}

// InsertRecords lands a batch through the COPY protocol; a COPY is a single
// statement, so a failed row rolls back the whole batch.
func (s *PostgresStore) InsertRecords(ctx context.Context, recs []*model.ProvenanceRecord) error {
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		args, err := recordInsertArgs(rec)
		if err != nil {
			return err
		}
		rows = append(rows, args)
	}
	_, err := db.CopyFrom(ctx, s.pool, "provenance_records", recordColumns, rows)
	return eris.Wrap(err, "postgres: batch insert records")
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.ProvenanceRecord, error) {
	row := s.pool.QueryRow(ctx, postgresSelectRecord+` WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) QueryRecords(ctx context.Context, filter RecordFilter) ([]model.ProvenanceRecord, error) {
	where, args := buildRecordWhere(filter, postgresPlaceholder)

	query := postgresSelectRecord + where + ` ORDER BY ` + sortColumn(filter.SortBy) + sortDirection(filter.SortDesc)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT ` + postgresPlaceholder(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET ` + postgresPlaceholder(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query records")
	}
	defer rows.Close()

	return collectRecords(rows, "postgres: query records")
}

func (s *PostgresStore) ListByRootLineage(ctx context.Context, rootLineageID string) ([]model.ProvenanceRecord, error) {
	rows, err := s.pool.Query(ctx,
		postgresSelectRecord+` WHERE root_lineage_id = $1 ORDER BY chain_depth ASC, created_at ASC`,
		rootLineageID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list lineage %s", rootLineageID)
	}
	defer rows.Close()

	return collectRecords(rows, "postgres: list lineage")
}

func (s *PostgresStore) CountRecords(ctx context.Context, filter RecordFilter) (int, error) {
	where, args := buildRecordWhere(filter, postgresPlaceholder)

	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM provenance_records`+where, args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count records")
}

func (s *PostgresStore) ProcessorStats(ctx context.Context, filter StatsFilter) ([]ProcessorStat, error) {
	query := `SELECT processor, processor_version, COUNT(*),
		AVG(processing_duration_ms), MIN(processing_duration_ms),
		MAX(processing_duration_ms), SUM(processing_duration_ms),
		AVG(quality_score)
		FROM provenance_records WHERE 1=1`
	var args []any

	if filter.Processor != "" {
		args = append(args, filter.Processor)
		query += ` AND processor = ` + postgresPlaceholder(len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += ` AND type = ` + postgresPlaceholder(len(args))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter.UTC())
		query += ` AND created_at >= ` + postgresPlaceholder(len(args))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore.UTC())
		query += ` AND created_at < ` + postgresPlaceholder(len(args))
	}
	query += ` GROUP BY processor, processor_version ORDER BY processor, processor_version`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: processor stats")
	}
	defer rows.Close()

	var stats []ProcessorStat
	for rows.Next() {
		var st ProcessorStat
		var avgQuality *float64
		err := rows.Scan(&st.Processor, &st.ProcessorVersion, &st.RecordCount,
			&st.AvgDurationMS, &st.MinDurationMS, &st.MaxDurationMS,
			&st.TotalDurationMS, &avgQuality)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan processor stat")
		}
		st.AvgQualityScore = avgQuality
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: processor stats iterate")
}

func (s *PostgresStore) ListUnhashed(ctx context.Context) ([]model.ProvenanceRecord, error) {
	rows, err := s.pool.Query(ctx,
		postgresSelectRecord+` WHERE chain_hash IS NULL ORDER BY chain_depth ASC, created_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unhashed")
	}
	defer rows.Close()

	return collectRecords(rows, "postgres: list unhashed")
}

func (s *PostgresStore) HashedChainIndex(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chain_hash FROM provenance_records WHERE chain_hash IS NOT NULL`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: hashed chain index")
	}
	defer rows.Close()

	index := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chain index")
		}
		index[id] = hash
	}
	return index, eris.Wrap(rows.Err(), "postgres: hashed chain index iterate")
}

func (s *PostgresStore) SetChainHash(ctx context.Context, id, chainHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE provenance_records SET chain_hash = $1 WHERE id = $2 AND chain_hash IS NULL`,
		chainHash, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set chain hash %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("record not found or already hashed: %s", id)
	}
	return nil
}

// helpers

func postgresPlaceholder(n int) string {
	return placeholderNames[n]
}

// placeholderNames avoids a Sprintf per parameter on the query path.
var placeholderNames = []string{"", "$1", "$2", "$3", "$4", "$5", "$6", "$7", "$8", "$9", "$10", "$11", "$12"}

func collectRecords(rows pgx.Rows, wrapMsg string) ([]model.ProvenanceRecord, error) {
	var recs []model.ProvenanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, wrapMsg+" scan")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), wrapMsg+" iterate")
}
