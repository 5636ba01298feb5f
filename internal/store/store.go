// Package store provides the Postgres-backed deduplicating record store.
// Dedup is two-layered: an in-memory signature set preloaded from existing
// rows, and the table's unique constraint on the business identifier.
package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jdevroede/hcw-crawler/internal/metrics"
	"github.com/jdevroede/hcw-crawler/internal/record"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "practitioners"

// Config controls the Postgres connection pool backing the store.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DedupStore owns the persisted table and the in-memory signature set. It is
// single-owner state: one sweep goroutine uses it at a time.
type DedupStore struct {
	pool   Pool
	table  string
	seen   map[record.Signature]struct{}
	logger *zap.Logger
}

// New connects a DedupStore to Postgres using the provided config.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DedupStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, cfg.Table, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool, table string, logger *zap.Logger) (*DedupStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DedupStore{
		pool:   pool,
		table:  table,
		seen:   make(map[record.Signature]struct{}),
		logger: logger,
	}, nil
}

// Close releases the underlying pool resources.
func (s *DedupStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the record table when it does not exist yet. The
// schema is fixed and small; there is no migration machinery.
func (s *DedupStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	name TEXT,
	identifier TEXT UNIQUE,
	category TEXT,
	status TEXT,
	qualification TEXT,
	qualification_date TEXT,
	address TEXT,
	city TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// PreloadSignatures reads every existing row and seeds the signature set so
// records already captured in earlier runs are never re-inserted. It must run
// once per sweep, before any crawl activity.
func (s *DedupStore) PreloadSignatures(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT name, identifier, category, status, qualification, qualification_date, address, city FROM %s`,
		s.table))
	if err != nil {
		return 0, fmt.Errorf("load existing rows: %w", err)
	}
	defer rows.Close()

	s.seen = make(map[record.Signature]struct{})
	count := 0
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return 0, fmt.Errorf("scan existing row: %w", err)
		}
		s.seen[record.Compute(rec)] = struct{}{}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate existing rows: %w", err)
	}
	s.logger.Info("preloaded signatures from existing rows", zap.Int("rows", count))
	return count, nil
}

// Upsert writes each record not yet present by signature, relying on the
// identifier unique constraint as the second guard. A record whose insert is
// ignored at the storage layer counts as skipped, not as an error; a storage
// failure on one record is logged and does not abort the batch.
func (s *DedupStore) Upsert(ctx context.Context, records []record.Record) (inserted, skipped int, err error) {
	query := fmt.Sprintf(`
INSERT INTO %s (name, identifier, category, status, qualification, qualification_date, address, city)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (identifier) DO NOTHING`, s.table)

	for _, rec := range records {
		sig := record.Compute(rec)
		if _, ok := s.seen[sig]; ok {
			skipped++
			metrics.RecordsSkipped.Inc()
			continue
		}
		var identifier any
		if rec.HasIdentifier() {
			identifier = rec.Identifier
		}
		tag, execErr := s.pool.Exec(ctx, query,
			rec.Name,
			identifier,
			rec.Category,
			rec.Status,
			rec.Qualification,
			rec.QualificationDate,
			rec.Address,
			rec.City,
		)
		if execErr != nil {
			s.logger.Warn("record insert failed",
				zap.String("identifier", rec.Identifier), zap.Error(execErr))
			skipped++
			metrics.RecordsSkipped.Inc()
			continue
		}
		if tag.RowsAffected() == 1 {
			s.seen[sig] = struct{}{}
			inserted++
			metrics.RecordsInserted.Inc()
		} else {
			skipped++
			metrics.RecordsSkipped.Inc()
		}
	}
	return inserted, skipped, nil
}

// Deduplicate keeps the earliest-inserted row per identifier group and
// deletes the rest. Identifier-less rows are never touched: they are stored
// as NULL, which SQL GROUP BY would collapse into a single group even though
// their fallback signatures are distinct. Running it twice leaves the table
// unchanged the second time. It returns the number of rows removed.
func (s *DedupStore) Deduplicate(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE identifier IS NOT NULL
AND id NOT IN (
	SELECT MIN(id)
	FROM %s
	WHERE identifier IS NOT NULL
	GROUP BY identifier
)`, s.table, s.table)
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("deduplicate rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DistinctIdentifiers counts distinct business identifiers in the table.
func (s *DedupStore) DistinctIdentifiers(ctx context.Context) (int64, error) {
	var count int64
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(DISTINCT identifier) FROM %s`, s.table))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count distinct identifiers: %w", err)
	}
	return count, nil
}

// AllRecords reads the whole table in insertion order for export consumers.
func (s *DedupStore) AllRecords(ctx context.Context) ([]record.Record, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT name, identifier, category, status, qualification, qualification_date, address, city FROM %s ORDER BY id`,
		s.table))
	if err != nil {
		return nil, fmt.Errorf("read all rows: %w", err)
	}
	defer rows.Close()

	var records []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

// SignatureCount reports the size of the in-memory signature set.
func (s *DedupStore) SignatureCount() int {
	return len(s.seen)
}

// scanRecord maps one row onto a Record, translating the NULL identifier
// back into the sentinel.
func scanRecord(rows pgx.Rows) (record.Record, error) {
	var (
		rec        record.Record
		identifier *string
	)
	if err := rows.Scan(
		&rec.Name,
		&identifier,
		&rec.Category,
		&rec.Status,
		&rec.Qualification,
		&rec.QualificationDate,
		&rec.Address,
		&rec.City,
	); err != nil {
		return record.Record{}, err
	}
	if identifier != nil {
		rec.Identifier = *identifier
	} else {
		rec.Identifier = record.Sentinel
	}
	return rec, nil
}
