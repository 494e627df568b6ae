// Package store writes tile records to, and queries, the MonkDB/CrateDB table
// over the PostgreSQL wire protocol.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pdok/tilegeo/config"
	"github.com/pdok/tilegeo/metrics"
	"github.com/pdok/tilegeo/pipeline"
	"github.com/pdok/tilegeo/processing"
)

// Columns in insert order.
var Columns = []string{"tile_id", "area", "path", "layer", "resolution", "centroid", "area_km"}

// Querier is the part of *pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Options struct {
	BatchSize  int
	MaxRetries uint64
	// RetryInterval is the first backoff wait, 500ms when zero
	RetryInterval time.Duration
	Log           zerolog.Logger
	// Metrics is optional
	Metrics *metrics.Provider
}

type Store struct {
	db    Querier
	pool  *pgxpool.Pool
	table string
	opts  Options
}

// ConnString builds the postgres URL for the database section.
func ConnString(db config.Database) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(db.User, db.Password),
		Host:   net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
		Path:   "/" + db.Schema,
	}
	return u.String()
}

// Open connects and pings. Failure here is fatal to a run.
func Open(ctx context.Context, db config.Database, opts Options) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(ConnString(db))
	if err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", db.Host, db.Port, err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to %s:%d: %w", db.Host, db.Port, err)
	}
	s := New(pool, db.Schema, db.Table, opts)
	s.pool = pool
	return s, nil
}

// New wraps an existing connection.
func New(db Querier, schema, table string, opts Options) *Store {
	if opts.BatchSize < 1 {
		opts.BatchSize = 500
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	return &Store{db: db, table: pgx.Identifier{schema, table}.Sanitize(), opts: opts}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Table returns the quoted schema.table name.
func (s *Store) Table() string {
	return s.table
}

func (s *Store) Name() string {
	return "store"
}

// CreateTableSQL is the DDL of the record table: clustered by layer and with a
// generated three character geohash of the centroid.
func (s *Store) CreateTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
    tile_id TEXT PRIMARY KEY,
    area GEO_SHAPE,
    path TEXT,
    layer TEXT,
    resolution TEXT,
    centroid GEO_POINT,
    area_km DOUBLE,
    geohash3 TEXT GENERATED ALWAYS AS substr(geohash(centroid), 1, 3)
)
CLUSTERED BY (layer) INTO 12 SHARDS
WITH (number_of_replicas = 0)`
}

// Recreate drops and creates the record table.
func (s *Store) Recreate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS `+s.table); err != nil {
		return fmt.Errorf("drop %s: %w", s.table, err)
	}
	s.opts.Log.Info().Str("table", s.table).Msg("dropped table (if existed)")
	if _, err := s.db.Exec(ctx, s.CreateTableSQL()); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	s.opts.Log.Info().Str("table", s.table).Msg("created table clustered by layer")
	return nil
}

// InsertSQL returns the multi-row insert for n records. Existing tile ids are
// left untouched.
func (s *Store) InsertSQL(n int) string {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO ` + s.table + ` (` + strings.Join(Columns, ", ") + `) VALUES `)
	p := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range Columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(p))
			p++
		}
		sb.WriteByte(')')
	}
	sb.WriteString(` ON CONFLICT (tile_id) DO NOTHING`)
	return sb.String()
}

// InsertBatch writes records in one statement, retrying transient failures with
// exponential backoff. Records whose tile_id already exists count as duplicates.
func (s *Store) InsertBatch(ctx context.Context, records []pipeline.Record) (inserted, duplicates int, err error) {
	if len(records) == 0 {
		return 0, 0, nil
	}
	args := make([]any, 0, len(records)*len(Columns))
	for _, r := range records {
		args = append(args, r.Columns()...)
	}
	query := s.InsertSQL(len(records))

	var tag pgconn.CommandTag
	op := func() error {
		var execErr error
		tag, execErr = s.db.Exec(ctx, query, args...)
		if execErr != nil && !transient(execErr) {
			return backoff.Permanent(execErr)
		}
		return execErr
	}
	exp := backoff.NewExponentialBackOff()
	if s.opts.RetryInterval > 0 {
		exp.InitialInterval = s.opts.RetryInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, s.opts.MaxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		s.opts.Log.Warn().Err(err).Dur("retry_in", wait).Int("records", len(records)).Msg("batch insert failed")
	}

	start := time.Now()
	if err = backoff.RetryNotify(op, policy, notify); err != nil {
		return 0, 0, fmt.Errorf("insert %d records into %s: %w", len(records), s.table, err)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.BatchWrites.Observe(time.Since(start).Seconds())
	}

	inserted = int(tag.RowsAffected())
	if inserted > len(records) {
		inserted = len(records)
	}
	return inserted, len(records) - inserted, nil
}

// transient reports whether err is worth retrying.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 40: transaction rollback, 53: insufficient resources
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "40") || strings.HasPrefix(pgErr.Code, "53")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// WriteRecords batches incoming records and inserts them. It stops at the
// first batch that fails after retries.
func (s *Store) WriteRecords(ctx context.Context, records <-chan pipeline.Record) (processing.WriteStats, error) {
	var stats processing.WriteStats
	batch := make([]pipeline.Record, 0, s.opts.BatchSize)

	flush := func() error {
		inserted, duplicates, err := s.InsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		stats.Written += inserted
		stats.Duplicates += duplicates
		stats.Batches++
		if s.opts.Metrics != nil {
			s.opts.Metrics.Inserted.Add(float64(inserted))
			s.opts.Metrics.Duplicates.Add(float64(duplicates))
		}
		s.opts.Log.Debug().Int("inserted", inserted).Int("duplicates", duplicates).Msg("batch written")
		batch = batch[:0]
		return nil
	}

	for rec := range records {
		batch = append(batch, rec)
		if len(batch) >= s.opts.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Refresh makes recent writes visible to queries.
func (s *Store) Refresh(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `REFRESH TABLE `+s.table)
	return err
}

// Count returns the number of rows in the record table.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", s.table, err)
	}
	return n, nil
}
