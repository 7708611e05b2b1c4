package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/parser"
)

// maxIdentBytes is NAMEDATALEN-1; Postgres silently truncates longer names.
const maxIdentBytes = 63

// fitPostgresIdent shortens names over the identifier limit to a prefix
// plus a hash of the whole lower-cased name, so distinct labels sharing a
// long prefix stay distinct and case-variants still map to one column.
func fitPostgresIdent(name string) string {
	if len(name) <= maxIdentBytes {
		return name
	}
	sum := sha256.Sum256([]byte(strings.ToLower(name)))
	suffix := "_" + hex.EncodeToString(sum[:4])

	cut := maxIdentBytes - len(suffix)
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut] + suffix
}

// PostgresStore keeps records in a PostgreSQL table. Several harvester
// processes may share one table; an advisory lock keyed on the table name
// serializes their schema changes.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	mu    sync.Mutex
}

// OpenPostgres connects to dsn and ensures the record table exists.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if table == "" {
		table = defaultTable
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("parse DSN: %w", err)}
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("create pool: %w", err)}
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &Error{Op: "open", Err: fmt.Errorf("ping database: %w", err)}
	}

	s := &PostgresStore{pool: pool, table: table}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, &Error{Op: "open", Err: err}
	}

	logging.Component("store").Info("connected to PostgreSQL record store", "table", table)
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			brand TEXT,
			product_name TEXT,
			url TEXT NOT NULL UNIQUE,
			assets TEXT
		)`, quoteIdent(s.table))
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Upsert evolves the table for rec and inserts it in one transaction.
func (s *PostgresStore) Upsert(ctx context.Context, url string, rec *parser.Record) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return UpsertResult{}, &Error{Op: "begin", URL: url, Err: err}
	}
	defer tx.Rollback(ctx)

	// Released at commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", s.table); err != nil {
		return UpsertResult{}, &Error{Op: "begin", URL: url, Err: fmt.Errorf("advisory lock: %w", err)}
	}

	existing, err := s.columns(ctx, tx)
	if err != nil {
		return UpsertResult{}, &Error{Op: "evolve", URL: url, Err: err}
	}
	ev, err := planEvolution(s.table, existing, url, rec, fitPostgresIdent)
	if err != nil {
		return UpsertResult{}, &Error{Op: "evolve", URL: url, Err: err}
	}

	plan, added, err := s.evolve(ctx, tx, ev)
	if err != nil {
		return UpsertResult{}, &Error{Op: "evolve", URL: url, Err: err}
	}

	tag, err := tx.Exec(ctx, plan.statement(func(i int) string { return "$" + strconv.Itoa(i+1) }), plan.values...)
	if err != nil {
		return UpsertResult{}, &Error{Op: "insert", URL: url, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, &Error{Op: "commit", URL: url, Err: err}
	}
	return UpsertResult{Inserted: tag.RowsAffected() > 0, ColumnsAdded: added}, nil
}

func (s *PostgresStore) evolve(ctx context.Context, tx pgx.Tx, ev evolution) (insertPlan, []string, error) {
	var added []string
	for _, col := range ev.missing {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT", quoteIdent(s.table), quoteIdent(col))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return insertPlan{}, nil, fmt.Errorf("add column %q: %w", col, err)
		}
		added = append(added, col)
	}
	return ev.complete(), added, nil
}

type pgQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) columns(ctx context.Context, q pgQueryer) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`, s.table)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan columns: %w", err)
	}
	return cols, nil
}

// Columns lists the table's columns.
func (s *PostgresStore) Columns(ctx context.Context) ([]string, error) {
	cols, err := s.columns(ctx, s.pool)
	if err != nil {
		return nil, &Error{Op: "columns", Err: err}
	}
	return cols, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
