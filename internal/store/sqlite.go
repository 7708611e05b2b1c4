package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/parser"
)

// SQLiteStore keeps records in a local SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	table string
	mu    sync.Mutex // single writer
}

// OpenSQLite opens (or creates) the database at path and ensures the
// record table exists.
func OpenSQLite(ctx context.Context, path, table string) (*SQLiteStore, error) {
	if table == "" {
		table = defaultTable
	}

	connStr := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("open database %s: %w", path, err)}
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, table: table}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, &Error{Op: "open", Err: err}
	}

	logging.Component("store").Info("opened sqlite record store", "path", path, "table", table)
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			brand TEXT,
			product_name TEXT,
			url TEXT NOT NULL UNIQUE,
			assets TEXT
		)`, quoteIdent(s.table))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Upsert evolves the table for rec and inserts it in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, url string, rec *parser.Record) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, &Error{Op: "begin", URL: url, Err: err}
	}
	defer tx.Rollback()

	existing, err := s.columns(ctx, tx)
	if err != nil {
		return UpsertResult{}, &Error{Op: "evolve", URL: url, Err: err}
	}
	ev, err := planEvolution(s.table, existing, url, rec, nil)
	if err != nil {
		return UpsertResult{}, &Error{Op: "evolve", URL: url, Err: err}
	}

	plan, added, err := s.evolve(ctx, tx, ev)
	if err != nil {
		return UpsertResult{}, &Error{Op: "evolve", URL: url, Err: err}
	}

	res, err := tx.ExecContext(ctx, plan.statement(func(int) string { return "?" }), plan.values...)
	if err != nil {
		return UpsertResult{}, &Error{Op: "insert", URL: url, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return UpsertResult{}, &Error{Op: "insert", URL: url, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, &Error{Op: "commit", URL: url, Err: err}
	}
	return UpsertResult{Inserted: n > 0, ColumnsAdded: added}, nil
}

// evolve adds the missing columns. A column added by someone else in the
// meantime counts as present.
func (s *SQLiteStore) evolve(ctx context.Context, tx *sql.Tx, ev evolution) (insertPlan, []string, error) {
	var added []string
	for _, col := range ev.missing {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quoteIdent(s.table), quoteIdent(col))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return insertPlan{}, nil, fmt.Errorf("add column %q: %w", col, err)
		}
		added = append(added, col)
	}
	return ev.complete(), added, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) columns(ctx context.Context, q queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(s.table)))
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// Columns lists the table's columns.
func (s *SQLiteStore) Columns(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cols, err := s.columns(ctx, s.db)
	if err != nil {
		return nil, &Error{Op: "columns", Err: err}
	}
	return cols, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
