package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/config"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/logging"
)

// SQLiteSource reads work items from the table written by the link
// discovery step, typically models_urls(id, url).
type SQLiteSource struct {
	db        *sql.DB
	table     string
	urlColumn string
}

// OpenSQLite opens the discovery database. The database must already
// exist; the processed column is added when missing.
func OpenSQLite(ctx context.Context, cfg config.SourceConfig) (*SQLiteSource, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("work source %s: %w", cfg.Path, err)
	}
	table := cfg.Table
	if table == "" {
		table = "models_urls"
	}
	urlColumn := cfg.URLColumn
	if urlColumn == "" {
		urlColumn = "url"
	}

	connStr := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open work source %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteSource{db: db, table: table, urlColumn: urlColumn}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logging.Component("source").Info("opened work source", "path", cfg.Path, "table", table)
	return s, nil
}

// migrate adds the processed flag to tables created before it existed.
func (s *SQLiteSource) migrate(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(s.table)))
	if err != nil {
		return fmt.Errorf("table info %s: %w", s.table, err)
	}
	defer rows.Close()

	var found, hasProcessed bool
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
			return fmt.Errorf("scan table info: %w", err)
		}
		found = true
		if strings.EqualFold(name, "processed") {
			hasProcessed = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if !found {
		return fmt.Errorf("work source table %s does not exist", s.table)
	}
	if hasProcessed {
		return nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN processed INTEGER DEFAULT 0", quoteIdent(s.table))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("add processed column: %w", err)
	}
	logging.Component("source").Info("added processed column", "table", s.table)
	return nil
}

// Pending returns unprocessed items in id order.
func (s *SQLiteSource) Pending(ctx context.Context) ([]WorkItem, error) {
	query := fmt.Sprintf("SELECT id, %s FROM %s WHERE processed = 0 OR processed IS NULL ORDER BY id ASC",
		quoteIdent(s.urlColumn), quoteIdent(s.table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var (
			it  WorkItem
			url sql.NullString
		)
		if err := rows.Scan(&it.ID, &url); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		it.URL = strings.TrimSpace(url.String)
		if it.URL == "" {
			continue
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkProcessed sets processed = 1 for id.
func (s *SQLiteSource) MarkProcessed(ctx context.Context, id int64) error {
	stmt := fmt.Sprintf("UPDATE %s SET processed = 1 WHERE id = ?", quoteIdent(s.table))
	res, err := s.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return fmt.Errorf("mark %d processed: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark %d processed: %w", id, ErrUnknownItem)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
