// Package store persists parsed product records into a single table whose
// column set grows as new attribute names appear.
package store

import (
	"context"
	"fmt"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/config"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/parser"
)

// RecordStore is the schema-evolving record table. Implementations
// serialize Upsert calls; each call evolves the schema and inserts the
// row atomically.
type RecordStore interface {
	// Upsert stores rec under url. A url that is already stored is left
	// untouched and reported with Inserted == false.
	Upsert(ctx context.Context, url string, rec *parser.Record) (UpsertResult, error)

	// Columns lists the current table columns in table order.
	Columns(ctx context.Context) ([]string, error)

	// Close releases the underlying connection pool.
	Close() error
}

// UpsertResult describes what a single Upsert changed.
type UpsertResult struct {
	Inserted     bool
	ColumnsAdded []string
}

// Error is returned by every RecordStore operation that fails.
type Error struct {
	Op  string // "open", "begin", "evolve", "insert", "commit", "columns"
	URL string
	Err error
}

func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Open creates the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (RecordStore, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.Path, cfg.Table)
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresDSN, cfg.Table)
	default:
		return nil, &Error{Op: "open", Err: fmt.Errorf("unknown backend %q", cfg.Backend)}
	}
}
