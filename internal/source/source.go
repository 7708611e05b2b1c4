// Package source yields the product URLs still waiting to be crawled.
package source

import (
	"context"
	"errors"
)

// WorkItem identifies one page to fetch.
type WorkItem struct {
	ID  int64
	URL string
}

// WorkSource is the link-discovery table as seen by the crawler.
type WorkSource interface {
	// Pending returns every item not yet marked processed, ordered by id.
	Pending(ctx context.Context) ([]WorkItem, error)

	// MarkProcessed flags id as crawled.
	MarkProcessed(ctx context.Context, id int64) error

	Close() error
}

// ErrUnknownItem is returned by MarkProcessed for an id the source never
// produced.
var ErrUnknownItem = errors.New("unknown work item")
