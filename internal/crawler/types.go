package crawler

import (
	"time"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/source"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/store"
)

// State is the lifecycle position of one work item.
type State int

const (
	StatePending State = iota
	StateFetching
	StateRetrying
	StateParsing
	StatePersisting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateRetrying:
		return "retrying"
	case StateParsing:
		return "parsing"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Failure reasons, used as metric labels and in results.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonPermanent        = "permanent"
	ReasonParse            = "parse"
	ReasonValidation       = "validation"
	ReasonStore            = "store"
	ReasonCheckpoint       = "checkpoint"
	ReasonCanceled         = "canceled"
)

// Task is sent to workers for processing.
type Task struct {
	Item    source.WorkItem
	Index   int // dispatch position, seeds the initial proxy port
	Attempt int // fetch attempts made so far
	Port    int // proxy port for the next attempt
	State   State
}

// Result is returned from workers to the collector.
type Result struct {
	Task     Task
	Reason   string // empty unless the item failed or was canceled
	Err      error
	Upsert   store.UpsertResult
	Duration time.Duration
}

// Summary tallies one run.
type Summary struct {
	Total      int // pending items reported by the work source
	Skipped    int // already in the done-set
	Dispatched int
	Done       int
	Failed     int
	Canceled   int // dispatched but stopped by shutdown before a terminal state
}
