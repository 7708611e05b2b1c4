// Package errlog appends terminal crawl failures to an operator-facing
// text log.
package errlog

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	timeLayout = "2006-01-02 15:04:05"
	notAvail   = "N/A"
)

var separator = strings.Repeat("=", 80)

// Entry describes one terminal failure. ItemID and URL are optional.
type Entry struct {
	Time    time.Time
	ItemID  int64 // zero means not available
	URL     string
	Message string
	Err     error // rendered with %+v, so errors carrying a stack print it
}

// Reporter records terminal failures. Implementations are safe for
// concurrent use.
type Reporter interface {
	Report(e Entry) error
	Close() error
}

// Format renders e as one log block.
func Format(e Entry) string {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	id := notAvail
	if e.ItemID != 0 {
		id = strconv.FormatInt(e.ItemID, 10)
	}
	url := e.URL
	if url == "" {
		url = notAvail
	}
	detail := notAvail
	if e.Err != nil {
		detail = fmt.Sprintf("%+v", e.Err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n[%s]\n", ts.Format(timeLayout))
	fmt.Fprintf(&b, "URL ID: %s\n", id)
	fmt.Fprintf(&b, "URL: %s\n", url)
	fmt.Fprintf(&b, "Error: %s\n", e.Message)
	fmt.Fprintf(&b, "Stack Trace: %s\n", detail)
	b.WriteString(separator)
	b.WriteString("\n")
	return b.String()
}

// WriterReporter writes blocks to any writer under a mutex.
type WriterReporter struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewWriterReporter reports to w. Close is a no-op unless w is an io.Closer.
func NewWriterReporter(w io.Writer) *WriterReporter {
	r := &WriterReporter{w: w}
	if c, ok := w.(io.Closer); ok {
		r.c = c
	}
	return r
}

// OpenFile appends to the log at path, creating it if needed.
func OpenFile(path string) (*WriterReporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open error log %s: %w", path, err)
	}
	return NewWriterReporter(f), nil
}

// Report writes one block. Each block is a single Write call.
func (r *WriterReporter) Report(e Entry) error {
	block := Format(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.WriteString(r.w, block); err != nil {
		return fmt.Errorf("write error log: %w", err)
	}
	return nil
}

func (r *WriterReporter) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

// MemoryReporter keeps entries in memory.
type MemoryReporter struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryReporter() *MemoryReporter {
	return &MemoryReporter{}
}

func (m *MemoryReporter) Report(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *MemoryReporter) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *MemoryReporter) Close() error { return nil }
