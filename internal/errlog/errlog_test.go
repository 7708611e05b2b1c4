package errlog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestFormatBlock(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	got := Format(Entry{
		Time:    ts,
		ItemID:  42,
		URL:     "https://catalog.test/p/42",
		Message: "retries exhausted",
		Err:     errors.New("status code 503"),
	})

	wantPrefix := "\n[2024-03-09 14:05:07]\nURL ID: 42\nURL: https://catalog.test/p/42\nError: retries exhausted\nStack Trace: status code 503\n"
	if !strings.HasPrefix(got, wantPrefix) {
		t.Errorf("unexpected block prefix:\n%q", got)
	}
	if !strings.HasSuffix(got, "\n"+strings.Repeat("=", 80)+"\n") {
		t.Errorf("block must end with 80 '=' and a newline:\n%q", got)
	}
	// pkg/errors stack frames follow the message
	if !strings.Contains(got, "errlog.TestFormatBlock") {
		t.Errorf("stack trace missing from detail:\n%s", got)
	}
}

func TestFormatOptionalFields(t *testing.T) {
	got := Format(Entry{Time: time.Now(), Message: "source unavailable"})
	for _, want := range []string{"URL ID: N/A\n", "URL: N/A\n", "Stack Trace: N/A\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

func TestFileReporterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error_log.txt")
	if err := os.WriteFile(path, []byte("previous run\n"), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Report(Entry{ItemID: int64(i), Message: "boom"}); err != nil {
				t.Errorf("Report: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "previous run\n") {
		t.Error("existing content must be preserved")
	}
	if n := strings.Count(content, strings.Repeat("=", 80)); n != 20 {
		t.Errorf("expected 20 blocks, got %d", n)
	}
	if n := strings.Count(content, "Error: boom\n"); n != 20 {
		t.Errorf("expected 20 intact blocks, got %d", n)
	}
}

func TestMemoryReporter(t *testing.T) {
	m := NewMemoryReporter()
	m.Report(Entry{ItemID: 1, Message: "a"})
	m.Report(Entry{ItemID: 2, Message: "b"})
	entries := m.Entries()
	if len(entries) != 2 || entries[1].Message != "b" {
		t.Errorf("unexpected entries %v", entries)
	}
}
