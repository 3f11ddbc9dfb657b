package runlog

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"marmstrong/cutover/internal/batch"
	"marmstrong/cutover/internal/mailbox"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

func TestDsnFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/home/op/.cutover.db", "file:///home/op/.cutover.db?_busy_timeout=300000"},
		{"file:/home/op/.cutover.db?cache=shared", "file:/home/op/.cutover.db?_busy_timeout=300000&cache=shared"},
	}
	values := url.Values{"_busy_timeout": {"300000"}}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, values)
		if err != nil {
			t.Fatalf("dsnFromPath(%q) error: %v", tc.path, err)
		}
		if got != tc.want {
			t.Errorf("dsnFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestDsnFromPathRejectsBadURL(t *testing.T) {
	if _, err := dsnFromPath("file://%zz", nil); err == nil {
		t.Error("dsnFromPath on malformed URL, want error")
	}
}

func TestRecordRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	started := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)
	rep := &batch.Report{
		RunID:    "run-1",
		Stage:    "restore",
		Started:  started,
		Finished: started.Add(time.Minute),
		Outcomes: []mailbox.Outcome{
			{
				Pair: mailbox.Pair{
					Source: mailbox.Record{Identity: "a"},
					Target: mailbox.Record{Identity: "a9"},
				},
				Status: mailbox.OutcomeSucceeded,
				JobID:  "job-1",
			},
			{
				Pair: mailbox.Pair{
					Source: mailbox.Record{Identity: "c1"},
					Target: mailbox.Record{Identity: "c9"},
				},
				Status: mailbox.OutcomeFailed,
				Err:    errors.New("injected"),
			},
		},
	}
	if err := db.RecordRun(ctx, rep); err != nil {
		t.Fatalf("RecordRun() error: %v", err)
	}

	id, ok, err := db.JobFor(ctx, "a9")
	if err != nil || !ok || id != "job-1" {
		t.Errorf("JobFor(a9) = %q/%v/%v, want job-1", id, ok, err)
	}
	// The failed pair produced no job; nothing to confirm.
	if _, ok, err := db.JobFor(ctx, "c9"); err != nil || ok {
		t.Errorf("JobFor(c9) = %v/%v, want absent", ok, err)
	}

	var rows []string
	err = db.Outcomes(ctx, "run-1", func(source, target, job, status, errText string) error {
		rows = append(rows, source+"/"+target+"/"+status)
		return nil
	})
	if err != nil {
		t.Fatalf("Outcomes() error: %v", err)
	}
	if len(rows) != 2 || rows[0] != "a/a9/Succeeded" || rows[1] != "c1/c9/Failed" {
		t.Errorf("Outcomes() rows = %v", rows)
	}
}
