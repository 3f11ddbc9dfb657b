// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"marmstrong/cutover/internal/dirtest"
	"marmstrong/cutover/internal/mailbox"
	"marmstrong/cutover/internal/marker"
	"marmstrong/cutover/internal/scan"
	"marmstrong/cutover/internal/transition"

	"github.com/pkg/errors"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedNow() time.Time {
	d, _ := time.Parse(marker.DateLayout, "2025-06-15")
	return d
}

func coordinator(src, dst *dirtest.Fake, workers int) *Coordinator {
	scanner := scan.New(src, dst,
		scan.Policy{Step: marker.StepProvision, Status: marker.StatusOK}, discard())
	exec := transition.New(src, dst,
		transition.Options{Step: marker.StepRestore, BadItemLimit: 10, Now: fixedNow}, discard())
	return New(scanner, exec, "restore", workers, discard())
}

// Three placeholder records on the target side: A carries an eligible
// marker, B carries none, C carries an eligible marker but its
// display name matches two on-prem records.  C's restore submission
// is made to fail.
func scenario() (*dirtest.Fake, *dirtest.Fake) {
	dst := dirtest.New()
	dst.Add(mailbox.Record{Identity: "a9", DisplayName: "Alice A",
		RawMarker: "MIG;STEP2;OK;2025-01-01"})
	dst.Add(mailbox.Record{Identity: "b9", DisplayName: "Bob B"})
	dst.Add(mailbox.Record{Identity: "c9", DisplayName: "Carol C",
		RawMarker: "MIG;STEP2;OK;2025-01-01"})
	dst.SubmitErr["c9"] = errors.New("injected submit failure")

	src := dirtest.New()
	src.Add(mailbox.Record{Identity: "a", DisplayName: "Alice A", ContentKey: "ck-a"})
	src.Add(mailbox.Record{Identity: "c1", DisplayName: "Carol C", ContentKey: "ck-c1"})
	src.Add(mailbox.Record{Identity: "c2", DisplayName: "Carol C", ContentKey: "ck-c2"})
	return src, dst
}

func TestRunPartialFailureIsolation(t *testing.T) {
	src, dst := scenario()
	report, err := coordinator(src, dst, 0).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if report.Attempted != 2 || report.Succeeded != 1 || report.Failed != 1 {
		t.Fatalf("totals = attempted %d succeeded %d failed %d, want 2/1/1",
			report.Attempted, report.Succeeded, report.Failed)
	}

	a := report.Outcomes[0]
	if a.Pair.Source.Identity != "a" || a.Status != mailbox.OutcomeSucceeded || a.JobID == "" {
		t.Errorf("outcome[0] = %s/%v/job %q, want a succeeded with job id",
			a.Pair.Source.Identity, a.Status, a.JobID)
	}
	rec, _ := dst.Record("a9")
	if rec.RawMarker != "MIG;STEP3;INITIATED;2025-06-15" {
		t.Errorf("a9 marker = %q, want INITIATED", rec.RawMarker)
	}

	c := report.Outcomes[1]
	if c.Pair.Target.Identity != "c9" || c.Status != mailbox.OutcomeFailed {
		t.Errorf("outcome[1] = %s/%v, want c9 failed", c.Pair.Target.Identity, c.Status)
	}
	if !c.Pair.Ambiguous || c.Pair.Source.Identity != "c1" {
		t.Errorf("outcome[1] pair = %+v, want ambiguous first-listed source c1", c.Pair)
	}
	rec, _ = dst.Record("c9")
	if rec.RawMarker != "MIG;STEP3;KO;2025-06-15" {
		t.Errorf("c9 marker = %q, want KO", rec.RawMarker)
	}
	// C's submission never succeeded, so compensation re-enables the
	// source but has no job to cancel.
	for _, call := range dst.Calls {
		if strings.HasPrefix(call, "cancel") {
			t.Errorf("unexpected cancel call: %v", dst.Calls)
		}
	}
	enabled := false
	for _, call := range src.Calls {
		if call == "enable c1 key=ck-c1" {
			enabled = true
		}
	}
	if !enabled {
		t.Errorf("source c1 not re-enabled: %v", src.Calls)
	}
}

func TestRunNoDoubleProcessing(t *testing.T) {
	dst := dirtest.New()
	dst.Add(mailbox.Record{Identity: "a9", DisplayName: "Alice A",
		RawMarker: "MIG;STEP2;OK;2025-01-01"})
	src := dirtest.New()
	src.Add(mailbox.Record{Identity: "a", DisplayName: "Alice A", ContentKey: "ck-a"})

	first, err := coordinator(src, dst, 0).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if first.Succeeded != 1 {
		t.Fatalf("first run succeeded = %d, want 1", first.Succeeded)
	}

	// The marker now reads INITIATED, which no longer matches the
	// predecessor predicate; a re-run selects nothing.
	second, err := coordinator(src, dst, 0).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if second.Attempted != 0 {
		t.Fatalf("second run attempted %d pairs, want 0", second.Attempted)
	}
}

func TestRunWorkerPoolMatchesSequential(t *testing.T) {
	build := func() (*dirtest.Fake, *dirtest.Fake) {
		src := dirtest.New()
		dst := dirtest.New()
		for i := 0; i < 8; i++ {
			name := fmt.Sprintf("User %02d", i)
			src.Add(mailbox.Record{
				Identity: fmt.Sprintf("u%d", i), DisplayName: name,
				ContentKey: fmt.Sprintf("ck-%d", i),
			})
			dst.Add(mailbox.Record{
				Identity: fmt.Sprintf("t%d", i), DisplayName: name,
				RawMarker: "MIG;STEP2;OK;2025-01-01",
			})
		}
		dst.SubmitErr["t3"] = errors.New("injected")
		return src, dst
	}

	srcSeq, dstSeq := build()
	seq, err := coordinator(srcSeq, dstSeq, 0).Run(context.Background())
	if err != nil {
		t.Fatalf("sequential Run() error: %v", err)
	}

	srcPool, dstPool := build()
	pool, err := coordinator(srcPool, dstPool, 4).Run(context.Background())
	if err != nil {
		t.Fatalf("pooled Run() error: %v", err)
	}

	if seq.Attempted != pool.Attempted || seq.Succeeded != pool.Succeeded || seq.Failed != pool.Failed {
		t.Fatalf("pool totals %d/%d/%d differ from sequential %d/%d/%d",
			pool.Attempted, pool.Succeeded, pool.Failed,
			seq.Attempted, seq.Succeeded, seq.Failed)
	}
	// Report rows keep scan order even under the pool.
	for i, out := range pool.Outcomes {
		if want := seq.Outcomes[i].Pair.Source.Identity; out.Pair.Source.Identity != want {
			t.Errorf("pool outcome[%d] = %s, want %s", i, out.Pair.Source.Identity, want)
		}
		if out.Pair.Source.Identity == "u3" && out.Status != mailbox.OutcomeFailed {
			t.Errorf("u3 status = %v, want Failed", out.Status)
		}
	}
}

func TestRunScanFailureIsFatal(t *testing.T) {
	src := dirtest.New()
	dst := dirtest.New()
	dst.ListErr = errors.New("directory unavailable")

	if _, err := coordinator(src, dst, 0).Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want scan failure")
	}
}
