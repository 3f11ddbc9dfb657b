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

package scan

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"marmstrong/cutover/internal/dirtest"
	"marmstrong/cutover/internal/mailbox"
	"marmstrong/cutover/internal/marker"

	"github.com/pkg/errors"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func policy() Policy {
	return Policy{Step: marker.StepProvision, Status: marker.StatusOK}
}

func TestScanSelectsEligiblePairs(t *testing.T) {
	// Target records A and C carry the eligible marker; B carries
	// none.  C's display name matches two source records.
	dst := dirtest.New()
	dst.Add(mailbox.Record{Identity: "a9", DisplayName: "Alice A", RawMarker: "MIG;STEP2;OK;2025-01-01"})
	dst.Add(mailbox.Record{Identity: "b9", DisplayName: "Bob B"})
	dst.Add(mailbox.Record{Identity: "c9", DisplayName: "Carol C", RawMarker: "MIG;STEP2;OK;2025-01-01"})

	src := dirtest.New()
	src.Add(mailbox.Record{Identity: "a", DisplayName: "Alice A"})
	src.Add(mailbox.Record{Identity: "c1", DisplayName: "Carol C"})
	src.Add(mailbox.Record{Identity: "c2", DisplayName: "Carol C"})

	pairs, err := New(src, dst, policy(), discard()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if len(pairs) != 2 {
		t.Fatalf("Scan() returned %d pairs, want 2", len(pairs))
	}
	if pairs[0].Target.Identity != "a9" || pairs[0].Source.Identity != "a" {
		t.Errorf("pairs[0] = %s->%s, want a->a9", pairs[0].Source.Identity, pairs[0].Target.Identity)
	}
	if pairs[0].Ambiguous {
		t.Error("pairs[0].Ambiguous = true, want false")
	}
	// Duplicate display name keeps the first listing-order hit and
	// flags the pair.
	if pairs[1].Target.Identity != "c9" || pairs[1].Source.Identity != "c1" {
		t.Errorf("pairs[1] = %s->%s, want c1->c9", pairs[1].Source.Identity, pairs[1].Target.Identity)
	}
	if !pairs[1].Ambiguous {
		t.Error("pairs[1].Ambiguous = false, want true")
	}
}

func TestScanIgnoresForeignAndAdvancedMarkers(t *testing.T) {
	dst := dirtest.New()
	// Written by an unrelated process sharing the attribute slot.
	dst.Add(mailbox.Record{Identity: "a9", DisplayName: "Alice", RawMarker: "HR;onboarded;2021"})
	// Already moved on to a later stage.
	dst.Add(mailbox.Record{Identity: "b9", DisplayName: "Bob", RawMarker: "MIG;STEP3;INITIATED;2025-01-01"})
	src := dirtest.New()
	src.Add(mailbox.Record{Identity: "a", DisplayName: "Alice"})
	src.Add(mailbox.Record{Identity: "b", DisplayName: "Bob"})

	pairs, err := New(src, dst, policy(), discard()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("Scan() returned %d pairs, want 0", len(pairs))
	}
}

func TestScanListingFailureIsFatal(t *testing.T) {
	dst := dirtest.New()
	dst.ListErr = errors.New("directory unavailable")
	src := dirtest.New()

	if _, err := New(src, dst, policy(), discard()).Scan(context.Background()); err == nil {
		t.Fatal("Scan() error = nil, want fatal error")
	}
}

func TestScanCounterpartFailureIsLocal(t *testing.T) {
	dst := dirtest.New()
	dst.Add(mailbox.Record{Identity: "a9", DisplayName: "Alice", RawMarker: "MIG;STEP2;OK;2025-01-01"})
	dst.Add(mailbox.Record{Identity: "b9", DisplayName: "Bob", RawMarker: "MIG;STEP2;OK;2025-01-01"})

	// The source side fails wholesale, so every resolution is local
	// and every record is excluded; the run itself still completes.
	src := dirtest.New()
	src.ListErr = errors.New("transient")

	pairs, err := New(src, dst, policy(), discard()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("Scan() returned %d pairs, want 0", len(pairs))
	}
}

func TestScanNoCounterpartIsSkipped(t *testing.T) {
	dst := dirtest.New()
	dst.Add(mailbox.Record{Identity: "a9", DisplayName: "Alice", RawMarker: "MIG;STEP2;OK;2025-01-01"})
	src := dirtest.New() // empty: nothing to pair with

	pairs, err := New(src, dst, policy(), discard()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("Scan() returned %d pairs, want 0", len(pairs))
	}
}

func TestScanByPrimaryAddress(t *testing.T) {
	dst := dirtest.New()
	dst.Add(mailbox.Record{
		Identity: "a9", DisplayName: "Alice A", PrimaryAddress: "alice@corp.example",
		RawMarker: "MIG;STEP2;OK;2025-01-01",
	})
	src := dirtest.New()
	src.Add(mailbox.Record{Identity: "x", DisplayName: "Alice A (old)", PrimaryAddress: "alice@corp.example"})
	src.Add(mailbox.Record{Identity: "y", DisplayName: "Alice A", PrimaryAddress: "alice2@corp.example"})

	p := policy()
	p.Key = ByPrimaryAddress
	pairs, err := New(src, dst, p, discard()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(pairs) != 1 || pairs[0].Source.Identity != "x" {
		t.Fatalf("Scan() = %+v, want single pair x->a9", pairs)
	}
}

func TestScanUnpairedModeIgnoresSource(t *testing.T) {
	// Disabling a source record can alter its logical identity, so a
	// target awaiting confirmation must stay selectable even when no
	// source record correlates any more.  The source side is not even
	// consulted: a wholesale source failure changes nothing.
	dst := dirtest.New()
	dst.Add(mailbox.Record{
		Identity: "a9", DisplayName: "Alice A",
		RawMarker: "MIG;STEP3;INITIATED;2025-06-01",
	})
	src := dirtest.New()
	src.Add(mailbox.Record{Identity: "a", DisplayName: "Alice A (disabled)"})
	src.ListErr = errors.New("bridge unavailable")

	p := Policy{Step: marker.StepRestore, Status: marker.StatusInitiated, AllowUnpaired: true}
	pairs, err := New(src, dst, p, discard()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(pairs) != 1 || pairs[0].Target.Identity != "a9" {
		t.Fatalf("Scan() = %+v, want single unpaired a9", pairs)
	}
	if pairs[0].Source.Identity != "" {
		t.Errorf("Source.Identity = %q, want empty in unpaired mode", pairs[0].Source.Identity)
	}
}

func TestScanSubstringMode(t *testing.T) {
	dst := dirtest.New()
	dst.Add(mailbox.Record{
		Identity: "a9", DisplayName: "Alice",
		RawMarker: "note MIG;STEP2;OK;2025-01-01 trailing",
	})
	src := dirtest.New()
	src.Add(mailbox.Record{Identity: "a", DisplayName: "Alice"})

	p := policy()
	p.Mode = marker.MatchSubstring
	pairs, err := New(src, dst, p, discard()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("Scan() returned %d pairs, want 1 under substring mode", len(pairs))
	}
}
