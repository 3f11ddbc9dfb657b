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

// Package scan finds mailboxes eligible for a stage transition and
// resolves each to its counterpart record.
//
// The status marker lives on the target-system (cloud) record: each
// stage reads its predecessor's marker there and writes its own
// outcome back to the same record.  The scan therefore lists the
// target directory for marker matches and resolves the on-prem
// source counterpart by correlation key.  Because a transition ends
// by overwriting that same marker (INITIATED on success, KO on
// failure), a completed or failed record no longer matches the
// predecessor predicate and a re-run cannot pick it up again.
package scan

import (
	"context"
	"log/slog"

	"marmstrong/cutover/internal/directory"
	"marmstrong/cutover/internal/mailbox"
	"marmstrong/cutover/internal/marker"

	"github.com/pkg/errors"
)

// CorrelationKey selects which record field pairs a target record
// with its source counterpart.
type CorrelationKey int

const (
	// ByDisplayName matches on exact display-name equality.  This is
	// the historical default.
	ByDisplayName CorrelationKey = iota

	// ByPrimaryAddress matches on the primary address instead.
	ByPrimaryAddress
)

// Policy is the eligibility predicate for one run: target records
// whose marker denotes the given predecessor step and status are
// candidates for transition.
type Policy struct {
	Step   int
	Status marker.Status
	Key    CorrelationKey
	Mode   marker.MatchMode

	// AllowUnpaired emits eligible target records without resolving a
	// source counterpart.  Disabling a source record can alter its
	// logical identity, so stages that only act on the target (the
	// confirm stage settles markers by polling the job recorded for
	// the target) must not be held hostage to re-correlation: they set
	// AllowUnpaired and receive pairs with a zero Source.
	AllowUnpaired bool
}

// Scanner lists eligible target records and resolves pairs.
type Scanner struct {
	src    directory.Lister
	dst    directory.Lister
	policy Policy
	log    *slog.Logger
}

// New returns a Scanner.  src is the on-prem system holding mailbox
// content; dst is the target system whose records carry the markers.
func New(src, dst directory.Lister, policy Policy, log *slog.Logger) *Scanner {
	return &Scanner{src: src, dst: dst, policy: policy, log: log}
}

func (s *Scanner) counterpartFilter(rec mailbox.Record) directory.Filter {
	if s.policy.Key == ByPrimaryAddress {
		return directory.Filter{PrimaryAddress: rec.PrimaryAddress}
	}
	return directory.Filter{DisplayName: rec.DisplayName}
}

// Scan returns the eligible pairs in target listing order.
//
// A failure listing the marker-bearing directory is fatal: there is
// nothing to process.  Failures resolving a single record's
// counterpart are local; the record is logged and excluded and the
// scan continues.
func (s *Scanner) Scan(ctx context.Context) ([]mailbox.Pair, error) {
	records, err := s.dst.ListRecords(ctx, directory.Filter{})
	if err != nil {
		return nil, errors.Wrap(err, "unable to list records for eligibility")
	}

	var pairs []mailbox.Pair
	for _, rec := range records {
		if !marker.Matches(rec.RawMarker, s.policy.Step, s.policy.Status, s.policy.Mode) {
			if s.policy.Mode == marker.MatchExact &&
				marker.Matches(rec.RawMarker, s.policy.Step, s.policy.Status, marker.MatchSubstring) {
				// The attribute embeds a matching fragment but is not
				// a well-formed marker.  Older tooling wrote these;
				// surface the drift instead of silently skipping.
				s.log.Warn("marker matches only under legacy substring rules; record skipped",
					"identity", rec.Identity, "raw", rec.RawMarker)
			}
			continue
		}

		if s.policy.AllowUnpaired {
			pairs = append(pairs, mailbox.Pair{Target: rec})
			continue
		}

		matches, err := s.src.ListRecords(ctx, s.counterpartFilter(rec))
		if err != nil {
			s.log.Warn("unable to resolve source counterpart; record skipped",
				"identity", rec.Identity, "error", err)
			continue
		}
		switch {
		case len(matches) == 0:
			s.log.Warn("no source counterpart; record skipped",
				"identity", rec.Identity, "display_name", rec.DisplayName)
			continue
		case len(matches) > 1:
			s.log.Warn("multiple source counterparts; keeping first in listing order",
				"identity", rec.Identity, "display_name", rec.DisplayName,
				"matches", len(matches))
			pairs = append(pairs, mailbox.Pair{Source: matches[0], Target: rec, Ambiguous: true})
		default:
			pairs = append(pairs, mailbox.Pair{Source: matches[0], Target: rec})
		}
	}
	return pairs, nil
}
