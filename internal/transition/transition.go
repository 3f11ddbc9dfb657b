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

// Package transition performs the irreversible stage transition for
// one mailbox pair: disable the source, submit the content restore,
// mark the target INITIATED.  On failure it runs best-effort
// compensation so a failed pair is always left carrying a KO marker
// and is never re-selected by a naive re-scan.
package transition

import (
	"context"
	"log/slog"
	"time"

	"marmstrong/cutover/internal/directory"
	"marmstrong/cutover/internal/mailbox"
	"marmstrong/cutover/internal/marker"
)

// Source is the capability the executor needs on the source system.
type Source interface {
	directory.AccessController
}

// Target is the capability the executor needs on the target system.
type Target interface {
	directory.MarkerWriter
	directory.RestoreManager
}

// Options fix the per-run transition parameters.
type Options struct {
	// Step is the stage number stamped into markers written by this
	// executor.
	Step int

	// BadItemLimit and AllowLegacyMismatch parameterize every
	// restore job submitted in the run.
	BadItemLimit        int
	AllowLegacyMismatch bool

	// DryRun reports what would happen without touching either
	// directory.
	DryRun bool

	// Now supplies marker dates.  Nil means time.Now.
	Now func() time.Time
}

// Executor runs the transition saga pair by pair.
type Executor struct {
	src  Source
	dst  Target
	opts Options
	log  *slog.Logger
}

// New returns an Executor over the given gateways.
func New(src Source, dst Target, opts Options, log *slog.Logger) *Executor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{src: src, dst: dst, opts: opts, log: log}
}

func (e *Executor) restoreOptions(src mailbox.Record) directory.RestoreOptions {
	opts := directory.RestoreOptions{
		BadItemLimit:        e.opts.BadItemLimit,
		AllowLegacyMismatch: e.opts.AllowLegacyMismatch,
	}
	// Only an archive still present and local rides along; a remote
	// archive has already been moved and must not be restored twice.
	if src.ArchiveState == mailbox.ArchiveLocal && src.ArchiveContentKey != "" {
		opts.ArchiveContentKey = src.ArchiveContentKey
	}
	return opts
}

// Execute runs the saga for one pair.  It never returns an error:
// failures are folded into the outcome, and the run continues with
// the next pair.
//
// Steps, each gated on the previous one:
//
//  1. disable the source record (idempotent);
//  2. submit the restore job addressed by the source content key;
//  3. write the INITIATED marker on the target.
//
// Once step 1 begins the saga runs to either success or full
// compensation; there is no mid-flight abort.
func (e *Executor) Execute(ctx context.Context, pair mailbox.Pair) mailbox.Outcome {
	initiated := marker.New(e.opts.Step, marker.StatusInitiated, e.opts.Now())

	if e.opts.DryRun {
		e.log.Info("dry run: would disable source, submit restore and mark target",
			"source", pair.Source.Identity, "target", pair.Target.Identity,
			"marker", initiated.Encode())
		return mailbox.Outcome{Pair: pair, Status: mailbox.OutcomePlanned, NewMarker: initiated}
	}

	if err := e.src.Disable(ctx, pair.Source.Identity); err != nil {
		e.log.Error("unable to disable source record",
			"source", pair.Source.Identity, "error", err)
		return e.fail(ctx, pair, err, false, "")
	}

	jobID, err := e.dst.SubmitRestoreJob(ctx, pair.Source.ContentKey, pair.Target.Identity,
		e.restoreOptions(pair.Source))
	if err != nil {
		e.log.Error("unable to submit restore job",
			"source", pair.Source.Identity, "target", pair.Target.Identity, "error", err)
		return e.fail(ctx, pair, err, true, "")
	}

	if err := e.dst.SetStatusMarker(ctx, pair.Target.Identity, initiated.Encode()); err != nil {
		e.log.Error("unable to write INITIATED marker",
			"target", pair.Target.Identity, "error", err)
		return e.fail(ctx, pair, err, true, jobID)
	}

	e.log.Info("transition initiated",
		"source", pair.Source.Identity, "target", pair.Target.Identity, "job", jobID)
	return mailbox.Outcome{
		Pair:      pair,
		Status:    mailbox.OutcomeSucceeded,
		NewMarker: initiated,
		JobID:     string(jobID),
	}
}

// fail runs compensation and builds the failure outcome.  disabled
// and jobID describe how far the forward steps got.
func (e *Executor) fail(ctx context.Context, pair mailbox.Pair, cause error, disabled bool, jobID directory.JobID) mailbox.Outcome {
	ko := marker.New(e.opts.Step, marker.StatusKO, e.opts.Now())
	status := mailbox.OutcomeFailed
	if e.compensate(ctx, pair, ko, disabled, jobID) {
		status = mailbox.OutcomeCompensationUncertain
	}
	return mailbox.Outcome{Pair: pair, Status: status, NewMarker: ko, Err: cause}
}

// compensate undoes the forward steps top-down.  Each sub-step is
// independent: one failing never blocks the next.  Sub-step failures
// are logged for manual follow-up, never re-raised.  The return value
// reports whether the source had to be re-enabled by bare logical
// identity, a path that can produce a new empty record instead of the
// original.
func (e *Executor) compensate(ctx context.Context, pair mailbox.Pair, ko marker.Marker, disabled bool, jobID directory.JobID) (uncertain bool) {
	if err := e.dst.SetStatusMarker(ctx, pair.Target.Identity, ko.Encode()); err != nil {
		e.log.Error("compensation: unable to write KO marker; manual intervention required",
			"target", pair.Target.Identity, "error", err)
	}

	if jobID != "" {
		if err := e.dst.CancelJob(ctx, jobID); err != nil {
			e.log.Error("compensation: unable to cancel restore job; manual intervention required",
				"job", jobID, "error", err)
		}
	}

	if disabled {
		key := pair.Source.ContentKey
		if key == "" {
			e.log.Warn("compensation: no content key; re-enabling by logical identity may create a new empty record",
				"source", pair.Source.Identity)
			uncertain = true
		}
		if err := e.src.Enable(ctx, pair.Source.Identity, key); err != nil {
			e.log.Error("compensation: unable to re-enable source record; manual intervention required",
				"source", pair.Source.Identity, "error", err)
		}
	}
	return uncertain
}
