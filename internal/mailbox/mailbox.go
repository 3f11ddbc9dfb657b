package mailbox

// This file provides the common data objects used by the rest of the
// program.

import (
	"time"

	"marmstrong/cutover/internal/marker"
)

// ArchiveState describes where a record's auxiliary archive store
// lives, if it has one.
type ArchiveState int

const (
	// ArchiveNone means the record has no archive store.
	ArchiveNone ArchiveState = iota

	// ArchiveLocal means the archive store is present and active in
	// the same system as the record.  Only local archives ride along
	// in a restore job.
	ArchiveLocal

	// ArchiveRemote means the archive store has already been moved
	// elsewhere and must not be restored again.
	ArchiveRemote
)

// Record is one mailbox as read from a directory system.  The
// directory owns the record; the program never persists a copy beyond
// one run.
type Record struct {
	// The opaque stable key the directory uses to address the
	// record.
	Identity string

	DisplayName    string
	PrimaryAddress string

	// An estimated size of the mailbox (bytes).
	SizeBytes int64

	// The last time the mailbox was accessed by its owner.  Zero if
	// the directory has never seen a logon.
	LastAccess time.Time

	// ContentKey addresses the mailbox's underlying data store.  It
	// survives logical identity changes (disable, rename), which is
	// why restore jobs and re-enable compensation use it instead of
	// Identity.
	ContentKey string

	// ArchiveContentKey addresses the auxiliary archive store, when
	// ArchiveState is not ArchiveNone.
	ArchiveContentKey string

	ArchiveState ArchiveState

	// RawMarker is the undecoded status attribute.  It may hold a
	// cutover marker, text written by an unrelated process, or
	// nothing.
	RawMarker string

	// Disabled reports whether the directory currently refuses the
	// owner access to the record.
	Disabled bool
}

// Pair associates a source-system record with its target-system
// counterpart.
type Pair struct {
	Source Record
	Target Record

	// Ambiguous is set when more than one target record matched the
	// correlation key and the first listing-order hit was kept.
	Ambiguous bool
}

// OutcomeStatus classifies the result of one transition attempt.
type OutcomeStatus string

const (
	// OutcomeSucceeded: all forward steps completed.
	OutcomeSucceeded OutcomeStatus = "Succeeded"

	// OutcomeFailed: a forward step failed and compensation ran.
	OutcomeFailed OutcomeStatus = "Failed"

	// OutcomeCompensationUncertain: a forward step failed and the
	// source had to be re-enabled by logical identity because no
	// content key was available.  That path can create a new empty
	// record instead of restoring the original, so it is reported
	// distinctly from a plain failure.
	OutcomeCompensationUncertain OutcomeStatus = "CompensationUncertain"

	// OutcomePending: a confirmation attempt exhausted its polling
	// budget while the restore job was still running.  Markers are
	// left untouched.
	OutcomePending OutcomeStatus = "Pending"

	// OutcomeSkipped: the pair could not be attempted at all, e.g.
	// no restore job is on record for it.
	OutcomeSkipped OutcomeStatus = "Skipped"

	// OutcomePlanned: dry run; no directory mutation was performed.
	OutcomePlanned OutcomeStatus = "Planned"
)

// Outcome is the result of one transition attempt for one pair.  It
// is created fresh per attempt and retained only until the run report
// is emitted.
type Outcome struct {
	Pair   Pair
	Status OutcomeStatus

	// NewMarker is the marker written (or, for dry runs, the marker
	// that would have been written) on the target record.
	NewMarker marker.Marker

	// JobID identifies the submitted restore job, when one was
	// submitted and survived.
	JobID string

	Err error
}
