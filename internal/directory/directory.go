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

// Package directory defines the gateway capability the cutover engine
// consumes.  Both the on-prem and the cloud messaging system are
// reached through the same interface; implementations live elsewhere.
package directory

import (
	"context"

	"marmstrong/cutover/internal/mailbox"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when an identity or job id does not resolve
// to anything in the directory.
var ErrNotFound = errors.New("directory: not found")

// Filter narrows a record listing.  The zero value lists everything.
type Filter struct {
	DisplayName    string
	PrimaryAddress string
}

// JobID is an opaque identifier for a restore job.  Its lifecycle is
// owned entirely by the target system.
type JobID string

// JobState is the coarse lifecycle state of a restore job.
type JobState string

const (
	JobQueued     JobState = "Queued"
	JobInProgress JobState = "InProgress"
	JobCompleted  JobState = "Completed"
	JobFailed     JobState = "Failed"
)

// JobStatus is a point-in-time view of a restore job.
type JobStatus struct {
	State           JobState
	PercentComplete int
	FailureInfo     string
}

// RestoreOptions parameterize a restore job submission.  BadItemLimit
// and AllowLegacyMismatch are fixed per run.
type RestoreOptions struct {
	// BadItemLimit is the number of source items the target system
	// may fail to ingest before abandoning the job.
	BadItemLimit int

	// AllowLegacyMismatch permits the job even when the source's
	// legacy identity does not line up with the target placeholder.
	AllowLegacyMismatch bool

	// ArchiveContentKey, when non-empty, asks the job to ingest the
	// auxiliary archive store as well.
	ArchiveContentKey string
}

// Lister lists records matching a filter.  Listing order is the
// directory's and must be stable within one run.
type Lister interface {
	ListRecords(ctx context.Context, f Filter) ([]mailbox.Record, error)
}

// Getter fetches one record by identity.
type Getter interface {
	GetRecord(ctx context.Context, identity string) (mailbox.Record, error)
}

// MarkerWriter overwrites the status attribute on a record.  Writes
// are last-write-wins; the engine assumes a single writer per record
// per run.
type MarkerWriter interface {
	SetStatusMarker(ctx context.Context, identity, raw string) error
}

// AccessController disables and re-enables records.
//
// Disable is idempotent: disabling an already-disabled record is not
// a failure.  Enable addresses the record by recoveryKey (a content
// key) when one is given; enabling by bare identity is known to
// possibly create a new empty record instead of recovering the
// original.
type AccessController interface {
	Disable(ctx context.Context, identity string) error
	Enable(ctx context.Context, identity, recoveryKey string) error
}

// RestoreManager submits, inspects and cancels content-restore jobs
// on the target system.
type RestoreManager interface {
	SubmitRestoreJob(ctx context.Context, sourceContentKey, targetIdentity string, opts RestoreOptions) (JobID, error)
	QueryJobStatus(ctx context.Context, id JobID) (JobStatus, error)
	CancelJob(ctx context.Context, id JobID) error
}

// Directory provides all actions the engine can take against one
// messaging system.
type Directory interface {
	Lister
	Getter
	MarkerWriter
	AccessController
	RestoreManager
}
