// Package dirtest provides an in-memory directory.Directory for
// tests, with scripted failure injection and a call log.
package dirtest

import (
	"context"
	"fmt"
	"sync"

	"marmstrong/cutover/internal/directory"
	"marmstrong/cutover/internal/mailbox"
)

// Fake implements directory.Directory against an in-memory record
// set.  Records keep insertion order, which stands in for the
// directory's stable listing order.
//
// Failure injection: set an entry in the matching *Err map (keyed by
// identity, or by job id for jobs) and the corresponding call returns
// that error.  ListErr fails every listing.
type Fake struct {
	mu sync.Mutex

	records []*mailbox.Record

	ListErr   error
	GetErr    map[string]error
	MarkerErr map[string]error
	// MarkerErrOnce fails only the next marker write for the
	// identity, then clears.  Lets a test fail a forward marker
	// write while the compensating KO write still lands.
	MarkerErrOnce map[string]error
	DisableErr    map[string]error
	EnableErr     map[string]error
	SubmitErr     map[string]error
	CancelErr     map[directory.JobID]error
	QueryErr      map[directory.JobID]error

	// JobStatuses overrides the status reported for a job.  Jobs
	// without an entry report JobQueued.
	JobStatuses map[directory.JobID]directory.JobStatus

	jobs    map[directory.JobID]string // job id -> target identity
	nextJob int

	// Calls records every mutating or job-related call in order,
	// e.g. "disable alice", "submit ck-1->bob", "cancel job-1".
	Calls []string
}

// New returns an empty fake directory.
func New() *Fake {
	return &Fake{
		GetErr:        map[string]error{},
		MarkerErr:     map[string]error{},
		MarkerErrOnce: map[string]error{},
		DisableErr:    map[string]error{},
		EnableErr:     map[string]error{},
		SubmitErr:     map[string]error{},
		CancelErr:     map[directory.JobID]error{},
		QueryErr:      map[directory.JobID]error{},
		JobStatuses:   map[directory.JobID]directory.JobStatus{},
		jobs:          map[directory.JobID]string{},
	}
}

// Add appends a record in listing order.
func (f *Fake) Add(r mailbox.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := r
	f.records = append(f.records, &clone)
}

// Record returns a copy of the record with the given identity, for
// assertions.
func (f *Fake) Record(identity string) (mailbox.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.find(identity); r != nil {
		return *r, true
	}
	return mailbox.Record{}, false
}

func (f *Fake) find(identity string) *mailbox.Record {
	for _, r := range f.records {
		if r.Identity == identity {
			return r
		}
	}
	return nil
}

func (f *Fake) record(call string, args ...interface{}) {
	f.Calls = append(f.Calls, fmt.Sprintf(call, args...))
}

func (f *Fake) ListRecords(ctx context.Context, filter directory.Filter) ([]mailbox.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []mailbox.Record
	for _, r := range f.records {
		if filter.DisplayName != "" && r.DisplayName != filter.DisplayName {
			continue
		}
		if filter.PrimaryAddress != "" && r.PrimaryAddress != filter.PrimaryAddress {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *Fake) GetRecord(ctx context.Context, identity string) (mailbox.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.GetErr[identity]; err != nil {
		return mailbox.Record{}, err
	}
	if r := f.find(identity); r != nil {
		return *r, nil
	}
	return mailbox.Record{}, directory.ErrNotFound
}

func (f *Fake) SetStatusMarker(ctx context.Context, identity, raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("marker %s=%s", identity, raw)
	if err := f.MarkerErrOnce[identity]; err != nil {
		delete(f.MarkerErrOnce, identity)
		return err
	}
	if err := f.MarkerErr[identity]; err != nil {
		return err
	}
	r := f.find(identity)
	if r == nil {
		return directory.ErrNotFound
	}
	r.RawMarker = raw
	return nil
}

func (f *Fake) Disable(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disable %s", identity)
	if err := f.DisableErr[identity]; err != nil {
		return err
	}
	r := f.find(identity)
	if r == nil {
		return directory.ErrNotFound
	}
	// Disabling a disabled record is a no-op, not a failure.
	r.Disabled = true
	return nil
}

func (f *Fake) Enable(ctx context.Context, identity, recoveryKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("enable %s key=%s", identity, recoveryKey)
	if err := f.EnableErr[identity]; err != nil {
		return err
	}
	r := f.find(identity)
	if r == nil {
		// Mirrors the real system's hazard: enabling by bare
		// identity conjures a fresh empty record.
		clone := mailbox.Record{Identity: identity}
		f.records = append(f.records, &clone)
		return nil
	}
	if recoveryKey != "" && recoveryKey != r.ContentKey {
		return directory.ErrNotFound
	}
	r.Disabled = false
	return nil
}

func (f *Fake) SubmitRestoreJob(ctx context.Context, sourceContentKey, targetIdentity string, opts directory.RestoreOptions) (directory.JobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("submit %s->%s", sourceContentKey, targetIdentity)
	if err := f.SubmitErr[targetIdentity]; err != nil {
		return "", err
	}
	f.nextJob++
	id := directory.JobID(fmt.Sprintf("job-%d", f.nextJob))
	f.jobs[id] = targetIdentity
	return id, nil
}

func (f *Fake) QueryJobStatus(ctx context.Context, id directory.JobID) (directory.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.QueryErr[id]; err != nil {
		return directory.JobStatus{}, err
	}
	if _, ok := f.jobs[id]; !ok {
		return directory.JobStatus{}, directory.ErrNotFound
	}
	if st, ok := f.JobStatuses[id]; ok {
		return st, nil
	}
	return directory.JobStatus{State: directory.JobQueued}, nil
}

func (f *Fake) CancelJob(ctx context.Context, id directory.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("cancel %s", id)
	if err := f.CancelErr[id]; err != nil {
		return err
	}
	if _, ok := f.jobs[id]; !ok {
		return directory.ErrNotFound
	}
	delete(f.jobs, id)
	return nil
}

// AddJob registers a pre-existing restore job, as a prior run's
// submission would have.
func (f *Fake) AddJob(id directory.JobID, targetIdentity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id] = targetIdentity
}
