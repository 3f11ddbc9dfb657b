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

package transition

import (
	"context"
	"log/slog"
	"time"

	"marmstrong/cutover/internal/directory"
	"marmstrong/cutover/internal/mailbox"
	"marmstrong/cutover/internal/marker"

	"github.com/pkg/errors"
)

// JobSource resolves the restore job submitted for a target record in
// an earlier run.  The run ledger implements this.
type JobSource interface {
	JobFor(ctx context.Context, targetIdentity string) (directory.JobID, bool, error)
}

// PollPolicy bounds restore-job status polling.  Polling never
// busy-waits: each attempt is separated by Interval and the total
// number of attempts is capped.
type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Confirmer is the stage-four executor: it polls the restore job for
// a pair and settles the marker to OK or KO.  A job still running
// when the polling budget runs out leaves the marker untouched.
type Confirmer struct {
	dst  Target
	jobs JobSource
	step int
	poll PollPolicy
	now  func() time.Time
	log  *slog.Logger
}

// NewConfirmer returns a Confirmer writing markers for the given
// stage step.
func NewConfirmer(dst Target, jobs JobSource, step int, poll PollPolicy, log *slog.Logger) *Confirmer {
	if poll.MaxAttempts < 1 {
		poll.MaxAttempts = 1
	}
	return &Confirmer{dst: dst, jobs: jobs, step: step, poll: poll, now: time.Now, log: log}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute polls the pair's restore job and settles its marker.
func (c *Confirmer) Execute(ctx context.Context, pair mailbox.Pair) mailbox.Outcome {
	jobID, ok, err := c.jobs.JobFor(ctx, pair.Target.Identity)
	if err != nil {
		c.log.Error("unable to look up restore job for target",
			"target", pair.Target.Identity, "error", err)
		return mailbox.Outcome{Pair: pair, Status: mailbox.OutcomeSkipped, Err: err}
	}
	if !ok {
		c.log.Warn("no restore job on record for target; skipped",
			"target", pair.Target.Identity)
		return mailbox.Outcome{Pair: pair, Status: mailbox.OutcomeSkipped}
	}

	var lastErr error
	for attempt := 0; attempt < c.poll.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.poll.Interval); err != nil {
				return mailbox.Outcome{Pair: pair, Status: mailbox.OutcomePending, JobID: string(jobID), Err: err}
			}
		}

		st, err := c.dst.QueryJobStatus(ctx, jobID)
		if err != nil {
			lastErr = err
			c.log.Warn("restore job status query failed; will retry",
				"job", jobID, "attempt", attempt+1, "error", err)
			continue
		}
		lastErr = nil

		switch st.State {
		case directory.JobCompleted:
			return c.settle(ctx, pair, jobID, marker.StatusOK, nil)
		case directory.JobFailed:
			cause := errors.Errorf("restore job %s failed: %s", jobID, st.FailureInfo)
			return c.settle(ctx, pair, jobID, marker.StatusKO, cause)
		default:
			c.log.Info("restore job still running",
				"job", jobID, "state", st.State, "percent", st.PercentComplete)
		}
	}

	c.log.Warn("polling budget exhausted; marker left unchanged",
		"job", jobID, "target", pair.Target.Identity)
	return mailbox.Outcome{Pair: pair, Status: mailbox.OutcomePending, JobID: string(jobID), Err: lastErr}
}

func (c *Confirmer) settle(ctx context.Context, pair mailbox.Pair, jobID directory.JobID, status marker.Status, cause error) mailbox.Outcome {
	m := marker.New(c.step, status, c.now())
	if err := c.dst.SetStatusMarker(ctx, pair.Target.Identity, m.Encode()); err != nil {
		c.log.Error("unable to settle marker; manual intervention required",
			"target", pair.Target.Identity, "marker", m.Encode(), "error", err)
		if cause == nil {
			cause = err
		}
		return mailbox.Outcome{Pair: pair, Status: mailbox.OutcomeFailed, NewMarker: m, JobID: string(jobID), Err: cause}
	}
	out := mailbox.Outcome{Pair: pair, NewMarker: m, JobID: string(jobID), Err: cause}
	if status == marker.StatusOK {
		out.Status = mailbox.OutcomeSucceeded
	} else {
		out.Status = mailbox.OutcomeFailed
	}
	return out
}
