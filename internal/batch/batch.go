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

// Package batch iterates the eligible pairs of one run, invokes the
// transition executor on each and accumulates the run report.  One
// pair's failure never aborts the run.
package batch

import (
	"context"
	"log/slog"
	"time"

	"marmstrong/cutover/internal/mailbox"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Scanner yields the pairs of one run in stable order.
type Scanner interface {
	Scan(ctx context.Context) ([]mailbox.Pair, error)
}

// PairExecutor performs the stage transition for one pair.  Failures
// are folded into the outcome, never returned.
type PairExecutor interface {
	Execute(ctx context.Context, pair mailbox.Pair) mailbox.Outcome
}

// Report is the accumulated result of one run.
type Report struct {
	RunID    string
	Stage    string
	Started  time.Time
	Finished time.Time

	Attempted int
	Succeeded int
	Failed    int
	Uncertain int
	Pending   int
	Skipped   int
	Planned   int

	// Outcomes holds one entry per attempted pair, in scan order.
	Outcomes []mailbox.Outcome
}

func (r *Report) tally() {
	for _, out := range r.Outcomes {
		switch out.Status {
		case mailbox.OutcomeSucceeded:
			r.Succeeded++
		case mailbox.OutcomeFailed:
			r.Failed++
		case mailbox.OutcomeCompensationUncertain:
			r.Uncertain++
		case mailbox.OutcomePending:
			r.Pending++
		case mailbox.OutcomeSkipped:
			r.Skipped++
		case mailbox.OutcomePlanned:
			r.Planned++
		}
	}
	r.Attempted = len(r.Outcomes)
}

// Coordinator drives one run.
type Coordinator struct {
	scanner Scanner
	exec    PairExecutor
	stage   string

	// Workers bounds concurrent in-flight transitions.  Values
	// below two select the sequential baseline, where one pair's
	// transition (compensation included) completes before the next
	// begins.
	workers int

	now func() time.Time
	log *slog.Logger
}

// New returns a Coordinator.  workers < 2 selects the sequential
// baseline.
func New(scanner Scanner, exec PairExecutor, stage string, workers int, log *slog.Logger) *Coordinator {
	return &Coordinator{
		scanner: scanner,
		exec:    exec,
		stage:   stage,
		workers: workers,
		now:     time.Now,
		log:     log,
	}
}

// Run scans for eligible pairs and executes the transition for each.
// Only a scan failure is returned as an error; per-pair failures are
// recorded in the report.  Report rows keep scan order regardless of
// the concurrency policy.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:   uuid.NewString(),
		Stage:   c.stage,
		Started: c.now(),
	}

	pairs, err := c.scanner.Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to scan for eligible pairs")
	}
	c.log.Info("scan complete", "run", report.RunID, "stage", c.stage, "eligible", len(pairs))

	report.Outcomes = make([]mailbox.Outcome, len(pairs))
	if c.workers < 2 {
		for i, pair := range pairs {
			report.Outcomes[i] = c.exec.Execute(ctx, pair)
		}
	} else if err := c.runPool(ctx, pairs, report.Outcomes); err != nil {
		return nil, err
	}

	report.Finished = c.now()
	report.tally()
	c.log.Info("run complete",
		"run", report.RunID, "stage", c.stage,
		"attempted", report.Attempted, "succeeded", report.Succeeded,
		"failed", report.Failed, "uncertain", report.Uncertain,
		"pending", report.Pending, "skipped", report.Skipped)
	return report, nil
}

type indexedPair struct {
	index int
	pair  mailbox.Pair
}

// runPool fans pairs out to a fixed number of workers.  Pairs are
// independent units of work; no cross-pair ordering is guaranteed,
// but each outcome lands at its pair's scan index.
func (c *Coordinator) runPool(ctx context.Context, pairs []mailbox.Pair, outcomes []mailbox.Outcome) error {
	grp, ctx := errgroup.WithContext(ctx)
	work := make(chan indexedPair)

	grp.Go(func() error {
		defer close(work)
		for i, pair := range pairs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case work <- indexedPair{index: i, pair: pair}:
			}
		}
		return nil
	})

	for w := 0; w < c.workers; w++ {
		grp.Go(func() error {
			for item := range work {
				outcomes[item.index] = c.exec.Execute(ctx, item.pair)
			}
			return nil
		})
	}

	return grp.Wait()
}
