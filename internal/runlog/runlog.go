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

// Package runlog persists an audit ledger of cutover runs in a local
// sqlite database.  The ledger is an operator aid and the handoff
// channel between the restore and confirm stages: the confirm stage
// looks up here which restore job was submitted for a target record.
// The directory markers, not this ledger, remain the authoritative
// workflow state.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"marmstrong/cutover/internal/batch"
	"marmstrong/cutover/internal/directory"
	"marmstrong/cutover/internal/mailbox"

	"github.com/pkg/errors"
)

var createTableSql = []string{
	// The runs table holds one row per coordinator run.
	//
	// Field: run_id
	//
	//   UUID assigned by the batch coordinator.
	//
	// Field: stage
	//
	//   The stage name the run executed ("restore", "confirm").
	//
	// Fields: started, finished
	//
	//   RFC 3339 timestamps.
	`
CREATE TABLE IF NOT EXISTS runs (
run_id TEXT NOT NULL PRIMARY KEY,
stage TEXT NOT NULL,
started TEXT NOT NULL,
finished TEXT NOT NULL
);`,
	// The outcomes table holds one row per attempted pair.
	//
	// Field: job_id
	//
	//   The restore job submitted for the pair, empty when the
	//   attempt produced none.  The most recent non-empty value for
	//   a target identity is what the confirm stage polls.
	//
	// Field: status
	//
	//   The mailbox.OutcomeStatus string.
	//
	// Field: error
	//
	//   The failure cause, empty on success.
	`
CREATE TABLE IF NOT EXISTS outcomes (
run_id TEXT NOT NULL,
source_identity TEXT NOT NULL,
target_identity TEXT NOT NULL,
job_id TEXT NOT NULL,
status TEXT NOT NULL,
error TEXT NOT NULL,
recorded TEXT NOT NULL,
PRIMARY KEY (run_id, target_identity),
FOREIGN KEY (run_id) REFERENCES runs (run_id)
);`,
}

type DB struct {
	db *sql.DB
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if necessary) the ledger database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short when a report query and a run overlap;
	// go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from the given path", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q", path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// RecordRun writes a completed run and all its outcomes in one
// transaction.
func (db *DB) RecordRun(ctx context.Context, report *batch.Report) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	const runSql = `INSERT INTO runs (run_id, stage, started, finished)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, runSql, report.RunID, report.Stage,
		report.Started.Format(time.RFC3339), report.Finished.Format(time.RFC3339)); err != nil {
		return errors.Wrap(err, "db insert failed for run")
	}

	const outcomeSql = `INSERT INTO outcomes
		(run_id, source_identity, target_identity, job_id, status, error, recorded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	insert, err := tx.PrepareContext(ctx, outcomeSql)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for outcomes insert")
	}
	defer insert.Close()

	for _, out := range report.Outcomes {
		var errText string
		if out.Err != nil {
			errText = out.Err.Error()
		}
		if _, err := insert.ExecContext(ctx, report.RunID,
			out.Pair.Source.Identity, out.Pair.Target.Identity,
			out.JobID, string(out.Status), errText,
			report.Finished.Format(time.RFC3339)); err != nil {
			return errors.Wrap(err, "db insert failed for outcome")
		}
	}
	return tx.Commit()
}

// JobFor returns the most recently recorded restore job for a target
// identity.  It satisfies the confirm stage's job lookup.
func (db *DB) JobFor(ctx context.Context, targetIdentity string) (directory.JobID, bool, error) {
	const q = `
SELECT job_id FROM outcomes
WHERE target_identity = $1 AND job_id <> '' AND status = $2
ORDER BY recorded DESC, run_id DESC LIMIT 1`
	row := db.db.QueryRowContext(ctx, q, targetIdentity, string(mailbox.OutcomeSucceeded))
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "db query failed for job lookup")
	}
	return directory.JobID(id), true, nil
}

// Outcomes returns the recorded outcomes for a run in insertion
// order, for report regeneration and operator queries.
func (db *DB) Outcomes(ctx context.Context, runID string, handler func(sourceIdentity, targetIdentity, jobID, status, errText string) error) error {
	const q = `
SELECT source_identity, target_identity, job_id, status, error
FROM outcomes WHERE run_id = $1 ORDER BY rowid`
	rows, err := db.db.QueryContext(ctx, q, runID)
	if err != nil {
		return errors.Wrap(err, "db query failed for outcomes")
	}
	defer rows.Close()

	for rows.Next() {
		var source, target, job, status, errText string
		if err := rows.Scan(&source, &target, &job, &status, &errText); err != nil {
			return errors.Wrap(err, "db scan failed for outcomes")
		}
		if err := handler(source, target, job, status, errText); err != nil {
			return err
		}
	}
	return rows.Err()
}
