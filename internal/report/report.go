// Package report writes the per-run tabular status report operators
// grep for KO and Failed entries.
package report

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"marmstrong/cutover/internal/batch"

	"github.com/pkg/errors"
)

// Columns is the report header.  Downstream tooling greps these by
// position; keep the order stable.
var Columns = []string{
	"run_id",
	"stage",
	"source_identity",
	"target_identity",
	"job_id",
	"outcome",
	"error",
	"timestamp",
}

// Emitter writes one CSV file per run under a base directory.
type Emitter struct {
	dir string
	log *slog.Logger
}

// NewEmitter returns an Emitter writing under dir.
func NewEmitter(dir string, log *slog.Logger) *Emitter {
	return &Emitter{dir: dir, log: log}
}

// Write renders the report and returns the path of the file written.
func (e *Emitter) Write(report *batch.Report) (string, error) {
	if err := os.MkdirAll(e.dir, 0750); err != nil {
		return "", errors.Wrapf(err, "could not create report directory %q", e.dir)
	}

	name := fmt.Sprintf("cutover-%s-%s-%s.csv",
		report.Stage, report.Started.Format("20060102-150405"), report.RunID)
	path := filepath.Join(e.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "could not create report file %q", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		return "", errors.Wrap(err, "could not write report header")
	}
	stamp := report.Finished.Format(time.RFC3339)
	for _, out := range report.Outcomes {
		jobID := out.JobID
		if jobID == "" {
			jobID = "N/A"
		}
		var errText string
		if out.Err != nil {
			errText = out.Err.Error()
		}
		row := []string{
			report.RunID,
			report.Stage,
			out.Pair.Source.Identity,
			out.Pair.Target.Identity,
			jobID,
			string(out.Status),
			errText,
			stamp,
		}
		if err := w.Write(row); err != nil {
			return "", errors.Wrap(err, "could not write report row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Wrap(err, "could not flush report")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, "could not close report file %q", path)
	}

	e.log.Info("report written", "path", path, "rows", len(report.Outcomes))
	return path, nil
}
