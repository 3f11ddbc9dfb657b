// The cutover command runs one stage of the mailbox cutover pipeline
// against a pair of directory systems.
//
// Stage "restore" finds target records marked eligible by the
// provisioning stage, disables each on-prem source mailbox, submits a
// content-restore job and marks the target record INITIATED.  Stage
// "confirm" polls the submitted jobs and settles markers to OK or KO.
//
// The command is non-interactive.  Per-record failures are recorded
// in the run report and the exit code stays zero; only a setup or
// scan failure before any record is processed exits non-zero.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"marmstrong/cutover/internal/batch"
	"marmstrong/cutover/internal/config"
	"marmstrong/cutover/internal/graphdir"
	"marmstrong/cutover/internal/homedir"
	"marmstrong/cutover/internal/logging"
	"marmstrong/cutover/internal/marker"
	"marmstrong/cutover/internal/report"
	"marmstrong/cutover/internal/runlog"
	"marmstrong/cutover/internal/scan"
	"marmstrong/cutover/internal/tracehttp"
	"marmstrong/cutover/internal/transition"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagTrace        = flag.Bool("T", false, "request debug tracing of directory traffic")
	flagConfig       = flag.String("config", "", "path to the configuration file")
	flagStage        = flag.String("stage", "restore", "pipeline stage to run: restore or confirm")
	flagDryRun       = flag.Bool("dry-run", false, "report what would happen without touching either directory")
	flagBadItemLimit = flag.Int("bad-item-limit", -1, "override the configured bad-item limit for restore jobs")
	flagWorkers      = flag.Int("workers", 0, "override the configured number of concurrent transitions")
	flagRescanFailed = flag.Bool("rescan-failed", false, "select this stage's KO records instead of the predecessor's eligible ones")
)

func scanPolicy(cfg *config.Config, stage string) (scan.Policy, error) {
	p := scan.Policy{}

	switch cfg.CorrelationKey {
	case "", "display_name":
		p.Key = scan.ByDisplayName
	case "primary_address":
		p.Key = scan.ByPrimaryAddress
	default:
		return p, errors.Errorf("unknown correlation_key %q", cfg.CorrelationKey)
	}
	switch cfg.MarkerMatch {
	case "", "exact":
		p.Mode = marker.MatchExact
	case "substring":
		p.Mode = marker.MatchSubstring
	default:
		return p, errors.Errorf("unknown marker_match %q", cfg.MarkerMatch)
	}

	switch stage {
	case "restore":
		// Eligible records carry the provisioning stage's OK.
		p.Step, p.Status = marker.StepProvision, marker.StatusOK
		if *flagRescanFailed {
			p.Step, p.Status = marker.StepRestore, marker.StatusKO
		}
	case "confirm":
		p.Step, p.Status = marker.StepRestore, marker.StatusInitiated
		if *flagRescanFailed {
			p.Step, p.Status = marker.StepConfirm, marker.StatusKO
		}
		// Confirmation settles the target by its recorded job; the
		// source may have changed logical identity when it was
		// disabled, so it is not re-correlated.
		p.AllowUnpaired = true
	default:
		return p, errors.Errorf("unknown stage %q", stage)
	}
	return p, nil
}

func run() error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	badItemLimit := cfg.BadItemLimit
	if *flagBadItemLimit >= 0 {
		badItemLimit = *flagBadItemLimit
	}
	workers := cfg.Workers
	if *flagWorkers > 0 {
		workers = *flagWorkers
	}
	ledgerPath := cfg.LedgerPath
	if ledgerPath == "" {
		ledgerPath = filepath.Join(homedir.Get(), ".cutover.db")
	}
	reportDir := cfg.ReportDir
	if reportDir == "" {
		reportDir = filepath.Join(homedir.Get(), "cutover-reports")
	}

	policy, err := scanPolicy(cfg, *flagStage)
	if err != nil {
		return err
	}

	ctx := context.Background()
	ledger, err := runlog.Open(ctx, ledgerPath)
	if err != nil {
		return errors.Wrap(err, "unable to open the run ledger")
	}
	defer ledger.Close()

	src, err := graphdir.New(cfg.Source.BaseURL,
		graphdir.NewClient(ctx, cfg.Source.BaseURL, graphdir.Credentials{
			TenantID:     cfg.Source.TenantID,
			ClientID:     cfg.Source.ClientID,
			ClientSecret: cfg.Source.ClientSecret,
		}))
	if err != nil {
		return errors.Wrap(err, "unable to initialize the source directory gateway")
	}
	dst, err := graphdir.New(cfg.Target.BaseURL,
		graphdir.NewClient(ctx, cfg.Target.BaseURL, graphdir.Credentials{
			TenantID:     cfg.Target.TenantID,
			ClientID:     cfg.Target.ClientID,
			ClientSecret: cfg.Target.ClientSecret,
		}))
	if err != nil {
		return errors.Wrap(err, "unable to initialize the target directory gateway")
	}

	scanner := scan.New(src, dst, policy, logger)

	var exec batch.PairExecutor
	switch *flagStage {
	case "restore":
		exec = transition.New(src, dst, transition.Options{
			Step:                marker.StepRestore,
			BadItemLimit:        badItemLimit,
			AllowLegacyMismatch: cfg.AllowLegacyMismatch,
			DryRun:              *flagDryRun,
		}, logger)
	case "confirm":
		if *flagDryRun {
			return errors.New("dry-run is not meaningful for the confirm stage")
		}
		exec = transition.NewConfirmer(dst, ledger, marker.StepConfirm, transition.PollPolicy{
			MaxAttempts: cfg.PollMaxAttempts,
			Interval:    time.Duration(cfg.PollIntervalSeconds) * time.Second,
		}, logger)
	}

	coord := batch.New(scanner, exec, *flagStage, workers, logger)
	rep, err := coord.Run(ctx)
	if err != nil {
		return err
	}

	if !*flagDryRun {
		if err := ledger.RecordRun(ctx, rep); err != nil {
			logger.Error("unable to record run in the ledger", "run", rep.RunID, "error", err)
		}
	}
	path, err := report.NewEmitter(reportDir, logger).Write(rep)
	if err != nil {
		logger.Error("unable to write the run report", "run", rep.RunID, "error", err)
	}

	fmt.Printf("run %s (%s): attempted %d, succeeded %d, failed %d, uncertain %d, pending %d, skipped %d\n",
		rep.RunID, rep.Stage, rep.Attempted, rep.Succeeded, rep.Failed,
		rep.Uncertain, rep.Pending, rep.Skipped)
	if path != "" {
		fmt.Printf("report: %s\n", path)
	}
	return nil
}

func main() {
	flag.Parse()
	if *flagTrace {
		tracehttp.WrapDefaultTransport()
	}

	if err := run(); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}
