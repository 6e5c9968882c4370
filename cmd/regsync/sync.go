package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yorelog/regsync/internal/manifest"
	"github.com/yorelog/regsync/internal/mappinglog"
	syncengine "github.com/yorelog/regsync/internal/sync"
)

// syncOptions contains information retrieved from the regsync sync command line.
type syncOptions struct {
	global     *globalOptions    // Global (not command dependent) regsync options
	target     *targetOptions    // Target registry and transform policy
	transport  *transportOptions // Transfer mechanism selection
	retry      *retryOptions
	format     string        // Manifest format: 'list' or 'yaml'
	jobs       int           // Number of entries transferred in parallel
	force      bool          // Re-transfer even when the mapping log has a fresh success
	freshness  time.Duration // Prior-success window consulted when force is not given
	mappingLog string        // Where mapping records are appended
	dryRun     bool          // Don't actually transfer anything, just report what would be done
}

func syncCmd(global *globalOptions) *cobra.Command {
	targetFlagSet, targetOpts := targetFlags()
	transportFlagSet, transportOpts := transportFlags()
	retryFlagSet, retryOpts := retryFlags()

	opts := syncOptions{
		global:    global,
		target:    targetOpts,
		transport: transportOpts,
		retry:     retryOpts,
	}

	cmd := &cobra.Command{
		Use:   "sync [command options] --registry REGISTRY MANIFEST",
		Short: "Mirror every image in a manifest into the target registry",
		Long: `Mirror all the images listed in MANIFEST into the target registry.

MANIFEST is a plain-text image list (one reference per line, '#' comments) or,
with --format yaml, a per-registry configuration supporting tag filters.
One bad entry never aborts the run: its failure is recorded and the sync
continues with the next entry.
`,
		RunE:    commandAction(opts.run),
		Example: `regsync sync --registry registry.example.com/mirror images.txt`,
	}
	adjustUsage(cmd)
	flags := cmd.Flags()
	flags.AddFlagSet(&targetFlagSet)
	flags.AddFlagSet(&transportFlagSet)
	flags.AddFlagSet(&retryFlagSet)
	flags.StringVar(&opts.format, "format", "list", "manifest format: 'list' (one reference per line) or 'yaml' (per-registry config)")
	flags.IntVarP(&opts.jobs, "jobs", "j", 1, "number of entries to transfer in parallel")
	flags.BoolVar(&opts.force, "force", false, "re-transfer entries even when the mapping log has a fresh success")
	flags.DurationVar(&opts.freshness, "freshness", 0, "skip entries whose identical sync succeeded within this window (0 always re-transfers)")
	flags.StringVar(&opts.mappingLog, "mapping-log", "mapping.log", "append mapping records to `FILE` ('' disables)")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "run without actually transferring data")
	return cmd
}

func (opts *syncOptions) run(args []string, stdout io.Writer) (retErr error) {
	if len(args) != 1 {
		return errorShouldDisplayUsage{errors.New("Exactly one argument expected")}
	}
	if err := opts.target.validateRegistry(); err != nil {
		return err
	}
	policy, err := opts.target.policy()
	if err != nil {
		return err
	}
	client, err := opts.transport.newClient()
	if err != nil {
		return err
	}

	ctx, cancel := opts.global.commandTimeoutContext()
	defer cancel()
	ctx, stop := interruptContext(ctx)
	defer stop()

	var entries []manifest.Entry
	switch opts.format {
	case "list":
		entries, err = manifest.LoadFile(args[0])
	case "yaml":
		var cfg manifest.SourceConfig
		if cfg, err = manifest.LoadYAMLFile(args[0]); err == nil {
			entries, err = cfg.Expand(ctx, client)
		}
	default:
		return errorShouldDisplayUsage{fmt.Errorf("%q is not a valid manifest format, expected 'list' or 'yaml'", opts.format)}
	}
	if err != nil {
		return err
	}

	var history []mappinglog.Record
	if opts.freshness > 0 && !opts.force && opts.mappingLog != "" {
		if history, err = mappinglog.Load(opts.mappingLog); err != nil {
			return err
		}
	}

	var writer *mappinglog.Writer
	if opts.mappingLog != "" && !opts.dryRun {
		if writer, err = mappinglog.OpenWriter(opts.mappingLog); err != nil {
			return err
		}
		defer func() {
			if err := writer.Close(); err != nil {
				retErr = noteCloseFailure(retErr, "closing mapping log", err)
			}
		}()
	}

	engine, err := syncengine.New(client, writer, syncengine.Options{
		TargetRegistry: opts.target.registryURL,
		Policy:         policy,
		RetryTimes:     opts.retry.times,
		RetryDelay:     opts.retry.delay,
		Jobs:           opts.jobs,
		Force:          opts.force,
		Freshness:      opts.freshness,
		DryRun:         opts.dryRun,
		History:        history,
	})
	if err != nil {
		return err
	}

	if opts.dryRun {
		logrus.Warn("Running in dry-run mode")
	}
	report, runErr := engine.Run(ctx, entries)
	if opts.dryRun {
		logrus.Infof("Would have synced %d images (%d skipped)", report.Succeeded, report.Skipped)
	} else {
		logrus.Infof("Synced %d images (%d failed, %d skipped, %d name collisions)",
			report.Succeeded, report.Failed, report.Skipped, len(report.Collisions))
	}
	if runErr != nil {
		return fmt.Errorf("sync interrupted: %w", runErr)
	}
	if report.Failed > 0 {
		return fmt.Errorf("sync failed for %d of %d entries", report.Failed, len(report.Records))
	}
	return nil
}
