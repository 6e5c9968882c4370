package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yorelog/regsync/internal/manifest"
	"github.com/yorelog/regsync/internal/mappinglog"
	syncengine "github.com/yorelog/regsync/internal/sync"
)

// mirrorOptions contains information retrieved from the regsync mirror command line.
type mirrorOptions struct {
	global     *globalOptions
	target     *targetOptions
	transport  *transportOptions
	retry      *retryOptions
	digestFile string // Write digest of the pushed image to this file
	mappingLog string // Where mapping records are appended ('' disables)
	dryRun     bool
}

func mirrorCmd(global *globalOptions) *cobra.Command {
	targetFlagSet, targetOpts := targetFlags()
	transportFlagSet, transportOpts := transportFlags()
	retryFlagSet, retryOpts := retryFlags()

	opts := mirrorOptions{
		global:    global,
		target:    targetOpts,
		transport: transportOpts,
		retry:     retryOpts,
	}

	cmd := &cobra.Command{
		Use:   "mirror [command options] --registry REGISTRY SOURCE-IMAGE",
		Short: "Mirror a single image into the target registry",
		RunE:  commandAction(opts.run),
		Example: `regsync mirror --registry registry.example.com/mirror abc/nginx:1.28
regsync mirror --registry registry.example.com/mirror --policy last-segment ghcr.io/astral-sh/uv:latest`,
	}
	adjustUsage(cmd)
	flags := cmd.Flags()
	flags.AddFlagSet(&targetFlagSet)
	flags.AddFlagSet(&transportFlagSet)
	flags.AddFlagSet(&retryFlagSet)
	flags.StringVar(&opts.digestFile, "digestfile", "", "Write the digest of the pushed image to the specified file")
	flags.StringVar(&opts.mappingLog, "mapping-log", "", "append a mapping record to `FILE`")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "run without actually transferring data")
	return cmd
}

func (opts *mirrorOptions) run(args []string, stdout io.Writer) (retErr error) {
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
		DryRun:         opts.dryRun,
	})
	if err != nil {
		return err
	}

	report, runErr := engine.Run(ctx, []manifest.Entry{{Line: 1, Ref: args[0]}})
	if runErr != nil {
		return fmt.Errorf("mirror interrupted: %w", runErr)
	}
	if report.Failed > 0 {
		return fmt.Errorf("Error copying ref %q: %s", args[0], report.Records[0].Reason)
	}

	rec := report.Records[0]
	logrus.WithFields(logrus.Fields{"from": rec.Source, "to": rec.Target}).Info("Mirrored image")
	if opts.digestFile != "" && rec.Digest != "" {
		if err := os.WriteFile(opts.digestFile, []byte(rec.Digest), 0o644); err != nil {
			return fmt.Errorf("Failed to write digest to file %q: %w", opts.digestFile, err)
		}
	}
	return nil
}
