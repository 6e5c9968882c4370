package main

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yorelog/regsync/internal/manifest"
	syncengine "github.com/yorelog/regsync/internal/sync"
)

const version = "0.1.0"

type globalOptions struct {
	debug          bool          // Enable debug output
	commandTimeout time.Duration // Timeout for the command execution
}

// requireSubcommand returns an error if no sub command is provided.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		suggestions := cmd.SuggestionsFor(args[0])
		if len(suggestions) == 0 {
			return fmt.Errorf("Unrecognized command `%[1]s %[2]s`\nTry '%[1]s --help' for more information", cmd.CommandPath(), args[0])
		}
		return fmt.Errorf("Unrecognized command `%[1]s %[2]s`\n\nDid you mean this?\n\t%[3]s\n\nTry '%[1]s --help' for more information", cmd.CommandPath(), args[0], strings.Join(suggestions, "\n\t"))
	}
	return fmt.Errorf("Missing command '%[1]s COMMAND'\nTry '%[1]s --help' for more information", cmd.CommandPath())
}

// createApp returns a cobra.Command, and the underlying globalOptions object, to be run or tested.
func createApp() (*cobra.Command, *globalOptions) {
	opts := globalOptions{}

	rootCommand := &cobra.Command{
		Use:               "regsync",
		Long:              "Mirror container images into a target registry namespace, driven by a declarative manifest",
		RunE:              requireSubcommand,
		PersistentPreRunE: opts.before,
		SilenceUsage:      true,
		SilenceErrors:     true,
		// Hide the completion command which is provided by cobra
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}
	if commit := gitCommit(); commit != "" {
		rootCommand.Version = fmt.Sprintf("%s commit: %s", version, commit)
	} else {
		rootCommand.Version = version
	}
	// Override default `--version` global flag to enable `-v` shorthand
	var dummyVersion bool
	rootCommand.Flags().BoolVarP(&dummyVersion, "version", "v", false, "Version for regsync")
	rootCommand.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug output")
	rootCommand.PersistentFlags().DurationVar(&opts.commandTimeout, "command-timeout", 0, "timeout for the command execution")
	rootCommand.AddCommand(
		extractCmd(&opts),
		migrateCmd(&opts),
		mirrorCmd(&opts),
		syncCmd(&opts),
	)
	return rootCommand, &opts
}

// gitCommit returns the git commit for this codebase, if we are built from a git repo; "" otherwise.
func gitCommit() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, e := range bi.Settings {
		if e.Key == "vcs.revision" {
			return e.Value
		}
	}
	return ""
}

// before is run by the cli package for any command, before running the command-specific handler.
func (opts *globalOptions) before(cmd *cobra.Command, args []string) error {
	if opts.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return nil
}

// commandTimeoutContext returns a context.Context and a cancellation callback based on opts.
// The caller should usually "defer cancel()" immediately after calling this.
func (opts *globalOptions) commandTimeoutContext() (context.Context, context.CancelFunc) {
	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if opts.commandTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.commandTimeout)
	}
	return ctx, cancel
}

func main() {
	rootCmd, _ := createApp()
	if err := rootCmd.Execute(); err != nil {
		logrus.StandardLogger().Log(logrus.FatalLevel, err)
		logrus.Exit(exitStatus(err))
	}
}

// exitStatus distinguishes a manifest or configuration problem (nothing was
// attempted) from a run where some entries failed.
func exitStatus(err error) int {
	var unreadable *manifest.ManifestUnreadableError
	var config *syncengine.ConfigurationError
	if errors.As(err, &unreadable) || errors.As(err, &config) {
		return 2
	}
	return 1
}
