package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/yorelog/regsync/internal/registry"
	syncengine "github.com/yorelog/regsync/internal/sync"
	"github.com/yorelog/regsync/internal/transform"
)

// errorShouldDisplayUsage is a subtype of error used by command handlers to indicate that
// the command line should be displayed.
type errorShouldDisplayUsage struct {
	error
}

// commandAction intermediates between the RunE interface and the real handler,
// primarily to ensure that cobra.Command is not available to the handler, which in turn
// makes sure that the cmd.Flags() etc. flag access functions are not used,
// and everything is done using the *Options structures and the Destination: members of cobra.Command.
// handler may return errorShouldDisplayUsage to cause c.Help to be called.
func commandAction(handler func(args []string, stdout io.Writer) error) func(cmd *cobra.Command, args []string) error {
	return func(c *cobra.Command, args []string) error {
		err := handler(args, c.OutOrStdout())
		var shouldDisplayUsage errorShouldDisplayUsage
		if errors.As(err, &shouldDisplayUsage) {
			c.SilenceUsage = false
		}
		return err
	}
}

// noteCloseFailure returns (possibly-nil) err modified to account for (non-nil) closeErr.
// The error for closeErr is annotated with description (which is not a format string)
// Typical usage:
//
//	defer func() {
//		if err := something.Close(); err != nil {
//			returnedErr = noteCloseFailure(returnedErr, "closing something", err)
//		}
//	}
func noteCloseFailure(err error, description string, closeErr error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", description, closeErr)
	}
	// In this case we prioritize the primary error for use with %w; closeErr is usually less relevant, or might be a consequence of the primary error.
	return fmt.Errorf("%w (%s: %v)", err, description, closeErr)
}

// adjustUsage uses the base name of the command in usage output instead of the full path.
func adjustUsage(c *cobra.Command) {
	c.DisableFlagsInUseLine = true
}

// interruptContext layers interrupt handling over ctx so that a run halts
// before starting new entries when the process is signalled.
func interruptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// targetOptions collects the flags shared by every command that derives
// target names: the registry base and the transform policy.
type targetOptions struct {
	registryURL string
	policyName  string
}

func targetFlags() (pflag.FlagSet, *targetOptions) {
	opts := targetOptions{}
	fs := pflag.FlagSet{}
	fs.StringVar(&opts.registryURL, "registry", "", "target registry base `URL` for mirrored images (required)")
	fs.StringVar(&opts.policyName, "policy", transform.FlattenFull.String(), "name transform policy: 'flatten' (collision-free) or 'last-segment' (short names)")
	return fs, &opts
}

func (opts *targetOptions) policy() (transform.Policy, error) {
	policy, err := transform.ParsePolicy(opts.policyName)
	if err != nil {
		return policy, errorShouldDisplayUsage{err}
	}
	return policy, nil
}

func (opts *targetOptions) validateRegistry() error {
	if opts.registryURL == "" {
		return &syncengine.ConfigurationError{Reason: "a target registry must be specified (--registry)"}
	}
	return nil
}

// transportOptions collects the flags selecting how images are transferred.
type transportOptions struct {
	name  string
	creds string
}

func transportFlags() (pflag.FlagSet, *transportOptions) {
	opts := transportOptions{}
	fs := pflag.FlagSet{}
	fs.StringVar(&opts.name, "transport", "daemon", "transfer mechanism: 'daemon' (local docker daemon) or 'remote' (registry-to-registry)")
	fs.StringVar(&opts.creds, "creds", "", "Use `USERNAME:PASSWORD` for accessing the registries")
	return fs, &opts
}

// newClient builds the registry client for the selected transport.
func (opts *transportOptions) newClient() (registry.Client, error) {
	creds, err := registry.ParseCredentials(opts.creds)
	if err != nil {
		return nil, errorShouldDisplayUsage{err}
	}
	switch opts.name {
	case "daemon":
		return registry.NewDaemonClient(creds)
	case "remote":
		return registry.NewRemoteClient(creds), nil
	default:
		return nil, errorShouldDisplayUsage{fmt.Errorf("%q is not a valid transport, expected 'daemon' or 'remote'", opts.name)}
	}
}

// retryOptions collects the retry/backoff flags shared by the transfer commands.
type retryOptions struct {
	times int
	delay time.Duration
}

func retryFlags() (pflag.FlagSet, *retryOptions) {
	opts := retryOptions{}
	fs := pflag.FlagSet{}
	fs.IntVar(&opts.times, "retry-times", syncengine.DefaultRetryTimes, "the number of times to retry a failed transfer operation")
	fs.DurationVar(&opts.delay, "retry-delay", syncengine.DefaultRetryDelay, "the initial delay between retries, doubled per attempt")
	return fs, &opts
}
