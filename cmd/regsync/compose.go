package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yorelog/regsync/internal/compose"
)

// extractOptions contains information retrieved from the regsync extract command line.
type extractOptions struct {
	global *globalOptions
}

func extractCmd(global *globalOptions) *cobra.Command {
	opts := extractOptions{global: global}
	cmd := &cobra.Command{
		Use:     "extract COMPOSE-FILE",
		Short:   "List the images referenced by a docker-compose file",
		RunE:    commandAction(opts.run),
		Example: `regsync extract docker-compose.yml > images.txt`,
	}
	adjustUsage(cmd)
	return cmd
}

func (opts *extractOptions) run(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errorShouldDisplayUsage{errors.New("Exactly one argument expected")}
	}
	doc, err := compose.ParseFile(args[0])
	if err != nil {
		return err
	}
	images, err := compose.Extract(doc)
	if err != nil {
		return err
	}
	for _, image := range images {
		fmt.Fprintln(stdout, image)
	}
	return nil
}

// migrateOptions contains information retrieved from the regsync migrate command line.
type migrateOptions struct {
	global       *globalOptions
	target       *targetOptions
	output       string // Output file path; derived from the input when empty
	targetImages string // Optional file restricting which images are migrated
}

func migrateCmd(global *globalOptions) *cobra.Command {
	targetFlagSet, targetOpts := targetFlags()
	opts := migrateOptions{global: global, target: targetOpts}
	cmd := &cobra.Command{
		Use:   "migrate [command options] --registry REGISTRY COMPOSE-FILE",
		Short: "Rewrite a docker-compose file's images to the target registry",
		Long: `Rewrite the image fields of COMPOSE-FILE so that they point into the target
registry, applying the configured name transform policy. With --target-images,
only the listed images (matched with or without tag) are rewritten.
`,
		RunE:    commandAction(opts.run),
		Example: `regsync migrate --registry registry.example.com/mirror docker-compose.yml`,
	}
	adjustUsage(cmd)
	flags := cmd.Flags()
	flags.AddFlagSet(&targetFlagSet)
	flags.StringVarP(&opts.output, "output", "o", "", "output `FILE` (default: <name>.migrated.<ext>)")
	flags.StringVar(&opts.targetImages, "target-images", "", "only migrate images listed in `FILE`")
	return cmd
}

func (opts *migrateOptions) run(args []string, stdout io.Writer) error {
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

	var filter compose.TargetSet
	if opts.targetImages != "" {
		if filter, err = compose.LoadTargetSet(opts.targetImages); err != nil {
			logrus.Warnf("Target images file not usable, migrating all images: %v", err)
		}
	}

	doc, err := compose.ParseFile(args[0])
	if err != nil {
		return err
	}
	changed, err := compose.Migrate(doc, opts.target.registryURL, policy, filter)
	if err != nil {
		return err
	}

	output := opts.output
	if output == "" {
		output = compose.MigratedPath(args[0])
	}
	if err := compose.WriteFile(output, doc); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Migration complete. Rewrote %d image(s). Output written to: %s\n", changed, output)
	return nil
}
