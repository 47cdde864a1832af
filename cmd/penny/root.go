// Package penny assembles Penny's cobra command tree (spec §6's CLI
// surface): serve, check, and systemd, following the same
// signal.NotifyContext + logrus root logger + error-channel/select
// shutdown shape as a small daemon's main.go.
package penny

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var log = logrus.New()

// Execute runs the root command and returns the process exit code per
// spec §6: 0 on success, 1 on config or runtime error, 2 on usage error.
func Execute() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if _, ok := err.(usageError); ok {
			return 2
		}
		return 1
	}
	return 0
}

// usageError marks an error as a CLI usage mistake (bad flags/args) rather
// than a config or runtime failure, so Execute can map it to exit code 2.
type usageError struct{ error }

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "penny",
		Short:         "Penny runs backend applications on demand behind a host-routing reverse proxy.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newCheckCommand())
	root.AddCommand(newSystemdCommand())
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	markArgErrorsAsUsage(root)
	return root
}

// markArgErrorsAsUsage wraps every command's positional-argument validator so
// that a wrong argument count surfaces as a usageError.
func markArgErrorsAsUsage(c *cobra.Command) {
	if validate := c.Args; validate != nil {
		c.Args = func(cmd *cobra.Command, args []string) error {
			if err := validate(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		}
	}
	for _, sub := range c.Commands() {
		markArgErrorsAsUsage(sub)
	}
}

func init() {
	log.SetOutput(os.Stderr)
}
