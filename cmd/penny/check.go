package penny

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pennyhq/penny/internal/appspec"
	"github.com/pennyhq/penny/internal/config"
)

func newCheckCommand() *cobra.Command {
	var onlyApps string

	cmd := &cobra.Command{
		Use:   "check <config>",
		Short: "Validate a config file without starting the daemon.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0], nil)
			if err != nil {
				return err
			}

			var filter map[string]bool
			if onlyApps != "" {
				filter = make(map[string]bool)
				for _, h := range strings.Split(onlyApps, ",") {
					filter[appspec.NormalizeHost(strings.TrimSpace(h))] = true
				}
			}

			for _, app := range cfg.Apps {
				if filter != nil && !filter[appspec.NormalizeHost(app.Hostname)] {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s)\n", app.Hostname, app.Address)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config valid: %d app(s)\n", len(cfg.Apps))
			return nil
		},
	}

	cmd.Flags().StringVar(&onlyApps, "apps", "", "comma-separated hostnames to restrict the report to")
	return cmd
}
