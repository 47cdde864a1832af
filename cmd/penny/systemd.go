package penny

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"text/template"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/spf13/cobra"
)

const unitName = "penny.service"

const unitTemplate = `[Unit]
Description=Penny on-demand reverse proxy
After=network.target

[Service]
Type=simple
ExecStart={{.BinPath}} serve {{.ConfigPath}}
Restart=on-failure
RestartSec=2
Environment=PENNY_PASSWORD={{.Password}}

[Install]
WantedBy=multi-user.target
`

func newSystemdCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "systemd",
		Short: "Manage Penny as a systemd service.",
	}
	cmd.AddCommand(newSystemdInstallCommand())
	cmd.AddCommand(newSystemdUninstallCommand())
	cmd.AddCommand(newSystemdStatusCommand())
	cmd.AddCommand(newSystemdRestartCommand())
	cmd.AddCommand(newSystemdLogsCommand())
	return cmd
}

func newSystemdInstallCommand() *cobra.Command {
	var unitPath string
	cmd := &cobra.Command{
		Use:   "install <config>",
		Short: "Write a systemd unit file for penny and enable it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := args[0]
			binPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolving penny binary path: %w", err)
			}

			tmpl, err := template.New("unit").Parse(unitTemplate)
			if err != nil {
				return fmt.Errorf("parsing unit template: %w", err)
			}

			f, err := os.Create(unitPath)
			if err != nil {
				return fmt.Errorf("creating unit file %s: %w", unitPath, err)
			}
			defer f.Close()

			err = tmpl.Execute(f, struct {
				BinPath, ConfigPath, Password string
			}{BinPath: binPath, ConfigPath: configPath, Password: os.Getenv("PENNY_PASSWORD")})
			if err != nil {
				return fmt.Errorf("writing unit file: %w", err)
			}

			if err := runSystemctl(cmd.Context(), "daemon-reload"); err != nil {
				return err
			}
			if err := runSystemctl(cmd.Context(), "enable", unitName); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s, enabled via systemctl\n", unitPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&unitPath, "unit-path", "/etc/systemd/system/"+unitName, "path to write the unit file to")
	return cmd
}

func newSystemdUninstallCommand() *cobra.Command {
	var unitPath string
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable, and remove penny's systemd unit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = runSystemctl(cmd.Context(), "stop", unitName)
			if err := runSystemctl(cmd.Context(), "disable", unitName); err != nil {
				return err
			}
			if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing unit file %s: %w", unitPath, err)
			}
			return runSystemctl(cmd.Context(), "daemon-reload")
		},
	}
	cmd.Flags().StringVar(&unitPath, "unit-path", "/etc/systemd/system/"+unitName, "path of the installed unit file")
	return cmd
}

// newSystemdStatusCommand queries the unit's ActiveState directly over the
// systemd D-Bus, the same way the service watchdog validates a managed unit
// before monitoring it.
func newSystemdStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report penny's current systemd ActiveState.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := dbus.NewSystemConnectionContext(ctx)
			if err != nil {
				return fmt.Errorf("connecting to systemd D-Bus: %w", err)
			}
			defer conn.Close()

			prop, err := conn.GetUnitPropertyContext(ctx, unitName, "ActiveState")
			if err != nil {
				return fmt.Errorf("querying %s: %w", unitName, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", unitName, prop.Value.Value())
			return nil
		},
	}
}

func newSystemdRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart penny's systemd unit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := dbus.NewSystemConnectionContext(ctx)
			if err != nil {
				return fmt.Errorf("connecting to systemd D-Bus: %w", err)
			}
			defer conn.Close()

			resultCh := make(chan string, 1)
			if _, err := conn.RestartUnitContext(ctx, unitName, "replace", resultCh); err != nil {
				return fmt.Errorf("restarting %s: %w", unitName, err)
			}
			result := <-resultCh
			fmt.Fprintf(cmd.OutOrStdout(), "restart %s: %s\n", unitName, result)
			return nil
		},
	}
}

func newSystemdLogsCommand() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show penny's journal entries via journalctl.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			journalArgs := []string{"-u", unitName}
			if follow {
				journalArgs = append(journalArgs, "-f")
			}
			journalctl := exec.CommandContext(cmd.Context(), "journalctl", journalArgs...)
			journalctl.Stdout = cmd.OutOrStdout()
			journalctl.Stderr = cmd.ErrOrStderr()
			return journalctl.Run()
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "stream new journal entries as they arrive")
	return cmd
}

func runSystemctl(ctx context.Context, args ...string) error {
	c := exec.CommandContext(ctx, "systemctl", args...)
	out, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %v: %w: %s", args, err, out)
	}
	return nil
}
