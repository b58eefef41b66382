package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chunkmesh/chunkmesh/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	serviceForce bool
)

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage chunkmesh as a system service",
		Long: `Install and control the worker as a systemd, launchd or Windows service.

The installed service runs "chunkmesh serve" with the given --config file,
which defaults to ` + svc.DefaultConfigPath() + `.`,
	}
	cmd.PersistentFlags().StringVar(&serviceName, "name", svc.DefaultName, "service name")

	install := &cobra.Command{
		Use:   "install",
		Short: "Install the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			if err := svc.Install(cfg, serviceForce); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %q installed (config %s)\n", cfg.Name, cfg.ConfigPath)
			fmt.Fprintf(cmd.OutOrStdout(), "Start it with: chunkmesh service start --name %s\n", cfg.Name)
			return nil
		},
	}
	install.Flags().StringVar(&serviceUser, "user", "", "user to run the service as (Linux and macOS)")
	install.Flags().BoolVar(&serviceForce, "force", false, "reinstall an installed service")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Uninstall(svc.Config{Name: serviceName}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled\n", serviceName)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := svc.Status(svc.Config{Name: serviceName})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s\n", serviceName, st)
			return nil
		},
	}

	cmd.AddCommand(install, uninstall, status)
	cmd.AddCommand(
		controlCmd("start", "Start the service"),
		controlCmd("stop", "Stop the service"),
		controlCmd("restart", "Restart the service"),
	)
	return cmd
}

func controlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			return svc.Control(svc.Config{Name: serviceName}, action)
		},
	}
}

// serviceConfig resolves the config path to an absolute one so that the
// service manager finds it from any working directory.
func serviceConfig() (svc.Config, error) {
	cfg := svc.Config{Name: serviceName, ConfigPath: cfgFile, UserName: serviceUser}
	if cfg.ConfigPath == "" {
		return cfg, nil
	}
	abs, err := filepath.Abs(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.ConfigPath = abs
	return cfg, nil
}
