// chunkmesh is the data-plane worker of the chunkmesh query network.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkmesh/chunkmesh/internal/config"
	"github.com/chunkmesh/chunkmesh/internal/svc"
	"github.com/chunkmesh/chunkmesh/internal/tracing"
	"github.com/chunkmesh/chunkmesh/internal/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	enableTracing bool

	// Set when the service manager starts the worker.
	serviceRun bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chunkmesh",
		Short: "chunkmesh - worker node of the chunkmesh query network",
		Long: `chunkmesh keeps the chunks of block data it is assigned on local disk
and answers range queries over them for gateways.

QUICK START:

  # Serve with a configuration file:
  chunkmesh serve --config /etc/chunkmesh/worker.yaml

  # Install as system service (optional):
  sudo chunkmesh service install --config /etc/chunkmesh/worker.yaml

  # Check a running worker:
  chunkmesh status --url http://127.0.0.1:8000

For more help on any command, use: chunkmesh <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides the config file)")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker",
		Long: `Open the chunk store, resume pending downloads, follow assignments from
the router and scheduler and serve queries until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	serveCmd.Flags().BoolVar(&enableTracing, "enable-tracing", false, "record runtime traces (exposes /debug/trace)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newPackCmd())
	rootCmd.AddCommand(newServiceCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chunkmesh %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  Go:         %s\n", runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// setupLogging configures the global logger. The --log-level flag wins over
// the level from the config file.
func setupLogging(fromConfig string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	name := logLevel
	if name == "" {
		name = fromConfig
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file required\nUsage: chunkmesh serve --config <file>")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if serviceRun {
		return svc.Run(svc.Config{ConfigPath: cfgFile}, runWorker)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return runWorker(ctx, cfgFile)
}

// runWorker runs a worker from the config at path until ctx is cancelled.
func runWorker(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		setupLogging("")
		return err
	}
	setupLogging(cfg.LogLevel)

	if enableTracing {
		if err := tracing.Start(tracing.DefaultBufferSize); err != nil {
			log.Warn().Err(err).Msg("failed to start runtime tracing")
		} else {
			log.Info().Msg("runtime tracing enabled")
			defer tracing.Stop()
		}
	}

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("config", path).
		Msg("starting chunkmesh worker")

	w, err := worker.New(ctx, cfg, Version, log.Logger)
	if err != nil {
		return err
	}
	return w.Run(ctx, nil)
}
