package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcourtman/pulse-cloudstack/internal/config"
	"github.com/rcourtman/pulse-cloudstack/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "pulse-cloudstack",
	Short: "Pulse CloudStack poller - events and usage from CloudStack",
	Long: `pulse-cloudstack polls a CloudStack management server, emits every new event
once and a usage snapshot each interval, and keeps its checkpoint across restarts.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runService,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single poll and exit",
	Args:  cobra.NoArgs,
	RunE:  runOnce,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Pulse CloudStack poller %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig initializes logging with startup defaults, loads configuration
// with load and then re-initializes logging from it.
func loadConfig(load func() (*config.Config, error)) (*config.Config, error) {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "pulse-cloudstack",
	})

	cfg, err := load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "pulse-cloudstack",
		FilePath:  cfg.LogFile,
	})
	return cfg, nil
}

func runService(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(config.Load)
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, a)
}

// serve runs the scheduler and, when configured, the HTTP endpoint until ctx
// is done. A tick in flight at shutdown completes before serve returns.
func serve(ctx context.Context, a *app) error {
	if err := a.load(ctx); err != nil {
		return err
	}

	var httpDone <-chan struct{}
	if a.cfg.HTTPAddr != "" {
		go a.hub.Run(ctx)
		httpDone = startHTTPServer(ctx, a.cfg.HTTPAddr, a.handler())
	}

	a.scheduler.Start(ctx)
	log.Info().
		Str("version", Version).
		Str("tag", a.cfg.Tag).
		Str("domain_id", a.cfg.DomainID).
		Dur("interval", a.cfg.Interval).
		Msg("Starting Pulse CloudStack poller")

	<-ctx.Done()
	log.Info().Msg("Shutting down poller...")
	a.scheduler.Stop()
	if httpDone != nil {
		<-httpDone
	}
	log.Info().Msg("Poller stopped")
	return nil
}

func runOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(config.Load)
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	// No stream clients can attach to a single poll.
	cfg.HTTPAddr = ""

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.load(ctx); err != nil {
		return err
	}

	result, err := a.scheduler.Tick(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("events", result.EventsEmitted).
		Int("counters", result.Counters).
		Msg("Poll finished")
	return result.Err()
}
