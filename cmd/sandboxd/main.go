// Command sandboxd serves the confined code-execution API.
//
// Architecture:
//
//	HTTP API -> coordinator -> workspace manager -> nsjail -> child process
//	                        -> outcome classifier
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ahaops/sandboxd/pkg/config"
	"github.com/ahaops/sandboxd/pkg/jail"
	"github.com/ahaops/sandboxd/pkg/metrics"
	"github.com/ahaops/sandboxd/pkg/sandbox"
	"github.com/ahaops/sandboxd/pkg/server"
	"github.com/ahaops/sandboxd/pkg/workspace"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd — confined execution service",
	Long:  "sandboxd runs untrusted user code inside nsjail with CPU, memory, and wall-time limits, and returns classified results over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /etc/sandboxd/config.toml or $SANDBOXD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(checkCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sandboxd %s\n", Version)
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify host prerequisites for jailed execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := jail.CheckPrerequisites(cfg.Jail); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Sandbox.BaseDir, 0755); err != nil {
				return fmt.Errorf("workspace base dir not writable: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("SANDBOXD_CONFIG"); v != "" {
		return v
	}
	return "/etc/sandboxd/config.toml"
}

func runServe() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logrus.StandardLogger()
	cfg.ApplyToLogger(logger)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger)

	log.WithFields(logrus.Fields{
		"version":        Version,
		"rootfs":         cfg.Jail.RootfsPath,
		"base_dir":       cfg.Sandbox.BaseDir,
		"max_concurrent": cfg.Sandbox.MaxConcurrent,
	}).Info("Starting sandboxd")

	// The daemon still starts when prerequisites are missing so that health
	// and conversion endpoints stay available; executions will fail until
	// the host is fixed (a missing jail binary is reported as a
	// configuration error).
	if err := jail.CheckPrerequisites(cfg.Jail); err != nil {
		log.WithError(err).Warn("Jail prerequisites not met")
	}
	if err := os.MkdirAll(cfg.Sandbox.BaseDir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace base dir: %w", err)
	}

	collector := metrics.NewCollector(log)
	metrics.SetGlobal(collector)

	workspaces := workspace.NewManager(cfg.Sandbox.BaseDir, log)
	executor := jail.NewExecutor(cfg.Jail, log)
	coordinator := sandbox.NewCoordinator(cfg.Sandbox.MaxConcurrent, workspaces, executor, collector, log)

	srv := server.New(cfg.Server, cfg.Metrics, coordinator, collector, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutting down")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("Graceful shutdown failed")
		}
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
