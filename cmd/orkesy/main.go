package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orkesy/orkesy/pkg/config"
	"github.com/orkesy/orkesy/pkg/engine"
	"github.com/orkesy/orkesy/pkg/logfilter"
	"github.com/orkesy/orkesy/pkg/model"
	"github.com/orkesy/orkesy/pkg/orchestrator"
)

// Build-time variables set via ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:     "orkesy",
		Short:   "Event-sourced orchestrator for long-running local workloads",
		Version: fmt.Sprintf("%s (%s)", buildVersion, buildCommit),
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to orkesy manifest (default: discovered from cwd)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			level = logrus.InfoLevel
		}
		log.SetLevel(level)
	}

	rootCmd.AddCommand(
		newUpCommand(ctx, log, &configPath),
		newStatusCommand(ctx, log, &configPath),
		newLogsCommand(ctx, log, &configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func loadManifest(configPath string) (*config.Manifest, error) {
	path := configPath
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		discovered, err := config.Discover(cwd)
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}

func buildOrchestrator(manifest *config.Manifest, log *logrus.Entry) (*orchestrator.Orchestrator, error) {
	needsDocker := false
	for _, svc := range manifest.Services {
		if svc.Kind == "docker" || svc.Kind == "container" {
			needsDocker = true
			break
		}
	}

	var containerRuntime engine.ContainerRuntime
	if needsDocker {
		rt, err := engine.NewDockerRuntime()
		if err != nil {
			return nil, fmt.Errorf("connecting to container runtime: %w", err)
		}
		containerRuntime = rt
	}

	return orchestrator.New(manifest, containerRuntime, log)
}

func newUpCommand(ctx context.Context, log *logrus.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start every autostart unit and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := loadManifest(*configPath)
			if err != nil {
				return err
			}
			o, err := buildOrchestrator(manifest, log.WithField("cmd", "up"))
			if err != nil {
				return err
			}
			// Start brings up every engine, and each engine autostarts
			// its own autostart-flagged units internally; no separate
			// StartAll call is needed (or correct) here.
			o.Start(ctx)
			<-ctx.Done()
			o.Stop()
			return nil
		},
	}
}

func newStatusCommand(ctx context.Context, log *logrus.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current status of every unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := loadManifest(*configPath)
			if err != nil {
				return err
			}
			o, err := buildOrchestrator(manifest, log.WithField("cmd", "status"))
			if err != nil {
				return err
			}
			o.Start(ctx)
			defer o.Stop()

			graph := o.Snapshot()
			for _, name := range manifest.StartOrder() {
				node, ok := graph.Nodes[model.UnitID(name)]
				if !ok {
					continue
				}
				fmt.Printf("%-20s %-10s %-10s %-10s\n", name, node.Desired, node.Observed.Status, node.Observed.Health)
			}
			return nil
		},
	}
}

func newLogsCommand(ctx context.Context, log *logrus.Logger, configPath *string) *cobra.Command {
	var unitID, filter string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print buffered log lines, merged across units unless --unit is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := loadManifest(*configPath)
			if err != nil {
				return err
			}
			o, err := buildOrchestrator(manifest, log.WithField("cmd", "logs"))
			if err != nil {
				return err
			}
			o.Start(ctx)
			defer o.Stop()

			mode := parseLogFilterMode(filter)
			for _, line := range o.LogsFiltered(model.UnitID(unitID), mode) {
				fmt.Printf("[%s] %s %s\n", line.UnitID, line.Level, line.Text)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&unitID, "unit", "u", "", "Limit to a single unit's logs")
	cmd.Flags().StringVarP(&filter, "filter", "f", "all", "Minimum severity to show: all, warn, error")
	return cmd
}

func parseLogFilterMode(s string) logfilter.Mode {
	switch s {
	case "warn":
		return logfilter.ModeWarnAndAbove
	case "error":
		return logfilter.ModeErrorOnly
	default:
		return logfilter.ModeAll
	}
}
