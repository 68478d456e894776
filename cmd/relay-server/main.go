// relay-server runs AI-agent executors against tasks and broadcasts their
// activity to live subscribers over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"relay/internal/config"
	"relay/internal/engine"
	"relay/internal/executor"
	"relay/internal/logging"
	"relay/internal/server"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "relay-server",
		Short:        "Task execution engine with live activity streaming",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})

	configCmd := &cobra.Command{Use: "config", Short: "Configuration helpers"}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "relay.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			return writeDefaultConfig(path)
		},
	})
	root.AddCommand(configCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	logger := logging.NewComponentLogger("Main")

	var metrics *engine.Metrics
	if cfg.Metrics.Enabled {
		metrics, err = engine.NewMetrics()
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	var events engine.EventLogStore
	if cfg.Events.Dir != "" {
		fileLog, err := engine.NewFileEventLog(cfg.Events.Dir)
		if err != nil {
			return err
		}
		defer func() { _ = fileLog.Close() }()
		events = fileLog
		logger.Info("Persisting events to %s", cfg.Events.Dir)
	} else {
		events = engine.NewInMemoryEventLog()
		logger.Warn("Events are held in memory only; set events.dir to persist them")
	}

	tasks := engine.NewInMemoryTaskStore()
	broadcaster := engine.NewBroadcaster(events, metrics)

	registry := executor.NewRegistry()
	registry.Register(executor.NewCLIExecutor(cfg.Executor.CLI.Binary, cfg.Executor.CLI.ExtraArgs, cfg.Executor.DefaultWorkdir))
	registry.Register(executor.NewSDKExecutor(cfg.Executor.SDK.Model, cfg.Executor.SDK.MaxTokens, cfg.Executor.SDK.APIKey, cfg.Executor.DefaultWorkdir))

	coordinator := engine.NewCoordinator(tasks, broadcaster, registry, metrics, cfg.Executor.RunTimeout)
	if err := coordinator.ReconcileStale(ctx); err != nil {
		return err
	}

	printBanner(cfg)
	srv := server.New(cfg.Server, tasks, events, broadcaster, coordinator, metrics, cfg.Executor.DefaultKind)
	return srv.Run(ctx)
}

func printBanner(cfg config.Config) {
	color.Cyan("relay-server")
	fmt.Printf("  listen:   http://%s\n", cfg.Server.Addr())
	fmt.Printf("  executor: %s (available: cli, sdk)\n", cfg.Executor.DefaultKind)
	if cfg.Metrics.Enabled {
		fmt.Printf("  metrics:  http://%s/metrics\n", cfg.Server.Addr())
	}
}

func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	defaults := config.Default()
	// Durations are rendered as readable strings rather than nanosecond
	// integers, so the generated file is editable by hand.
	doc := map[string]any{
		"server": map[string]any{
			"host":         defaults.Server.Host,
			"port":         defaults.Server.Port,
			"read_timeout": defaults.Server.ReadTimeout.String(),
			"idle_timeout": defaults.Server.IdleTimeout.String(),
			"cors_origins": defaults.Server.CORSOrigins,
		},
		"executor": map[string]any{
			"default_kind":    defaults.Executor.DefaultKind,
			"default_workdir": defaults.Executor.DefaultWorkdir,
			"run_timeout":     defaults.Executor.RunTimeout.String(),
			"cli": map[string]any{
				"binary":     defaults.Executor.CLI.Binary,
				"extra_args": defaults.Executor.CLI.ExtraArgs,
			},
			"sdk": map[string]any{
				"model":      defaults.Executor.SDK.Model,
				"max_tokens": defaults.Executor.SDK.MaxTokens,
			},
		},
		"events":  map[string]any{"dir": defaults.Events.Dir},
		"log":     map[string]any{"level": defaults.Log.Level},
		"metrics": map[string]any{"enabled": defaults.Metrics.Enabled},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("render default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	color.Green("Wrote %s", path)
	return nil
}
