// Package main is the entry point for the pylond plugin host.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/event"
	"github.com/pylonhq/pylon/internal/health"
	"github.com/pylonhq/pylon/internal/kernel"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/registry"
	"github.com/pylonhq/pylon/internal/sandbox"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		pluginPaths string
		logLevel    string
		watch       bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "pylond.toml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "pylond.toml", "Path to configuration file (shorthand)")
	flag.StringVar(&pluginPaths, "plugins", "", "Plugin directories (overrides config, path-list separated)")
	flag.StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	flag.BoolVar(&watch, "watch", false, "Hot-reload changed plugin bundles")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Printf("pylond %s (%s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if pluginPaths != "" {
		cfg.PluginPaths = strings.Split(pluginPaths, string(os.PathListSeparator))
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if watch {
		cfg.Watch = true
	}

	logger := logging.New(cfg.Logging)
	window, _ := cfg.HealthWindow()
	k := kernel.New(kernel.Config{
		Paths:  cfg.PluginPaths,
		Logger: logger,
		Bus:    event.NewBus(event.WithHistoryLimit(cfg.Events.HistoryLimit), event.WithLogger(logger)),
		Health: health.NewMonitor(
			health.WithDegradedThreshold(cfg.Health.DegradedThreshold),
			health.WithWindow(window),
		),
		DefaultLimits: sandbox.Limits{
			MaxMemoryBytes: cfg.Sandbox.MaxMemoryBytes,
			Timeout:        cfg.SandboxTimeout(),
		},
	})
	defer k.Close(context.Background())

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return 2
	}

	ctx := context.Background()
	switch args[0] {
	case "list":
		return cmdList(ctx, k)
	case "capabilities":
		return cmdCapabilities(ctx, k)
	case "exec":
		return cmdExec(ctx, k, args[1:])
	case "health":
		return cmdHealth(ctx, k, args[1:])
	case "serve":
		return cmdServe(ctx, k, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: pylond [flags] <command>

Commands:
  list                     Load all plugins and print their status
  capabilities             Load all plugins and print registered capabilities
  exec <capability> [json] Execute a capability with JSON parameters
  health [plugin]          Print health status
  serve                    Load all plugins and keep the host running

Flags:
`)
	flag.PrintDefaults()
}

// loadAll loads every discovered plugin, reporting failures without aborting.
func loadAll(ctx context.Context, k *kernel.Kernel) {
	if err := k.LoadAll(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func cmdList(ctx context.Context, k *kernel.Kernel) int {
	loadAll(ctx, k)
	for _, info := range k.List() {
		fmt.Printf("%-20s %-10s %-10s %-10s %d capabilities\n",
			info.ID, info.Version, info.State, info.Health, len(info.Registered))
	}
	return 0
}

func cmdCapabilities(ctx context.Context, k *kernel.Kernel) int {
	loadAll(ctx, k)
	for _, b := range k.ListCapabilities() {
		fmt.Printf("%-32s %-10s plugin=%s timeout=%ds\n",
			b.Capability.ID, b.Capability.Kind, b.PluginID, b.Capability.TimeoutSeconds)
	}
	return 0
}

func cmdExec(ctx context.Context, k *kernel.Kernel, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: exec requires a capability id")
		return 2
	}
	params := map[string]any{}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid parameter JSON: %v\n", err)
			return 2
		}
	}

	loadAll(ctx, k)
	result, err := k.Execute(ctx, args[0], params)
	fmt.Println(string(registry.Envelope(result, err)))
	if err != nil {
		return 1
	}
	return 0
}

func cmdHealth(ctx context.Context, k *kernel.Kernel, args []string) int {
	loadAll(ctx, k)
	if len(args) > 0 {
		fmt.Printf("%s\t%s\n", args[0], k.Health(args[0]))
		return 0
	}
	for id, status := range k.AllHealth() {
		fmt.Printf("%s\t%s\n", id, status)
	}
	return 0
}

func cmdServe(ctx context.Context, k *kernel.Kernel, cfg *config.Config) int {
	loadAll(ctx, k)

	if cfg.Watch {
		w, err := kernel.NewWatcher(k)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: watcher: %v\n", err)
			return 1
		}
		defer w.Close()
	}

	fmt.Printf("pylond serving %d plugins from %s\n", len(k.List()), strings.Join(cfg.PluginPaths, ", "))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.Close(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: shutdown: %v\n", err)
		return 1
	}
	return 0
}
