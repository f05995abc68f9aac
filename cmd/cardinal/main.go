// Command cardinal runs the reference Cardinal proxy host: it loads a set
// of TOML config files, compiles every declared wasm plugin, and serves
// traffic through the Destination Resolver, Plugin Runner, and WASM
// Runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cardinalproxy/cardinal/internal/config"
	"github.com/cardinalproxy/cardinal/internal/logging"
	"github.com/cardinalproxy/cardinal/internal/metrics"
	"github.com/cardinalproxy/cardinal/internal/plugin"
	"github.com/cardinalproxy/cardinal/internal/provider"
	"github.com/cardinalproxy/cardinal/internal/proxyhost"
	"github.com/cardinalproxy/cardinal/internal/resolver"
	"github.com/cardinalproxy/cardinal/internal/runner"
	"github.com/cardinalproxy/cardinal/internal/wasmhost"
	"go.uber.org/zap"
)

var (
	version = "dev"
)

// configPaths collects every occurrence of a repeatable flag into a slice,
// so "--config a.toml --config b.toml" layers both files in order instead
// of the last one winning.
type configPaths []string

func (c *configPaths) String() string     { return fmt.Sprint([]string(*c)) }
func (c *configPaths) Set(v string) error { *c = append(*c, v); return nil }

func main() {
	os.Exit(run())
}

func run() int {
	var paths configPaths
	flagSet := flag.NewFlagSet("cardinal", flag.ContinueOnError)
	flagSet.Var(&paths, "config", "Path to a TOML config file; may be repeated to layer multiple files")
	showVersion := flagSet.Bool("version", false, "Show version information")
	validateOnly := flagSet.Bool("validate", false, "Validate configuration and exit")
	logLevel := flagSet.String("log-level", "info", "Log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return 1
	}

	if *showVersion {
		fmt.Printf("cardinal %s\n", version)
		return 0
	}

	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "at least one --config PATH is required")
		return 2
	}

	if *validateOnly {
		if _, err := config.NewLoader().Load(paths...); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return 2
		}
		fmt.Println("configuration is valid")
		return 0
	}

	watcher, err := config.NewWatcher(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}
	cfg := watcher.Current()

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting cardinal",
		zap.String("version", version),
		zap.Strings("config_paths", paths),
		zap.String("address", cfg.Server.Address),
		zap.Int("destinations", len(cfg.Destinations)),
	)

	ctx := context.Background()

	// services is the container holding the process-lifetime shared
	// services that filters, the resolver, and the proxy host all need a
	// reference to: the wasm host and the metrics collector. Both are
	// Singletons, constructed at most once even if resolved concurrently.
	services := provider.New()
	provider.Register(services, provider.Singleton, func(ctx context.Context, _ *provider.Container) (*wasmhost.Host, error) {
		return wasmhost.NewHost(ctx)
	})
	provider.RegisterInstance(services, metrics.NewCollector())

	host, err := provider.Get[*wasmhost.Host](ctx, services)
	if err != nil {
		logging.Error("failed to start wasm host", zap.Error(err))
		return 1
	}
	defer host.Close(ctx)

	mc, err := provider.Get[*metrics.Collector](ctx, services)
	if err != nil {
		logging.Error("failed to resolve metrics collector", zap.Error(err))
		return 1
	}

	registry, err := plugin.New(ctx, host, cfg)
	if err != nil {
		logging.Error("failed to build plugin registry", zap.Error(err))
		return 1
	}
	defer registry.Close(ctx)

	res, err := resolver.New(cfg)
	if err != nil {
		logging.Error("failed to build destination resolver", zap.Error(err))
		return 1
	}

	filterRunner := runner.New(registry, host)

	server := proxyhost.New(res, registry, filterRunner, mc, cfg.Server.LogUpstreamResponse,
		cfg.Server.GlobalRequestMiddleware, cfg.Server.GlobalResponseMiddleware)

	activeRegistry := registry
	watcher.OnChange(func(newCfg *config.Config) {
		newRegistry, err := plugin.New(ctx, host, newCfg)
		if err != nil {
			logging.Error("reload failed: plugin registry", zap.Error(err))
			return
		}
		newRes, err := resolver.New(newCfg)
		if err != nil {
			logging.Error("reload failed: destination resolver", zap.Error(err))
			newRegistry.Close(ctx)
			return
		}
		server.Reload(newRes, newRegistry, runner.New(newRegistry, host), newCfg.Server.LogUpstreamResponse,
			newCfg.Server.GlobalRequestMiddleware, newCfg.Server.GlobalResponseMiddleware)

		// Give in-flight requests still holding the previous components a
		// moment to finish before closing the wasm modules behind them.
		previous := activeRegistry
		activeRegistry = newRegistry
		time.AfterFunc(30*time.Second, func() { previous.Close(ctx) })
	})
	if err := watcher.Start(); err != nil {
		logging.Error("failed to start config watcher", zap.Error(err))
		return 1
	}
	defer watcher.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", mc.Handler())
	mux.Handle("/", server)

	logging.Info("listening", zap.String("address", cfg.Server.Address))
	if err := http.ListenAndServe(cfg.Server.Address, mux); err != nil {
		logging.Error("server error", zap.Error(err))
		return 1
	}
	return 0
}
