package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/toolbridge/core/internal/config"
	"github.com/toolbridge/core/internal/coreerr"
	"github.com/toolbridge/core/internal/coremetrics"
	"github.com/toolbridge/core/internal/corelog"
	"github.com/toolbridge/core/internal/distchannel"
	"github.com/toolbridge/core/internal/filefetch"
	"github.com/toolbridge/core/internal/plugin"
	"github.com/toolbridge/core/internal/vartemplate"
	"github.com/toolbridge/core/internal/wsgateway"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolbridged server",
		Long: `Start the toolbridged server.

The server will:
1. Load configuration from the specified YAML file
2. Build the plugin registry, template engine, distributed tool channel,
   and file fetcher
3. Discover subprocess plugins on disk (and watch for changes when
   plugins.watch is set)
4. Mount the distributed-tool, log, and info websocket channels
5. Serve /metrics and /healthz over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "toolbridge.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := cfg.Logging.Level
	if debug {
		logLevel = "debug"
	}
	logger := corelog.New(corelog.Config{Level: logLevel, Format: cfg.Logging.Format})

	registry := plugin.New(logger)

	channel := distchannel.New(logger)
	channel.SetSharedKey(cfg.Distributed.SharedKey)
	registry.SetDistributedExecutor(channel.PluginExecutor())
	go forwardDistributedRegistrations(ctx, channel, registry)

	fetcher := buildFileFetcher(cfg, channel, logger)

	engine := buildTemplateEngine(cfg, registry)

	if len(cfg.Plugins.Paths) > 0 {
		for _, root := range cfg.Plugins.Paths {
			if cfg.Plugins.Watch {
				if err := registry.WatchPluginDirs(ctx, root); err != nil {
					logger.Warn(ctx, "failed to watch plugin directory", "path", root, "error", err.Error())
				}
				continue
			}
			dirs, err := plugin.DiscoverManifests(root)
			if err != nil {
				logger.Warn(ctx, "failed to discover plugins", "path", root, "error", err.Error())
				continue
			}
			for _, dir := range dirs {
				if err := registry.LoadSubprocessPlugin(dir); err != nil {
					logger.Warn(ctx, "failed to load plugin", "dir", dir, "error", err.Error())
				}
			}
		}
	}

	reg := prometheus.NewRegistry()
	metrics := coremetrics.New(reg)
	wireMetrics(ctx, registry, channel, fetcher, engine, metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/vcp-distributed-server/", channel)
	mux.Handle("/VCPlog/", wsgateway.NewLogChannel(logger))
	mux.Handle("/vcpinfo/", wsgateway.NewInfoChannel(logger))

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: mux,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "toolbridged listening", "addr", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logger.Info(ctx, "toolbridged stopped gracefully")
	return nil
}

func buildFileFetcher(cfg *config.Config, channel *distchannel.Channel, logger *corelog.Logger) *filefetch.Fetcher {
	f := filefetch.New(filefetch.Options{
		CacheDir:      cfg.FileFetcher.CacheDir,
		MaxCacheBytes: cfg.FileFetcher.MaxCacheBytes,
	}, distchannel.FileSource{Channel: channel}, logger)
	return f
}

func buildTemplateEngine(cfg *config.Config, registry *plugin.Registry) *vartemplate.Engine {
	cycleOn := true
	if cfg.Template.CycleDetection != nil {
		cycleOn = *cfg.Template.CycleDetection
	}
	engine := vartemplate.New(vartemplate.Options{
		MaxDepth:        cfg.Template.MaxDepth,
		MaxPlaceholders: cfg.Template.MaxPlaceholders,
		RegexCacheSize:  cfg.Template.RegexCacheSize,
		CycleDetection:  &cycleOn,
	})
	engine.Register(&vartemplate.TimeProvider{})
	engine.Register(&vartemplate.EnvironmentProvider{Prefixes: cfg.Template.EnvPrefixes})
	engine.Register(vartemplate.NewStaticProvider(registry.StaticValues()))
	engine.Register(&vartemplate.CatalogProvider{Source: registry})
	return engine
}

// forwardDistributedRegistrations subscribes to the channel's events and
// feeds tools_registered/tools_unregistered into the plugin registry's bulk
// register/unregister path, matching spec §4.3's "C3 subscribes to bulk
// registration" wiring.
func forwardDistributedRegistrations(ctx context.Context, channel *distchannel.Channel, registry *plugin.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-channel.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case distchannel.EventToolsRegistered:
				channel.RegisterDescriptors(registry, ev.SessionID, ev.Tools)
			case distchannel.EventToolsUnregistered:
				registry.BulkUnregister(ev.SessionID)
			}
		}
	}
}

func wireMetrics(ctx context.Context, registry *plugin.Registry, channel *distchannel.Channel, fetcher *filefetch.Fetcher, engine *vartemplate.Engine, metrics *coremetrics.Metrics) {
	fetcher.OnFetch(func(source filefetch.Source) {
		metrics.FileFetchTotal.WithLabelValues(string(source)).Inc()
	})
	engine.OnResolveError(func(kind coreerr.Kind) {
		metrics.TemplateResolveErrorsTotal.WithLabelValues(string(kind)).Inc()
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-registry.Events():
				if !ok {
					return
				}
				switch ev.Kind {
				case plugin.EventExecuted:
					metrics.ToolExecuteTotal.WithLabelValues(descriptorKind(registry, ev.PluginID), "success").Inc()
				case plugin.EventError:
					metrics.ToolExecuteTotal.WithLabelValues(descriptorKind(registry, ev.PluginID), "error").Inc()
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.DistributedPendingInflight.Set(float64(channel.TotalPending()))
			}
		}
	}()
}

func descriptorKind(registry *plugin.Registry, id string) string {
	for _, d := range registry.Descriptors() {
		if d.ID == id {
			return string(d.Kind)
		}
	}
	return "unknown"
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
