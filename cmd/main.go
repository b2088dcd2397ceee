package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/offlinectl/internal/config"
	"github.com/l0p7/offlinectl/internal/logging"
	"github.com/l0p7/offlinectl/internal/metrics"
	"github.com/l0p7/offlinectl/internal/runtime"
	"github.com/l0p7/offlinectl/internal/runtime/cache"
	"github.com/l0p7/offlinectl/internal/runtime/push"
	"github.com/l0p7/offlinectl/internal/runtime/strategy"
	"github.com/l0p7/offlinectl/internal/server"
	"github.com/l0p7/offlinectl/internal/templates"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type manifestWatcher interface {
	Stop()
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler, onShutdown func()) (runnableServer, error) {
		return server.New(cfg, logger, handler, onShutdown)
	}
	watchManifest = func(ctx context.Context, path string, onChange func(config.ManifestConfig), onError func(error)) (manifestWatcher, error) {
		return config.WatchManifest(ctx, path, onChange, onError)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "OFFLINECTL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	backend := buildCacheBackend(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	manager := cache.NewManager(backend, logger, metricsRecorder)

	fetcher, err := strategy.NewHTTPFetcher(cfg.Agent.Origin, nil, cfg.Agent.MaxBodyBytes)
	if err != nil {
		_ = manager.Close(context.Background())
		return fmt.Errorf("configure origin: %w", err)
	}

	agent, err := runtime.NewAgent(logger, runtime.AgentOptions{
		Cache:             manager,
		Fetcher:           fetcher,
		APIPrefix:         cfg.Agent.APIPrefix,
		FetchTimeout:      time.Duration(cfg.Agent.FetchTimeoutSeconds) * time.Second,
		MaxBodyBytes:      cfg.Agent.MaxBodyBytes,
		SkipWaiting:       cfg.Agent.SkipWaiting,
		OfflineTemplate:   buildOfflineTemplate(logger, cfg.Server.Templates),
		Notifier:          push.LogNotifier{Logger: logger.With(slog.String("agent", "notifier"))},
		QueueLimit:        cfg.Sync.QueueLimit,
		ProbePath:         cfg.Sync.ProbePath,
		ProbeInterval:     time.Duration(cfg.Sync.ProbeIntervalSeconds) * time.Second,
		VAPIDPublicKey:    cfg.Push.VAPIDPublicKey,
		SubscribeEndpoint: cfg.Push.SubscribeEndpoint,
		Metrics:           metricsRecorder,
	})
	if err != nil {
		_ = manager.Close(context.Background())
		return fmt.Errorf("construct agent: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := agent.Close(shutdownCtx); err != nil {
			logger.Error("agent shutdown failed", slog.Any("error", err))
		}
	}()

	// A failed install leaves the agent uncontrolled; traffic still passes through.
	if err := agent.Install(ctx, cfg.Agent.Manifest); err != nil {
		logger.Error("initial install failed", slog.String("version", cfg.Agent.Manifest.Version), slog.Any("error", err))
	}

	if cfg.ManifestSource != "" {
		watcher, err := watchManifest(ctx, cfg.ManifestSource, func(manifest config.ManifestConfig) {
			logger.Info("manifest changed", slog.String("version", manifest.Version))
			if err := agent.InstallAsync(manifest); err != nil {
				logger.Error("manifest install rejected", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("manifest watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go func() {
		if err := agent.Monitor().Run(monitorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("connectivity monitor stopped", slog.Any("error", err))
		}
	}()

	disconnect := func() {
		if n := agent.Hub().Disconnect(); n > 0 {
			logger.Info("message channels closed", slog.Int("clients", n))
		}
	}
	srv, err := newHTTPServer(cfg, logger, server.NewAgentHandler(agent, metricsRecorder.Handler()), disconnect)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildCacheBackend(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Backend {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory response cache")
		}
		return cache.NewMemory()
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Namespace,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		}
		return redisCache
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}

// buildOfflineTemplate compiles the configured offline page. With a templates
// folder the setting names a file inside it; otherwise it is inline source.
// Failures fall back to the built-in page.
func buildOfflineTemplate(logger *slog.Logger, cfg config.TemplatesConfig) *templates.Template {
	source := strings.TrimSpace(cfg.OfflineTemplate)
	if source == "" {
		return nil
	}
	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.TemplatesFolder); folder != "" {
		sb, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
			return nil
		}
		sandbox = sb
	}
	renderer := templates.NewRenderer(sandbox)

	var (
		tmpl *templates.Template
		err  error
	)
	if sandbox != nil {
		// File templates are read once; the root handle is not needed afterwards.
		tmpl, err = renderer.CompileFile(source)
		_ = sandbox.Close()
	} else {
		tmpl, err = renderer.CompileInline("offline", source)
	}
	if err != nil {
		logger.Warn("offline template rejected", slog.Any("error", err))
		return nil
	}
	return tmpl
}
