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

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/immogest/internal/config"
	"github.com/l0p7/immogest/internal/expr"
	"github.com/l0p7/immogest/internal/logging"
	"github.com/l0p7/immogest/internal/metrics"
	"github.com/l0p7/immogest/internal/policy"
	"github.com/l0p7/immogest/internal/server"
	"github.com/l0p7/immogest/internal/store"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchPolicies(ctx context.Context, cfg config.Config, onChange func(config.PolicyDocument), onError func(error)) (policyWatcher, error)
}

type policyWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(ctx context.Context) error
}

// loaderAdapter narrows *config.Loader to configLoader.
type loaderAdapter struct {
	*config.Loader
}

func (l loaderAdapter) WatchPolicies(ctx context.Context, cfg config.Config, onChange func(config.PolicyDocument), onError func(error)) (policyWatcher, error) {
	return l.Loader.WatchPolicies(ctx, cfg, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return loaderAdapter{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "IMMOGEST", "environment variable prefix")
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
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	backend := buildBackend(ctx, logger.With(slog.String("agent", "store_factory")), cfg.Server.Store)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := backend.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	env, err := expr.NewEnvironment()
	if err != nil {
		return fmt.Errorf("build expression environment: %w", err)
	}
	registry, err := policy.NewRegistry(env, cfg.Policies, cfg.PolicySource)
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}
	logger.Info("policies loaded", slog.String("source", registry.Source()), slog.Any("classes", registry.Classes()))

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	api, err := server.NewAPI(logger, server.APIOptions{
		Backend:           backend,
		Policies:          registry,
		Tokens:            cfg.Server.Auth.Tokens,
		Metrics:           recorder,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		MaxUploadBytes:    cfg.Server.Uploads.MaxBytes,
	})
	if err != nil {
		return fmt.Errorf("build api: %w", err)
	}
	if len(cfg.Server.Auth.Tokens) == 0 {
		logger.Warn("no bearer tokens configured; every resource route will answer 401")
	}

	if path := cfg.Server.Policies.PolicyFile; path != "" {
		watcher, err := loader.WatchPolicies(ctx, cfg, func(doc config.PolicyDocument) {
			if err := registry.Replace(doc, path); err != nil {
				logger.Error("policy reload rejected", slog.String("source", path), slog.Any("error", err))
				return
			}
			logger.Info("policies reloaded", slog.String("source", path))
		}, func(err error) {
			if err != nil {
				logger.Error("policy watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("policy watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg, logger, api.Handler())
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated unexpectedly: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildBackend(ctx context.Context, logger *slog.Logger, cfg config.StoreConfig) store.Backend {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory store")
		return store.NewMemory()
	case "redis":
		redisStore, err := connectRedis(ctx, logger, cfg)
		if err != nil {
			logger.Error("redis store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return store.NewMemory()
		}
		logger.Info("using redis store", slog.String("address", cfg.Redis.Address))
		return redisStore
	default:
		logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory()
	}
}

// connectRedis retries the initial connection up to cfg.Redis.ConnectRetries
// times with exponential backoff.
func connectRedis(ctx context.Context, logger *slog.Logger, cfg config.StoreConfig) (store.Backend, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	retries := uint64(max(0, cfg.Redis.ConnectRetries))

	connect := func() (store.Backend, error) {
		return store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			Namespace: cfg.Namespace,
		})
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("redis store unavailable, retrying",
			slog.Any("error", err),
			slog.Duration("wait", wait),
		)
	}
	return backoff.RetryNotifyWithData[store.Backend](connect, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx), notify)
}
