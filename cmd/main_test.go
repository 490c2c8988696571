package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/immogest/internal/config"
	"github.com/l0p7/immogest/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildBackend(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) config.StoreConfig
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{}
			},
		},
		{
			name: "constructs redis store",
			cfg: func(t *testing.T) config.StoreConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.StoreConfig{
					Backend:   "redis",
					Namespace: "test",
					Redis:     config.StoreRedisConfig{Address: server.Addr()},
				}
			},
		},
		{
			name: "falls back to memory when redis is unreachable",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{Backend: "redis", Redis: config.StoreRedisConfig{Address: "127.0.0.1:1", ConnectRetries: 1}}
			},
		},
		{
			name: "falls back to memory for unknown backends",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{Backend: "etcd"}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := buildBackend(context.Background(), newTestLogger(), tc.cfg(t))
			require.NotNil(t, backend)
			t.Cleanup(func() {
				require.NoError(t, backend.Close(context.Background()))
			})

			ctx := context.Background()
			id, err := backend.NextID(ctx, "users")
			require.NoError(t, err)
			require.NoError(t, backend.Put(ctx, "users", id, []byte(`{"id":"`+id+`"}`)))
			raw, err := backend.Get(ctx, "users", id)
			require.NoError(t, err)
			require.Contains(t, string(raw), id)
			_, err = backend.Get(ctx, "users", "missing")
			require.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "IMMOGEST", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "IMMOGEST", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "IMMOGEST", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunTreatsCancellationAsCleanShutdown(t *testing.T) {
	loader := &fakeLoader{cfg: config.DefaultConfig()}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, handler http.Handler) (runnableServer, error) {
		require.NotNil(t, handler)
		return &stubServer{err: context.Canceled}, nil
	})

	require.NoError(t, run(context.Background(), "IMMOGEST", ""))
	require.False(t, loader.watchSeen, "no policy file configured")
}

func TestRunWatchesPolicyFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Policies.PolicyFile = "/etc/immogest/policies.yaml"
	stopped := false
	loader := &fakeLoader{cfg: cfg, stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "IMMOGEST", ""))
	require.True(t, loader.watchSeen)
	require.True(t, stopped, "watcher stopped on shutdown")
}

func TestRunSurvivesWatcherSetupFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Policies.PolicyFile = "/etc/immogest/policies.yaml"
	loader := &fakeLoader{cfg: cfg, watchErr: errors.New("inotify exhausted")}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "IMMOGEST", ""))
	require.True(t, loader.watchSeen)
}

func TestRunRejectsInvalidPolicies(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Policies = config.PolicyDocument{Policies: map[string]map[string]config.PolicyRuleConfig{
		"User": {"view": {Roles: []string{"agent"}, Condition: "resource.id =="}},
	}}
	overrideConfigLoader(t, func(_, _ string) configLoader { return &fakeLoader{cfg: cfg} })

	err := run(context.Background(), "IMMOGEST", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "compile policies")
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) WatchPolicies(context.Context, config.Config, func(config.PolicyDocument), func(error)) (policyWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
