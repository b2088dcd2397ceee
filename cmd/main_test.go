package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/offlinectl/internal/config"
	"github.com/l0p7/offlinectl/internal/runtime/cache"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildCacheBackend(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.ServerCacheConfig
		verify func(t *testing.T, backend cache.Backend)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{}
			},
			verify: func(t *testing.T, backend cache.Backend) {
				require.NotNil(t, backend, "expected cache to be constructed")
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "memcached"}
			},
			verify: func(t *testing.T, backend cache.Backend) {
				require.NotNil(t, backend)
			},
		},
		{
			name: "constructs redis cache",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.ServerCacheConfig{
					Backend:   "redis",
					Namespace: "offlinectl-test",
					Redis: config.ServerRedisCacheConfig{
						Address: server.Addr(),
					},
				}
			},
			verify: func(t *testing.T, backend cache.Backend) {
				ctx := context.Background()
				entry := cache.Entry{
					Method:   http.MethodGet,
					URL:      "http://app.test/portfolio",
					Response: cache.Response{Status: http.StatusOK, Body: []byte("portfolio")},
					StoredAt: time.Now().UTC(),
				}
				require.NoError(t, backend.Store(ctx, "pages-v1", "GET http://app.test/portfolio", entry))
				got, ok, err := backend.Lookup(ctx, "pages-v1", "GET http://app.test/portfolio")
				require.NoError(t, err)
				require.True(t, ok, "expected lookup to succeed")
				require.Equal(t, "portfolio", string(got.Response.Body))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			backend := buildCacheBackend(newTestLogger(), cfg)
			t.Cleanup(func() {
				require.NoError(t, backend.Close(context.Background()))
			})

			tc.verify(t, backend)
		})
	}
}

func TestBuildOfflineTemplate(t *testing.T) {
	logger := newTestLogger()

	require.Nil(t, buildOfflineTemplate(logger, config.TemplatesConfig{}))

	inline := buildOfflineTemplate(logger, config.TemplatesConfig{OfflineTemplate: "<p>{{ .Path | upper }}</p>"})
	require.NotNil(t, inline)

	require.Nil(t, buildOfflineTemplate(logger, config.TemplatesConfig{OfflineTemplate: "{{ .Broken"}))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "offline.html"), []byte("<h1>offline</h1>"), 0o600))
	fromFile := buildOfflineTemplate(logger, config.TemplatesConfig{TemplatesFolder: dir, OfflineTemplate: "offline.html"})
	require.NotNil(t, fromFile)

	require.Nil(t, buildOfflineTemplate(logger, config.TemplatesConfig{TemplatesFolder: dir, OfflineTemplate: "../escape.html"}))
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "OFFLINECTL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: testConfig(t, "http://127.0.0.1:1")}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler, func()) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "OFFLINECTL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: testConfig(t, "http://127.0.0.1:1")}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler, func()) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "OFFLINECTL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunWatchesManifestSource(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.ManifestSource = filepath.Join(t.TempDir(), "manifest.yaml")
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	stopped := false
	var watchedPath string
	overrideManifestWatch(t, func(_ context.Context, path string, _ func(config.ManifestConfig), _ func(error)) (manifestWatcher, error) {
		watchedPath = path
		return &noOpWatcher{stopped: &stopped}, nil
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler, func()) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "OFFLINECTL", ""))
	require.Equal(t, cfg.ManifestSource, watchedPath)
	require.True(t, stopped, "expected watcher to be stopped on shutdown")
}

func TestRunServesAgentSurface(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/offline.html":
			_, _ = io.WriteString(w, "<html>offline</html>")
		case "/portfolio":
			_, _ = io.WriteString(w, "<html>portfolio</html>")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: testConfig(t, origin.URL)}
	})
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, handler http.Handler, _ func()) (runnableServer, error) {
		return &stubServer{run: func() {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			expect := httpexpect.WithConfig(httpexpect.Config{
				BaseURL:  srv.URL,
				Reporter: httpexpect.NewRequireReporter(t),
				Client:   srv.Client(),
			})

			expect.GET("/portfolio").
				WithHeader("Accept", "text/html").
				Expect().
				Status(http.StatusOK).
				Header("X-Offline-Source").IsEqual("network")

			health := expect.GET("/__agent/healthz").
				Expect().
				Status(http.StatusOK).
				JSON().Object()
			health.Value("status").String().IsEqual("ok")
			health.Value("version").String().IsEqual("v1")

			expect.POST("/__agent/register").
				WithJSON(map[string]string{"url": "/portfolio"}).
				Expect().
				Status(http.StatusOK).
				JSON().Object().
				Value("state").String().IsEqual("active")

			expect.GET("/__agent/register").
				Expect().
				Status(http.StatusMethodNotAllowed)

			expect.GET("/metrics").
				Expect().
				Status(http.StatusOK).
				Body().Contains("offlinectl_")
		}}, nil
	})

	require.NoError(t, run(context.Background(), "OFFLINECTL", ""))
}

func testConfig(t *testing.T, origin string) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Logging.Level = "error"
	cfg.Agent.Origin = origin
	cfg.Agent.FetchTimeoutSeconds = 1
	cfg.Sync.ProbeIntervalSeconds = 0
	return cfg
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler, func()) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

func overrideManifestWatch(t *testing.T, fn func(context.Context, string, func(config.ManifestConfig), func(error)) (manifestWatcher, error)) {
	original := watchManifest
	watchManifest = fn
	t.Cleanup(func() { watchManifest = original })
}

type fakeLoader struct {
	cfg     config.Config
	loadErr error
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
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
	run func()
}

func (s *stubServer) Run(context.Context) error {
	if s.run != nil {
		s.run()
	}
	return s.err
}
