package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/offlinectl/internal/config"
)

// agentProcess is a `go run .` child serving the agent on a loopback port.
type agentProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	exited chan struct{}
	output bytes.Buffer
}

func startServerProcess(t *testing.T, configPath string, env map[string]string) *agentProcess {
	t.Helper()

	root := filepath.Join(os.TempDir(), "offlinectl-integration")
	goCache := filepath.Join(root, "gocache")
	modCache := filepath.Join(root, "gomodcache")
	for _, dir := range []string{goCache, modCache} {
		require.NoError(t, os.MkdirAll(dir, 0o750), "prepare %s", dir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc := &agentProcess{cancel: cancel, exited: make(chan struct{})}
	proc.cmd = exec.CommandContext(ctx, "go", "run", ".", "-config", configPath)
	proc.cmd.Env = append(os.Environ(), "GOFLAGS=", "GOCACHE="+goCache, "GOMODCACHE="+modCache)
	for k, v := range env {
		proc.cmd.Env = append(proc.cmd.Env, k+"="+v)
	}
	proc.cmd.Stdout = &proc.output
	proc.cmd.Stderr = &proc.output

	if err := proc.cmd.Start(); err != nil {
		cancel()
		require.NoError(t, err, "start agent process")
	}
	go func() {
		defer close(proc.exited)
		_ = proc.cmd.Wait()
	}()
	return proc
}

// stop interrupts the child and escalates to SIGKILL after a grace period.
// Output is dumped only when the test already failed.
func (p *agentProcess) stop(t *testing.T) {
	t.Helper()
	if p == nil {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGKILL)
		}
		<-p.exited
	}
	p.cancel()
	if t.Failed() {
		if out := strings.TrimSpace(p.output.String()); out != "" {
			t.Logf("agent output:\n%s", out)
		}
	}
}

func waitForEndpoint(t *testing.T, client httpDoer, target string, timeout time.Duration, headers map[string]string) {
	t.Helper()
	ready := func() bool {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		require.NoError(t, err)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req) // #nosec G107 - loopback agent
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
	require.Eventually(t, ready, timeout, 50*time.Millisecond, "agent at %s never became ready", target)
}

func writeIntegrationConfig(t *testing.T, dir string, port int, origin string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))

	cfg := map[string]any{
		"server": map[string]any{
			"listen":  map[string]any{"address": "127.0.0.1", "port": port},
			"logging": map[string]any{"format": "text", "level": "warn"},
			"cache":   map[string]any{"backend": "memory"},
		},
		"agent": map[string]any{
			"origin":              origin,
			"fetchTimeoutSeconds": 2,
			"manifest": map[string]any{
				"version":     "integration-1",
				"precache":    []string{"/app.js"},
				"offlinePage": "/offline.html",
				"routes": []map[string]any{{
					"name":     "assets",
					"match":    map[string]any{"glob": "/assets/**"},
					"strategy": "cache-first",
					"bucket":   "static-assets",
				}},
			},
		},
		"sync": map[string]any{"probeIntervalSeconds": 0},
	}

	contents, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, "integration-config.json")
	require.NoError(t, os.WriteFile(path, contents, 0o600))
	return path
}

// testOrigin is an origin whose connections can be dropped to simulate going offline.
type testOrigin struct {
	*httptest.Server
	down atomic.Bool
}

func startOrigin(t *testing.T) *testOrigin {
	t.Helper()
	origin := &testOrigin{}
	assets := map[string]struct{ contentType, body string }{
		"/offline.html": {"text/html", "<html>offline copy</html>"},
		"/app.js":       {"text/javascript", "console.log('app')"},
	}
	origin.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin.down.Load() {
			panic(http.ErrAbortHandler)
		}
		if asset, ok := assets[r.URL.Path]; ok {
			w.Header().Set("Content-Type", asset.contentType)
			_, _ = io.WriteString(w, asset.body)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>"+r.URL.Path+"</html>")
	}))
	t.Cleanup(origin.Close)
	return origin
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	addr, ok := l.Addr().(*net.TCPAddr)
	require.True(t, ok, "unexpected addr type %T", l.Addr())
	return addr.Port
}

func integrationURL(port int, path string) string {
	return (&url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}).String()
}

func fetch(t *testing.T, client *http.Client, target, accept string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := client.Do(req) // #nosec G107 - loopback agent
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestIntegrationServerStartup(t *testing.T) {
	if os.Getenv("OFFLINECTL_INTEGRATION") == "" {
		t.Skip("set OFFLINECTL_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	origin := startOrigin(t)
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, t.TempDir(), port, origin.URL)

	cfg, err := config.NewLoader("OFFLINECTL", configPath).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "integration-1", cfg.Agent.Manifest.Version)
	require.Len(t, cfg.Agent.Manifest.Routes, 1)

	process := startServerProcess(t, configPath, map[string]string{
		"OFFLINECTL_SERVER__LOGGING__LEVEL": "debug",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/__agent/healthz"), 45*time.Second, nil)

	resp, body := fetch(t, client, integrationURL(port, "/app.js"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, "cache", resp.Header.Get("X-Offline-Source"), "precached asset should come from the cache")

	resp, body = fetch(t, client, integrationURL(port, "/portfolio"), "text/html")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "network", resp.Header.Get("X-Offline-Source"))
	require.Contains(t, body, "/portfolio")

	origin.down.Store(true)

	resp, body = fetch(t, client, integrationURL(port, "/app.js"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "console.log('app')", body)

	resp, body = fetch(t, client, integrationURL(port, "/never-visited"), "text/html")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "fallback", resp.Header.Get("X-Offline-Source"))
	require.Equal(t, "<html>offline copy</html>", body)
}
