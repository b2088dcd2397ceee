package main

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
)

// TestIntegrationEnvironmentOverrides verifies that OFFLINECTL_ variables
// override the configuration file and that the resulting route table is
// served by the running agent.
func TestIntegrationEnvironmentOverrides(t *testing.T) {
	if os.Getenv("OFFLINECTL_INTEGRATION") == "" {
		t.Skip("set OFFLINECTL_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	origin := startOrigin(t)
	temp := t.TempDir()
	port := allocatePort(t)
	configPath := writeOverridesConfig(t, temp, port)

	process := startServerProcess(t, configPath, map[string]string{
		"OFFLINECTL_AGENT__ORIGIN":              origin.URL,
		"OFFLINECTL_AGENT__APIPREFIX":           "/v2/",
		"OFFLINECTL_PUSH__VAPIDPUBLICKEY":       "BIntegrationKey",
		"OFFLINECTL_PUSH__SUBSCRIBEENDPOINT":    "/v2/subscriptions",
		"OFFLINECTL_SYNC__PROBEINTERVALSECONDS": "0",
		"OFFLINECTL_AGENT__FETCHTIMEOUTSECONDS": "2",
		"OFFLINECTL_SERVER__LOGGING__LEVEL":     "debug",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/__agent/healthz"), 45*time.Second, nil)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	t.Run("registration advertises push settings from env", func(t *testing.T) {
		reg := expect.POST("/__agent/register").
			WithJSON(map[string]string{"url": "/"}).
			Expect().
			Status(http.StatusOK).
			JSON().Object()

		reg.Value("version").String().IsEqual("env-1")
		reg.Value("vapidPublicKey").String().IsEqual("BIntegrationKey")
		reg.Value("subscribeEndpoint").String().IsEqual("/v2/subscriptions")
	})

	t.Run("api prefix from env selects the api bucket", func(t *testing.T) {
		result := expect.GET("/v2/projects").
			WithHeader("Accept", "application/json").
			Expect()

		result.Status(http.StatusOK)
		result.Header("X-Offline-Strategy").IsEqual("network-first")
	})

	t.Run("cel route from the manifest file", func(t *testing.T) {
		result := expect.GET("/blog/launch").
			WithHeader("Accept", "text/html").
			Expect()

		result.Status(http.StatusOK)
		result.Header("X-Offline-Strategy").IsEqual("stale-while-revalidate")
		body := result.Body().Raw()
		require.Contains(t, body, "/blog/launch", "response body should come from the origin")
	})
}

// writeOverridesConfig writes a configuration whose origin and push settings
// are expected to be replaced by the environment.
func writeOverridesConfig(t *testing.T, dir string, port int) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o750), "failed to ensure config folder")

	cfg := map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": "127.0.0.1",
				"port":    port,
			},
			"logging": map[string]any{
				"format": "text",
				"level":  "warn",
			},
		},
		"agent": map[string]any{
			"origin": "http://127.0.0.1:1",
			"manifest": map[string]any{
				"version":     "env-1",
				"offlinePage": "/offline.html",
				"routes": []map[string]any{
					{
						"name":     "blog",
						"match":    map[string]any{"cel": `request.path.startsWith("/blog/")`},
						"strategy": "stale-while-revalidate",
						"bucket":   "pages-blog",
					},
				},
			},
		},
		"push": map[string]any{
			"vapidPublicKey": "replaced-by-env",
		},
	}

	contents, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err, "failed to marshal config")
	path := filepath.Join(dir, "env-overrides-config.json")
	require.NoError(t, os.WriteFile(path, contents, 0o600), "failed to write config")
	return path
}
