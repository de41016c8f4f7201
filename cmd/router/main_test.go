package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/observability"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("ROUTER_CONFIG_PATH", "/etc/avaregion/router.yaml")
	t.Setenv("ROUTER_LOG_LEVEL", "warn")

	flags := parseFlags(nil)
	assert.Equal(t, "/etc/avaregion/router.yaml", flags.configPath)
	assert.Equal(t, "warn", flags.logLevel)
	assert.Empty(t, flags.logFormat)
	assert.False(t, flags.showVersion)

	flags = parseFlags([]string{"-config", "local.yaml", "-log-level", "debug", "-log-format", "console", "-version"})
	assert.Equal(t, "local.yaml", flags.configPath)
	assert.Equal(t, "debug", flags.logLevel)
	assert.Equal(t, "console", flags.logFormat)
	assert.True(t, flags.showVersion)
}

func TestInitLogger(t *testing.T) {
	t.Parallel()

	_, err := initLogger(cliFlags{}, config.LoggingConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	_, err = initLogger(cliFlags{logLevel: "loud"}, config.LoggingConfig{Level: "info"})
	assert.Error(t, err, "flag level overrides the configured one")

	_, err = initLogger(cliFlags{}, config.LoggingConfig{})
	assert.NoError(t, err, "empty level falls back to info")
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("ROUTER_TEST_VALUE", "set")

	assert.Equal(t, "set", getEnvOrDefault("ROUTER_TEST_VALUE", "default"))
	assert.Equal(t, "default", getEnvOrDefault("ROUTER_TEST_UNSET", "default"))
}

func TestNewBucket(t *testing.T) {
	t.Parallel()

	b, err := newBucket(config.BlobConfig{Type: config.BlobTypeFile, Dir: filepath.Join(t.TempDir(), "blobs")})
	require.NoError(t, err)
	require.NoError(t, b.Put(context.Background(), "reports/x.json", []byte(`{}`)))

	b, err = newBucket(config.BlobConfig{Type: config.BlobTypeMemory})
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func testAppConfig(upstreamURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Regions = []config.RegionConfig{{ID: "us", BaseURL: upstreamURL, EdgeAffinity: []string{"IAD"}}}
	cfg.Health.Interval = config.Duration(time.Hour)
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = config.Duration(5 * time.Second)
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.Admin.RequestsPerSecond = 0
	cfg.Analytics.SampleRate = 1
	cfg.ApplyDefaults()
	return cfg
}

func TestApplication_Lifecycle(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello from us "+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	cfg := testAppConfig(upstream.URL)
	require.NoError(t, config.ValidateConfig(cfg))

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)
	require.NoError(t, app.start(ctx, ""))

	routerURL := "http://" + app.listeners[0].Addr().String()
	adminURL := "http://" + app.listeners[1].Addr().String()

	// health_check runs on start.
	require.Eventually(t, func() bool {
		ids, err := app.health.HealthyIDs(ctx)
		return err == nil && len(ids) == 1
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(routerURL + "/api/items")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from us /api/items", string(body))
	assert.Equal(t, "us", resp.Header.Get("X-Served-By"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(adminURL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, job := range []string{jobMetricsAggregation, jobHourlyReport} {
		resp, err = http.Post(adminURL+"/admin/jobs/"+job, "application/json", nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, job)
	}

	resp, err = http.Get(adminURL + "/admin/reports/hourly")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"snapshots":1`), string(body))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	app.shutdown(shutdownCtx)

	_, err = http.Get(routerURL + "/api/items")
	assert.Error(t, err)
}

func TestApplication_StartFailsOnBusyPort(t *testing.T) {
	t.Parallel()

	busy := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(busy.Close)

	cfg := testAppConfig("http://127.0.0.1:1")
	cfg.Admin.Address = strings.TrimPrefix(busy.URL, "http://")

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)

	err = app.start(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
	assert.Empty(t, app.listeners)
	_ = app.store.Close()
}

func TestApplication_ConfigReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	write := func(algorithm string) {
		content := "regions:\n  - id: us\n    baseUrl: http://127.0.0.1:1\n" +
			"routing:\n  algorithm: " + algorithm + "\n" +
			"server:\n  address: 127.0.0.1:0\n" +
			"admin:\n  address: 127.0.0.1:0\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	write("geo")

	cfg, err := config.LoadAndValidate(path)
	require.NoError(t, err)

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)
	require.NoError(t, app.start(ctx, path))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		app.shutdown(shutdownCtx)
	})
	require.NotNil(t, app.watcher)

	write("round_robin")
	require.NoError(t, app.watcher.ForceReload())
	assert.Equal(t, config.AlgorithmRoundRobin, app.watcher.LastConfig().Routing.Algorithm)
}
