package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "https://saojoaodelrei.mg.gov.br/pagina/9837/Diario%20Oficial", cfg.Source.TargetURL)
	require.Equal(t, "obterArquivoCadastroGenerico", cfg.Extract.ActionPattern)
	require.Equal(t, "#conteudo", cfg.Extract.ContainerSelector)
	require.Empty(t, cfg.Extract.YearFilter)
	require.Equal(t, []string{"direct", "proxied", "rendered"}, cfg.Fetch.Strategies)
	require.Equal(t, 5, cfg.Pipeline.Window)
	require.Equal(t, 10*time.Minute, cfg.CacheTTL())
	require.Equal(t, 15*time.Second, cfg.FetchTimeout())
	require.Equal(t, 45*time.Second, cfg.NavTimeout())
	require.Equal(t, 60*time.Second, cfg.GeminiTimeout())
	require.Equal(t, 30*time.Second, cfg.PDFTimeout())
	require.Equal(t, []string{"08:00", "20:00"}, cfg.Schedule.Times)
	require.Equal(t, "America/Sao_Paulo", cfg.Schedule.Timezone)
	require.Equal(t, "gazette.new_edition", cfg.PubSub.TopicName)
	require.Equal(t, "São João del-Rei", cfg.Source.Municipality)
	require.Equal(t, "gazette_latest_batch", cfg.DB.Table)
	require.Equal(t, 30*time.Minute, cfg.ConnLifetime())
	require.Equal(t, 5*time.Minute, cfg.CheckTimeout())
	require.True(t, cfg.Tracing.Enabled)
	require.InDelta(t, 1.0, cfg.Tracing.SampleRatio, 1e-9)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
extract:
  year_filter: "2025"
fetch:
  timeout_seconds: 20
  strategies: [proxied, rendered]
headless:
  mode: markup
cache:
  ttl_seconds: 60
pipeline:
  window: 3
schedule:
  times: ["07:30"]
storage:
  backend: gcs
  gcs_bucket: diario-snapshots
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, "2025", cfg.Extract.YearFilter)
	require.Equal(t, []string{"proxied", "rendered"}, cfg.Fetch.Strategies)
	require.Equal(t, "markup", cfg.Headless.Mode)
	require.Equal(t, time.Minute, cfg.CacheTTL())
	require.Equal(t, 3, cfg.Pipeline.Window)
	require.Equal(t, []string{"07:30"}, cfg.Schedule.Times)
	require.Equal(t, "diario-snapshots", cfg.Storage.GCSBucket)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidateAcceptsOrderedStrategySubsets(t *testing.T) {
	t.Parallel()

	for _, names := range [][]string{
		{"direct", "proxied", "rendered"},
		{"direct", "rendered"},
		{"proxied"},
	} {
		require.NoError(t, validateStrategies(names), "%v", names)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"document template", func(c *Config) { c.Source.DocumentURLTemplate = "https://x/?ID=" }, "document_url_template"},
		{"relay template", func(c *Config) { c.Source.RelayURLTemplate = "https://relay" }, "relay_url_template"},
		{"unknown strategy", func(c *Config) { c.Fetch.Strategies = []string{"carrier-pigeon"} }, "unknown strategy"},
		{"no strategies", func(c *Config) { c.Fetch.Strategies = nil }, "at least one strategy"},
		{"rendered first", func(c *Config) { c.Fetch.Strategies = []string{"rendered", "direct"} }, "out of order"},
		{"duplicate strategy", func(c *Config) { c.Fetch.Strategies = []string{"direct", "direct"} }, "repeated"},
		{"rendered then duplicates", func(c *Config) { c.Fetch.Strategies = []string{"rendered", "direct", "direct"} }, "out of order"},
		{"check timeout", func(c *Config) { c.Pipeline.CheckTimeoutSeconds = 0 }, "check_timeout_seconds"},
		{"fetch timeout", func(c *Config) { c.Fetch.TimeoutSeconds = 0 }, "fetch.timeout_seconds"},
		{"headless mode", func(c *Config) { c.Headless.Mode = "screenshot" }, "headless.mode"},
		{"window", func(c *Config) { c.Pipeline.Window = 0 }, "pipeline.window"},
		{"schedule time", func(c *Config) { c.Schedule.Times = []string{"25:99"} }, "schedule.times"},
		{"timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "tracing.sample_ratio"},
		{"pubsub topic", func(c *Config) { c.PubSub.ProjectID = "p"; c.PubSub.TopicName = "" }, "pubsub.topic_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Fetch.Strategies = append([]string(nil), base.Fetch.Strategies...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
