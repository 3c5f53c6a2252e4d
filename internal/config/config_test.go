package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.True(t, cfg.Sources.CDX.Enabled)
	require.Equal(t, "https://web.archive.org/cdx/search/cdx", cfg.Sources.CDX.BaseURL)
	require.Equal(t, "sequential", cfg.Router.DefaultPolicy)
	require.Equal(t, 120, cfg.Router.BreakerWindowSec)
	require.Equal(t, 4, cfg.Scrape.Workers)
	require.Equal(t, "shared_pages", cfg.DB.PagesTable)
	require.Equal(t, int64(32*1024*1024), cfg.Fetch.MaxBodyBytes)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: 9090
sources:
  cdx:
    enabled: false
  columnar:
    enabled: true
    base_url: https://index.example.net/search
    segment_base_url: https://segments.example.net
router:
  default_policy: parallel
scrape:
  workers: 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.False(t, cfg.Sources.CDX.Enabled)
	require.True(t, cfg.Sources.Columnar.Enabled)
	require.Equal(t, "parallel", cfg.Router.DefaultPolicy)
	require.Equal(t, 2, cfg.Scrape.Workers)
	// Untouched keys keep defaults.
	require.Equal(t, 30, cfg.Fetch.TimeoutSeconds)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PAGEVAULT_SERVER_PORT", "7070")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no sources", func(c *Config) { c.Sources.CDX.Enabled = false; c.Sources.Columnar.Enabled = false }},
		{"cdx without base url", func(c *Config) { c.Sources.CDX.BaseURL = "" }},
		{"unknown policy", func(c *Config) { c.Router.DefaultPolicy = "roulette" }},
		{"zero workers", func(c *Config) { c.Scrape.Workers = 0 }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
