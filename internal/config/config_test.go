package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pennyhq/penny/internal/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "penny.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesAppsAndDefaults(t *testing.T) {
	path := writeConfig(t, `
api_address = "127.0.0.1:9990"
database_url = "sqlite:///tmp/penny.db"

[tls]
enabled = true
acme_email = "ops@example.com"

["app.example.com"]
address = "127.0.0.1:4000"
command = "./run.sh"
start_timeout = "15s"
stop_timeout = "5s"
wait_period = "10m"
`)

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9990", cfg.APIAddress)
	require.Equal(t, "sqlite:///tmp/penny.db", cfg.DatabaseURL)
	require.True(t, cfg.TLS.Enabled)
	require.Equal(t, "ops@example.com", cfg.TLS.AcmeEmail)
	require.Equal(t, "./certs", cfg.TLS.CertsDir)

	require.Len(t, cfg.Apps, 1)
	app := cfg.Apps[0]
	require.Equal(t, "app.example.com", app.Hostname)
	require.Equal(t, "127.0.0.1:4000", app.Address)
	require.Equal(t, "./run.sh", app.Command.Start)
	require.Equal(t, 15*time.Second, app.StartTimeout)
	require.Equal(t, 10*time.Minute, app.WaitPeriod)
}

func TestLoadParsesStartEndCommandTable(t *testing.T) {
	path := writeConfig(t, `
["app.example.com"]
address = "127.0.0.1:4000"
start_timeout = "10s"
stop_timeout = "5s"
wait_period = "5m"

["app.example.com".command]
start = "./start.sh"
end = "./stop.sh"
`)

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	require.Len(t, cfg.Apps, 1)
	require.Equal(t, "./start.sh", cfg.Apps[0].Command.Start)
	require.Equal(t, "./stop.sh", cfg.Apps[0].Command.End)
}

func TestLoadRejectsDuplicateHostnamesCaseInsensitively(t *testing.T) {
	path := writeConfig(t, `
["app.example.com"]
address = "127.0.0.1:4000"
command = "./run.sh"
start_timeout = "10s"
stop_timeout = "5s"
wait_period = "5m"

["APP.EXAMPLE.COM"]
address = "127.0.0.1:4001"
command = "./run.sh"
start_timeout = "10s"
stop_timeout = "5s"
wait_period = "5m"
`)

	_, err := config.Load(path, nil)
	require.ErrorContains(t, err, "duplicate hostname")
}

func TestLoadRejectsUnresolvedAlsoWarmReference(t *testing.T) {
	path := writeConfig(t, `
["app.example.com"]
address = "127.0.0.1:4000"
command = "./run.sh"
start_timeout = "10s"
stop_timeout = "5s"
wait_period = "5m"
also_warm = ["ghost.example.com"]
`)

	_, err := config.Load(path, nil)
	require.ErrorContains(t, err, "also_warm references unconfigured hostname")
}

func TestLoadRejectsMissingAcmeEmailWhenTLSEnabled(t *testing.T) {
	path := writeConfig(t, `
[tls]
enabled = true

["app.example.com"]
address = "127.0.0.1:4000"
command = "./run.sh"
start_timeout = "10s"
stop_timeout = "5s"
wait_period = "5m"
`)

	_, err := config.Load(path, nil)
	require.ErrorContains(t, err, "acme_email is required")
}

func TestLoadRejectsInvalidAdaptiveWaitInvariant(t *testing.T) {
	path := writeConfig(t, `
["app.example.com"]
address = "127.0.0.1:4000"
command = "./run.sh"
start_timeout = "10s"
stop_timeout = "5s"
adaptive_wait = true
min_wait = "30m"
max_wait = "5m"
low_rate = 10
high_rate = 100
`)

	_, err := config.Load(path, nil)
	require.ErrorContains(t, err, "min_wait <= max_wait")
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"), nil)
	require.Error(t, err)
}
