package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	configYAML := `
host:
  name: studio
  model: llama3:latest
ollama:
  base_url: http://127.0.0.1:11434
  timeout: 30s
relay:
  max_peers: 3
transport:
  listen_addr: ":7700"
logging:
  level: debug
  format: json
`

	require.NoError(t, os.WriteFile(cfgPath, []byte(configYAML), 0o644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	require.Equal(t, "studio", cfg.Host.Name)
	require.Equal(t, "llama3:latest", cfg.Host.Model)
	require.Equal(t, 30*time.Second, cfg.Ollama.Timeout)
	require.Equal(t, 3, cfg.Relay.MaxPeers)
	require.Equal(t, ":7700", cfg.Transport.ListenAddr)
	require.Equal(t, "json", cfg.Logging.Format)

	// defaults fill what the file omits
	require.Equal(t, "127.0.0.1:7610", cfg.Server.Addr)
	require.True(t, cfg.Server.MetricsEnabled)
	require.NotEmpty(t, cfg.Runtime.Dir)
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Relay.MaxPeers)
	require.Equal(t, "http://127.0.0.1:11434", cfg.Ollama.BaseURL)
	require.Equal(t, "info", cfg.Logging.Level)
	require.NotEmpty(t, cfg.Host.Name)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	write := func(t *testing.T, yaml string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
		return path
	}

	_, err := Load(write(t, "relay:\n  max_peers: 0\n"))
	require.ErrorContains(t, err, "relay.max_peers")

	_, err = Load(write(t, "host:\n  name: \" \"\n"))
	require.ErrorContains(t, err, "host.name")

	_, err = Load(write(t, "logging:\n  format: xml\n"))
	require.ErrorContains(t, err, "logging.format")
}
