package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config describes the top-level application configuration loaded from YAML and ENV.
type Config struct {
	Host      HostConfig      `mapstructure:"host"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Transport TransportConfig `mapstructure:"transport"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
}

// HostConfig identifies the host as announced to peers.
type HostConfig struct {
	Name  string `mapstructure:"name"`  // shown to clients in server_info
	Model string `mapstructure:"model"` // model served to peers
}

// OllamaConfig points at the local inference engine.
type OllamaConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"` // connect/header timeout, not stream duration
}

// RelayConfig controls peer admission.
type RelayConfig struct {
	MaxPeers int `mapstructure:"max_peers"`
}

// TransportConfig describes the overlay stand-in listener.
type TransportConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	TopicFile  string `mapstructure:"topic_file"` // persisted topic; empty means ephemeral
}

// ServerConfig describes the debug HTTP endpoint.
type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// RuntimeConfig locates lock and pid files.
type RuntimeConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load reads configuration from the provided path or, when path is empty,
// from config.yaml in the working directory or in configs/.
// Environment variables override file values (prefix: REMOTEBRAIN_, dots replaced
// with underscores). A missing file is not an error when no explicit path was
// given; defaults carry the host on their own.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REMOTEBRAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults populates sensible defaults for optional fields.
func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "remote-brain"
	}

	v.SetDefault("host.name", hostname)
	v.SetDefault("host.model", "")

	v.SetDefault("ollama.base_url", "http://127.0.0.1:11434")
	v.SetDefault("ollama.timeout", 20*time.Second)

	v.SetDefault("relay.max_peers", 5)

	v.SetDefault("transport.listen_addr", ":7609")
	v.SetDefault("transport.topic_file", "")

	v.SetDefault("server.addr", "127.0.0.1:7610")
	v.SetDefault("server.metrics_enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("runtime.dir", defaultRuntimeDir())
}

func defaultRuntimeDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "remote-brain")
	}
	return filepath.Join(os.TempDir(), "remote-brain")
}

// Validate performs basic sanity checks on configuration values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host.Name) == "" {
		return errors.New("host.name must not be empty")
	}

	if strings.TrimSpace(c.Ollama.BaseURL) == "" {
		return errors.New("ollama.base_url must not be empty")
	}

	if c.Ollama.Timeout < 0 {
		return errors.New("ollama.timeout must be >= 0")
	}

	if c.Relay.MaxPeers <= 0 {
		return errors.New("relay.max_peers must be > 0")
	}

	if strings.TrimSpace(c.Transport.ListenAddr) == "" {
		return errors.New("transport.listen_addr must not be empty")
	}

	if strings.TrimSpace(c.Runtime.Dir) == "" {
		return errors.New("runtime.dir must not be empty")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console or json, got %q", c.Logging.Format)
	}

	return nil
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Runtime.Dir, "remote-brain.lock")
}

// PidPath returns the pid file location for stop/toggle-debug signalling.
func (c *Config) PidPath() string {
	return filepath.Join(c.Runtime.Dir, "remote-brain.pid")
}
