package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig configures the Postgres opportunity store.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	MaxConns       int32  `yaml:"maxConns"`
	RunMigrations  bool   `yaml:"runMigrations"`
	MigrationsPath string `yaml:"migrationsPath"`
}

// Enabled reports whether a DSN was configured.
func (d DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(d.DSN) != ""
}

// OracleSourceConfig selects the upstream price sources.
type OracleSourceConfig struct {
	RPCEndpoint    string            `yaml:"rpcEndpoint"`
	RequestTimeout time.Duration     `yaml:"requestTimeout"`
	MaxRetries     uint              `yaml:"maxRetries"`
	HermesURL      string            `yaml:"hermesUrl"`
	HermesFeeds    map[string]string `yaml:"hermesFeeds"`
	Prefetch       bool              `yaml:"prefetch"`
}

// HostConfig is the relay host harness configuration sourced from YAML.
// The plugin section is forwarded verbatim to the processing engine.
type HostConfig struct {
	Plugin       yaml.Node          `yaml:"plugin"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Database     DatabaseConfig     `yaml:"database"`
	OracleSource OracleSourceConfig `yaml:"oracleSource"`
}

// LoadHost reads and validates a HostConfig from the provided YAML file.
func LoadHost(ctx context.Context, configPath string) (HostConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return HostConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return HostConfig{}, fmt.Errorf("read config: %w", err)
	}
	return ParseHost(raw)
}

// ParseHost decodes host configuration bytes.
func ParseHost(raw []byte) (HostConfig, error) {
	var cfg HostConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return HostConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

func (c *HostConfig) normalise() {
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "relay"
	}
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 4
	}
	c.OracleSource.RPCEndpoint = strings.TrimSpace(c.OracleSource.RPCEndpoint)
	c.OracleSource.HermesURL = strings.TrimSpace(c.OracleSource.HermesURL)
	if c.OracleSource.RequestTimeout <= 0 {
		c.OracleSource.RequestTimeout = 2 * time.Second
	}
	if c.OracleSource.MaxRetries == 0 {
		c.OracleSource.MaxRetries = 3
	}
}

// Validate performs semantic validation on the host configuration.
func (c HostConfig) Validate() error {
	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics enabled")
	}
	if c.OracleSource.HermesURL != "" && len(c.OracleSource.HermesFeeds) == 0 {
		return fmt.Errorf("oracleSource hermesFeeds required with hermesUrl")
	}
	return nil
}

// PluginBytes renders the plugin section back to YAML for Init.
func (c HostConfig) PluginBytes() ([]byte, error) {
	if c.Plugin.Kind == 0 {
		return []byte("{}"), nil
	}
	out, err := yaml.Marshal(&c.Plugin)
	if err != nil {
		return nil, fmt.Errorf("marshal plugin config: %w", err)
	}
	return out, nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
