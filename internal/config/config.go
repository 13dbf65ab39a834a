package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Process         ProcessConfig     `yaml:"process" toml:"process"`
	Commands        CommandsConfig    `yaml:"commands" toml:"commands"`
	Lights          LightsConfig      `yaml:"lights" toml:"lights"`
	Server          ServerConfig      `yaml:"server" toml:"server"`
	Database        DatabaseConfig    `yaml:"database" toml:"database"`
	Log             LogConfig         `yaml:"log" toml:"log"`
	Ledger          LedgerConfig      `yaml:"ledger" toml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck" toml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus" toml:"eventbus"`
	Metrics         MetricsConfig     `yaml:"metrics" toml:"metrics"`
	MQTT            MQTTConfig        `yaml:"mqtt" toml:"mqtt"`
	NATS            NATSConfig        `yaml:"nats" toml:"nats"`
	InfluxDB        InfluxDBConfig    `yaml:"influxdb" toml:"influxdb"`
	Script          string            `yaml:"script" toml:"script"`                     // Optional Lua script
	ShutdownTimeout Duration          `yaml:"shutdown_timeout" toml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// ProcessConfig controls the command execution pool
type ProcessConfig struct {
	MaxConcurrent int            `yaml:"max_concurrent" toml:"max_concurrent"`
	Timeout       Duration       `yaml:"timeout" toml:"timeout"`         // Per attempt
	MaxRetries    *int           `yaml:"max_retries" toml:"max_retries"` // nil = 3, 0 disables retries
	BackoffFactor float64        `yaml:"backoff_factor" toml:"backoff_factor"`
	KillGrace     Duration       `yaml:"kill_grace" toml:"kill_grace"` // SIGTERM to SIGKILL
	SpawnRate     float64        `yaml:"spawn_rate" toml:"spawn_rate"` // Spawns per second, 0 = unlimited
	Watchdog      WatchdogConfig `yaml:"watchdog" toml:"watchdog"`
}

// WatchdogConfig controls inspection of running commands
type WatchdogConfig struct {
	Interval   Duration `yaml:"interval" toml:"interval"` // 0 disables
	MaxRuntime Duration `yaml:"max_runtime" toml:"max_runtime"`
	Sample     bool     `yaml:"sample" toml:"sample"`
}

// GetMaxRetries returns the retry budget with default
func (c *ProcessConfig) GetMaxRetries() int {
	if c.MaxRetries == nil || *c.MaxRetries < 0 {
		return 3
	}
	return *c.MaxRetries
}

// CommandsConfig describes where the external commands live
type CommandsConfig struct {
	Interpreter           string `yaml:"interpreter" toml:"interpreter"` // Empty runs scripts directly
	Dir                   string `yaml:"dir" toml:"dir"`
	Extension             string `yaml:"extension" toml:"extension"`
	Requirements          string `yaml:"requirements" toml:"requirements"` // Path to requirements.txt, optional
	MinInterpreterVersion string `yaml:"min_interpreter_version" toml:"min_interpreter_version"`
	SkipEnvCheck          bool   `yaml:"skip_env_check" toml:"skip_env_check"`
}

// LightsConfig contains discovery and control settings
type LightsConfig struct {
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Control   ControlConfig   `yaml:"control" toml:"control"`
}

// DiscoveryConfig controls automatic discovery
type DiscoveryConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"` // AutoSync period, 0 = 30m
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
	OnStart  *bool    `yaml:"on_start" toml:"on_start"` // nil = true
	Disabled bool     `yaml:"disabled" toml:"disabled"`
}

// RunOnStart reports whether discovery runs at startup
func (c *DiscoveryConfig) RunOnStart() bool {
	return c.OnStart == nil || *c.OnStart
}

// ControlConfig overrides pool settings for control commands
type ControlConfig struct {
	Retries *int     `yaml:"retries" toml:"retries"` // nil = pool default
	Timeout Duration `yaml:"timeout" toml:"timeout"` // 0 = pool default
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
	CORS *bool  `yaml:"cors" toml:"cors"` // nil = true
}

// Addr returns host:port
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CORSEnabled reports whether CORS headers are sent
func (c *ServerConfig) CORSEnabled() bool {
	return c.CORS == nil || *c.CORS
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // json or text
	Colors bool   `yaml:"colors" toml:"colors"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days" toml:"retention_days"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Host    string `yaml:"host" toml:"host"`
	Port    int    `yaml:"port" toml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers" toml:"workers"`       // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size" toml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// MetricsConfig controls the Prometheus endpoint on the API server
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" toml:"enabled"` // nil = true
	Path    string `yaml:"path" toml:"path"`
}

// IsEnabled reports whether /metrics is served
func (c *MetricsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MQTTConfig configures the MQTT state sink
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Broker      string `yaml:"broker" toml:"broker"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         int    `yaml:"qos" toml:"qos"`
	Retain      bool   `yaml:"retain" toml:"retain"`
}

// GetClientID returns the client id with default
func (c *MQTTConfig) GetClientID() string {
	if c.ClientID == "" {
		return "bulbd"
	}
	return c.ClientID
}

// GetTopicPrefix returns the topic prefix with default
func (c *MQTTConfig) GetTopicPrefix() string {
	if c.TopicPrefix == "" {
		return "bulbd"
	}
	return c.TopicPrefix
}

// NATSConfig configures the NATS state sink
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// GetURL returns the server URL with default
func (c *NATSConfig) GetURL() string {
	if c.URL == "" {
		return "nats://127.0.0.1:4222"
	}
	return c.URL
}

// GetSubjectPrefix returns the subject prefix with default
func (c *NATSConfig) GetSubjectPrefix() string {
	if c.SubjectPrefix == "" {
		return "bulbd"
	}
	return c.SubjectPrefix
}

// InfluxDBConfig configures the InfluxDB state sink
type InfluxDBConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	URL           string   `yaml:"url" toml:"url"`
	Token         string   `yaml:"token" toml:"token"`
	Org           string   `yaml:"org" toml:"org"`
	Bucket        string   `yaml:"bucket" toml:"bucket"`
	BatchSize     int      `yaml:"batch_size" toml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval" toml:"flush_interval"`
}

// GetBatchSize returns the batch size with default
func (c *InfluxDBConfig) GetBatchSize() int {
	if c.BatchSize <= 0 {
		return 100
	}
	return c.BatchSize
}

// GetFlushInterval returns the flush interval with default
func (c *InfluxDBConfig) GetFlushInterval() time.Duration {
	if c.FlushInterval <= 0 {
		return 10 * time.Second
	}
	return c.FlushInterval.Duration()
}

// Duration is a wrapper around time.Duration for YAML and TOML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler, used by TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := []byte(expandEnvVars(string(data)))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(expanded, &cfg)
	} else {
		err = yaml.Unmarshal(expanded, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Relative script paths are resolved against the config file
	if cfg.Script != "" && !filepath.IsAbs(cfg.Script) {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			cfg.Script = filepath.Join(filepath.Dir(path), cfg.Script)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./bulbd.sqlite"
	}

	// Process pool defaults
	if cfg.Process.MaxConcurrent <= 0 {
		cfg.Process.MaxConcurrent = 5
	}
	if cfg.Process.Timeout == 0 {
		cfg.Process.Timeout = Duration(30 * time.Second)
	}
	if cfg.Process.BackoffFactor <= 0 {
		cfg.Process.BackoffFactor = 1.5
	}
	if cfg.Process.KillGrace == 0 {
		cfg.Process.KillGrace = Duration(time.Second)
	}
	if cfg.Process.Watchdog.MaxRuntime == 0 {
		cfg.Process.Watchdog.MaxRuntime = Duration(5 * time.Minute)
	}

	// Commands default to python scripts in ./scripts
	if cfg.Commands.Dir == "" {
		cfg.Commands.Dir = "scripts"
	}
	if cfg.Commands.Extension == "" && cfg.Commands.Interpreter != "" {
		cfg.Commands.Extension = ".py"
	}
	if cfg.Commands.MinInterpreterVersion == "" {
		cfg.Commands.MinInterpreterVersion = "3.7"
	}

	// Discovery
	if cfg.Lights.Discovery.Interval == 0 {
		cfg.Lights.Discovery.Interval = Duration(30 * time.Minute)
	}
	if cfg.Lights.Discovery.Timeout == 0 {
		cfg.Lights.Discovery.Timeout = Duration(time.Minute)
	}

	// Server
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate rejects settings that cannot work.
func (cfg *Config) Validate() error {
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.InfluxDB.Enabled && (cfg.InfluxDB.URL == "" || cfg.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
