// Package config provides configuration management for the Modbus gateway.
// It supports environment variables, a YAML config file, and defaults.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-gateway/internal/domain"
	"github.com/nexus-edge/modbus-gateway/internal/service"
	"github.com/nexus-edge/modbus-gateway/pkg/logging"
)

// EnvPrefix is prepended to every environment override (MODBUS_TAGS_PATH, ...).
const EnvPrefix = "MODBUS"

// Config holds all configuration for the gateway.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// TagsPath is the default tag map file for clients that do not set their own
	TagsPath string `mapstructure:"tags_path"`

	// Clients holds one entry per remote unit, keyed by client name.
	// Decoded separately so each entry starts from DefaultClientOptions.
	Clients map[string]ClientConfig `mapstructure:"-"`

	// Factory configures circuit breakers and the reconnect loop
	Factory modbus.FactoryConfig `mapstructure:"factory"`

	// Poller configures the tag polling service
	Poller service.PollingConfig `mapstructure:"poller"`

	Metrics MetricsConfig `mapstructure:"metrics"`

	// API configures the tag HTTP API served next to /metrics
	API APIConfig `mapstructure:"api"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// ClientConfig is the configuration of one named client.
type ClientConfig struct {
	modbus.ClientOptions `mapstructure:",squash"`

	// TagsPath overrides Config.TagsPath for this client
	TagsPath string `mapstructure:"tags_path"`

	// PollInterval overrides the poller default interval for this client
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// MetricsConfig holds the HTTP listener for /metrics and /health.
type MetricsConfig struct {
	// ListenAddr is the address to serve on; empty disables the listener
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// APIConfig holds tag API security configuration.
type APIConfig struct {
	// Enabled mounts /api/ on the metrics listener
	Enabled bool `mapstructure:"enabled"`

	// AuthEnabled requires APIKey on every request
	AuthEnabled bool   `mapstructure:"auth_enabled"`
	APIKey      string `mapstructure:"api_key"`

	// AllowWrites enables PUT on tag endpoints
	AllowWrites bool `mapstructure:"allow_writes"`

	// MaxRequestBodySize limits request bodies in bytes
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`

	// AllowedOrigins lists CORS origins; empty allows any origin
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// LogConfig converts the section into a logging.LogConfig.
func (l LoggingConfig) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		TimeFormat: l.TimeFormat,
	}
}

// Load loads configuration from path (optional) and environment variables.
// With an empty path, config.yaml is searched in the usual locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/modbus-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	clients, err := loadClients(v)
	if err != nil {
		return nil, err
	}
	cfg.Clients = clients

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// loadClients decodes every entry under "clients" on top of the client defaults.
// Viper lowercases keys, so client names are lowercase.
func loadClients(v *viper.Viper) (map[string]ClientConfig, error) {
	clients := make(map[string]ClientConfig)
	for name := range v.GetStringMap("clients") {
		cc := ClientConfig{ClientOptions: modbus.DefaultClientOptions()}
		cc.ClientID = name

		if sub := v.Sub("clients." + name); sub != nil {
			if err := sub.Unmarshal(&cc); err != nil {
				return nil, fmt.Errorf("error in client %s: %w", name, err)
			}
		}
		if err := normalizeClient(&cc); err != nil {
			return nil, fmt.Errorf("error in client %s: %w", name, err)
		}
		if cc.TagsPath == "" {
			cc.TagsPath = v.GetString("tags_path")
		}
		clients[name] = cc
	}
	return clients, nil
}

// normalizeClient accepts the relaxed spellings of endianness and word order.
func normalizeClient(cc *ClientConfig) error {
	e, err := domain.ParseEndianness(string(cc.Endianness))
	if err != nil {
		return err
	}
	cc.Endianness = e

	w, err := domain.ParseWordOrder(string(cc.WordOrder))
	if err != nil {
		return err
	}
	cc.WordOrder = w
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("tags_path", "./config/tags.yaml")

	// Factory
	factory := modbus.DefaultFactoryConfig()
	v.SetDefault("factory.health_check_period", factory.HealthCheckPeriod)
	v.SetDefault("factory.breaker_max_requests", factory.BreakerMaxRequests)
	v.SetDefault("factory.breaker_interval", factory.BreakerInterval)
	v.SetDefault("factory.breaker_timeout", factory.BreakerTimeout)
	v.SetDefault("factory.breaker_failure_threshold", factory.BreakerFailureThreshold)

	// Poller
	v.SetDefault("poller.worker_count", 10)
	v.SetDefault("poller.interval", 1*time.Second)
	v.SetDefault("poller.shutdown_timeout", 30*time.Second)

	// Metrics
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.path", "/metrics")

	// API
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.allow_writes", false)
	v.SetDefault("api.max_request_body_size", 64*1024)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds the unprefixed variables shared with pkg/logging.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("environment", "ENVIRONMENT", EnvPrefix+"_ENVIRONMENT")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", EnvPrefix+"_LOGGING_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT", EnvPrefix+"_LOGGING_FORMAT")
	_ = v.BindEnv("api.api_key", EnvPrefix+"_API_KEY", EnvPrefix+"_API_API_KEY")
}

// ClientNames returns the configured client names in sorted order.
func (c *Config) ClientNames() []string {
	names := make([]string, 0, len(c.Clients))
	for name := range c.Clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client returns the named client configuration.
func (c *Config) Client(name string) (ClientConfig, error) {
	cc, ok := c.Clients[strings.ToLower(name)]
	if !ok {
		return ClientConfig{}, fmt.Errorf("%w: %s", domain.ErrClientNotFound, name)
	}
	return cc, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Poller.WorkerCount <= 0 {
		return fmt.Errorf("poller worker count must be positive")
	}
	if c.Poller.DefaultInterval <= 0 {
		return fmt.Errorf("poller interval must be positive")
	}
	if c.Factory.BreakerFailureThreshold == 0 {
		return fmt.Errorf("factory breaker failure threshold must be positive")
	}
	if c.API.Enabled && c.API.AuthEnabled && c.API.APIKey == "" {
		return fmt.Errorf("api key is required when api auth is enabled")
	}

	for _, name := range c.ClientNames() {
		cc := c.Clients[name]
		if err := cc.ClientOptions.Validate(); err != nil {
			return fmt.Errorf("client %s: %w", name, err)
		}
		if cc.PollInterval < 0 {
			return fmt.Errorf("client %s: poll interval must not be negative", name)
		}
	}
	return nil
}
