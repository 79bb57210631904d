package config

import (
	"fmt"
	"os"

	"signal-hub/src/models"

	"gopkg.in/yaml.v3"
)

// FanoutOptions is the fan-out section of the config file.
type FanoutOptions = models.MFanoutConfig

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new MConfig instance from YAML file
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	return Parse(data)
}

// -----------------------------------------------------------------------------

// Parse builds a validated Config from YAML bytes. Environment variables in
// the ${VAR} form are expanded first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var modelConfig models.MConfig
	if err := yaml.Unmarshal([]byte(expanded), &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	config := &Config{MConfig: &modelConfig}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// Default returns a validated configuration built only from defaults.
func Default() *Config {
	c := &Config{MConfig: &models.MConfig{}}
	c.applyDefaults()
	return c
}

// -----------------------------------------------------------------------------

// LogLevelName lets the logger pick up the configured threshold.
func (c *Config) LogLevelName() string {
	return c.LogLevel
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	// Server
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}
	if c.GrpcPort < 0 || c.GrpcPort > 65535 {
		return fmt.Errorf("invalid grpc port number: %d", c.GrpcPort)
	}
	if c.GrpcPort != 0 && c.GrpcPort == c.Port {
		return fmt.Errorf("grpc port %d collides with http port", c.GrpcPort)
	}

	// Storage
	switch c.Storage.DBType {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("database path cannot be empty for sqlite")
		}
	case "postgres":
		if c.Storage.DBConnectionString == "" {
			return fmt.Errorf("database connection string cannot be empty for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database type: %q", c.Storage.DBType)
	}

	for i, r := range c.Routes {
		if r.EventType == "" {
			return fmt.Errorf("routes[%d]: event_type cannot be empty", i)
		}
	}

	return validateFanout(&c.Fanout)
}

// -----------------------------------------------------------------------------

func validateFanout(f *FanoutOptions) error {
	if f.BatchWindowMs <= 0 {
		return fmt.Errorf("batch_window_ms must be greater than 0")
	}
	if f.PerUserRateLimit <= 0 {
		return fmt.Errorf("per_user_rate_limit must be greater than 0")
	}
	if f.CriticalBurstAllowance < 1 {
		return fmt.Errorf("critical_burst_allowance must be at least 1.0, got %v", f.CriticalBurstAllowance)
	}
	if f.RoutingCacheTTLSeconds <= 0 {
		return fmt.Errorf("routing_cache_ttl_seconds must be greater than 0")
	}
	if f.RoutingCacheMode != CacheModeGeneration && f.RoutingCacheMode != CacheModeTTL {
		return fmt.Errorf("routing_cache_mode must be %q or %q, got %q", CacheModeGeneration, CacheModeTTL, f.RoutingCacheMode)
	}
	if f.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("heartbeat_timeout_seconds must be greater than 0")
	}
	if f.GracePeriodSeconds < 0 {
		return fmt.Errorf("grace_period_seconds cannot be negative")
	}
	if f.MaxPendingPerUser <= 0 {
		return fmt.Errorf("max_pending_per_user must be greater than 0")
	}
	if f.WriteTimeoutMs <= 0 {
		return fmt.Errorf("write_timeout_ms must be greater than 0")
	}
	if f.InstanceCount <= 0 || f.InstanceIndex < 0 || f.InstanceIndex >= f.InstanceCount {
		return fmt.Errorf("instance_index %d must be in [0,%d)", f.InstanceIndex, f.InstanceCount)
	}
	for name, n := range map[string]int{
		"ingress_queue_size": f.IngressQueueSize,
		"router_workers":     f.RouterWorkers,
		"timer_workers":      f.TimerWorkers,
		"delivery_workers":   f.DeliveryWorkers,
		"express_workers":    f.ExpressWorkers,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	// 1. Marshal the struct to YAML
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// 2. Write to file (0644 permissions)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}
