package config

import "runtime"

// Default values for optional configuration fields.
const (
	DefaultName                    = "signal-hub"
	DefaultHost                    = "0.0.0.0"
	DefaultPort                    = 8000
	DefaultGrpcPort                = 50051
	DefaultLogLevel                = "INFO"
	DefaultDBType                  = "sqlite"
	DefaultDBPath                  = "signal-hub.db"
	DefaultConnectRetries          = 3
	DefaultBatchWindowMs           = 100
	DefaultPerUserRateLimit        = 100
	DefaultCriticalBurstAllowance  = 1.2
	DefaultRoutingCacheTTLSeconds  = 300
	DefaultRoutingCacheMode        = CacheModeGeneration
	DefaultRoutingCacheSize        = 4096
	DefaultIndexCacheSize          = 4096
	DefaultIndexCacheTTLMs         = 2000
	DefaultHeartbeatTimeoutSeconds = 30
	DefaultGracePeriodSeconds      = 60
	DefaultMaxPendingPerUser       = 500
	DefaultWriteTimeoutMs          = 50
	DefaultDedupeWindowMs          = 5000
	DefaultIngressQueueSize        = 4096
	DefaultTimerWorkers            = 2
	DefaultExpressWorkers          = 2
	DefaultControlMessagesPerSec   = 20
)

// Routing cache invalidation modes.
const (
	CacheModeGeneration = "generation"
	CacheModeTTL        = "ttl"
)

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.GrpcPort == 0 {
		c.GrpcPort = DefaultGrpcPort
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	// Storage defaults
	if c.Storage.DBType == "" {
		c.Storage.DBType = DefaultDBType
	}
	if c.Storage.DBType == "sqlite" && c.Storage.DBPath == "" {
		c.Storage.DBPath = DefaultDBPath
	}
	if c.Storage.ConnectRetries == 0 {
		c.Storage.ConnectRetries = DefaultConnectRetries
	}

	ApplyFanoutDefaults(&c.Fanout)
}

// ApplyFanoutDefaults fills zero fan-out options. Components built directly in
// tests use it too.
func ApplyFanoutDefaults(f *FanoutOptions) {
	if f.BatchWindowMs == 0 {
		f.BatchWindowMs = DefaultBatchWindowMs
	}
	if f.PerUserRateLimit == 0 {
		f.PerUserRateLimit = DefaultPerUserRateLimit
	}
	if f.CriticalBurstAllowance == 0 {
		f.CriticalBurstAllowance = DefaultCriticalBurstAllowance
	}
	if f.RoutingCacheTTLSeconds == 0 {
		f.RoutingCacheTTLSeconds = DefaultRoutingCacheTTLSeconds
	}
	if f.RoutingCacheMode == "" {
		f.RoutingCacheMode = DefaultRoutingCacheMode
	}
	if f.RoutingCacheSize == 0 {
		f.RoutingCacheSize = DefaultRoutingCacheSize
	}
	if f.IndexCacheSize == 0 {
		f.IndexCacheSize = DefaultIndexCacheSize
	}
	if f.IndexCacheTTLMs == 0 {
		f.IndexCacheTTLMs = DefaultIndexCacheTTLMs
	}
	if f.HeartbeatTimeoutSeconds == 0 {
		f.HeartbeatTimeoutSeconds = DefaultHeartbeatTimeoutSeconds
	}
	if f.GracePeriodSeconds == 0 {
		f.GracePeriodSeconds = DefaultGracePeriodSeconds
	}
	if f.MaxPendingPerUser == 0 {
		f.MaxPendingPerUser = DefaultMaxPendingPerUser
	}
	if f.WriteTimeoutMs == 0 {
		f.WriteTimeoutMs = DefaultWriteTimeoutMs
	}
	if f.DedupeWindowMs == 0 {
		f.DedupeWindowMs = DefaultDedupeWindowMs
	}
	if f.IngressQueueSize == 0 {
		f.IngressQueueSize = DefaultIngressQueueSize
	}
	if f.RouterWorkers == 0 {
		f.RouterWorkers = runtime.NumCPU()
	}
	if f.TimerWorkers == 0 {
		f.TimerWorkers = DefaultTimerWorkers
	}
	if f.DeliveryWorkers == 0 {
		f.DeliveryWorkers = 4 * runtime.NumCPU()
	}
	if f.ExpressWorkers == 0 {
		f.ExpressWorkers = DefaultExpressWorkers
	}
	if f.ControlMessagesPerSec == 0 {
		f.ControlMessagesPerSec = DefaultControlMessagesPerSec
	}
	if f.InstanceCount == 0 {
		f.InstanceCount = 1
	}
}
