package models

// MConfig Structure
type MConfig struct {
	Name      string           `yaml:"name"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	LogLevel  string           `yaml:"log_level"`
	GrpcHost  string           `yaml:"grpc_host"`
	GrpcPort  int              `yaml:"grpc_port"`
	Storage   MStorageConfig   `yaml:"storage"`
	Fanout    MFanoutConfig    `yaml:"fanout"`
	Telemetry MTelemetryConfig `yaml:"telemetry"`
	Routes    []MRouteConfig   `yaml:"routes"`
}

type MStorageConfig struct {
	DBType             string `yaml:"db_type"` // "sqlite", "postgres" or "memory"
	DBPath             string `yaml:"db_path"`
	DBConnectionString string `yaml:"db_connection_string"`
	ConnectRetries     int    `yaml:"connect_retries"`
}

// MFanoutConfig holds the tuning knobs of the distribution engine.
type MFanoutConfig struct {
	BatchWindowMs           int     `yaml:"batch_window_ms" json:"batch_window_ms"`
	PerUserRateLimit        int     `yaml:"per_user_rate_limit" json:"per_user_rate_limit"`
	CriticalBurstAllowance  float64 `yaml:"critical_burst_allowance" json:"critical_burst_allowance"`
	RoutingCacheTTLSeconds  int     `yaml:"routing_cache_ttl_seconds" json:"routing_cache_ttl_seconds"`
	RoutingCacheMode        string  `yaml:"routing_cache_mode" json:"routing_cache_mode"` // "generation" or "ttl"
	RoutingCacheSize        int     `yaml:"routing_cache_size" json:"routing_cache_size"`
	IndexCacheSize          int     `yaml:"index_cache_size" json:"index_cache_size"`
	IndexCacheTTLMs         int     `yaml:"index_cache_ttl_ms" json:"index_cache_ttl_ms"`
	HeartbeatTimeoutSeconds int     `yaml:"heartbeat_timeout_seconds" json:"heartbeat_timeout_seconds"`
	GracePeriodSeconds      int     `yaml:"grace_period_seconds" json:"grace_period_seconds"`
	MaxPendingPerUser       int     `yaml:"max_pending_per_user" json:"max_pending_per_user"`
	WriteTimeoutMs          int     `yaml:"write_timeout_ms" json:"write_timeout_ms"`
	DedupeWindowMs          int     `yaml:"dedupe_window_ms" json:"dedupe_window_ms"`
	IngressQueueSize        int     `yaml:"ingress_queue_size" json:"ingress_queue_size"`
	RouterWorkers           int     `yaml:"router_workers" json:"router_workers"`
	TimerWorkers            int     `yaml:"timer_workers" json:"timer_workers"`
	DeliveryWorkers         int     `yaml:"delivery_workers" json:"delivery_workers"`
	ExpressWorkers          int     `yaml:"express_workers" json:"express_workers"`
	SingleSession           bool    `yaml:"single_session" json:"single_session"`
	ControlMessagesPerSec   float64 `yaml:"control_messages_per_sec" json:"control_messages_per_sec"`
	InstanceIndex           int     `yaml:"instance_index" json:"instance_index"`
	InstanceCount           int     `yaml:"instance_count" json:"instance_count"`
}

type MTelemetryConfig struct {
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceVersion string `yaml:"service_version"`
}

// MRouteConfig binds an event type to a routing strategy at startup.
type MRouteConfig struct {
	EventType string   `yaml:"event_type" json:"event_type"`
	Strategy  string   `yaml:"strategy" json:"strategy"`                 // content_based, priority_first, broadcast_all, load_balanced
	Enrich    []string `yaml:"enrich,omitempty" json:"enrich,omitempty"` // e.g. market_session
}
