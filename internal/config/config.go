// Package config loads the process-wide configuration described in spec
// §6, following the teacher's ws/config.go: a single struct parsed with
// caarlos0/env struct tags, an optional .env file loaded first, and
// explicit validation before the value is handed to the rest of the
// process. No package outside main may read environment variables
// directly — every tunable flows through this struct (Design Note §9).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process-wide configuration of spec §6.
type Config struct {
	// WebSocket bind address.
	WebSocketHost string `env:"WEBSOCKET_HOST" envDefault:"0.0.0.0"`
	WebSocketPort int    `env:"WEBSOCKET_PORT" envDefault:"8080"`

	// C10/C13 limits.
	MaxConnections            int           `env:"MAX_CONNECTIONS" envDefault:"10000"`
	MaxSubscriptionsPerClient int           `env:"MAX_SUBSCRIPTIONS_PER_CLIENT" envDefault:"100"`
	HeartbeatInterval         time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout          time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`
	HeartbeatMaxMissed        int           `env:"HEARTBEAT_MAX_MISSED" envDefault:"3"`
	ReconnectWindow           time.Duration `env:"RECONNECT_WINDOW" envDefault:"5m"`
	SendQueueSize             int           `env:"SEND_QUEUE_SIZE" envDefault:"32"`
	MaxMessageSize            int           `env:"MAX_MESSAGE_SIZE" envDefault:"1048576"`

	// Admission control / service discovery (advisory, consumed by the
	// orchestrator — this process only validates and surfaces them).
	ServiceDiscoveryBackend string  `env:"SERVICE_DISCOVERY_BACKEND" envDefault:"none"`
	LoadBalancingStrategy   string  `env:"LOAD_BALANCING_STRATEGY" envDefault:"round_robin"`
	RateLimitRPM            int     `env:"RATE_LIMIT_RPM" envDefault:"600"`
	MinInstances            int     `env:"MIN_INSTANCES" envDefault:"1"`
	MaxInstances            int     `env:"MAX_INSTANCES" envDefault:"10"`
	TargetCPUUtilization    float64 `env:"TARGET_CPU_UTILIZATION" envDefault:"70.0"`
	TargetMemoryUtilization float64 `env:"TARGET_MEMORY_UTILIZATION" envDefault:"75.0"`

	// Transport security.
	EnableAuth  bool   `env:"ENABLE_AUTH" envDefault:"false"`
	AuthToken   string `env:"AUTH_TOKEN" envDefault:""`
	SSLEnabled  bool   `env:"SSL_ENABLED" envDefault:"false"`
	SSLCertPath string `env:"SSL_CERT_PATH" envDefault:""`
	SSLKeyPath  string `env:"SSL_KEY_PATH" envDefault:""`

	// Logging.
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFilePath string `env:"LOG_FILE_PATH" envDefault:""`

	// Telemetry.
	MonitoringEnabled bool `env:"MONITORING_ENABLED" envDefault:"true"`
	MetricsPort       int  `env:"METRICS_PORT" envDefault:"9090"`

	// Optional shared cache (not required, spec §6).
	RedisHost     string `env:"REDIS_HOST" envDefault:""`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`

	// HTTP historical surface (C8/C17).
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8081"`

	// C11 compression.
	CompressionThreshold int  `env:"COMPRESSION_THRESHOLD" envDefault:"1024"`
	EnableCompression    bool `env:"ENABLE_COMPRESSION" envDefault:"true"`
	CompressedCacheSize  int  `env:"COMPRESSED_CACHE_SIZE" envDefault:"256"`

	// C12 publisher.
	PublishUpdateInterval time.Duration `env:"PUBLISH_UPDATE_INTERVAL" envDefault:"1s"`
	PublishGracePeriod    time.Duration `env:"PUBLISH_GRACE_PERIOD" envDefault:"10m"`
	PublishBusEnabled     bool          `env:"PUBLISH_BUS_ENABLED" envDefault:"false"`
	NATSURL               string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	// C6 historical cache.
	CacheMemoryCapMB int `env:"CACHE_MEMORY_CAP_MB" envDefault:"512"`

	// C16 performance optimizer.
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"0"` // 0 => 4 × GOMAXPROCS
	WorkerQueueSize   int           `env:"WORKER_QUEUE_SIZE" envDefault:"0"`
	GCInterval        time.Duration `env:"GC_INTERVAL" envDefault:"60s"`
	GCThresholdBytes  uint64        `env:"GC_THRESHOLD_BYTES" envDefault:"805306368"` // 768MiB

	// Graceful shutdown (spec §5).
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Historical fetch deadlines and concurrency (spec §5).
	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`
	BatchConcurrency  int           `env:"BATCH_CONCURRENCY" envDefault:"10"`
	PrewarmConcurrency int          `env:"PREWARM_CONCURRENCY" envDefault:"5"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads an optional .env file (missing file is not an error — it is
// a convenience for local development only; production deployments supply
// real environment variables) and then parses environment variables into a
// validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absence is normal in production

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks the enum/range constraints spec §6 and §4.9-§4.15 impose
// on top of what struct tags alone can express.
func (c *Config) Validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxSubscriptionsPerClient < 1 {
		return fmt.Errorf("MAX_SUBSCRIPTIONS_PER_CLIENT must be > 0, got %d", c.MaxSubscriptionsPerClient)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}

	validDiscovery := map[string]bool{"none": true, "consul": true, "etcd": true, "kubernetes": true}
	if !validDiscovery[c.ServiceDiscoveryBackend] {
		return fmt.Errorf("SERVICE_DISCOVERY_BACKEND must be one of none, consul, etcd, kubernetes (got: %s)", c.ServiceDiscoveryBackend)
	}

	validStrategy := map[string]bool{"round_robin": true, "least_connections": true, "ip_hash": true}
	if !validStrategy[c.LoadBalancingStrategy] {
		return fmt.Errorf("LOAD_BALANCING_STRATEGY must be one of round_robin, least_connections, ip_hash (got: %s)", c.LoadBalancingStrategy)
	}

	if c.MinInstances < 1 || c.MaxInstances < c.MinInstances {
		return fmt.Errorf("MIN_INSTANCES/MAX_INSTANCES invalid: min=%d max=%d", c.MinInstances, c.MaxInstances)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got: %s)", c.LogLevel)
	}

	if c.EnableAuth && c.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required when ENABLE_AUTH is true")
	}
	if c.SSLEnabled && (c.SSLCertPath == "" || c.SSLKeyPath == "") {
		return fmt.Errorf("SSL_CERT_PATH and SSL_KEY_PATH are required when SSL_ENABLED is true")
	}

	return nil
}

// Addr returns the combined WebSocket bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.WebSocketHost, c.WebSocketPort)
}
