package config

import (
	"fmt"
	"time"
)

// Config represents the global configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Inventory   InventoryConfig   `mapstructure:"inventory"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Fulfillment FulfillmentConfig `mapstructure:"fulfillment"`
}

// ServerConfig is the ops HTTP server (health and metrics only)
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql, memory
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Charset         string        `mapstructure:"charset"`
	Loc             string        `mapstructure:"loc"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// QueueConfig selects the downstream queue the outbox dispatcher publishes to
type QueueConfig struct {
	Driver        string        `mapstructure:"driver"` // memory, kafka
	Brokers       []string      `mapstructure:"brokers"`
	TopicPrefix   string        `mapstructure:"topic_prefix"`
	ConsumerGroup string        `mapstructure:"consumer_group"` // kafka group of the release check consumer
	BufferSize    int           `mapstructure:"buffer_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// InventoryConfig stock ledger settings
type InventoryConfig struct {
	// DefaultLowStockThreshold applies when a tenant has no threshold configured.
	DefaultLowStockThreshold int           `mapstructure:"default_low_stock_threshold"`
	ThresholdCacheTTL        time.Duration `mapstructure:"threshold_cache_ttl"`
	ReleaseCheckDelay        time.Duration `mapstructure:"release_check_delay"`
}

// OutboxConfig dispatcher settings
type OutboxConfig struct {
	Disabled        bool          `mapstructure:"disabled"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	LockKey         string        `mapstructure:"lock_key"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	BreakerFailures int           `mapstructure:"breaker_failures"` // consecutive publish failures that open a topic
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// FulfillmentConfig backup reconciliation settings
type FulfillmentConfig struct {
	StaleSyncInterval time.Duration `mapstructure:"stale_sync_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	StaleBatchSize    int           `mapstructure:"stale_batch_size"`
	NodeID            int64         `mapstructure:"node_id"`
}

// GetAddr returns the server address
func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetDSN returns the database DSN
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=%s&timeout=10s&readTimeout=30s&writeTimeout=30s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.Charset, d.Loc)
}

// GetAddr returns the Redis address
func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "memory":
	case "mysql":
		if c.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "kafka":
		if len(c.Queue.Brokers) == 0 {
			return fmt.Errorf("queue brokers are required for kafka driver")
		}
	default:
		return fmt.Errorf("unsupported queue driver: %s", c.Queue.Driver)
	}
	if c.Inventory.DefaultLowStockThreshold < 0 {
		return fmt.Errorf("default low stock threshold must not be negative")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch size must be positive")
	}
	// the lease must outlive at least one poll, otherwise two instances can overlap
	if c.Outbox.LeaseTTL < c.Outbox.PollInterval {
		return fmt.Errorf("outbox lease ttl %s shorter than poll interval %s", c.Outbox.LeaseTTL, c.Outbox.PollInterval)
	}
	return nil
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8081
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.Loc == "" {
		c.Database.Loc = "Local"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.Database.SlowThreshold == 0 {
		c.Database.SlowThreshold = 200 * time.Millisecond
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.TopicPrefix == "" {
		c.Queue.TopicPrefix = "inventory."
	}
	if c.Queue.ConsumerGroup == "" {
		c.Queue.ConsumerGroup = "inventory-release-check"
	}
	if c.Queue.BufferSize == 0 {
		c.Queue.BufferSize = 1000
	}
	if c.Queue.Timeout == 0 {
		c.Queue.Timeout = 5 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "inventory"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "inventory-core"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 0.1
	}

	if c.Inventory.DefaultLowStockThreshold == 0 {
		c.Inventory.DefaultLowStockThreshold = 10
	}
	if c.Inventory.ThresholdCacheTTL == 0 {
		c.Inventory.ThresholdCacheTTL = 30 * time.Second
	}
	if c.Inventory.ReleaseCheckDelay == 0 {
		c.Inventory.ReleaseCheckDelay = 15 * time.Minute
	}

	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = 2 * time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.LockKey == "" {
		c.Outbox.LockKey = "inventory:outbox:dispatcher"
	}
	if c.Outbox.LeaseTTL == 0 {
		c.Outbox.LeaseTTL = 30 * time.Second
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 5
	}
	if c.Outbox.RetryInterval == 0 {
		c.Outbox.RetryInterval = time.Minute
	}
	if c.Outbox.RatePerSecond == 0 {
		c.Outbox.RatePerSecond = 200
	}
	if c.Outbox.BreakerFailures == 0 {
		c.Outbox.BreakerFailures = 5
	}
	if c.Outbox.BreakerCooldown == 0 {
		c.Outbox.BreakerCooldown = 30 * time.Second
	}

	if c.Fulfillment.StaleSyncInterval == 0 {
		c.Fulfillment.StaleSyncInterval = 10 * time.Minute
	}
	if c.Fulfillment.StaleAfter == 0 {
		c.Fulfillment.StaleAfter = time.Hour
	}
	if c.Fulfillment.StaleBatchSize == 0 {
		c.Fulfillment.StaleBatchSize = 100
	}
	if c.Fulfillment.NodeID == 0 {
		c.Fulfillment.NodeID = 1
	}
}
