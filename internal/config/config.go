package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration, shared by the
// valetcore worker/CLI binary and the statusapi side process. Each nested
// section has its own validator; Validate runs the API and worker validators
// together.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Queue     QueueEngineConfig `yaml:"queue"`
	HITL      HITLConfig      `yaml:"hitl"`
	Callback  CallbackConfig  `yaml:"callback"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
// for the best-effort job-available wake channel. RabbitMQ is never the
// source of truth for job availability; Enabled lets a deployment run with
// poll-only wakeup.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      MQQueueConfig    `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// MQQueueConfig holds RabbitMQ queue configuration (renamed from the
// teacher's QueueConfig, which now names the Queue Engine's own settings).
type MQQueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxJobs           int           `yaml:"max_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	DrainDeadline     time.Duration `yaml:"drain_deadline"`
}

// QueueEngineConfig holds Queue Engine configuration: the lease window used
// by stale-lease reclamation and the sweep interval for the background
// reclaim sweeper.
type QueueEngineConfig struct {
	LeaseWindow   time.Duration `yaml:"lease_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HITLConfig holds HITL Coordinator configuration: how long a job may sit
// paused before it times out, how often the polling fallback checks for a
// resume when LISTEN/NOTIFY is unavailable, and the channel name NOTIFY uses.
type HITLConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ResumeChannel  string        `yaml:"resume_channel"`
}

// CallbackConfig holds Callback Dispatcher configuration.
type CallbackConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	BackoffMult    float64       `yaml:"backoff_multiplier"`
}

// SessionConfig holds Session Store configuration. The key material itself
// is never read from YAML; it comes from the environment so it never lands
// in a config file a developer might commit.
type SessionConfig struct {
	EncryptionKey   string        `yaml:"-"`
	EncryptionKeyID string        `yaml:"-"`
	TTL             time.Duration `yaml:"ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// RateLimitConfig holds Rate Limiter caps per tier and per platform scope.
type RateLimitConfig struct {
	Tiers     map[string]CapPair `yaml:"tiers"`
	Platforms map[string]CapPair `yaml:"platforms"`
}

// CapPair is the hourly/daily cap pair for one rate-limit scope.
type CapPair struct {
	Hourly int `yaml:"hourly"`
	Daily  int `yaml:"daily"`
}

// Load reads and parses the configuration file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	loadSessionKeyFromEnv(&config)

	return &config, nil
}

// applyDefaults fills in scheduling/timeout defaults when a config file
// omits them, so every deployment doesn't need to repeat the same values.
func applyDefaults(c *Config) {
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 5 * time.Second
	}
	if c.Worker.DrainDeadline == 0 {
		c.Worker.DrainDeadline = 30 * time.Second
	}
	if c.Queue.LeaseWindow == 0 {
		c.Queue.LeaseWindow = 120 * time.Second
	}
	if c.Queue.SweepInterval == 0 {
		c.Queue.SweepInterval = 30 * time.Second
	}
	if c.HITL.DefaultTimeout == 0 {
		c.HITL.DefaultTimeout = 300 * time.Second
	}
	if c.HITL.PollInterval == 0 {
		c.HITL.PollInterval = 2 * time.Second
	}
	if c.HITL.ResumeChannel == "" {
		c.HITL.ResumeChannel = "job_resume"
	}
	if c.Callback.MaxAttempts == 0 {
		c.Callback.MaxAttempts = 3
	}
	if c.Callback.BaseDelay == 0 {
		c.Callback.BaseDelay = 200 * time.Millisecond
	}
	if c.Callback.BackoffMult == 0 {
		c.Callback.BackoffMult = 2.0
	}
	if c.Callback.RequestTimeout == 0 {
		c.Callback.RequestTimeout = 10 * time.Second
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 30 * 24 * time.Hour
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = time.Hour
	}
}

// loadSessionKeyFromEnv reads encryption key material from the environment
// rather than the YAML file, so the key never lands in version control.
func loadSessionKeyFromEnv(c *Config) {
	if key := os.Getenv("SESSION_ENCRYPTION_KEY"); key != "" {
		c.Session.EncryptionKey = key
	}
	if keyID := os.Getenv("SESSION_ENCRYPTION_KEY_ID"); keyID != "" {
		c.Session.EncryptionKeyID = keyID
	}
}

// Validate runs both the API and the worker validators. The cmd/*
// entrypoints call ValidateAPIConfig or ValidateWorkerConfig directly, for
// the process they start.
func (c *Config) Validate() error {
	if err := c.ValidateAPIConfig(); err != nil {
		return err
	}
	if err := c.ValidateWorkerConfig(); err != nil {
		return err
	}
	return nil
}

// ValidateAPIConfig checks the fields required to run the statusapi process.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required when rabbitmq is enabled")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required when rabbitmq is enabled")
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required when rabbitmq is enabled")
		}
	}

	return nil
}

// ValidateWorkerConfig checks the fields required to run a worker process.
func (c *Config) ValidateWorkerConfig() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if err := c.ValidateRateLimitConfig(); err != nil {
		return err
	}

	if c.Queue.LeaseWindow <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("queue lease_window (%s) must exceed worker heartbeat_interval (%s)", c.Queue.LeaseWindow, c.Worker.HeartbeatInterval)
	}

	if c.Session.EncryptionKey != "" && len(c.Session.EncryptionKey) < 32 {
		return fmt.Errorf("session encryption key must be at least 32 bytes")
	}

	return nil
}

// ValidateRateLimitConfig checks that tier caps are monotonically
// non-decreasing along free <= starter <= pro <= premium. enterprise is
// exempt (uncapped), per the spec's tier monotonicity invariant.
func (c *Config) ValidateRateLimitConfig() error {
	order := []string{"free", "starter", "pro", "premium"}
	var prevHourly, prevDaily int
	for i, tier := range order {
		cap, ok := c.RateLimit.Tiers[tier]
		if !ok {
			continue
		}
		if i > 0 && (cap.Hourly < prevHourly || cap.Daily < prevDaily) {
			return fmt.Errorf("rate limit tier %q caps must be >= previous tier's caps", tier)
		}
		prevHourly, prevDaily = cap.Hourly, cap.Daily
	}
	return nil
}
