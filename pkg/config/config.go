package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ReadTimeout     int `mapstructure:"read_timeout"`
	WriteTimeout    int `mapstructure:"write_timeout"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres or sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	Path         string `mapstructure:"path"` // sqlite file, ":memory:" allowed
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// EngineConfig tunes the scheduler and the capability dispatcher.
type EngineConfig struct {
	MaxConcurrentNodes int     `mapstructure:"max_concurrent_nodes"`
	NodeTimeoutSecs    int     `mapstructure:"node_timeout_secs"`
	RetryMaxAttempts   int     `mapstructure:"retry_max_attempts"`
	RetryInitialMillis int     `mapstructure:"retry_initial_millis"`
	RetryMaxMillis     int     `mapstructure:"retry_max_millis"`
	DispatchRPS        int     `mapstructure:"dispatch_rps"`
	DispatchBurst      int     `mapstructure:"dispatch_burst"`
	BreakerFailureRate float64 `mapstructure:"breaker_failure_rate"`
	EventBuffer        int     `mapstructure:"event_buffer"`
	HeartbeatMillis    int     `mapstructure:"heartbeat_millis"`
	StateTTLHours      int     `mapstructure:"state_ttl_hours"`
}

type ScheduleConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StorageConfig selects the binary payload backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"` // fs or s3
	Dir        string `mapstructure:"dir"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
}

type ArchiveConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Index     string   `mapstructure:"index"`
}

type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	RPS     int  `mapstructure:"rps"`
	Burst   int  `mapstructure:"burst"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

func Load(serviceName string) (*Config, error) {
	viper.SetConfigName(serviceName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/docflow")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("DOCFLOW")

	if err := viper.ReadInConfig(); err != nil {
		// Defaults plus env vars are enough when no file is present.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 30)

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "docflow")
	viper.SetDefault("database.password", "docflow123")
	viper.SetDefault("database.name", "docflow")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.path", "docflow.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 25)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "docflow.execution.events")

	viper.SetDefault("engine.max_concurrent_nodes", 8)
	viper.SetDefault("engine.node_timeout_secs", 120)
	viper.SetDefault("engine.retry_max_attempts", 3)
	viper.SetDefault("engine.retry_initial_millis", 200)
	viper.SetDefault("engine.retry_max_millis", 5000)
	viper.SetDefault("engine.dispatch_rps", 0) // 0 disables the limiter
	viper.SetDefault("engine.dispatch_burst", 1)
	viper.SetDefault("engine.breaker_failure_rate", 0.6)
	viper.SetDefault("engine.event_buffer", 256)
	viper.SetDefault("engine.heartbeat_millis", 500)
	viper.SetDefault("engine.state_ttl_hours", 24)

	viper.SetDefault("schedule.enabled", true)

	viper.SetDefault("storage.backend", "fs")
	viper.SetDefault("storage.dir", "data/binary")
	viper.SetDefault("storage.s3_prefix", "binary")

	viper.SetDefault("archive.enabled", false)
	viper.SetDefault("archive.addresses", []string{"http://localhost:9200"})
	viper.SetDefault("archive.index", "docflow-executions")

	viper.SetDefault("rate_limit.enabled", false)
	viper.SetDefault("rate_limit.rps", 50)
	viper.SetDefault("rate_limit.burst", 100)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	viper.SetDefault("telemetry.service_name", "docflow-engine")
	viper.SetDefault("telemetry.sampling_rate", 1.0)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
	viper.SetDefault("logger.stacktrace", false)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *EngineConfig) NodeTimeout() time.Duration {
	return time.Duration(c.NodeTimeoutSecs) * time.Second
}

func (c *EngineConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMillis) * time.Millisecond
}

func (c *EngineConfig) StateTTL() time.Duration {
	return time.Duration(c.StateTTLHours) * time.Hour
}
