package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config aggregates application configuration values.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Validation ValidationConfig `mapstructure:"validation"`
	Detection  DetectionConfig  `mapstructure:"detection"`
}

// ServerConfig governs HTTP server behaviour.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOriginsCSV string        `mapstructure:"allowed_origins"`
}

// GraphConfig describes connectivity to the graph database holding the region registry.
type GraphConfig struct {
	URI            string `mapstructure:"uri"`
	Database       string `mapstructure:"database"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DatabaseConfig describes the PostgreSQL persistence store. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig enables distributed locks when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// KafkaConfig enables the Kafka alert sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	AlertsTopic string   `mapstructure:"alerts_topic"`
}

// PubSubConfig enables the Google Pub/Sub alert sink when ProjectID is set.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	AlertsTopic     string `mapstructure:"alerts_topic"`
	CredentialsJSON string `mapstructure:"credentials_json"`
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"` // text|json
	IncludeCaller bool   `mapstructure:"include_caller"`
}

// IngestConfig tunes the batch ingestor.
type IngestConfig struct {
	DataRootSegment string        `mapstructure:"data_root_segment"`
	FilePattern     string        `mapstructure:"file_pattern"`
	Workers         int           `mapstructure:"workers"`
	TolerantParsing bool          `mapstructure:"tolerant_parsing"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	IOTimeout       time.Duration `mapstructure:"io_timeout"`
}

// WatchConfig configures the directory watcher.
type WatchConfig struct {
	Paths       []string      `mapstructure:"paths"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	QueueSize   int           `mapstructure:"queue_size"`
}

// ValidationConfig bounds accepted transaction timestamps.
type ValidationConfig struct {
	ClockSkew time.Duration `mapstructure:"clock_skew"`
}

// DetectionConfig holds anomaly rule thresholds.
type DetectionConfig struct {
	VelocityMultiplier float64 `mapstructure:"velocity_multiplier"`
	OffHoursThreshold  int     `mapstructure:"off_hours_threshold"`
	VotingHoursStart   int     `mapstructure:"voting_hours_start"`
	VotingHoursEnd     int     `mapstructure:"voting_hours_end"`
	Timezone           string  `mapstructure:"timezone"`
}

const (
	defaultHost             = "0.0.0.0"
	defaultPort             = 8080
	defaultReadTimeout      = 10 * time.Second
	defaultWriteTimeout     = 60 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultLoggingLevel     = "info"
	defaultLoggingFormat    = "text"
	defaultGraphMaxSessions = 10
	defaultMaxOpenConns     = 20
	defaultMaxIdleConns     = 10
	defaultConnMaxLifetime  = 5 * time.Minute
	defaultLockTTL          = 2 * time.Minute
	defaultAlertsTopic      = "votetrace-alerts"
	defaultDataRootSegment  = "data"
	defaultFilePattern      = "*.csv"
	defaultIngestWorkers    = 4
	defaultRetryBackoff     = 250 * time.Millisecond
	defaultIOTimeout        = 5 * time.Minute
	defaultSettleDelay      = 500 * time.Millisecond
	defaultQueueSize        = 256
	defaultClockSkew        = 5 * time.Minute
	defaultVelocityMultiple = 3.0
	defaultOffHoursLimit    = 5
	defaultVotingStartHour  = 8
	defaultVotingEndHour    = 20
	defaultTimezone         = "UTC"
)

// Load reads configuration from an optional config file and environment variables, applying defaults.
// Keys map to env vars by upper-casing and replacing "." with "_" (graph.uri -> GRAPH_URI).
func Load() (Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("VOTETRACE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Kafka.Brokers = splitCSV(cfg.Kafka.Brokers)
	cfg.Watch.Paths = splitCSV(cfg.Watch.Paths)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by Load with an empty environment.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", defaultHost)
	v.SetDefault("server.port", defaultPort)
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.write_timeout", defaultWriteTimeout)
	v.SetDefault("server.idle_timeout", defaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.allowed_origins", "")

	v.SetDefault("graph.uri", "")
	v.SetDefault("graph.database", "")
	v.SetDefault("graph.username", "")
	v.SetDefault("graph.password", "")
	v.SetDefault("graph.max_connections", defaultGraphMaxSessions)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", defaultConnMaxLifetime)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", defaultLockTTL)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.alerts_topic", defaultAlertsTopic)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.alerts_topic", defaultAlertsTopic)
	v.SetDefault("pubsub.credentials_json", "")

	v.SetDefault("logging.level", defaultLoggingLevel)
	v.SetDefault("logging.format", defaultLoggingFormat)
	v.SetDefault("logging.include_caller", false)

	v.SetDefault("ingest.data_root_segment", defaultDataRootSegment)
	v.SetDefault("ingest.file_pattern", defaultFilePattern)
	v.SetDefault("ingest.workers", defaultIngestWorkers)
	v.SetDefault("ingest.tolerant_parsing", false)
	v.SetDefault("ingest.retry_backoff", defaultRetryBackoff)
	v.SetDefault("ingest.io_timeout", defaultIOTimeout)

	v.SetDefault("watch.paths", []string{})
	v.SetDefault("watch.settle_delay", defaultSettleDelay)
	v.SetDefault("watch.queue_size", defaultQueueSize)

	v.SetDefault("validation.clock_skew", defaultClockSkew)

	v.SetDefault("detection.velocity_multiplier", defaultVelocityMultiple)
	v.SetDefault("detection.off_hours_threshold", defaultOffHoursLimit)
	v.SetDefault("detection.voting_hours_start", defaultVotingStartHour)
	v.SetDefault("detection.voting_hours_end", defaultVotingEndHour)
	v.SetDefault("detection.timezone", defaultTimezone)
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.Server.Port))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers))
	}
	if strings.TrimSpace(c.Ingest.DataRootSegment) == "" {
		errs = append(errs, errors.New("ingest.data_root_segment is required"))
	}
	if c.Watch.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("watch.queue_size must be positive, got %d", c.Watch.QueueSize))
	}
	if c.Validation.ClockSkew < 0 {
		errs = append(errs, fmt.Errorf("validation.clock_skew must not be negative, got %s", c.Validation.ClockSkew))
	}
	if c.Detection.VelocityMultiplier <= 1 {
		errs = append(errs, fmt.Errorf("detection.velocity_multiplier must be greater than 1, got %v", c.Detection.VelocityMultiplier))
	}
	if c.Detection.OffHoursThreshold < 0 {
		errs = append(errs, fmt.Errorf("detection.off_hours_threshold must not be negative, got %d", c.Detection.OffHoursThreshold))
	}
	start, end := c.Detection.VotingHoursStart, c.Detection.VotingHoursEnd
	if start < 0 || start > 23 || end < 1 || end > 24 || start >= end {
		errs = append(errs, fmt.Errorf("invalid voting hours window %d-%d", start, end))
	}
	if _, err := time.LoadLocation(c.Detection.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid detection.timezone %q: %w", c.Detection.Timezone, err))
	}
	return errors.Join(errs...)
}

// AllowedOrigins splits the comma separated origin list.
func (c ServerConfig) AllowedOrigins() []string {
	return splitCSV([]string{c.AllowedOriginsCSV})
}

func splitCSV(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
	}
	return out
}
