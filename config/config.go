package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"bourse/infra/logging"
)

// Config holds every tunable of the process. Values come from an optional
// YAML file named by BOURSE_CONFIG, then environment overrides.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Store      StoreConfig      `yaml:"store"`
	Journal    JournalConfig    `yaml:"journal"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Feed       FeedConfig       `yaml:"feed"`
	Kline      KlineConfig      `yaml:"kline"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Logging    logging.Config   `yaml:"logging"`
	Symbols    []string         `yaml:"symbols" validate:"required,min=1,dive,required,uppercase"`
}

type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr" validate:"required"`
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers" validate:"required,min=1,dive,hostname_port"`
	MatchTopic      string   `yaml:"match_topic" validate:"required"`
	DeadLetterTopic string   `yaml:"dead_letter_topic" validate:"required"`
	SettlementTopic string   `yaml:"settlement_topic" validate:"required"`
	GroupID         string   `yaml:"group_id" validate:"required"`
}

type StoreConfig struct {
	Dir string `yaml:"dir" validate:"required"`
}

type JournalConfig struct {
	Dir         string `yaml:"dir" validate:"required"`
	SegmentSize int64  `yaml:"segment_size"`
}

// PostgresConfig is optional; an empty Host keeps klines in the embedded store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
}

func (p PostgresConfig) Enabled() bool { return p.Host != "" }

func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode)
}

// DSNWithoutPassword is safe to log.
func (p PostgresConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Name, p.SSLMode)
}

type FeedConfig struct {
	URL            string        `yaml:"url" validate:"required,url"`
	RestURL        string        `yaml:"rest_url" validate:"required,url"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	// Supply is the circulating supply per symbol used for the ticker's
	// market cap. Symbols without an entry publish an empty market cap.
	Supply map[string]string `yaml:"supply" validate:"dive,keys,uppercase,endkeys,numeric"`
}

type KlineConfig struct {
	Intervals     []string      `yaml:"intervals" validate:"required,min=1"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxFlatFill   int           `yaml:"max_flat_fill"`
}

type DispatcherConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	LaneBuffer      int           `yaml:"lane_buffer"`
	MarketRemainder string        `yaml:"market_remainder" validate:"omitempty,oneof=cancel keep-partial"`
	DepthLevels     int           `yaml:"depth_levels"`
}

type BroadcastConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

type SchedulerConfig struct {
	BootstrapDelay  time.Duration `yaml:"bootstrap_delay"`
	FetchLimit      int           `yaml:"fetch_limit"`
	BootstrapLimit  int           `yaml:"bootstrap_limit"`
	MinuteRetention time.Duration `yaml:"minute_retention"`
	HourRetention   time.Duration `yaml:"hour_retention"`
	OutboxInterval  time.Duration `yaml:"outbox_interval"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr:        ":50051",
			HTTPAddr:        ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			MatchTopic:      "match.events",
			DeadLetterTopic: "match.events.dlq",
			SettlementTopic: "trades.settlement",
			GroupID:         "bourse-matching",
		},
		Store:   StoreConfig{Dir: "./data/store"},
		Journal: JournalConfig{Dir: "./data/journal", SegmentSize: 8 << 20},
		Postgres: PostgresConfig{
			Port:    5432,
			Name:    "bourse",
			SSLMode: "disable",
		},
		Feed: FeedConfig{
			URL:            "wss://stream.binance.com:9443/stream",
			RestURL:        "https://api.binance.com",
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			ReadTimeout:    60 * time.Second,
			PingInterval:   15 * time.Second,
		},
		Kline: KlineConfig{
			Intervals:     []string{"1m", "1h"},
			SweepInterval: time.Second,
			MaxFlatFill:   1440,
		},
		Dispatcher: DispatcherConfig{
			MaxAttempts:     5,
			InitialBackoff:  100 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			LaneBuffer:      256,
			MarketRemainder: "cancel",
			DepthLevels:     50,
		},
		Broadcast: BroadcastConfig{
			SubscriberBuffer: 256,
			WriteTimeout:     5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			BootstrapDelay:  30 * time.Second,
			FetchLimit:      5,
			BootstrapLimit:  1000,
			MinuteRetention: 7 * 24 * time.Hour,
			HourRetention:   30 * 24 * time.Hour,
			OutboxInterval:  250 * time.Millisecond,
		},
		Logging: logging.Config{Level: "info", Format: "json"},
		Symbols: []string{"BTCUSDT", "ETHUSDT"},
	}
}

// Load reads defaults, then the YAML file, then the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("BOURSE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.overrideWithEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) overrideWithEnv() {
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Kafka.Brokers = getEnvAsList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.MatchTopic = getEnv("KAFKA_MATCH_TOPIC", c.Kafka.MatchTopic)
	c.Kafka.DeadLetterTopic = getEnv("KAFKA_DLQ_TOPIC", c.Kafka.DeadLetterTopic)
	c.Kafka.SettlementTopic = getEnv("KAFKA_SETTLEMENT_TOPIC", c.Kafka.SettlementTopic)
	c.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)

	c.Store.Dir = getEnv("STORE_DIR", c.Store.Dir)
	c.Journal.Dir = getEnv("JOURNAL_DIR", c.Journal.Dir)

	c.Postgres.Host = getEnv("DB_HOST", c.Postgres.Host)
	c.Postgres.Port = getEnvAsInt("DB_PORT", c.Postgres.Port)
	c.Postgres.Name = getEnv("DB_NAME", c.Postgres.Name)
	c.Postgres.User = getEnv("DB_USER", c.Postgres.User)
	c.Postgres.Password = getEnv("DB_PASSWORD", c.Postgres.Password)
	c.Postgres.SSLMode = getEnv("DB_SSL_MODE", c.Postgres.SSLMode)

	c.Feed.URL = getEnv("FEED_URL", c.Feed.URL)
	c.Feed.RestURL = getEnv("FEED_REST_URL", c.Feed.RestURL)
	c.Feed.InitialBackoff = getEnvAsDuration("FEED_INITIAL_BACKOFF", c.Feed.InitialBackoff)
	c.Feed.MaxBackoff = getEnvAsDuration("FEED_MAX_BACKOFF", c.Feed.MaxBackoff)

	c.Dispatcher.MaxAttempts = getEnvAsInt("MATCH_MAX_ATTEMPTS", c.Dispatcher.MaxAttempts)
	c.Dispatcher.MarketRemainder = getEnv("MARKET_REMAINDER", c.Dispatcher.MarketRemainder)

	c.Broadcast.SubscriberBuffer = getEnvAsInt("SUBSCRIBER_BUFFER", c.Broadcast.SubscriberBuffer)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	c.Symbols = getEnvAsList("SYMBOLS", c.Symbols)
}

var validate = validator.New()

// Validate runs struct tag validation followed by range checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.validateRanges()
}

func (c *Config) validateRanges() error {
	if c.Dispatcher.MaxAttempts < 1 || c.Dispatcher.MaxAttempts > 20 {
		return fmt.Errorf("MATCH_MAX_ATTEMPTS must be between 1 and 20, got %d", c.Dispatcher.MaxAttempts)
	}
	if c.Dispatcher.InitialBackoff <= 0 || c.Dispatcher.MaxBackoff < c.Dispatcher.InitialBackoff {
		return fmt.Errorf("dispatcher backoff must satisfy 0 < initial <= max, got %v/%v",
			c.Dispatcher.InitialBackoff, c.Dispatcher.MaxBackoff)
	}
	if c.Dispatcher.LaneBuffer < 1 {
		return fmt.Errorf("dispatcher lane buffer must be positive, got %d", c.Dispatcher.LaneBuffer)
	}
	if c.Feed.InitialBackoff <= 0 || c.Feed.MaxBackoff < c.Feed.InitialBackoff {
		return fmt.Errorf("feed backoff must satisfy 0 < initial <= max, got %v/%v",
			c.Feed.InitialBackoff, c.Feed.MaxBackoff)
	}
	if c.Feed.ReadTimeout <= 0 {
		return fmt.Errorf("feed read timeout must be positive, got %v", c.Feed.ReadTimeout)
	}
	if c.Broadcast.SubscriberBuffer < 1 {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be positive, got %d", c.Broadcast.SubscriberBuffer)
	}
	if c.Kline.SweepInterval <= 0 {
		return fmt.Errorf("kline sweep interval must be positive, got %v", c.Kline.SweepInterval)
	}
	if c.Kline.MaxFlatFill < 0 {
		return fmt.Errorf("kline max flat fill cannot be negative, got %d", c.Kline.MaxFlatFill)
	}
	if c.Scheduler.FetchLimit < 1 || c.Scheduler.BootstrapLimit < c.Scheduler.FetchLimit {
		return fmt.Errorf("scheduler limits must satisfy 1 <= fetch <= bootstrap, got %d/%d",
			c.Scheduler.FetchLimit, c.Scheduler.BootstrapLimit)
	}
	if c.Postgres.Enabled() && (c.Postgres.Port < 1 || c.Postgres.Port > 65535) {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Postgres.Port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
