package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	TransportProxy = "proxy"
	TransportNATS  = "nats"
	TransportKafka = "kafka"
)

type Config struct {
	AppPort string `yaml:"app_port"`
	AppMode string `yaml:"app_mode"`
	LogMode string `yaml:"log_mode"`

	DBHost     string `yaml:"db_host"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBPort     string `yaml:"db_port"`
	DBMaxConns int    `yaml:"db_max_conns"`

	RedisHost     string `yaml:"redis_host"`
	RedisPort     string `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	JWTSecret         string        `yaml:"jwt_secret"`
	SessionCookie     string        `yaml:"session_cookie"`
	SessionExpiryTime string        `yaml:"session_expiry_time"`
	SessionTimezone   string        `yaml:"session_timezone"`
	SessionCacheTTL   time.Duration `yaml:"session_cache_ttl"`
	APIKeyPepper      string        `yaml:"api_key_pepper"`

	SearchLimit int `yaml:"search_limit"`

	FeedTransport     string        `yaml:"feed_transport"`
	FeedProxyURL      string        `yaml:"feed_proxy_url"`
	FeedDialTimeout   time.Duration `yaml:"feed_dial_timeout"`
	NATSURL           string        `yaml:"nats_url"`
	NATSSubjectPrefix string        `yaml:"nats_subject_prefix"`
	KafkaBrokers      []string      `yaml:"kafka_brokers"`
	KafkaTopic        string        `yaml:"kafka_topic"`

	PushViaRedis bool `yaml:"push_via_redis"`

	SearchRateLimit    int `yaml:"search_rate_limit"`
	SubscribeRateLimit int `yaml:"subscribe_rate_limit"`
}

func defaults() *Config {
	return &Config{
		AppPort:            "5000",
		AppMode:            "debug",
		LogMode:            "development",
		DBHost:             "localhost",
		DBUser:             "postgres",
		DBPassword:         "postgres",
		DBName:             "marketdata",
		DBPort:             "5432",
		DBMaxConns:         10,
		RedisHost:          "localhost",
		RedisPort:          "6379",
		SessionCookie:      "session",
		SessionExpiryTime:  "03:00",
		SessionTimezone:    "Asia/Kolkata",
		SessionCacheTTL:    24 * time.Hour,
		SearchLimit:        50,
		FeedTransport:      TransportProxy,
		FeedProxyURL:       "ws://127.0.0.1:8765",
		FeedDialTimeout:    10 * time.Second,
		NATSURL:            "nats://127.0.0.1:4222",
		NATSSubjectPrefix:  "md",
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaTopic:         "market-ticks",
		PushViaRedis:       true,
		SearchRateLimit:    120,
		SubscribeRateLimit: 30,
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE, and environment variables. Environment variables win.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.AppPort = getEnv("APP_PORT", cfg.AppPort)
	cfg.AppMode = getEnv("APP_MODE", cfg.AppMode)
	cfg.LogMode = getEnv("LOG_MODE", cfg.LogMode)

	cfg.DBHost = getEnv("DB_HOST", cfg.DBHost)
	cfg.DBUser = getEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = getEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = getEnv("DB_NAME", cfg.DBName)
	cfg.DBPort = getEnv("DB_PORT", cfg.DBPort)
	cfg.DBMaxConns = getEnvAsInt("DB_MAX_CONNS", cfg.DBMaxConns)

	cfg.RedisHost = getEnv("REDIS_HOST", cfg.RedisHost)
	cfg.RedisPort = getEnv("REDIS_PORT", cfg.RedisPort)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvAsInt("REDIS_DB", cfg.RedisDB)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.SessionCookie = getEnv("SESSION_COOKIE", cfg.SessionCookie)
	cfg.SessionExpiryTime = getEnv("SESSION_EXPIRY_TIME", cfg.SessionExpiryTime)
	cfg.SessionTimezone = getEnv("SESSION_TIMEZONE", cfg.SessionTimezone)
	cfg.SessionCacheTTL = getEnvAsDuration("SESSION_CACHE_TTL", cfg.SessionCacheTTL)
	cfg.APIKeyPepper = getEnv("API_KEY_PEPPER", cfg.APIKeyPepper)

	cfg.SearchLimit = getEnvAsInt("SEARCH_LIMIT", cfg.SearchLimit)

	cfg.FeedTransport = strings.ToLower(getEnv("FEED_TRANSPORT", cfg.FeedTransport))
	cfg.FeedProxyURL = getEnv("FEED_PROXY_URL", cfg.FeedProxyURL)
	cfg.FeedDialTimeout = getEnvAsDuration("FEED_DIAL_TIMEOUT", cfg.FeedDialTimeout)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.KafkaTopic)

	cfg.PushViaRedis = getEnvAsBool("PUSH_VIA_REDIS", cfg.PushViaRedis)

	cfg.SearchRateLimit = getEnvAsInt("SEARCH_RATE_LIMIT", cfg.SearchRateLimit)
	cfg.SubscribeRateLimit = getEnvAsInt("SUBSCRIBE_RATE_LIMIT", cfg.SubscribeRateLimit)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.APIKeyPepper == "" {
		return fmt.Errorf("API_KEY_PEPPER is required")
	}
	if len(c.APIKeyPepper) < 32 {
		return fmt.Errorf("API_KEY_PEPPER must be at least 32 characters")
	}
	switch c.FeedTransport {
	case TransportProxy, TransportNATS, TransportKafka:
	default:
		return fmt.Errorf("unknown FEED_TRANSPORT %q", c.FeedTransport)
	}
	if _, err := time.Parse("15:04", c.SessionExpiryTime); err != nil {
		return fmt.Errorf("invalid SESSION_EXPIRY_TIME %q: %w", c.SessionExpiryTime, err)
	}
	if _, err := time.LoadLocation(c.SessionTimezone); err != nil {
		return fmt.Errorf("invalid SESSION_TIMEZONE %q: %w", c.SessionTimezone, err)
	}
	return nil
}

// DatabaseDSN builds the pgx connection URL. Credentials are escaped.
func (c *Config) DatabaseDSN() string {
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: fmt.Sprintf("sslmode=disable&pool_max_conns=%d", c.DBMaxConns),
	}
	return dsn.String()
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
