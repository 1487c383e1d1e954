package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Backend kinds.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Admin credential sources.
const (
	AdminAuthStatic  = "static"
	AdminAuthBackend = "backend"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaChangeTopic string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	// Backend tables and change feed.
	Backend        string
	DatabaseURL    string
	BackendTimeout time.Duration

	// Local fallback store. An empty address keeps it in process.
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	FallbackTTL   time.Duration

	// Sessions.
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Administrator sign-in.
	AdminAuthMode     string
	AdminFailureDelay time.Duration
	// AdminCredentials lists email=bcrypt-hash[=name] entries for static mode.
	AdminCredentials string

	// Calendar used for "today" in SOS statistics.
	Location *time.Location

	// Push side channel.
	AWSRegion   string
	SNSTopicARN string
	SESSender   string
	PushTimeout time.Duration

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	var (
		mapboxTimeout, backendTimeout, accessTTL, refreshTTL time.Duration
		adminDelay, pushTimeout, fallbackTTL                 time.Duration
	)
	for _, d := range []struct {
		env, def  string
		dst       *time.Duration
		allowZero bool
	}{
		{"MAPBOX_TIMEOUT", "5s", &mapboxTimeout, false},
		{"BACKEND_TIMEOUT", "10s", &backendTimeout, false},
		{"ACCESS_TOKEN_TTL", "1h", &accessTTL, false},
		{"REFRESH_TOKEN_TTL", "720h", &refreshTTL, false},
		{"ADMIN_FAILURE_DELAY", "1s", &adminDelay, true},
		{"PUSH_TIMEOUT", "5s", &pushTimeout, false},
		{"FALLBACK_TTL", "0s", &fallbackTTL, true},
	} {
		v, err := parseDuration(d.env, d.def, d.allowZero)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	loc, err := time.LoadLocation(sharedcfg.EnvOrDefault("TIME_ZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIME_ZONE: %w", err)
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	cfg := &Config{
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaChangeTopic:   sharedcfg.EnvOrDefault("KAFKA_CHANGE_TOPIC", "db-changes"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "storm-alert-service"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		Backend:        sharedcfg.EnvOrDefault("BACKEND", BackendMemory),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		BackendTimeout: backendTimeout,

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:   sharedcfg.EnvOrDefault("REDIS_PREFIX", "storm-alert:"),
		FallbackTTL:   fallbackTTL,

		JWTSecret:       os.Getenv("JWT_SECRET"),
		AccessTokenTTL:  accessTTL,
		RefreshTokenTTL: refreshTTL,

		AdminAuthMode:     sharedcfg.EnvOrDefault("ADMIN_AUTH_MODE", AdminAuthStatic),
		AdminFailureDelay: adminDelay,
		AdminCredentials:  os.Getenv("ADMIN_CREDENTIALS"),

		Location: loc,

		AWSRegion:   sharedcfg.EnvOrDefault("AWS_REGION", "us-east-1"),
		SNSTopicARN: os.Getenv("SNS_TOPIC_ARN"),
		SESSender:   os.Getenv("SES_SENDER"),
		PushTimeout: pushTimeout,

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: parseMapboxCacheSize(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendMemory:
		if c.JWTSecret == "" {
			c.JWTSecret = "storm-alert-dev-secret"
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when BACKEND=postgres")
		}
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when BACKEND=postgres")
		}
		if c.KafkaChangeTopic == "" {
			return errors.New("KAFKA_CHANGE_TOPIC is required when BACKEND=postgres")
		}
		if c.JWTSecret == "" {
			return errors.New("JWT_SECRET is required when BACKEND=postgres")
		}
	default:
		return fmt.Errorf("invalid BACKEND %q: must be %s or %s", c.Backend, BackendMemory, BackendPostgres)
	}
	if c.AdminAuthMode != AdminAuthStatic && c.AdminAuthMode != AdminAuthBackend {
		return fmt.Errorf("invalid ADMIN_AUTH_MODE %q", c.AdminAuthMode)
	}
	if c.MapboxEnabled && c.MapboxToken == "" {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	return nil
}

func parseDuration(env, def string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(env, def))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", env)
	}
	return d, nil
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
