package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string
	NodeID      int64

	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Gateway     GatewayConfig
	Sweeper     SweeperConfig
	Transfer    TransferConfig
	AuthFailure AuthFailureConfig
	MetricsPush MetricsPushConfig
}

// ObservabilityConfig configures logs and the OTLP exporters.
type ObservabilityConfig struct {
	LogFormat     string
	OTLPEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

// MetricsPushConfig configures pushing the Prometheus registry from
// processes that are not scraped.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// GatewayConfig configures the payment gateway integration.
type GatewayConfig struct {
	Driver        string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// SweeperConfig configures the reconciliation sweeper loop.
type SweeperConfig struct {
	Enabled       bool
	Interval      time.Duration
	JobTimeout    time.Duration
	BatchSize     int
	PaymentSLA    time.Duration
	PaymentExpiry time.Duration
	TransferSLA   time.Duration
	Concurrency   int
	EnabledJobs   []string
}

// TransferConfig configures transfer execution and retry timing.
type TransferConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	LockTTL     time.Duration
}

// AuthFailureConfig bounds rejected credentials per source before a security flag.
type AuthFailureConfig struct {
	RatePerSecond float64
	Burst         int
	FlagWindow    time.Duration
}

const (
	GatewayDriverHTTP = "http"
	GatewayDriverFake = "fake"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "rentflow"),
		AppVersion:  getenv("SERVICE_VERSION", getenv("APP_VERSION", "0.1.0")),
		Environment: getenv("DEPLOYMENT_ENV", getenv("ENVIRONMENT", "development")),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		NodeID:      int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rentflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Gateway: GatewayConfig{
			Driver:        strings.ToLower(getenv("GATEWAY_DRIVER", GatewayDriverHTTP)),
			BaseURL:       strings.TrimRight(strings.TrimSpace(getenv("GATEWAY_BASE_URL", "")), "/"),
			APIKey:        strings.TrimSpace(getenv("GATEWAY_API_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("GATEWAY_WEBHOOK_SECRET", "")),
			Timeout:       getenvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		},
		Sweeper: SweeperConfig{
			Enabled:       getenvBool("SWEEPER_ENABLED", true),
			Interval:      getenvDuration("SWEEPER_INTERVAL", time.Minute),
			JobTimeout:    getenvDuration("SWEEPER_JOB_TIMEOUT", 45*time.Second),
			BatchSize:     getenvInt("SWEEPER_BATCH_SIZE", 100),
			PaymentSLA:    getenvDuration("SWEEPER_PAYMENT_SLA", 15*time.Minute),
			PaymentExpiry: getenvDuration("SWEEPER_PAYMENT_EXPIRY", 24*time.Hour),
			TransferSLA:   getenvDuration("SWEEPER_TRANSFER_SLA", 10*time.Minute),
			Concurrency:   getenvInt("SWEEPER_CONCURRENCY", 4),
			EnabledJobs:   getenvList("SWEEPER_JOBS"),
		},
		Transfer: TransferConfig{
			MaxAttempts: getenvInt("TRANSFER_MAX_ATTEMPTS", 5),
			BaseDelay:   getenvDuration("TRANSFER_RETRY_BASE_DELAY", 30*time.Second),
			MaxDelay:    getenvDuration("TRANSFER_RETRY_MAX_DELAY", 30*time.Minute),
			LockTTL:     getenvDuration("TRANSFER_LOCK_TTL", 2*time.Minute),
		},
		AuthFailure: AuthFailureConfig{
			RatePerSecond: getenvFloat("AUTH_FAILURE_RATE_PER_SECOND", 0.1),
			Burst:         getenvInt("AUTH_FAILURE_BURST", 10),
			FlagWindow:    getenvDuration("AUTH_FAILURE_FLAG_WINDOW", 15*time.Minute),
		},
		Observability: ObservabilityConfig{
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
			OTLPProtocol:  strings.ToLower(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", 30*time.Second),
		},
	}

	cfg.Observability.OTLPEnabled = getenvBool("OTEL_ENABLED", cfg.IsProduction())
	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
