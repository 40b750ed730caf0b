package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App          AppConfig
	HTTP         ServerConfig
	MySQL        MySQLConfig
	Log          LogConfig
	Gateway      GatewayConfig
	AppStore     AppStoreConfig
	PlayStore    PlayStoreConfig
	Entitlements EntitlementsConfig
	Jobs         JobsConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type GatewayConfig struct {
	APIKey      string
	Environment string
	ProjectID   string
	BaseURL     string
	HTTPTimeout time.Duration
}

type AppStoreConfig struct {
	BaseURL      string
	APIToken     string
	ProductTypes []string
	HTTPTimeout  time.Duration
}

type PlayStoreConfig struct {
	BaseURL     string
	AccessToken string
	HTTPTimeout time.Duration
}

type EntitlementsConfig struct {
	RetryMaxAttempts    int32
	RetryBaseDelay      time.Duration
	ReconcileStaleAfter time.Duration
	RedeliverAfter      time.Duration
	PurgeProcessedAfter time.Duration
	JobBatchSize        int32
}

type JobsConfig struct {
	ReconcileInterval time.Duration
	RedeliverInterval time.Duration
	PurgeInterval     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}
	gatewayAPIKey := os.Getenv("SUBSCRIPTION_API_KEY")
	if gatewayAPIKey == "" {
		return nil, errors.New("SUBSCRIPTION_API_KEY environment variable is required")
	}
	gatewayProjectID := os.Getenv("SUBSCRIPTION_PROJECT_ID")
	if gatewayProjectID == "" {
		return nil, errors.New("SUBSCRIPTION_PROJECT_ID environment variable is required")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "entitlements-service"),
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Gateway: GatewayConfig{
			APIKey:      gatewayAPIKey,
			Environment: getEnv("SUBSCRIPTION_ENVIRONMENT", "production"),
			ProjectID:   gatewayProjectID,
			BaseURL:     getEnv("SUBSCRIPTION_API_BASE_URL", "https://api.subscriptions.vibast.dev"),
			HTTPTimeout: getSecondsEnv("SUBSCRIPTION_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		AppStore: AppStoreConfig{
			BaseURL:      getEnv("APPSTORE_API_BASE_URL", "https://api.storekit.itunes.apple.com"),
			APIToken:     getEnv("APPSTORE_API_TOKEN", ""),
			ProductTypes: getListEnv("APPSTORE_PRODUCT_TYPES", []string{"AUTO_RENEWABLE"}),
			HTTPTimeout:  getSecondsEnv("APPSTORE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		PlayStore: PlayStoreConfig{
			BaseURL:     getEnv("PLAYSTORE_API_BASE_URL", "https://androidpublisher.googleapis.com"),
			AccessToken: getEnv("PLAYSTORE_ACCESS_TOKEN", ""),
			HTTPTimeout: getSecondsEnv("PLAYSTORE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Entitlements: EntitlementsConfig{
			RetryMaxAttempts:    int32(getIntEnv("ENTITLEMENTS_RETRY_MAX_ATTEMPTS", 3)),
			RetryBaseDelay:      getMillisEnv("ENTITLEMENTS_RETRY_BASE_DELAY_MS", 200*time.Millisecond),
			ReconcileStaleAfter: getMinutesEnv("ENTITLEMENTS_RECONCILE_STALE_AFTER_MINUTES", 720*time.Minute),
			RedeliverAfter:      getMinutesEnv("ENTITLEMENTS_REDELIVER_AFTER_MINUTES", 10*time.Minute),
			PurgeProcessedAfter: getMinutesEnv("ENTITLEMENTS_PURGE_PROCESSED_AFTER_MINUTES", 43200*time.Minute),
			JobBatchSize:        int32(getIntEnv("ENTITLEMENTS_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			ReconcileInterval: getMinutesEnv("ENTITLEMENTS_RECONCILE_INTERVAL_MINUTES", 30*time.Minute),
			RedeliverInterval: getMinutesEnv("ENTITLEMENTS_REDELIVER_INTERVAL_MINUTES", 5*time.Minute),
			PurgeInterval:     getMinutesEnv("ENTITLEMENTS_PURGE_INTERVAL_MINUTES", 1440*time.Minute),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
