// Package config centralizes environment-variable configuration for the
// plugin host runtime, following the same getEnv/getEnvInt idiom the
// rest of this stack uses — no config file, no viper, defaults baked
// in and overridable per-variable.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved runtime configuration. Values are not
// validated beyond parsing: a value that fails to parse silently falls
// back to its default.
type Config struct {
	// Discovery
	PluginsDir string

	// Registry client
	RegistryURL     string
	RegistryTimeout time.Duration

	// Cache (internal/plugins TTL+LRU cache)
	CacheMaxSize         int
	CacheDefaultTTL      time.Duration
	CacheCleanupInterval time.Duration
	CacheMemoryLimitMB   int

	// Loader
	LoadingStrategy string
	MaxFileSizeMB   int
	RegexTimeoutMS  int

	// Logging
	LogLevel string
	LogPretty bool

	// Redis mirror (optional)
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// NATS fan-out (optional)
	NATSEnabled bool
	NATSURL     string

	// Control-plane auth
	JWTSigningSecret string

	// Postgres install-log store (optional)
	StoreEnabled  bool
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string

	// Control plane HTTP
	ControlPlanePort string
}

// Load reads every plugin-host environment variable and returns a
// resolved Config. Unlike the registry client, Load never fails — bad
// or missing values fall back to their documented default the same way
// the rest of this stack does.
func Load() Config {
	return Config{
		PluginsDir: getEnv("PLUGINS_DIR", "./plugins"),

		RegistryURL:     getEnv("PLUGIN_REGISTRY_URL", ""),
		RegistryTimeout: getEnvDuration("REGISTRY_TIMEOUT", 10*time.Second),

		CacheMaxSize:         getEnvInt("PLUGIN_CACHE_MAX_SIZE", 500),
		CacheDefaultTTL:      getEnvDuration("PLUGIN_CACHE_DEFAULT_TTL", 10*time.Minute),
		CacheCleanupInterval: getEnvDuration("PLUGIN_CACHE_CLEANUP_INTERVAL", 1*time.Minute),
		CacheMemoryLimitMB:   getEnvInt("PLUGIN_CACHE_MEMORY_LIMIT", 64),

		LoadingStrategy: getEnv("PLUGIN_LOADING_STRATEGY", "parallel-batch"),
		MaxFileSizeMB:   getEnvInt("PLUGIN_MAX_FILE_SIZE", 50),
		RegexTimeoutMS:  getEnvInt("PLUGIN_REGEX_TIMEOUT_MS", 100),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnv("LOG_PRETTY", "false") == "true",

		RedisEnabled:  getEnv("PLUGIN_CACHE_REDIS_ENABLED", "false") == "true",
		RedisHost:     getEnv("PLUGIN_CACHE_REDIS_HOST", "localhost"),
		RedisPort:     getEnv("PLUGIN_CACHE_REDIS_PORT", "6379"),
		RedisPassword: getEnv("PLUGIN_CACHE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("PLUGIN_CACHE_REDIS_DB", 0),

		NATSEnabled: getEnv("PLUGIN_EVENTS_NATS_ENABLED", "false") == "true",
		NATSURL:     getEnv("PLUGIN_EVENTS_NATS_URL", "nats://localhost:4222"),

		JWTSigningSecret: getEnv("JWT_SIGNING_SECRET", ""),

		StoreEnabled: getEnv("PLUGIN_STORE_ENABLED", "false") == "true",
		DBHost:       getEnv("DB_HOST", "localhost"),
		DBPort:       getEnv("DB_PORT", "5432"),
		DBUser:       getEnv("DB_USER", "pluginhost"),
		DBPassword:   getEnv("DB_PASSWORD", ""),
		DBName:       getEnv("DB_NAME", "pluginhost"),
		DBSSLMode:    getEnv("DB_SSL_MODE", "disable"),

		ControlPlanePort: getEnv("CONTROL_PLANE_PORT", "8090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are treated as milliseconds, matching
		// REGISTRY_TIMEOUT / PLUGIN_CACHE_DEFAULT_TTL being specified
		// as plain numbers in some deployments.
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
