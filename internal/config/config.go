package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Upstream services
	XanoBaseURL  string `yaml:"xano_base_url"`
	LangGraphURL string `yaml:"langgraph_url"`

	// Upstream retry policy (idempotent calls only)
	UpstreamTimeout     time.Duration
	UpstreamMaxAttempts int
	UpstreamBackoffBase time.Duration
	UpstreamBackoffCap  time.Duration

	// HTTP Transport Connection Pool
	GatewayMaxIdleConns        int
	GatewayMaxIdleConnsPerHost int
	GatewayMaxConnsPerHost     int
	GatewayIdleConnTimeout     int // in seconds

	// Mock chat backend
	UseMockChat    bool
	MockChatDBPath string `yaml:"mockchat_db_path"`

	// Auth
	AuthCookieMaxAge int // in seconds

	// Visitor IP resolution
	IPLookupURL string `yaml:"ip_lookup_url"`

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

const (
	defaultUpstreamTimeout     = 30 * time.Second
	defaultUpstreamBackoffBase = 1 * time.Second
	defaultUpstreamBackoffCap  = 10 * time.Second
)

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Upstream services
		XanoBaseURL:  getEnvOrDefault("XANO_BASE_URL", "https://api.autosnap.cloud"),
		LangGraphURL: getEnvOrDefault("LANGGRAPH_URL", "http://localhost:8000"),

		// Upstream retry policy
		UpstreamTimeout:     getEnvAsDuration("UPSTREAM_TIMEOUT", defaultUpstreamTimeout),
		UpstreamMaxAttempts: getEnvAsInt("UPSTREAM_MAX_ATTEMPTS", 3),
		UpstreamBackoffBase: getEnvAsDuration("UPSTREAM_BACKOFF_BASE", defaultUpstreamBackoffBase),
		UpstreamBackoffCap:  getEnvAsDuration("UPSTREAM_BACKOFF_CAP", defaultUpstreamBackoffCap),

		// HTTP Transport Connection Pool
		GatewayMaxIdleConns:        getEnvAsInt("GATEWAY_MAX_IDLE_CONNS", 100),
		GatewayMaxIdleConnsPerHost: getEnvAsInt("GATEWAY_MAX_IDLE_CONNS_PER_HOST", 50),
		GatewayMaxConnsPerHost:     getEnvAsInt("GATEWAY_MAX_CONNS_PER_HOST", 100),
		GatewayIdleConnTimeout:     getEnvAsInt("GATEWAY_IDLE_CONN_TIMEOUT_SECONDS", 90),

		// Mock chat backend
		UseMockChat:    getEnvOrDefault("USE_MOCK_CHAT", "false") == "true",
		MockChatDBPath: getEnvOrDefault("MOCKCHAT_DB_PATH", "mockchat.db"),

		// Auth
		AuthCookieMaxAge: getEnvAsInt("AUTH_COOKIE_MAX_AGE_SECONDS", 86400),

		// Visitor IP resolution
		IPLookupURL: getEnvOrDefault("IP_LOOKUP_URL", "https://api.ipify.org?format=json"),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Optional configuration file. Environment variables win for scalar
	// settings loaded above; the file covers deploy-specific overrides.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	configFile, err := os.Open(configFilePath)
	if err == nil {
		defer configFile.Close()
		if err := LoadConfigFile(configFile, cfg); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
		log.Printf("Loaded config file: %v", configFilePath)
	}

	if cfg.XanoBaseURL == "" {
		log.Fatal("XANO_BASE_URL is required")
	}

	if cfg.UseMockChat {
		log.Println("Mock chat backend enabled: /chat will not reach upstream services")
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
