package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/faros/cockpit-gateway/pkg/observability"
)

// LoginFlow controls how unauthenticated visitors are handled
type LoginFlow string

const (
	// LoginFlowDefault shows the landing page and lets visitors pick a login
	LoginFlowDefault LoginFlow = "DEFAULT"
	// LoginFlowBlockAnonymous forces login before any page is served
	LoginFlowBlockAnonymous LoginFlow = "BLOCK_ANONYMOUS"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Session store configuration
	Redis RedisConfig

	// Federation and gateway endpoints
	Federation FederationConfig
	Gateway    GatewayConfig

	// Login flow behavior
	Login LoginConfig

	// Feature toggle source
	Features FeaturesConfig

	// Observability configuration
	Observability ObservabilityConfig

	// Environment is the deployment environment name (development,
	// staging, production). CSRF enforcement and cookie security key
	// off it.
	Environment string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// BaseURL is the externally visible origin, used to build the OAuth
	// callback URL.
	BaseURL string
}

// RedisConfig holds session store configuration
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// FederationConfig holds the federation service endpoints and, for the
// static federator mode, the pre-registered client.
type FederationConfig struct {
	// GraphQLURL is the federation service GraphQL endpoint serving
	// per-connector OIDC parameters.
	GraphQLURL string

	// MultifederatorURL is the issuer used when redirect optimization is
	// toggled off and parameters are discovered instead of fetched.
	MultifederatorURL string
	ClientID          string
	ClientSecret      string

	// ParamsCacheTTL bounds how long fetched OIDC parameters are reused
	ParamsCacheTTL time.Duration
}

// GatewayConfig holds the upstream API gateway endpoint
type GatewayConfig struct {
	GraphQLURL string
	Timeout    time.Duration
}

// LoginConfig holds login flow behavior
type LoginConfig struct {
	Flow LoginFlow

	// InternalUserPrefixes are user-id prefixes whose login denials are
	// logged without alerting.
	InternalUserPrefixes []string

	// StrategyMaxAge bounds how long a registered per-session login
	// strategy survives without completing.
	StrategyMaxAge time.Duration
}

// FeaturesConfig holds the feature toggle source. File takes precedence
// over JSON when both are set.
type FeaturesConfig struct {
	File string
	JSON string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Redis:         loadRedisConfig(),
		Federation:    loadFederationConfig(),
		Gateway:       loadGatewayConfig(),
		Login:         loadLoginConfig(),
		Features:      loadFeaturesConfig(),
		Observability: loadObservabilityConfig(),
		Environment:   getEnv("COCKPIT_ENVIRONMENT", "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Production reports whether the service runs in the production environment
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// CallbackURL builds the OAuth redirect URL from the base URL
func (c *Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.BaseURL, "/") + "/auth/callback"
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("COCKPIT_HOST", "0.0.0.0"),
		Port:            getEnv("COCKPIT_PORT", "8080"),
		ReadTimeout:     getEnvDuration("COCKPIT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("COCKPIT_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("COCKPIT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("COCKPIT_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("COCKPIT_HEALTH_PORT", "9090"),
		BaseURL:         getEnv("COCKPIT_BASE_URL", "http://localhost:8080"),
	}
}

// loadRedisConfig loads session store configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("COCKPIT_REDIS_URL", "redis://localhost:6379"),
		Password:   getEnv("COCKPIT_REDIS_PASSWORD", ""),
		DB:         getEnvInt("COCKPIT_REDIS_DB", 0),
		MaxRetries: getEnvInt("COCKPIT_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("COCKPIT_REDIS_POOL_SIZE", 10),
	}
}

// loadFederationConfig loads federation endpoints from environment
func loadFederationConfig() FederationConfig {
	return FederationConfig{
		GraphQLURL:        getEnv("COCKPIT_FEDERATION_GRAPHQL_URL", ""),
		MultifederatorURL: getEnv("COCKPIT_MULTIFEDERATOR_URL", ""),
		ClientID:          getEnv("COCKPIT_MULTIFEDERATOR_CLIENT_ID", ""),
		ClientSecret:      getEnv("COCKPIT_MULTIFEDERATOR_CLIENT_SECRET", ""),
		ParamsCacheTTL:    getEnvDuration("COCKPIT_OIDC_PARAMS_CACHE_TTL", 5*time.Minute),
	}
}

// loadGatewayConfig loads the upstream gateway endpoint from environment
func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		GraphQLURL: getEnv("COCKPIT_GATEWAY_GRAPHQL_URL", ""),
		Timeout:    getEnvDuration("COCKPIT_GATEWAY_TIMEOUT", 30*time.Second),
	}
}

// loadLoginConfig loads login flow behavior from environment
func loadLoginConfig() LoginConfig {
	flow := LoginFlowDefault
	if strings.EqualFold(getEnv("COCKPIT_LOGIN_FLOW", ""), string(LoginFlowBlockAnonymous)) {
		flow = LoginFlowBlockAnonymous
	}

	prefixes := []string{"i", "d"}
	if raw := getEnv("COCKPIT_INTERNAL_USER_PREFIXES", ""); raw != "" {
		prefixes = nil
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, strings.ToLower(p))
			}
		}
	}

	return LoginConfig{
		Flow:                 flow,
		InternalUserPrefixes: prefixes,
		StrategyMaxAge:       getEnvDuration("COCKPIT_STRATEGY_MAX_AGE", time.Hour),
	}
}

// loadFeaturesConfig loads the feature toggle source from environment
func loadFeaturesConfig() FeaturesConfig {
	return FeaturesConfig{
		File: getEnv("COCKPIT_FEATURES_FILE", ""),
		JSON: getEnv("COCKPIT_FEATURES_JSON", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("COCKPIT_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("COCKPIT_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("COCKPIT_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("COCKPIT_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("COCKPIT_OTEL_SERVICE_NAME", "cockpit-gateway"),
		OTelServiceVersion: getEnv("COCKPIT_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("COCKPIT_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil || c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required and must be a valid URL")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.Federation.GraphQLURL == "" {
		return fmt.Errorf("federation GraphQL URL is required")
	}
	if c.Gateway.GraphQLURL == "" {
		return fmt.Errorf("gateway GraphQL URL is required")
	}

	// The static federator mode needs a pre-registered client
	if c.Federation.MultifederatorURL != "" && c.Federation.ClientID == "" {
		return fmt.Errorf("multifederator client ID is required when a multifederator URL is set")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
