// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	COCKPIT_HOST="0.0.0.0"
//	COCKPIT_PORT="8080"
//	COCKPIT_HEALTH_PORT="9090"
//	COCKPIT_BASE_URL="https://cockpit.example.com"
//	COCKPIT_READ_TIMEOUT="15s"
//	COCKPIT_WRITE_TIMEOUT="30s"
//
// Session store settings:
//
//	COCKPIT_REDIS_URL="redis://localhost:6379"
//	COCKPIT_REDIS_PASSWORD=""
//	COCKPIT_REDIS_DB="0"
//	COCKPIT_REDIS_POOL_SIZE="10"
//
// Federation and gateway settings:
//
//	COCKPIT_FEDERATION_GRAPHQL_URL="https://federation.example.com/graphql"
//	COCKPIT_GATEWAY_GRAPHQL_URL="https://gateway.example.com/graphql"
//	COCKPIT_MULTIFEDERATOR_URL="https://issuer.example.com"
//	COCKPIT_MULTIFEDERATOR_CLIENT_ID="cockpit"
//	COCKPIT_OIDC_PARAMS_CACHE_TTL="5m"
//
// Login flow settings:
//
//	COCKPIT_LOGIN_FLOW="DEFAULT"  # or BLOCK_ANONYMOUS
//	COCKPIT_INTERNAL_USER_PREFIXES="i,d"
//	COCKPIT_STRATEGY_MAX_AGE="1h"
//
// Observability settings:
//
//	COCKPIT_LOG_LEVEL="info"  # debug, info, warn, error
//	COCKPIT_METRICS_ENABLED="true"
//	COCKPIT_OTEL_ENABLED="true"
//	COCKPIT_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/session: Uses the redis configuration
//   - pkg/observability: Uses observability configuration
package config
