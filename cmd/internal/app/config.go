package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, identity tokens are mandatory on the websocket handshake and
	// TUNETIME_IDENTITY_HMAC_KEY MUST be set (fail-fast at startup).
	RequireWSAuth bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("TUNETIME_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("TUNETIME_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("TUNETIME_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TUNETIME_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TUNETIME_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TUNETIME_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("TUNETIME_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("TUNETIME_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("TUNETIME_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TUNETIME_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("TUNETIME_READINESS_REQUIRE_DB", false),

		RequireWSAuth: EnvBool("TUNETIME_WS_REQUIRE_AUTH", false),
	}
}
