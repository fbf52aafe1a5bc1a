package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "TANDEM"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DatabaseDriverSQLite
	defaultDatabaseDSN         = "tandem.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultLogMaxSizeMB        = 10
	defaultLogMaxBackups       = 5
	defaultAuthMode            = AuthModeSession
	defaultAuthIssuer          = "tandem-auth"
	defaultTokenTTLMinutes     = 60
	defaultFirebaseJWKSURL     = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"
	defaultAllowedOrigins      = "http://localhost:3000,http://localhost"
	defaultRequestsPerMinute   = 60
	defaultRateBurst           = 20
	defaultPingIntervalSeconds = 25
	defaultPongTimeoutSeconds  = 60
	defaultSendBuffer          = 64
	defaultMaxMessageBytes     = 4 << 20
	defaultEnvironment         = EnvironmentDevelopment
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// Supported token verification modes.
const (
	AuthModeSession  = "session"
	AuthModeFirebase = "firebase"
)

// Deployment environments.
const (
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	Environment string

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	AuthMode          string
	AuthSigningSecret string
	AuthIssuer        string
	TokenTTL          time.Duration
	FirebaseProjectID string
	FirebaseJWKSURL   string

	AllowedOrigins []string

	RequestsPerMinute int
	RateBurst         int

	PingInterval    time.Duration
	PongTimeout     time.Duration
	SendBuffer      int
	MaxMessageBytes int64
}

// IsProduction reports whether the service runs in the production environment.
func (c AppConfig) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("environment", defaultEnvironment)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("auth.mode", defaultAuthMode)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.firebase_jwks_url", defaultFirebaseJWKSURL)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("ratelimit.requests_per_minute", defaultRequestsPerMinute)
	configViper.SetDefault("ratelimit.burst", defaultRateBurst)
	configViper.SetDefault("realtime.ping_interval_seconds", defaultPingIntervalSeconds)
	configViper.SetDefault("realtime.pong_timeout_seconds", defaultPongTimeoutSeconds)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.max_message_bytes", defaultMaxMessageBytes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		Environment:       strings.ToLower(strings.TrimSpace(configViper.GetString("environment"))),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		LogFile:           strings.TrimSpace(configViper.GetString("log.file")),
		LogMaxSizeMB:      configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:     configViper.GetInt("log.max_backups"),
		AuthMode:          strings.ToLower(strings.TrimSpace(configViper.GetString("auth.mode"))),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        strings.TrimSpace(configViper.GetString("auth.issuer")),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		FirebaseProjectID: strings.TrimSpace(configViper.GetString("auth.firebase_project_id")),
		FirebaseJWKSURL:   strings.TrimSpace(configViper.GetString("auth.firebase_jwks_url")),
		AllowedOrigins:    splitOrigins(configViper.GetString("cors.allowed_origins")),
		RequestsPerMinute: configViper.GetInt("ratelimit.requests_per_minute"),
		RateBurst:         configViper.GetInt("ratelimit.burst"),
		PingInterval:      time.Duration(configViper.GetInt("realtime.ping_interval_seconds")) * time.Second,
		PongTimeout:       time.Duration(configViper.GetInt("realtime.pong_timeout_seconds")) * time.Second,
		SendBuffer:        configViper.GetInt("realtime.send_buffer"),
		MaxMessageBytes:   configViper.GetInt64("realtime.max_message_bytes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.Environment {
	case EnvironmentDevelopment, EnvironmentStaging, EnvironmentProduction:
	default:
		return fmt.Errorf("environment must be one of development, staging, production (got %q)", c.Environment)
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres (got %q)", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console (got %q)", c.LogFormat)
	}
	switch c.AuthMode {
	case AuthModeSession:
		if strings.TrimSpace(c.AuthSigningSecret) == "" {
			return fmt.Errorf("auth.signing_secret is required in session mode")
		}
		if c.AuthIssuer == "" {
			return fmt.Errorf("auth.issuer is required in session mode")
		}
	case AuthModeFirebase:
		if c.FirebaseProjectID == "" {
			return fmt.Errorf("auth.firebase_project_id is required in firebase mode")
		}
		if c.FirebaseJWKSURL == "" {
			return fmt.Errorf("auth.firebase_jwks_url is required in firebase mode")
		}
	default:
		return fmt.Errorf("auth.mode must be session or firebase (got %q)", c.AuthMode)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.RequestsPerMinute <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("ratelimit.requests_per_minute and ratelimit.burst must be positive")
	}
	if c.PingInterval <= 0 || c.PongTimeout <= c.PingInterval {
		return fmt.Errorf("realtime.pong_timeout_seconds must exceed realtime.ping_interval_seconds")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("realtime.max_message_bytes must be positive")
	}
	return nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	return origins
}
