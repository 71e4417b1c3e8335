package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "ORBIT"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseDSN       = "orbit.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultSessionIssuer     = "orbit-auth"
	defaultSessionCookieName = "orbit_session"
	defaultSessionTTLMinutes = 24 * 60
	defaultAllowedOrigins    = "*"
	defaultMaxMessageBytes   = 64 * 1024
	defaultSendBuffer        = 64
	defaultMaxMessageChars   = 2000
	defaultPageSize          = 50
)

const (
	// DriverSQLite selects the embedded glebarez SQLite driver.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the gorm postgres driver.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabaseDSN       string
	LogLevel          string
	LogFormat         string
	SessionSecret     string
	SessionIssuer     string
	SessionCookieName string
	SessionTTL        time.Duration
	AllowedOrigins    []string
	MaxMessageBytes   int64
	SendBuffer        int
	MaxMessageChars   int
	DefaultPageSize   int
	RedisAddress      string
	RedisPassword     string
	RedisDB           int
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("websocket.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("websocket.send_buffer", defaultSendBuffer)
	configViper.SetDefault("chat.max_message_chars", defaultMaxMessageChars)
	configViper.SetDefault("chat.default_page_size", defaultPageSize)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SessionSecret:     configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		SessionTTL:        time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		AllowedOrigins:    splitList(configViper.GetString("cors.allowed_origins")),
		MaxMessageBytes:   configViper.GetInt64("websocket.max_message_bytes"),
		SendBuffer:        configViper.GetInt("websocket.send_buffer"),
		MaxMessageChars:   configViper.GetInt("chat.max_message_chars"),
		DefaultPageSize:   configViper.GetInt("chat.default_page_size"),
		RedisAddress:      strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:     configViper.GetString("redis.password"),
		RedisDB:           configViper.GetInt("redis.db"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RedisEnabled reports whether the redis presence mirror should be wired.
func (c AppConfig) RedisEnabled() bool {
	return c.RedisAddress != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	if c.MaxMessageChars <= 0 {
		return fmt.Errorf("chat.max_message_chars must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
