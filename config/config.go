// Package config loads the server configuration from file, environment and
// defaults via viper.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the server binary. Tags use
// mapstructure for viper unmarshalling; every key can also be set through the
// environment (dots replaced with underscores).
type ServerConfig struct {
	HTTPPort string `mapstructure:"HTTP_PORT"`

	// Issuer is the external base URL of this server, e.g. "https://auth.example.com".
	Issuer      string `mapstructure:"ISSUER"`
	PathPrefix  string `mapstructure:"PATH_PREFIX"`
	EnableAlias bool   `mapstructure:"ENABLE_ALIAS"`

	// ServerSecret keys opaque token digests, signing key derivation and
	// continuation tokens. At least 32 bytes; there is no default.
	ServerSecret string `mapstructure:"SERVER_SECRET"`

	// AccessTokenFormat is "opaque" or "jwt".
	AccessTokenFormat   string `mapstructure:"ACCESS_TOKEN_FORMAT"`
	AccessTokenTTLMin   int    `mapstructure:"ACCESS_TOKEN_TTL_MIN"`
	RefreshTokenTTLHour int    `mapstructure:"REFRESH_TOKEN_TTL_HOUR"`
	AuthCodeTTLMin      int    `mapstructure:"AUTH_CODE_TTL_MIN"`
	SessionTTLHour      int    `mapstructure:"SESSION_TTL_HOUR"`

	AllowedScopes []string `mapstructure:"ALLOWED_SCOPES"`
	DefaultScopes []string `mapstructure:"DEFAULT_SCOPES"`
	Resource      string   `mapstructure:"RESOURCE"`

	LoginURL   string `mapstructure:"LOGIN_URL"`
	ConsentURL string `mapstructure:"CONSENT_URL"`

	// MongoURI empty means the in-memory storage adapter (single node,
	// development only).
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	// RedisAddr empty means the in-process ttlcache token cache.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// LoadConfig reads configuration from file, environment variables and
// defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/aegis/")
	v.AddConfigPath("$HOME/.aegis")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("ISSUER", "http://localhost:8080")
	v.SetDefault("PATH_PREFIX", "/oauth")
	v.SetDefault("ENABLE_ALIAS", true)
	v.SetDefault("ACCESS_TOKEN_FORMAT", "opaque")
	v.SetDefault("ACCESS_TOKEN_TTL_MIN", 60)
	v.SetDefault("REFRESH_TOKEN_TTL_HOUR", 720)
	v.SetDefault("AUTH_CODE_TTL_MIN", 10)
	v.SetDefault("SESSION_TTL_HOUR", 12)
	v.SetDefault("ALLOWED_SCOPES", []string{"openid", "profile", "email", "offline_access"})
	v.SetDefault("DEFAULT_SCOPES", []string{"openid"})
	v.SetDefault("MONGO_DB_NAME", "aegis")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("OTEL_SERVICE_NAME", "aegis-server")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine; defaults and env cover everything.
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if cfg.LoginURL == "" {
		cfg.LoginURL = cfg.Issuer + "/login"
	}
	if cfg.ConsentURL == "" {
		cfg.ConsentURL = cfg.Issuer + "/consent"
	}

	return &cfg, nil
}
