package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Transport backends
const (
	TransportBridge = "bridge"
	TransportMemory = "memory"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string

	LogLevel  string
	LogFormat string

	CredentialsDir  string
	UploadDir       string
	UploadURLPrefix string
	Location        *time.Location

	Transport          string
	BridgeURL          string
	RestoreConcurrency int
	ConnectRetryDelay  time.Duration

	AdminRateLimitRPS   float64
	AdminRateLimitBurst int
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("credentials_dir", "data/credentials")
	v.SetDefault("upload_dir", "public/uploads")
	v.SetDefault("upload_url_prefix", "/api/static/uploads/")
	v.SetDefault("timezone", "America/Mexico_City")
	v.SetDefault("transport", TransportBridge)
	v.SetDefault("bridge_url", "http://127.0.0.1:3001")
	v.SetDefault("restore_concurrency", 4)
	v.SetDefault("connect_retry_delay", 2*time.Second)
	v.SetDefault("admin_rate_limit_rps", 5.0)
	v.SetDefault("admin_rate_limit_burst", 10)
}

// New returns a viper instance reading upper-case environment variables
// (DATABASE_URL, PORT, ...) with defaults applied
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configuration from v
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DatabaseURL:         strings.TrimSpace(v.GetString("database_url")),
		Port:                strings.TrimSpace(v.GetString("port")),
		JWTSecret:           v.GetString("jwt_secret"),
		LogLevel:            strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFormat:           strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),
		CredentialsDir:      v.GetString("credentials_dir"),
		UploadDir:           v.GetString("upload_dir"),
		UploadURLPrefix:     v.GetString("upload_url_prefix"),
		Transport:           strings.ToLower(strings.TrimSpace(v.GetString("transport"))),
		BridgeURL:           v.GetString("bridge_url"),
		RestoreConcurrency:  v.GetInt("restore_concurrency"),
		ConnectRetryDelay:   v.GetDuration("connect_retry_delay"),
		AdminRateLimitRPS:   v.GetFloat64("admin_rate_limit_rps"),
		AdminRateLimitBurst: v.GetInt("admin_rate_limit_burst"),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	tz := strings.TrimSpace(v.GetString("timezone"))
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}
	cfg.Location = loc

	switch cfg.Transport {
	case TransportBridge, TransportMemory:
	default:
		return nil, fmt.Errorf("invalid TRANSPORT %q (want %q or %q)", cfg.Transport, TransportBridge, TransportMemory)
	}

	if cfg.RestoreConcurrency <= 0 {
		return nil, fmt.Errorf("RESTORE_CONCURRENCY must be positive")
	}
	if cfg.ConnectRetryDelay <= 0 {
		return nil, fmt.Errorf("CONNECT_RETRY_DELAY must be positive")
	}

	return cfg, nil
}

// RequireDatabaseURL fails when DATABASE_URL is unset
func (c *Config) RequireDatabaseURL() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	return nil
}

// RequireJWTSecret fails when JWT_SECRET is unset
func (c *Config) RequireJWTSecret() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return nil
}
