package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultJWTSecret is the development signing key. Production refuses it.
const DefaultJWTSecret = "change-me-in-production"

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string

	// SharedSecret gates access to the relay. Every client presents it (or a
	// token obtained with it) on the WebSocket handshake.
	SharedSecret string
	JWTSecret    string
	JWTTTL       time.Duration

	TargetedOffers   bool
	LegacyOfferEvent bool

	SendBuffer      int
	MaxMessageBytes int64

	Redis RedisConfig
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns the host:port pair go-redis dials.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8181")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", "https://localhost:3000,https://localhost:3001,http://localhost:5173")
	v.SetDefault("shared_secret", "x")
	v.SetDefault("jwt_secret", DefaultJWTSecret)
	v.SetDefault("jwt_ttl", "12h")
	v.SetDefault("targeted_offers", false)
	v.SetDefault("legacy_offer_event", false)
	v.SetDefault("send_buffer", 256)
	v.SetDefault("max_message_bytes", 64*1024)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// New returns a viper instance with defaults set and environment variables
// bound, so REDIS_HOST overrides redis.host and so on.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	return FromViper(New())
}

// FromViper builds a Config from v and validates it.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:             v.GetString("port"),
		Environment:      v.GetString("environment"),
		LogLevel:         v.GetString("log_level"),
		AllowedOrigins:   splitList(v.GetString("allowed_origins")),
		SharedSecret:     v.GetString("shared_secret"),
		JWTSecret:        v.GetString("jwt_secret"),
		JWTTTL:           v.GetDuration("jwt_ttl"),
		TargetedOffers:   v.GetBool("targeted_offers"),
		LegacyOfferEvent: v.GetBool("legacy_offer_event"),
		SendBuffer:       v.GetInt("send_buffer"),
		MaxMessageBytes:  v.GetInt64("max_message_bytes"),
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
	}

	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("config: shared_secret must not be empty")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: jwt_secret must not be empty")
	}
	if cfg.Environment == "production" && cfg.JWTSecret == DefaultJWTSecret {
		return nil, fmt.Errorf("config: jwt_secret must be changed in production")
	}
	if cfg.JWTTTL <= 0 {
		return nil, fmt.Errorf("config: jwt_ttl must be positive, got %s", cfg.JWTTTL)
	}
	if cfg.SendBuffer <= 0 {
		return nil, fmt.Errorf("config: send_buffer must be positive, got %d", cfg.SendBuffer)
	}
	if cfg.MaxMessageBytes <= 0 {
		return nil, fmt.Errorf("config: max_message_bytes must be positive, got %d", cfg.MaxMessageBytes)
	}
	return cfg, nil
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
