package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Invite   InviteConfig
}

type ServerConfig struct {
	Host             string
	Port             int
	AllowedOrigins   []string
	AllowEmptyOrigin bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	MaxConns int32
	MinConns int32
}

// URL renders the pgx connection string from the discrete DB_* settings.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

type CacheConfig struct {
	RedisURL string
	TTL      time.Duration
}

type InviteConfig struct {
	Expiry time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             GetEnv("WS_HOST", "localhost"),
			Port:             GetEnvInt("WS_PORT", 5001),
			AllowedOrigins:   GetEnvSlice("ALLOWED_ORIGINS", []string{"*"}),
			AllowEmptyOrigin: GetEnvBool("ALLOW_EMPTY_ORIGIN", true),
		},
		Database: DatabaseConfig{
			Host:     GetEnv("DB_HOST", "localhost"),
			Port:     GetEnvInt("DB_PORT", 5433),
			User:     GetEnv("DB_USER", "postgres"),
			Password: GetEnv("DB_PASSWORD", ""),
			Database: GetEnv("DATABASE", "postgres"),
			MaxConns: 10,
			MinConns: 1,
		},
		Cache: CacheConfig{
			RedisURL: GetEnv("REDIS_URL", "redis://localhost:6379"),
			TTL:      GetEnvDuration("CACHE_TTL", time.Hour),
		},
		Invite: InviteConfig{
			Expiry: time.Duration(GetEnvInt("INVITE_EXPIRY_HOURS", 24)) * time.Hour,
		},
	}
}
