package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Env holds deployment overrides read from the process environment.
// Non-empty values win over the config file.
type Env struct {
	DiscordToken  string `env:"DISCORD_TOKEN"`
	StorageDriver string `env:"STILLWAITING_STORAGE_DRIVER"`
	StorageDSN    string `env:"STILLWAITING_STORAGE_DSN"`
	RedisAddr     string `env:"STILLWAITING_REDIS_ADDR"`
	RedisPassword string `env:"STILLWAITING_REDIS_PASSWORD"`
	Port          string `env:"PORT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyEnv overlays e onto cfg.
func ApplyEnv(cfg *Config, e Env) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(e.DiscordToken); v != "" {
		cfg.Discord.Token = v
	}
	if v := strings.TrimSpace(e.StorageDriver); v != "" {
		cfg.Storage.Driver = v
	}
	if v := strings.TrimSpace(e.StorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(e.RedisAddr); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := e.RedisPassword; v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := strings.TrimSpace(e.Port); v != "" {
		cfg.Health.Addr = ":" + strings.TrimPrefix(v, ":")
	}
}
