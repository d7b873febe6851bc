package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PB_"

// Load builds a Config by layering, low to high precedence:
//  1. defaults (New)
//  2. YAML file named by PB_CONFIG
//  3. environment (PB_ prefix), after an optional .env file is read
//
// Section keys nest on the first underscore: PB_SERVER_DATABASE_URL sets
// server.database_url, PB_LOG_LEVEL sets log_level.
func Load(_ context.Context) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	base := New()
	k := koanf.New(".")

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("%w: env: %v", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, section := range []string{"server_", "client_"} {
		if strings.HasPrefix(s, section) {
			return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(s, section)
		}
	}
	return s
}

// Validate checks the fields both processes depend on.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("%w: server.addr must not be empty", ErrInvalidConfig)
	case c.Server.JWTSecret == "":
		return fmt.Errorf("%w: server.jwt_secret must not be empty", ErrInvalidConfig)
	case c.Server.BattleDuration <= 0:
		return fmt.Errorf("%w: server.battle_duration must be positive", ErrInvalidConfig)
	case c.Client.BaseURL == "":
		return fmt.Errorf("%w: client.base_url must not be empty", ErrInvalidConfig)
	case c.Client.ReconnectAttempts < 1:
		return fmt.Errorf("%w: client.reconnect_attempts must be at least 1", ErrInvalidConfig)
	}
	return nil
}
