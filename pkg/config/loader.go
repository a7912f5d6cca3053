package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Load parses process environment variables into cfg, which must be a pointer
// to a struct using `env` / `envDefault` tags:
//
//	type Config struct {
//	    Port     int    `env:"HTTP_PORT" envDefault:"5000"`
//	    LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
//	}
func Load(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// LoadFrom parses cfg from the given variables instead of the process
// environment. Unset keys fall back to their envDefault.
func LoadFrom(cfg any, vars map[string]string) error {
	if vars == nil {
		vars = map[string]string{}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
