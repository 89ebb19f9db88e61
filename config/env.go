package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds process-level settings for the live server.
type Env struct {
	ConfigPath  string `env:"TRADEGATE_CONFIG"`
	Profile     string `env:"TRADEGATE_PROFILE"`
	DBPath      string `env:"TRADEGATE_DB"`
	Listen      string `env:"TRADEGATE_LISTEN" envDefault:"127.0.0.1:5001"`
	MetricsAddr string `env:"TRADEGATE_METRICS_ADDR" envDefault:"127.0.0.1:9102"`
	BridgeToken string `env:"TRADEGATE_BRIDGE_TOKEN"`
	LogLevel    string `env:"TRADEGATE_LOG_LEVEL" envDefault:"info"`
}

// LoadEnv loads envFile (if it exists) into the process environment and
// parses TRADEGATE_* variables. Variables already set win over the file.
func LoadEnv(envFile string) (Env, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Apply overlays non-empty environment settings onto c.
func (e Env) Apply(c *Config) (*Config, error) {
	cp := *c
	out := &cp
	if e.Profile != "" && e.Profile != c.Profile.Name {
		var err error
		out, err = c.WithProfile(e.Profile)
		if err != nil {
			return nil, err
		}
	}
	if e.DBPath != "" {
		out.Journal.DBPath = e.DBPath
	}
	return out, nil
}
