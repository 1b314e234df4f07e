// Package config loads the tool's configuration from a TOML file with
// environment overrides. The resulting value is passed explicitly into the
// SCIM client; nothing here is process-global.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/jief123/aws-idc-scim/scim"
)

const (
	// DefaultPath is looked up when no --config flag is given.
	DefaultPath = "scim-config.toml"

	EnvEndpoint = "SCIM_ENDPOINT"
	EnvToken    = "SCIM_TOKEN"
)

type Config struct {
	// Endpoint is the tenant SCIM base URL from the Identity Center console.
	Endpoint string `toml:"endpoint"`
	// Token is the bearer token paired with the endpoint.
	Token string `toml:"token"`

	TimeoutSeconds int    `toml:"timeout_seconds"`
	PageSize       int    `toml:"page_size"`
	MaxRetries     int    `toml:"max_retries"`
	RetryBackoffMs int    `toml:"retry_backoff_ms"`
	LogLevel       string `toml:"log_level"`
	// Listen is the bind address of the REST facade (serve command).
	Listen string `toml:"listen"`
}

// Load reads the file at path (which may be absent when the environment
// supplies endpoint and token), applies SCIM_ENDPOINT/SCIM_TOKEN overrides
// and validates the result. A bad or missing endpoint/token is a fatal
// configuration error: the caller must not start a run with it.
func Load(path string) (cfg Config, err error) {
	if path == "" {
		path = DefaultPath
	}
	if _, serr := os.Stat(path); serr == nil {
		if _, err = toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !errors.Is(serr, os.ErrNotExist) {
		return cfg, serr
	}

	if v := os.Getenv(EnvEndpoint); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Token = v
	}

	if cfg.Endpoint == "" {
		return cfg, fmt.Errorf("no SCIM endpoint: set endpoint in %s or %s", path, EnvEndpoint)
	}
	if cfg.Token == "" {
		return cfg, fmt.Errorf("no SCIM token: set token in %s or %s", path, EnvToken)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if _, err = zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return cfg, fmt.Errorf("log_level %q: %w", cfg.LogLevel, err)
	}
	return cfg, nil
}

// ClientConfig translates the file values into the transport configuration.
func (c Config) ClientConfig(log zerolog.Logger) scim.ClientConfig {
	return scim.ClientConfig{
		Endpoint:     c.Endpoint,
		Token:        c.Token,
		Timeout:      time.Duration(c.TimeoutSeconds) * time.Second,
		PageSize:     c.PageSize,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: time.Duration(c.RetryBackoffMs) * time.Millisecond,
		Logger:       log,
	}
}
