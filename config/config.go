// Package config loads server settings from the environment.
//
// Variables are read from the process environment, after loading a .env file
// from the working directory if one exists. Variables already set in the
// environment win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backplane kinds.
const (
	BackplaneMemory = "memory"
	BackplaneRedis  = "redis"
	BackplaneNATS   = "nats"
)

// Config holds every setting of the chat server.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	Backplane     string `env:"BACKPLANE" envDefault:"memory"`
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL       string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	ChannelPrefix string `env:"CHANNEL_PREFIX" envDefault:"ssebackplane"`
	NodeName      string `env:"NODE_NAME"`

	KeepAlive  time.Duration `env:"KEEPALIVE_INTERVAL" envDefault:"30s"`
	RetryMS    int           `env:"RETRY_MS" envDefault:"3000"`
	QueueLimit int           `env:"QUEUE_LIMIT" envDefault:"0"`

	CORSAllowOrigin string `env:"CORS_ALLOW_ORIGIN"`
	AdminEnabled    bool   `env:"ADMIN_ENABLED" envDefault:"true"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return parse(env.Options{})
}

// LoadFrom reads settings from vars only, ignoring the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c.Backplane = strings.ToLower(strings.TrimSpace(c.Backplane))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values the parser cannot.
func (c Config) Validate() error {
	var errs []error
	switch c.Backplane {
	case BackplaneMemory, BackplaneRedis, BackplaneNATS:
	default:
		errs = append(errs, fmt.Errorf("config: BACKPLANE must be memory, redis or nats, got %q", c.Backplane))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.KeepAlive < 0 {
		errs = append(errs, errors.New("config: KEEPALIVE_INTERVAL must not be negative"))
	}
	if c.RetryMS < 0 {
		errs = append(errs, errors.New("config: RETRY_MS must not be negative"))
	}
	if c.QueueLimit < 0 {
		errs = append(errs, errors.New("config: QUEUE_LIMIT must not be negative"))
	}
	return errors.Join(errs...)
}

// Retry is the client reconnection delay.
func (c Config) Retry() time.Duration {
	return time.Duration(c.RetryMS) * time.Millisecond
}
