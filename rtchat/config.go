package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/kampuni/rtchat-client/rtchat/room"
)

// Config is read from RTCHAT_* variables; flags override it.
type Config struct {
	BaseURL          string        `env:"BASE_URL" envDefault:"http://localhost:8000"`
	Username         string        `env:"USERNAME"`
	SessionID        string        `env:"SESSION_ID"`
	CSRFToken        string        `env:"CSRF_TOKEN"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	Open             string        `env:"OPEN"`
}

const envPrefix = "RTCHAT_"

var errUsernameRequired = errors.New("username is required (--username or RTCHAT_USERNAME)")

// loadEnv parses the config from environ, or from the process environment
// when environ is nil.
func loadEnv(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// bindFlags registers flags on fs with cfg's current values as defaults.
func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "chat backend origin")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "your username, used to tell your own messages apart")
	fs.StringVar(&cfg.SessionID, "session-id", cfg.SessionID, "value of the backend session cookie")
	fs.StringVar(&cfg.CSRFToken, "csrf-token", cfg.CSRFToken, "value of the csrftoken cookie")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "timeout for each HTTP request")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "timeout for the websocket handshake")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Open, "open", cfg.Open, "room to open at start, as kind/id")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return errUsernameRequired
	}
	if c.RequestTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if _, _, err := c.OpenRoom(); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	return nil
}

// OpenRoom returns the room to open at start, if one is configured.
func (c Config) OpenRoom() (room.Ref, bool, error) {
	if strings.TrimSpace(c.Open) == "" {
		return room.Ref{}, false, nil
	}
	ref, err := room.Parse(c.Open)
	if err != nil {
		return room.Ref{}, false, err
	}
	return ref, true, nil
}
