package main

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/kampuni/rtchat-client/rtchat/room"
)

func parseConfig(t *testing.T, environ map[string]string, args ...string) Config {
	t.Helper()
	cfg, err := loadEnv(environ)
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	fs := pflag.NewFlagSet("rtchat", pflag.ContinueOnError)
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cfg
}

func TestConfigDefaults(t *testing.T) {
	cfg := parseConfig(t, map[string]string{})
	if cfg.BaseURL != "http://localhost:8000" || cfg.RequestTimeout != 10*time.Second ||
		cfg.HandshakeTimeout != 10*time.Second || cfg.LogLevel != "info" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if err := cfg.Validate(); !errors.Is(err, errUsernameRequired) {
		t.Fatalf("validate without username: %v", err)
	}
}

func TestConfigFlagsOverrideEnv(t *testing.T) {
	cfg := parseConfig(t, map[string]string{
		"RTCHAT_BASE_URL":        "https://chat.example.com",
		"RTCHAT_USERNAME":        "env-user",
		"RTCHAT_REQUEST_TIMEOUT": "3s",
		"RTCHAT_OPEN":            "group/5",
	}, "--username", "flag-user", "--log-level", "debug")

	if cfg.BaseURL != "https://chat.example.com" || cfg.Username != "flag-user" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RequestTimeout != 3*time.Second {
		t.Fatalf("request timeout = %v", cfg.RequestTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	ref, ok, err := cfg.OpenRoom()
	if err != nil || !ok || ref != (room.Ref{Kind: room.Group, ID: "5"}) {
		t.Fatalf("open room = %v %v %v", ref, ok, err)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	base := Config{Username: "me", RequestTimeout: time.Second, HandshakeTimeout: time.Second, LogLevel: "info"}
	bad := []func(*Config){
		func(c *Config) { c.LogLevel = "loud" },
		func(c *Config) { c.RequestTimeout = 0 },
		func(c *Config) { c.Open = "channel/1" },
	}
	for i, mutate := range bad {
		c := base
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, c)
		}
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config: %v", err)
	}
}

func TestConfigBadEnvDuration(t *testing.T) {
	if _, err := loadEnv(map[string]string{"RTCHAT_REQUEST_TIMEOUT": "soon"}); err == nil {
		t.Fatal("expected error for bad duration")
	}
}
