package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Subscription struct {
	Prec string `yaml:"prec"`
	Freq string `yaml:"freq"`
	Len  string `yaml:"len"`
}

type Config struct {
	Port                    int          `yaml:"port"`
	LogLevel                string       `yaml:"log_level"`
	FeedURL                 string       `yaml:"feed_url"`
	HandshakeTimeoutSeconds int          `yaml:"handshake_timeout_seconds"`
	SnapshotTimeoutSeconds  int          `yaml:"snapshot_timeout_seconds"`
	MaxBodyBytes            int64        `yaml:"max_body_bytes"`
	CORSAllowedOrigins      []string     `yaml:"cors_allowed_origins"`
	Subscription            Subscription `yaml:"subscription"`
}

func Defaults() Config {
	return Config{
		Port:                    8086,
		LogLevel:                "info",
		FeedURL:                 "wss://api-pub.bitfinex.com/ws/2",
		HandshakeTimeoutSeconds: 10,
		SnapshotTimeoutSeconds:  10,
		MaxBodyBytes:            1 << 20,
		CORSAllowedOrigins:      []string{"*"},
		Subscription: Subscription{
			Prec: "P0",
			Freq: "F0",
			Len:  "25",
		},
	}
}

// Load reads path over the defaults, applies BFX_IMPACT_* environment
// overrides and validates the result. On a read error the defaults (with
// overrides) are still returned alongside the error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		applyEnv(&cfg)
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BFX_IMPACT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("BFX_IMPACT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BFX_IMPACT_FEED_URL"); v != "" {
		cfg.FeedURL = v
	}
	if v := os.Getenv("BFX_IMPACT_SNAPSHOT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SnapshotTimeoutSeconds = n
		}
	}
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("invalid port")
	}
	if !strings.HasPrefix(c.FeedURL, "ws://") && !strings.HasPrefix(c.FeedURL, "wss://") {
		return errors.New("feed_url must be a ws:// or wss:// URL")
	}
	if c.SnapshotTimeoutSeconds < 1 {
		return errors.New("snapshot_timeout_seconds must be >=1")
	}
	if c.HandshakeTimeoutSeconds < 1 {
		return errors.New("handshake_timeout_seconds must be >=1")
	}
	if c.MaxBodyBytes < 1 {
		return errors.New("max_body_bytes must be >=1")
	}
	if c.Subscription.Prec == "" || c.Subscription.Freq == "" || c.Subscription.Len == "" {
		return errors.New("subscription prec, freq and len are required")
	}
	return nil
}

func NewLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
