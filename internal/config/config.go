// Package config loads gateway startup configuration (spec.md §3
// Configuration table, SPEC_FULL.md §4.9). Precedence, lowest to
// highest: built-in default, JSON config file, environment variable,
// command-line flag. Grounded on the teacher's
// cmd/flowersec-proxy-gateway/config.go (JSON file validated
// field-by-field with descriptive errors) for the file layer, and
// cmd/flowersec-tunnel/main.go's envString/envIntWithErr precedence
// idiom (kept verbatim in internal/cmdutil) for the env/flag layers.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tunnelgate/gateway/internal/security"
)

// Defaults for optional fields not covered by spec.md's required-field
// list.
const (
	DefaultMaxResponseBytes = 50 << 20 // 50 MiB, spec.md §3.
	DefaultMaxLogEntries    = 1000
	DefaultGzipThreshold    = 1024
	DefaultWSLogBufferDepth = 64
)

// Config is the gateway's fully resolved, immutable startup
// configuration.
type Config struct {
	TunnelListen  string
	HTTPListen    string
	MetricsListen string

	AuthToken   string
	AdminAPIKey string

	MaxResponseBytes int64
	MaxLogEntries    int
	GzipThreshold    int
	WSLogBufferDepth int

	Ban security.Thresholds
}

// fileConfig mirrors the JSON config file schema (SPEC_FULL.md §6). All
// fields are optional overlays on top of the built-in defaults; a
// missing field leaves the default untouched.
type fileConfig struct {
	TunnelListen     string `json:"tunnel_listen"`
	HTTPListen       string `json:"http_listen"`
	MetricsListen    string `json:"metrics_listen"`
	AuthToken        string `json:"auth_token"`
	AdminAPIKey      string `json:"admin_api_key"`
	MaxResponseBytes int64  `json:"max_response_bytes"`
	MaxLogEntries    int    `json:"max_log_entries"`
	Ban              *struct {
		MaxAttempts   int    `json:"max_attempts"`
		Window        string `json:"window"`
		Permanent     int    `json:"permanent"`
		AuthTolerance int    `json:"auth_tolerance"`
		Grace         string `json:"grace"`
		GC            string `json:"gc"`
	} `json:"ban"`
}

const maxConfigFileBytes = 1 << 20

// loadFile reads and validates the JSON config file at path. A blank path
// is not an error: it means no config file was supplied, so the defaults
// stand unmodified.
func loadFile(path string) (fileConfig, error) {
	if path == "" {
		return fileConfig{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	if len(b) > maxConfigFileBytes {
		return fileConfig{}, errors.New("config file too large")
	}
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file: %w", err)
	}
	return fc, nil
}

func parseDurationField(raw string, fallback time.Duration, field string) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("ban.%s: %w", field, err)
	}
	return d, nil
}

// Default returns the built-in defaults (lowest layer of precedence).
func Default() Config {
	return Config{
		TunnelListen:     "",
		HTTPListen:       "",
		MetricsListen:    "",
		MaxResponseBytes: DefaultMaxResponseBytes,
		MaxLogEntries:    DefaultMaxLogEntries,
		GzipThreshold:    DefaultGzipThreshold,
		WSLogBufferDepth: DefaultWSLogBufferDepth,
		Ban:              security.DefaultThresholds(),
	}
}

// ApplyFile overlays the JSON config file at path onto cfg. Blank string
// fields and zero-value numeric/duration fields in the file are treated
// as "not set" and leave cfg unchanged.
func ApplyFile(cfg Config, path string) (Config, error) {
	fc, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}
	if fc.TunnelListen != "" {
		cfg.TunnelListen = fc.TunnelListen
	}
	if fc.HTTPListen != "" {
		cfg.HTTPListen = fc.HTTPListen
	}
	if fc.MetricsListen != "" {
		cfg.MetricsListen = fc.MetricsListen
	}
	if fc.AuthToken != "" {
		cfg.AuthToken = fc.AuthToken
	}
	if fc.AdminAPIKey != "" {
		cfg.AdminAPIKey = fc.AdminAPIKey
	}
	if fc.MaxResponseBytes != 0 {
		cfg.MaxResponseBytes = fc.MaxResponseBytes
	}
	if fc.MaxLogEntries != 0 {
		cfg.MaxLogEntries = fc.MaxLogEntries
	}
	if fc.Ban != nil {
		if fc.Ban.MaxAttempts != 0 {
			cfg.Ban.MaxAttempts = fc.Ban.MaxAttempts
		}
		if fc.Ban.Permanent != 0 {
			cfg.Ban.Permanent = fc.Ban.Permanent
		}
		if fc.Ban.AuthTolerance != 0 {
			cfg.Ban.AuthTolerance = fc.Ban.AuthTolerance
		}
		window, err := parseDurationField(fc.Ban.Window, cfg.Ban.Window, "window")
		if err != nil {
			return Config{}, err
		}
		cfg.Ban.Window = window
		grace, err := parseDurationField(fc.Ban.Grace, cfg.Ban.Grace, "grace")
		if err != nil {
			return Config{}, err
		}
		cfg.Ban.Grace = grace
		gc, err := parseDurationField(fc.Ban.GC, cfg.Ban.GC, "gc")
		if err != nil {
			return Config{}, err
		}
		cfg.Ban.GC = gc
	}
	return cfg, nil
}

// Validate checks the required-field contract (spec.md §3/SPEC_FULL.md
// §4.9): tunnel port, HTTP port, auth token, and admin API key must all
// be set once the file/env/flag layers have been applied.
func Validate(cfg Config) error {
	var missing []string
	if cfg.TunnelListen == "" {
		missing = append(missing, "tunnel listen address")
	}
	if cfg.HTTPListen == "" {
		missing = append(missing, "http listen address")
	}
	if cfg.AuthToken == "" {
		missing = append(missing, "auth token")
	}
	if cfg.AdminAPIKey == "" {
		missing = append(missing, "admin api key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}
	return nil
}
