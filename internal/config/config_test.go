package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_HasBanThresholdsAndOptionalDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MaxLogEntries != DefaultMaxLogEntries || cfg.MaxResponseBytes != DefaultMaxResponseBytes {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Ban.MaxAttempts != 5 || cfg.Ban.AuthTolerance != 8 {
		t.Fatalf("expected spec.md default ban thresholds, got %+v", cfg.Ban)
	}
}

func TestApplyFile_BlankPathLeavesDefaultsUntouched(t *testing.T) {
	cfg, err := ApplyFile(Default(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TunnelListen != "" {
		t.Fatalf("expected untouched default")
	}
}

func TestApplyFile_OverlaysProvidedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"tunnel_listen": "0.0.0.0:9900",
		"http_listen": "0.0.0.0:8080",
		"auth_token": "filetoken",
		"admin_api_key": "fileadminkey",
		"ban": {"max_attempts": 9, "window": "30m"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := ApplyFile(Default(), path)
	if err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if cfg.TunnelListen != "0.0.0.0:9900" || cfg.HTTPListen != "0.0.0.0:8080" {
		t.Fatalf("unexpected listen addresses: %+v", cfg)
	}
	if cfg.AuthToken != "filetoken" || cfg.AdminAPIKey != "fileadminkey" {
		t.Fatalf("unexpected credentials: %+v", cfg)
	}
	if cfg.Ban.MaxAttempts != 9 {
		t.Fatalf("expected overridden max_attempts=9, got %d", cfg.Ban.MaxAttempts)
	}
	if cfg.Ban.AuthTolerance != 8 {
		t.Fatalf("expected untouched auth_tolerance default, got %d", cfg.Ban.AuthTolerance)
	}
}

func TestApplyFile_InvalidDurationIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"ban": {"window": "not-a-duration"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := ApplyFile(Default(), path); err == nil {
		t.Fatalf("expected error for an invalid duration")
	}
}

func TestApplyFile_MissingFileIsAnError(t *testing.T) {
	if _, err := ApplyFile(Default(), "/nonexistent/path/config.json"); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestValidate_ReportsAllMissingRequiredFields(t *testing.T) {
	err := Validate(Config{})
	if err == nil {
		t.Fatalf("expected validation error on an empty config")
	}
}

func TestValidate_PassesWhenAllRequiredFieldsSet(t *testing.T) {
	cfg := Default()
	cfg.TunnelListen = "0.0.0.0:9900"
	cfg.HTTPListen = "0.0.0.0:8080"
	cfg.AuthToken = "t"
	cfg.AdminAPIKey = "k"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
