package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatcore.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"},
		"storage": {"driver": "sqlite", "dsn": ":memory:"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("unexpected addr: %q", cfg.Server.Addr)
	}
	if cfg.Storage.DSN != ":memory:" {
		t.Errorf("unexpected dsn: %q", cfg.Storage.DSN)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("expected 24h expiry default, got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "chatcore.db" {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Storage.Retention.Duration != 30*24*time.Hour {
		t.Errorf("expected 30d retention default, got %v", cfg.Storage.Retention.Duration)
	}
	if cfg.Storage.AuditRetention.Duration != cfg.Storage.Retention.Duration {
		t.Errorf("audit retention should default to retention, got %v", cfg.Storage.AuditRetention.Duration)
	}
	if cfg.Chat.MaxThreadsPerUser != 20 || cfg.Chat.MaxConnsPerUser != 10 {
		t.Errorf("unexpected chat defaults: %+v", cfg.Chat)
	}
	if cfg.Chat.MaxMessageBytes != 64*1024 || cfg.Chat.HistoryLimit != 200 {
		t.Errorf("unexpected chat defaults: %+v", cfg.Chat)
	}
	if cfg.Agent.Engine != "scripted" {
		t.Errorf("expected scripted engine default, got %q", cfg.Agent.Engine)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("expected 1MB body default, got %d", cfg.Server.MaxBodyBytes)
	}
}

func TestLoad_MissingAddr(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}
	}`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "server.addr") {
		t.Errorf("expected server.addr error, got %v", err)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	path := writeConfig(t, `{"server": {"addr": ":8080"}}`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("expected jwt_secret error, got %v", err)
	}
}

func TestLoad_ShortSecret(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "too-short"}
	}`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "32 characters") {
		t.Errorf("expected length error, got %v", err)
	}
}

func TestLoad_WeakSecretRejected(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}
	}`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "weak secret") {
		t.Errorf("expected weak secret error, got %v", err)
	}
}

func TestLoad_OIDCRequiresIssuer(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"provider": "oidc"}
	}`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "oidc_issuer") {
		t.Errorf("expected oidc_issuer error, got %v", err)
	}
}

func TestLoad_OIDCNeedsNoSecret(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"provider": "oidc", "oidc_issuer": "https://issuer.example.com"}
	}`)

	if _, err := Load(path); err != nil {
		t.Errorf("oidc without jwt_secret should be valid, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"server":`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDuration_UnmarshalString(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"90s"`), &d); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("expected 90s, got %v", d.Duration)
	}
}

func TestDuration_UnmarshalNumberSeconds(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`3600`), &d); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if d.Duration != time.Hour {
		t.Errorf("expected 1h, got %v", d.Duration)
	}
}

func TestDuration_UnmarshalInvalid(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"not-a-duration"`), &d); err == nil {
		t.Error("expected error for bad duration string")
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Error("expected error for bool duration")
	}
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	d := Duration{Duration: 2 * time.Hour}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var back Duration
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Duration != d.Duration {
		t.Errorf("round trip changed %v to %v", d.Duration, back.Duration)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret failed: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two generated secrets collided")
	}
}
