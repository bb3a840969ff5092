package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestLoad_YAMLDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "app.yaml", "entrypoint: index.html\n")

	cfg, err := Load(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Entrypoint != "index.html" {
		t.Errorf("Entrypoint = %q, want %q", cfg.Entrypoint, "index.html")
	}
	if cfg.TimeoutMs != DefaultTimeout.Milliseconds() {
		t.Errorf("TimeoutMs = %d, want %d", cfg.TimeoutMs, DefaultTimeout.Milliseconds())
	}
	if cfg.TTLMs != DefaultTTL.Milliseconds() {
		t.Errorf("TTLMs = %d, want %d", cfg.TTLMs, DefaultTTL.Milliseconds())
	}
	if cfg.IdleTimeoutMs != DefaultIdleTimeout.Milliseconds() {
		t.Errorf("IdleTimeoutMs = %d, want %d", cfg.IdleTimeoutMs, DefaultIdleTimeout.Milliseconds())
	}
	if cfg.MaxBodySizeBytes != DefaultMaxBodySize {
		t.Errorf("MaxBodySizeBytes = %d, want %d", cfg.MaxBodySizeBytes, DefaultMaxBodySize)
	}
}

func TestLoad_JSONManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "app.json", `{"entrypoint":"routes.json","timeout":"10s","ttl":"1m","idleTimeout":"30s"}`)

	cfg, err := Load(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TimeoutMs != (10 * time.Second).Milliseconds() {
		t.Errorf("TimeoutMs = %d, want 10000", cfg.TimeoutMs)
	}
	if cfg.TTLMs != (1 * time.Minute).Milliseconds() {
		t.Errorf("TTLMs = %d, want 60000", cfg.TTLMs)
	}
}

func TestLoad_MissingManifest(t *testing.T) {
	_, err := Load(t.TempDir(), zap.NewNop())
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}
	if !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig classification", err)
	}
}

func TestLoad_MissingEntrypoint(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "app.yaml", "timeout: 30\n")

	_, err := Load(dir, zap.NewNop())
	if !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestNormalize_TTLBelowTimeoutIsFatal(t *testing.T) {
	m := &Manifest{
		Entrypoint: "index.html",
		Timeout:    &Duration{30 * time.Second},
		TTL:        &Duration{10 * time.Second},
	}
	_, err := m.Normalize(zap.NewNop())
	if !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestNormalize_IdleBelowTimeoutIsFatal(t *testing.T) {
	m := &Manifest{
		Entrypoint:  "index.html",
		Timeout:     &Duration{30 * time.Second},
		TTL:         &Duration{5 * time.Minute},
		IdleTimeout: &Duration{10 * time.Second},
	}
	_, err := m.Normalize(zap.NewNop())
	if !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestNormalize_IdleAboveTTLClamped(t *testing.T) {
	m := &Manifest{
		Entrypoint:  "index.html",
		Timeout:     &Duration{10 * time.Second},
		TTL:         &Duration{1 * time.Minute},
		IdleTimeout: &Duration{10 * time.Minute},
	}
	cfg, err := m.Normalize(zap.NewNop())
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if cfg.IdleTimeoutMs != (1 * time.Minute).Milliseconds() {
		t.Errorf("IdleTimeoutMs = %d, want clamped to ttl %d",
			cfg.IdleTimeoutMs, (1 * time.Minute).Milliseconds())
	}
}

func TestNormalize_EphemeralAllowsShortIdle(t *testing.T) {
	// ttl 0 workers are one-shot; the persistent idle/ttl relationships do
	// not apply.
	m := &Manifest{
		Entrypoint: "index.html",
		Timeout:    &Duration{30 * time.Second},
		TTL:        &Duration{0},
	}
	cfg, err := m.Normalize(zap.NewNop())
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !cfg.Ephemeral() {
		t.Error("ttl 0 should normalize to an ephemeral config")
	}
}

func TestNormalize_MaxBodySizeCeiling(t *testing.T) {
	m := &Manifest{
		Entrypoint:  "index.html",
		MaxBodySize: &Size{Bytes: 500 * 1024 * 1024},
	}
	cfg, err := m.Normalize(zap.NewNop())
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if cfg.MaxBodySizeBytes != RuntimeMaxBodySize {
		t.Errorf("MaxBodySizeBytes = %d, want capped at %d", cfg.MaxBodySizeBytes, RuntimeMaxBodySize)
	}
}

func TestNormalize_ExpandsEnvValues(t *testing.T) {
	t.Setenv("BUNTIME_TEST_API", "https://api.example.com")

	m := &Manifest{
		Entrypoint: "index.html",
		Env: map[string]string{
			"PUBLIC_API": "${BUNTIME_TEST_API}",
			"REGION":     "${BUNTIME_TEST_NOPE:-us-east-1}",
		},
	}
	cfg, err := m.Normalize(zap.NewNop())
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if cfg.Env["PUBLIC_API"] != "https://api.example.com" {
		t.Errorf("PUBLIC_API = %q, want expanded value", cfg.Env["PUBLIC_API"])
	}
	if cfg.Env["REGION"] != "us-east-1" {
		t.Errorf("REGION = %q, want default value", cfg.Env["REGION"])
	}
}

func TestFindManifest_ProbeOrder(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "app.yml", "entrypoint: a.html\n")
	writeManifest(t, dir, "app.json", `{"entrypoint":"b.html"}`)

	path, err := FindManifest(dir)
	if err != nil {
		t.Fatalf("FindManifest failed: %v", err)
	}
	if filepath.Base(path) != "app.yml" {
		t.Errorf("manifest = %q, want app.yml (yaml probed before json)", filepath.Base(path))
	}
}
