package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// manifestNames are the manifest file names probed in order.
var manifestNames = []string{"app.yaml", "app.yml", "app.json"}

// FindManifest returns the path of the app manifest inside appDir.
func FindManifest(appDir string) (string, error) {
	for _, name := range manifestNames {
		path := filepath.Join(appDir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", configError("no manifest found in %s (tried %v)", appDir, manifestNames)
}

// Load reads the app manifest from appDir and returns the normalized config.
// All returned errors satisfy errors.Is(err, ErrConfig).
func Load(appDir string, logger *zap.Logger) (*WorkerConfig, error) {
	path, err := FindManifest(appDir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configError("cannot read manifest %s: %v", path, err)
	}

	var manifest Manifest
	if filepath.Ext(path) == ".json" {
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, configError("invalid JSON in %s: %v", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, configError("invalid YAML in %s: %v", path, err)
		}
	}

	return manifest.Normalize(logger)
}

// Normalize applies defaults, expands env values, enforces the config
// invariants and converts units. The returned WorkerConfig is immutable.
//
// Fatal: timeout <= 0, ttl < 0, idleTimeout <= 0, ttl in (0, timeout),
// persistent idleTimeout < timeout. idleTimeout > ttl is clamped to ttl with
// a logged warning rather than rejected.
func (m *Manifest) Normalize(logger *zap.Logger) (*WorkerConfig, error) {
	if m.Entrypoint == "" {
		return nil, configError("entrypoint is required")
	}

	timeout := DefaultTimeout
	if m.Timeout != nil {
		timeout = m.Timeout.Duration
	}
	ttl := DefaultTTL
	if m.TTL != nil {
		ttl = m.TTL.Duration
	}
	idleTimeout := DefaultIdleTimeout
	if m.IdleTimeout != nil {
		idleTimeout = m.IdleTimeout.Duration
	}

	if timeout <= 0 {
		return nil, configError("timeout must be > 0, got %s", timeout)
	}
	if ttl < 0 {
		return nil, configError("ttl must be >= 0, got %s", ttl)
	}
	if idleTimeout <= 0 {
		return nil, configError("idleTimeout must be > 0, got %s", idleTimeout)
	}
	if ttl > 0 && ttl < timeout {
		return nil, configError("ttl %s must be >= timeout %s", ttl, timeout)
	}
	if ttl > 0 && idleTimeout < timeout {
		return nil, configError("idleTimeout %s must be >= timeout %s for persistent workers", idleTimeout, timeout)
	}
	if ttl > 0 && idleTimeout > ttl {
		if logger != nil {
			logger.Warn("idleTimeout exceeds ttl, clamping",
				zap.Duration("idle_timeout", idleTimeout),
				zap.Duration("ttl", ttl))
		}
		idleTimeout = ttl
	}

	if m.MaxRequests < 0 {
		return nil, configError("maxRequests must be >= 0, got %d", m.MaxRequests)
	}

	maxBodySize := int64(DefaultMaxBodySize)
	if m.MaxBodySize != nil {
		maxBodySize = m.MaxBodySize.Bytes
	}
	if maxBodySize <= 0 {
		return nil, configError("maxBodySize must be > 0, got %d", maxBodySize)
	}
	if maxBodySize > RuntimeMaxBodySize {
		maxBodySize = RuntimeMaxBodySize
	}

	var env map[string]string
	if len(m.Env) > 0 {
		env = make(map[string]string, len(m.Env))
		for k, v := range m.Env {
			env[k] = ExpandEnv(v)
		}
	}

	return &WorkerConfig{
		AutoInstall:      m.AutoInstall,
		Entrypoint:       m.Entrypoint,
		Env:              env,
		TimeoutMs:        timeout.Milliseconds(),
		TTLMs:            ttl.Milliseconds(),
		IdleTimeoutMs:    idleTimeout.Milliseconds(),
		MaxRequests:      m.MaxRequests,
		MaxBodySizeBytes: maxBodySize,
		LowMemory:        m.LowMemory,
		PublicRoutes:     m.PublicRoutes,
	}, nil
}

// MarshalWorkerConfig serializes a normalized config for the WORKER_CONFIG
// environment variable.
func MarshalWorkerConfig(cfg *WorkerConfig) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal worker config: %w", err)
	}
	return string(data), nil
}

// UnmarshalWorkerConfig parses a WORKER_CONFIG environment value.
func UnmarshalWorkerConfig(raw string) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, configError("invalid WORKER_CONFIG: %v", err)
	}
	return &cfg, nil
}
