// Package config loads and validates per-app worker manifests.
//
// A manifest lives in the app directory as app.yaml, app.yml or app.json and
// is normalized into a WorkerConfig: durations in milliseconds, sizes in
// bytes, env values expanded. The normalized config is immutable per load and
// participates in pool keying via Digest.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the manifest omits a key.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultTTL         = 5 * time.Minute
	DefaultIdleTimeout = 60 * time.Second
	DefaultMaxBodySize = 10 * 1024 * 1024
	// RuntimeMaxBodySize is the runtime-wide ceiling no manifest may exceed.
	RuntimeMaxBodySize = 100 * 1024 * 1024
)

// ErrConfig is the sentinel for fatal manifest errors.
// Use errors.Is(err, ErrConfig) for classification.
var ErrConfig = errors.New("invalid worker config")

// configError wraps a fatal manifest problem with the ErrConfig sentinel.
func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Manifest is the raw per-app manifest as written on disk.
type Manifest struct {
	AutoInstall  bool              `yaml:"autoInstall" json:"autoInstall"`
	Entrypoint   string            `yaml:"entrypoint" json:"entrypoint"`
	Env          map[string]string `yaml:"env" json:"env"`
	Timeout      *Duration         `yaml:"timeout" json:"timeout"`
	TTL          *Duration         `yaml:"ttl" json:"ttl"`
	IdleTimeout  *Duration         `yaml:"idleTimeout" json:"idleTimeout"`
	MaxRequests  int64             `yaml:"maxRequests" json:"maxRequests"`
	MaxBodySize  *Size             `yaml:"maxBodySize" json:"maxBodySize"`
	LowMemory    bool              `yaml:"lowMemory" json:"lowMemory"`
	PublicRoutes any               `yaml:"publicRoutes" json:"publicRoutes"`
}

// WorkerConfig is the normalized, immutable worker configuration.
// Times are milliseconds, sizes are bytes.
type WorkerConfig struct {
	AutoInstall      bool              `json:"autoInstall"`
	Entrypoint       string            `json:"entrypoint"`
	Env              map[string]string `json:"env,omitempty"`
	TimeoutMs        int64             `json:"timeoutMs"`
	TTLMs            int64             `json:"ttlMs"`
	IdleTimeoutMs    int64             `json:"idleTimeoutMs"`
	MaxRequests      int64             `json:"maxRequests"`
	MaxBodySizeBytes int64             `json:"maxBodySizeBytes"`
	LowMemory        bool              `json:"lowMemory"`
	PublicRoutes     any               `json:"publicRoutes,omitempty"`
}

// Ephemeral returns true when workers for this config are one-shot.
func (c *WorkerConfig) Ephemeral() bool {
	return c.TTLMs == 0
}

// Timeout returns the per-request timeout as a time.Duration.
func (c *WorkerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// TTL returns the worker time-to-live as a time.Duration.
func (c *WorkerConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// IdleTimeout returns the idle threshold as a time.Duration.
func (c *WorkerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// Digest returns a stable hash of the normalized config.
// Equal configs hash equally; any field change produces a new digest and
// therefore a new pool key. Env keys are visited in sorted order.
func (c *WorkerConfig) Digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%v:%s:%d:%d:%d:%d:%d:%v",
		c.AutoInstall, c.Entrypoint,
		c.TimeoutMs, c.TTLMs, c.IdleTimeoutMs,
		c.MaxRequests, c.MaxBodySizeBytes, c.LowMemory)

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, ":%s=%s", k, c.Env[k])
	}

	// publicRoutes is pass-through data; JSON is stable enough here because
	// map keys are sorted by encoding/json.
	if c.PublicRoutes != nil {
		if data, err := json.Marshal(c.PublicRoutes); err == nil {
			h.Write(data)
		}
	}

	return fmt.Sprintf("sha256:%x", h.Sum(nil))
}

// Duration accepts numeric seconds or strings like "30s", "1m", "1h".
type Duration struct {
	time.Duration
}

var durationPattern = regexp.MustCompile(`^(\d+)(s|m|h)$`)

func parseDurationString(s string) (time.Duration, error) {
	groups := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if groups == nil {
		return 0, fmt.Errorf("invalid duration %q (expected <int>(s|m|h))", s)
	}
	n, err := strconv.ParseInt(groups[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch groups[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	default:
		return time.Duration(n) * time.Hour, nil
	}
}

// UnmarshalYAML parses a numeric-seconds or "<int>(s|m|h)" duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		if n < 0 {
			return fmt.Errorf("invalid duration %d: must be >= 0", n)
		}
		d.Duration = time.Duration(n) * time.Second
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := parseDurationString(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// UnmarshalJSON parses the same duration forms from JSON manifests.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		if n < 0 {
			return fmt.Errorf("invalid duration %d: must be >= 0", n)
		}
		d.Duration = time.Duration(n) * time.Second
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := parseDurationString(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Size accepts numeric bytes or strings like "512kb", "10mb", "1gb".
type Size struct {
	Bytes int64
}

var sizePattern = regexp.MustCompile(`(?i)^(\d+)(b|kb|mb|gb)$`)

func parseSizeString(s string) (int64, error) {
	groups := sizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if groups == nil {
		return 0, fmt.Errorf("invalid size %q (expected <int>(b|kb|mb|gb))", s)
	}
	n, err := strconv.ParseInt(groups[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	switch strings.ToLower(groups[2]) {
	case "b":
		return n, nil
	case "kb":
		return n * 1024, nil
	case "mb":
		return n * 1024 * 1024, nil
	default:
		return n * 1024 * 1024 * 1024, nil
	}
}

// UnmarshalYAML parses a numeric-bytes or "<int>(b|kb|mb|gb)" size.
func (z *Size) UnmarshalYAML(unmarshal func(any) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		if n < 0 {
			return fmt.Errorf("invalid size %d: must be >= 0", n)
		}
		z.Bytes = n
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := parseSizeString(s)
	if err != nil {
		return err
	}
	z.Bytes = parsed
	return nil
}

// UnmarshalJSON parses the same size forms from JSON manifests.
func (z *Size) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		if n < 0 {
			return fmt.Errorf("invalid size %d: must be >= 0", n)
		}
		z.Bytes = n
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := parseSizeString(s)
	if err != nil {
		return err
	}
	z.Bytes = parsed
	return nil
}
