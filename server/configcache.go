package server

import (
	"os"
	"sync"
	"time"

	"github.com/pithecene-io/buntime/config"
	"github.com/pithecene-io/buntime/log"
)

// cachedConfig is one resolved app config, valid while its manifest is
// unchanged on disk.
type cachedConfig struct {
	cfg          *config.WorkerConfig
	manifestPath string
	modTime      time.Time
}

// configCache resolves app configs on demand and invalidates on manifest
// mtime change, so edited manifests take effect without a restart.
type configCache struct {
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]*cachedConfig
}

func newConfigCache(logger *log.Logger) *configCache {
	return &configCache{
		logger:  logger,
		entries: make(map[string]*cachedConfig),
	}
}

// get returns the config for appDir, reloading when the manifest changed.
func (c *configCache) get(appDir string) (*config.WorkerConfig, error) {
	path, err := config.FindManifest(appDir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cached, ok := c.entries[appDir]
	c.mu.Unlock()

	if ok && cached.manifestPath == path && cached.modTime.Equal(info.ModTime()) {
		return cached.cfg, nil
	}

	cfg, err := config.Load(appDir, c.logger.Zap())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[appDir] = &cachedConfig{
		cfg:          cfg,
		manifestPath: path,
		modTime:      info.ModTime(),
	}
	c.mu.Unlock()

	if ok {
		c.logger.Info("app config reloaded", map[string]any{"app_dir": appDir})
	}
	return cfg, nil
}
