package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when the config file is missing or leaves fields unset.
const (
	DefaultPageSize      = 50
	DefaultDedupWindowMS = 5000
	DefaultRetentionDays = 90
)

// Sync holds tunables for the synchronization engine.
type Sync struct {
	PageSize      int `toml:"page_size"`
	DedupWindowMS int `toml:"dedup_window_ms"`
	RetentionDays int `toml:"retention_days"`
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Sync           Sync   `toml:"sync"`
}

// Default returns a config populated with engine defaults.
func Default() *Config {
	return &Config{
		Sync: Sync{
			PageSize:      DefaultPageSize,
			DedupWindowMS: DefaultDedupWindowMS,
			RetentionDays: DefaultRetentionDays,
		},
	}
}

// Load reads config from the given path. Unset fields fall back to defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// DedupWindow returns the similarity-match window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Sync.DedupWindowMS) * time.Millisecond
}

func (c *Config) applyDefaults() {
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = DefaultPageSize
	}
	if c.Sync.DedupWindowMS <= 0 {
		c.Sync.DedupWindowMS = DefaultDedupWindowMS
	}
	if c.Sync.RetentionDays < 0 {
		c.Sync.RetentionDays = 0
	}
}
