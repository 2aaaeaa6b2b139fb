package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	UserID         string `toml:"user_id"`
	Sync           Sync   `toml:"sync"`
}

// Sync holds the engine tuning knobs. Zero values mean the default.
type Sync struct {
	LiveTailLimit         int `toml:"live_tail_limit"`
	PageSize              int `toml:"page_size"`
	BackfillAttempts      int `toml:"backfill_attempts"`
	RetryIntervalMS       int `toml:"retry_interval_ms"`
	ResubscribeIntervalMS int `toml:"resubscribe_interval_ms"`
	NotifyTailLimit       int `toml:"notify_tail_limit"`
}

// WithDefaults fills zero fields.
func (s Sync) WithDefaults() Sync {
	if s.LiveTailLimit <= 0 {
		s.LiveTailLimit = 50
	}
	if s.PageSize <= 0 {
		s.PageSize = 30
	}
	if s.BackfillAttempts <= 0 {
		s.BackfillAttempts = 5
	}
	if s.RetryIntervalMS <= 0 {
		s.RetryIntervalMS = 1000
	}
	if s.ResubscribeIntervalMS <= 0 {
		s.ResubscribeIntervalMS = 2000
	}
	if s.NotifyTailLimit <= 0 {
		s.NotifyTailLimit = 1
	}
	return s
}

// RetryInterval returns the outbox retry interval.
func (s Sync) RetryInterval() time.Duration {
	return time.Duration(s.RetryIntervalMS) * time.Millisecond
}

// ResubscribeInterval returns the delay before a failed stream is reopened.
func (s Sync) ResubscribeInterval() time.Duration {
	return time.Duration(s.ResubscribeIntervalMS) * time.Millisecond
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to the zero config
// when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	return cfg, err
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
