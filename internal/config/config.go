// Package config loads ~/.worldchat/config.toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the global ~/.worldchat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	// UserID is the acting user; messages are sent as this sender.
	UserID string       `toml:"user_id"`
	Remote RemoteConfig `toml:"remote"`
	Outbox OutboxConfig `toml:"outbox"`
	Media  MediaConfig  `toml:"media"`
	Admin  AdminConfig  `toml:"admin"`
}

type RemoteConfig struct {
	URL            string   `toml:"url"`
	DialTimeout    Duration `toml:"dial_timeout"`
	PublishTimeout Duration `toml:"publish_timeout"`
}

type OutboxConfig struct {
	// DrainSchedule is a cron expression or descriptor such as "@every 15s".
	DrainSchedule string   `toml:"drain_schedule"`
	BatchSize     int      `toml:"batch_size"`
	BaseDelay     Duration `toml:"base_delay"`
	MaxDelay      Duration `toml:"max_delay"`
	Concurrency   int      `toml:"concurrency"`
}

type MediaConfig struct {
	UploadURL string `toml:"upload_url"`
}

type AdminConfig struct {
	// Addr is the admin HTTP listen address. Empty disables it.
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			URL:            "ws://127.0.0.1:7420/ws",
			DialTimeout:    Duration(10 * time.Second),
			PublishTimeout: Duration(10 * time.Second),
		},
		Outbox: OutboxConfig{
			DrainSchedule: "@every 15s",
			BatchSize:     20,
			BaseDelay:     Duration(2 * time.Second),
			MaxDelay:      Duration(5 * time.Minute),
			Concurrency:   1,
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Outbox.BatchSize < 0:
		return errors.New("outbox.batch_size must not be negative")
	case c.Outbox.Concurrency < 0:
		return errors.New("outbox.concurrency must not be negative")
	case c.Outbox.MaxDelay > 0 && c.Outbox.BaseDelay > c.Outbox.MaxDelay:
		return errors.New("outbox.base_delay exceeds outbox.max_delay")
	}
	return nil
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
