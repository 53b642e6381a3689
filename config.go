package statechain

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Store kinds accepted in StoreConfig.Kind.
const (
	StoreMemory = "mem"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Config is the file form of a recording setup. Environment variables
// named STATECHAIN_* override the file values after it is read.
type Config struct {
	Model ModelConfig   `yaml:"model"`
	Store StoreConfig   `yaml:"store"`
	Chain ChainSettings `yaml:"chain"`
	Key   KeyFileConfig `yaml:"key"`
	Log   LogConfig     `yaml:"log"`
}

// StoreConfig selects and locates the audit store.
type StoreConfig struct {
	// Kind is one of "mem", "file" or "sqlite".
	Kind string `yaml:"kind" env:"STATECHAIN_STORE_KIND"`
	// Path is the directory of a file store or the DSN of a SQLite store.
	Path string `yaml:"path" env:"STATECHAIN_STORE_PATH"`
}

// ChainSettings holds the tunable parts of ChainConfig.
type ChainSettings struct {
	MaxRetries  int    `yaml:"max_retries" env:"STATECHAIN_CHAIN_MAX_RETRIES"`
	AnchorEvery uint64 `yaml:"anchor_every" env:"STATECHAIN_CHAIN_ANCHOR_EVERY"`
}

// KeyFileConfig locates the sealed signing key.
type KeyFileConfig struct {
	File string `yaml:"file" env:"STATECHAIN_KEY_FILE"`
	// Passphrase is never read from the file.
	Passphrase string `yaml:"-" env:"STATECHAIN_KEY_PASSPHRASE"`
	WorkFactor int    `yaml:"work_factor" env:"STATECHAIN_KEY_WORK_FACTOR"`
}

// LogConfig configures the CLI logger. An empty File means stderr.
type LogConfig struct {
	Level      string `yaml:"level" env:"STATECHAIN_LOG_LEVEL"`
	Format     string `yaml:"format" env:"STATECHAIN_LOG_FORMAT"` // "text" or "json"
	File       string `yaml:"file" env:"STATECHAIN_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"STATECHAIN_LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"STATECHAIN_LOG_MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"STATECHAIN_LOG_MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"STATECHAIN_LOG_COMPRESS"`
}

// DefaultConfig returns the values used for anything a config file omits.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{Kind: StoreFile, Path: "statechain-data"},
		Chain: ChainSettings{MaxRetries: DefaultMaxRetries},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig reads a YAML config file over DefaultConfig and applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	for _, target := range []any{&cfg.Store, &cfg.Chain, &cfg.Key, &cfg.Log} {
		if err := env.Parse(target); err != nil {
			return Config{}, fmt.Errorf("parse env: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields that do not depend on the model.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store: %s store needs a path", c.Store.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown kind %q", c.Store.Kind))
	}
	if c.Chain.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("chain: max_retries must not be negative"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// OpenStore opens the configured store.
func (c StoreConfig) OpenStore() (Store, error) {
	switch c.Kind {
	case StoreMemory:
		return NewMemStore(), nil
	case StoreFile:
		return OpenFileStore(c.Path)
	case StoreSQLite:
		return OpenSQLiteStore(c.Path)
	default:
		return nil, fmt.Errorf("store: unknown kind %q", c.Kind)
	}
}

// ChainConfig combines the settings with runtime collaborators.
func (c ChainSettings) ChainConfig(signer *Signer, log *slog.Logger, m *Metrics) ChainConfig {
	return ChainConfig{
		MaxRetries:  c.MaxRetries,
		AnchorEvery: c.AnchorEvery,
		Signer:      signer,
		Logger:      log,
		Metrics:     m,
	}
}

// SlogLevel parses Level; empty means info.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log: %w", err)
	}
	return lvl, nil
}
