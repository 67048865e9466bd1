// Package config handles parsing and writing of kwsync configuration files
// (kwsync.toml).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"github.com/roach88/kwsync/internal/engine"
)

// DefaultFileName is the config file looked up when --config is not given.
const DefaultFileName = "kwsync.toml"

// Sync holds settings for the sync session.
type Sync struct {
	// EmitBaseline pushes baseline entries upstream like user entries.
	EmitBaseline bool `toml:"emit_baseline"`
}

// Config is the decoded kwsync.toml.
type Config struct {
	Database              string `toml:"database"`
	BaselineDir           string `toml:"baseline_dir,omitempty"`
	GUIDGenerator         string `toml:"guid_generator"`
	MaxDefaultTransitions int    `toml:"max_default_transitions"`
	LogLevel              string `toml:"log_level"`
	Sync                  Sync   `toml:"sync"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Database:              "kwsync.db",
		GUIDGenerator:         "uuidv7",
		MaxDefaultTransitions: engine.DefaultMaxTransitions,
		LogLevel:              "info",
		Sync:                  Sync{EmitBaseline: true},
	}
}

// Load reads path from fsys. A missing file yields DefaultConfig. Fields
// absent from the file keep their defaults; unknown fields are rejected.
//
// Relative database and baseline_dir paths are resolved against the
// directory holding the config file.
func Load(fsys afero.Fs, path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("parse %s: %w\n%s", path, err, strict.String())
		}
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	cfg.Database = resolve(dir, cfg.Database)
	cfg.BaselineDir = resolve(dir, cfg.BaselineDir)
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Save writes cfg to path on fsys.
func Save(fsys afero.Fs, path string, cfg Config) error {
	f, err := fsys.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Validate checks field values.
func (c Config) Validate() error {
	if c.Database == "" {
		return errors.New("database must not be empty")
	}
	if _, err := engine.NewGUIDGenerator(c.GUIDGenerator); err != nil {
		return fmt.Errorf("guid_generator: %w", err)
	}
	if c.MaxDefaultTransitions < 1 {
		return fmt.Errorf("max_default_transitions must be positive, got %d", c.MaxDefaultTransitions)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel converts a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log_level: unknown level %q", s)
	}
	return level, nil
}

// Level returns the configured slog level, or Info if it does not parse.
func (c Config) Level() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// EngineOptions translates the config into engine options.
func (c Config) EngineOptions() ([]engine.EngineOption, error) {
	gen, err := engine.NewGUIDGenerator(c.GUIDGenerator)
	if err != nil {
		return nil, fmt.Errorf("guid_generator: %w", err)
	}
	return []engine.EngineOption{
		engine.WithGUIDGenerator(gen),
		engine.WithMaxTransitions(c.MaxDefaultTransitions),
		engine.WithEmitBaseline(c.Sync.EmitBaseline),
	}, nil
}
