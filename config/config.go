// Package config loads the settings shared by the authority server and the
// local agent: a YAML file, then environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	LogLevel string       `yaml:"log_level" validate:"oneof=debug info warn error"`
	Server   ServerConfig `yaml:"server"`
	Agent    AgentConfig  `yaml:"agent"`
}

// ServerConfig configures the authority. An empty DatabaseURL keeps notes in
// memory; an empty RedisAddr publishes to local subscribers only.
type ServerConfig struct {
	Addr        string `yaml:"addr" validate:"required,hostname_port"`
	DatabaseURL string `yaml:"database_url" validate:"omitempty,url"`
	RedisAddr   string `yaml:"redis_addr" validate:"omitempty,hostname_port"`
	Advertise   bool   `yaml:"advertise"`
}

// AgentConfig configures the local agent. With no AuthorityURL the agent
// browses the local network for an authority.
type AgentConfig struct {
	Addr             string        `yaml:"addr" validate:"required,hostname_port"`
	AuthorityURL     string        `yaml:"authority_url" validate:"omitempty,url"`
	NoteID           string        `yaml:"note_id"`
	CachePath        string        `yaml:"cache_path"`
	UIDir            string        `yaml:"ui_dir"`
	AutoResync       bool          `yaml:"auto_resync"`
	Advertise        bool          `yaml:"advertise"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" validate:"min=0"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr: ":8081",
		},
		Agent: AgentConfig{
			Addr:             ":8080",
			CachePath:        "notesync-cache.db",
			AutoResync:       true,
			Advertise:        true,
			DiscoveryTimeout: 15 * time.Second,
		},
	}
}

// Load reads path, when not empty, over the defaults and applies the
// environment on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", key, ErrInvalid, err)
		}
		*dst = b
		return nil
	}

	str("NOTESYNC_LOG_LEVEL", &c.LogLevel)
	str("NOTESYNC_SERVER_ADDR", &c.Server.Addr)
	str("DATABASE_URL", &c.Server.DatabaseURL)
	str("REDIS_ADDR", &c.Server.RedisAddr)
	str("NOTESYNC_AGENT_ADDR", &c.Agent.Addr)
	str("NOTESYNC_AUTHORITY_URL", &c.Agent.AuthorityURL)
	str("NOTESYNC_NOTE_ID", &c.Agent.NoteID)
	str("NOTESYNC_CACHE_PATH", &c.Agent.CachePath)
	str("NOTESYNC_UI_DIR", &c.Agent.UIDir)
	if err := boolean("NOTESYNC_SERVER_ADVERTISE", &c.Server.Advertise); err != nil {
		return err
	}
	if err := boolean("NOTESYNC_AGENT_ADVERTISE", &c.Agent.Advertise); err != nil {
		return err
	}
	return boolean("NOTESYNC_AUTO_RESYNC", &c.Agent.AutoResync)
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Logger returns a JSON logger writing to w at the configured level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
