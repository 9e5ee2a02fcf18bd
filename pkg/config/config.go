// Copyright 2024-2026 Aiku AI

// Package config loads the bridge configuration from YAML, a .env file and
// the environment.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type MatrixConfig struct {
	Homeserver string `yaml:"homeserver"`
	UserID     string `yaml:"user_id"`
	Password   string `yaml:"password"`
	Room       string `yaml:"room"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	UseTLS   bool   `yaml:"use_tls"`
}

type MeshtasticConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ChannelIndex int      `yaml:"channel_index"`
	ChannelPSK   string   `yaml:"channel_psk"`
	Channels     []string `yaml:"channels"`
}

// RelayConfig holds the correlation engine tunables.
type RelayConfig struct {
	MaxPayload    int           `yaml:"max_payload"`
	ChunkDelay    time.Duration `yaml:"chunk_delay"`
	QuotePreview  int           `yaml:"quote_preview"`
	MaxAge        time.Duration `yaml:"max_age"`
	MaxRecords    int           `yaml:"max_records"`
	EvictSchedule string        `yaml:"evict_schedule"`
	QueueSize     int           `yaml:"queue_size"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AdminAPIConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full bridge configuration.
type Config struct {
	Matrix     MatrixConfig      `yaml:"matrix"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	Meshtastic MeshtasticConfig  `yaml:"meshtastic"`
	Relay      RelayConfig       `yaml:"relay"`
	Database   DatabaseConfig    `yaml:"database"`
	AdminAPI   AdminAPIConfig    `yaml:"admin_api"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "matrix", "homeserver")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "password")
	helper.Copy(up.Str, "matrix", "room")

	helper.Copy(up.Str, "mqtt", "broker")
	helper.Copy(up.Int, "mqtt", "port")
	helper.Copy(up.Str, "mqtt", "username")
	helper.Copy(up.Str, "mqtt", "password")
	helper.Copy(up.Str, "mqtt", "topic")
	helper.Copy(up.Bool, "mqtt", "use_tls")

	helper.Copy(up.Str, "meshtastic", "host")
	helper.Copy(up.Int, "meshtastic", "port")
	helper.Copy(up.Int, "meshtastic", "channel_index")
	helper.Copy(up.Str, "meshtastic", "channel_psk")
	helper.Copy(up.List, "meshtastic", "channels")

	helper.Copy(up.Int, "relay", "max_payload")
	helper.Copy(up.Str, "relay", "chunk_delay")
	helper.Copy(up.Int, "relay", "quote_preview")
	helper.Copy(up.Str, "relay", "max_age")
	helper.Copy(up.Int, "relay", "max_records")
	helper.Copy(up.Str, "relay", "evict_schedule")
	helper.Copy(up.Int, "relay", "queue_size")

	helper.Copy(up.Str, "database", "path")
	helper.Copy(up.Str|up.Null, "admin_api", "addr")

	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config file into the current example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"mqtt"},
		{"meshtastic"},
		{"relay"},
		{"database"},
		{"admin_api"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// Path is the YAML config file. A missing file falls back to the
	// example config, so the bridge can run from the environment alone.
	Path string
	// Save writes the upgraded config back to Path.
	Save bool
	// EnvFile is loaded into the process environment if it exists.
	EnvFile string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// SkipValidation is for tools that only read the database.
	SkipValidation bool
}

// Load reads, upgrades, overrides and validates the configuration.
func Load(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
		}
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}

	data := []byte(ExampleConfig)
	if opts.Path != "" {
		if _, err := os.Stat(opts.Path); err == nil {
			data, _, err = up.Do(opts.Path, opts.Save, Upgrader)
			if err != nil {
				return nil, fmt.Errorf("failed to upgrade config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config: %w", err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.ApplyEnv(opts.LookupEnv); err != nil {
		return nil, err
	}
	if !opts.SkipValidation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Logger compiles the logging block into a root logger.
func (c *Config) Logger() (*zerolog.Logger, error) {
	log, err := c.Logging.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return log, nil
}
