// Package config loads the YAML configuration with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS       NATSConfig       `yaml:"nats"`
	Store      StoreConfig      `yaml:"store"`
	Engine     EngineConfig     `yaml:"engine"`
	Vault      VaultConfig      `yaml:"vault"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Teams      []TeamConfig     `yaml:"teams"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Web        WebConfig        `yaml:"web"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig bounds calls to the external analysis service.
type EngineConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type SupervisorConfig struct {
	ID string `yaml:"id"`
}

// TeamConfig declares one manager and its worker pool. Expertise lists
// the analysis domains the team covers.
type TeamConfig struct {
	Name      string   `yaml:"name"`
	Expertise []string `yaml:"expertise"`
	Workers   int      `yaml:"workers"`
	Capacity  int      `yaml:"capacity"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/epoptis.db",
		},
		Engine: EngineConfig{
			Timeout:     2 * time.Minute,
			MaxAttempts: 3,
		},
		Supervisor: SupervisorConfig{
			ID: "supervisor",
		},
		Teams: []TeamConfig{
			{Name: "topics", Expertise: []string{"topics"}, Workers: 2, Capacity: 2},
			{Name: "decisions", Expertise: []string{"decisions"}, Workers: 2, Capacity: 2},
			{Name: "action-items", Expertise: []string{"action_items"}, Workers: 2, Capacity: 2},
			{Name: "sentiment", Expertise: []string{"sentiment"}, Workers: 1, Capacity: 2},
			{Name: "summary", Expertise: []string{"summary"}, Workers: 1, Capacity: 1},
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("EPOPTIS_CONFIG")
	if path == "" {
		path = "config/epoptis.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOPTIS_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("EPOPTIS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("EPOPTIS_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("EPOPTIS_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("EPOPTIS_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
