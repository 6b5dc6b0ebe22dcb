package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/batchd/internal/platform/envutil"
)

type NodeConfig struct {
	Name                  string `yaml:"name"`
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	RepoPath              string `yaml:"repoPath"`
	TmpPath               string `yaml:"tmpPath"`
	DlRepoPath            string `yaml:"dlRepoPath"`
	PollIntervalMsDefault int    `yaml:"pollIntervalMsDefault"`
	MaxConcurrentDefault  int    `yaml:"maxConcurrentDefault"`
	ReloadIntervalMs      int    `yaml:"reloadIntervalMs"`
}

type EngineConfig struct {
	DrainTimeoutMs int `yaml:"drainTimeoutMs"`
	// RestartOnCrash makes every crashed instance restartable, including
	// instances of definitions that do not set canRestart themselves.
	// Definitions cannot opt out of it; the chain stays bounded by
	// MaxRestarts either way.
	RestartOnCrash  bool `yaml:"restartOnCrash"`
	MaxMessageChars int  `yaml:"maxMessageChars"`
	MaxRestarts     int  `yaml:"maxRestarts"`
}

type DBConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "sqlite"
	DSN    string `yaml:"dsn"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type Config struct {
	LogMode string       `yaml:"logMode"`
	Node    NodeConfig   `yaml:"node"`
	Engine  EngineConfig `yaml:"engine"`
	DB      DBConfig     `yaml:"db"`
	HTTP    HTTPConfig   `yaml:"http"`
}

func Default() Config {
	host, _ := os.Hostname()
	return Config{
		LogMode: "development",
		Node: NodeConfig{
			Name:                  host,
			Host:                  host,
			Port:                  8080,
			RepoPath:              "./data/repo",
			TmpPath:               "./data/tmp",
			DlRepoPath:            "./data/deliverables",
			PollIntervalMsDefault: 1000,
			MaxConcurrentDefault:  5,
			ReloadIntervalMs:      10000,
		},
		Engine: EngineConfig{
			DrainTimeoutMs:  60000,
			RestartOnCrash:  false,
			MaxMessageChars: 1000,
			MaxRestarts:     1,
		},
		DB: DBConfig{
			Driver: "sqlite",
			DSN:    "./data/batchd.db",
		},
		HTTP: HTTPConfig{Port: 8080},
	}
}

// Load reads the YAML config file at path (optional, path may be empty),
// then applies environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogMode = envutil.Str("LOG_MODE", c.LogMode)
	c.Node.Name = envutil.Str("NODE_NAME", c.Node.Name)
	c.Node.Host = envutil.Str("NODE_HOST", c.Node.Host)
	c.Node.Port = envutil.Int("NODE_PORT", c.Node.Port)
	c.Node.RepoPath = envutil.Str("NODE_REPO_PATH", c.Node.RepoPath)
	c.Node.TmpPath = envutil.Str("NODE_TMP_PATH", c.Node.TmpPath)
	c.Node.DlRepoPath = envutil.Str("NODE_DL_REPO_PATH", c.Node.DlRepoPath)
	c.Node.PollIntervalMsDefault = envutil.Int("NODE_POLL_INTERVAL_MS", c.Node.PollIntervalMsDefault)
	c.Node.MaxConcurrentDefault = envutil.Int("NODE_MAX_CONCURRENT", c.Node.MaxConcurrentDefault)
	c.Node.ReloadIntervalMs = envutil.Int("NODE_RELOAD_INTERVAL_MS", c.Node.ReloadIntervalMs)
	c.Engine.DrainTimeoutMs = envutil.Int("ENGINE_DRAIN_TIMEOUT_MS", c.Engine.DrainTimeoutMs)
	c.Engine.RestartOnCrash = envutil.Bool("ENGINE_RESTART_ON_CRASH", c.Engine.RestartOnCrash)
	c.Engine.MaxMessageChars = envutil.Int("ENGINE_MAX_MESSAGE_CHARS", c.Engine.MaxMessageChars)
	c.Engine.MaxRestarts = envutil.Int("ENGINE_MAX_RESTARTS", c.Engine.MaxRestarts)
	c.DB.Driver = envutil.Str("DB_DRIVER", c.DB.Driver)
	c.DB.DSN = envutil.Str("DB_DSN", c.DB.DSN)
	c.HTTP.Port = envutil.Int("HTTP_PORT", c.HTTP.Port)
}

func (c *Config) DrainTimeout() time.Duration {
	if c.Engine.DrainTimeoutMs <= 0 {
		return time.Minute
	}
	return time.Duration(c.Engine.DrainTimeoutMs) * time.Millisecond
}

func (c *Config) ReloadInterval() time.Duration {
	if c.Node.ReloadIntervalMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Node.ReloadIntervalMs) * time.Millisecond
}
