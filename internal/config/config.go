package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the config schema version this build reads and writes.
const CurrentVersion = 1

type Config struct {
	Version  int            `yaml:"version" toml:"version"`
	UserID   string         `yaml:"user_id" toml:"user_id"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Fetch    FetchConfig    `yaml:"fetch" toml:"fetch"`
	Extract  ExtractConfig  `yaml:"extract" toml:"extract"`
	Refresh  RefreshConfig  `yaml:"refresh" toml:"refresh"`
	Sync     SyncConfig     `yaml:"sync" toml:"sync"`
	Network  NetworkConfig  `yaml:"network" toml:"network"`
	Remote   RemoteConfig   `yaml:"remote" toml:"remote"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" toml:"rabbitmq"`
	Topics   TopicsConfig   `yaml:"topics" toml:"topics"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type FetchConfig struct {
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	Concurrency int           `yaml:"concurrency" toml:"concurrency"`
	RatePerHost float64       `yaml:"rate_per_host" toml:"rate_per_host"`
	Burst       int           `yaml:"burst" toml:"burst"`
	UserAgent   string        `yaml:"user_agent" toml:"user_agent"`
	// BypassProxy is a url template; "{url}" is replaced by the escaped page url.
	BypassProxy string `yaml:"bypass_proxy" toml:"bypass_proxy"`
}

type ExtractConfig struct {
	MinLength  int    `yaml:"min_length" toml:"min_length"`
	MaxSummary int    `yaml:"max_summary" toml:"max_summary"`
	RulesFile  string `yaml:"rules_file,omitempty" toml:"rules_file"`
}

type RefreshConfig struct {
	Interval         time.Duration `yaml:"interval" toml:"interval"`
	MinInterval      time.Duration `yaml:"min_interval" toml:"min_interval"`
	BackgroundBudget time.Duration `yaml:"background_budget" toml:"background_budget"`
}

type SyncConfig struct {
	MaxPerDrain int `yaml:"max_per_drain" toml:"max_per_drain"`
}

type NetworkConfig struct {
	ProbeURL     string        `yaml:"probe_url" toml:"probe_url"`
	Timeout      time.Duration `yaml:"timeout" toml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// RemoteConfig points at the Postgres backend. An empty DSN runs local-only.
type RemoteConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

// RabbitMQConfig enables refresh events when URL is set.
type RabbitMQConfig struct {
	URL        string `yaml:"url" toml:"url"`
	Exchange   string `yaml:"exchange" toml:"exchange"`
	RoutingKey string `yaml:"routing_key" toml:"routing_key"`
	// Queue, when set, is declared and bound so events persist without a
	// running consumer.
	Queue string `yaml:"queue,omitempty" toml:"queue"`
}

type TopicsConfig struct {
	Version    int           `yaml:"version" toml:"version"`
	APIKey     string        `yaml:"api_key" toml:"api_key"`
	BaseURL    string        `yaml:"base_url" toml:"base_url"`
	DailyLimit int           `yaml:"daily_limit" toml:"daily_limit"`
	CacheTTL   time.Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	Items      []Topic       `yaml:"items" toml:"items"`
}

type Topic struct {
	ID      string `yaml:"id" toml:"id"`
	Name    string `yaml:"name" toml:"name"`
	Query   string `yaml:"query" toml:"query"`
	Lang    string `yaml:"lang" toml:"lang"`
	Country string `yaml:"country" toml:"country"`
	Max     int    `yaml:"max" toml:"max"`
}

type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	Path       string `yaml:"path,omitempty" toml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads the config file at path. A missing file yields Default().
// Values may reference environment variables as ${VAR}; a .env file in the
// working directory is loaded first. Files ending in .toml are read as TOML,
// anything else as YAML.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config as YAML, refusing to overwrite an existing file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	if c.UserID == "" {
		c.UserID = "local"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./courier.db"
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 20 * time.Second
	}
	if c.Fetch.Concurrency == 0 {
		c.Fetch.Concurrency = 4
	}
	if c.Fetch.RatePerHost == 0 {
		c.Fetch.RatePerHost = 2
	}
	if c.Fetch.Burst == 0 {
		c.Fetch.Burst = 4
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "courier/1.0"
	}
	if c.Extract.MinLength == 0 {
		c.Extract.MinLength = 100
	}
	if c.Extract.MaxSummary == 0 {
		c.Extract.MaxSummary = 500
	}
	if c.Refresh.Interval == 0 {
		c.Refresh.Interval = 15 * time.Minute
	}
	if c.Refresh.MinInterval == 0 {
		c.Refresh.MinInterval = 15 * time.Minute
	}
	if c.Refresh.BackgroundBudget == 0 {
		c.Refresh.BackgroundBudget = 25 * time.Second
	}
	if c.Sync.MaxPerDrain == 0 {
		c.Sync.MaxPerDrain = 200
	}
	if c.Network.ProbeURL == "" {
		c.Network.ProbeURL = "https://clients3.google.com/generate_204"
	}
	if c.Network.Timeout == 0 {
		c.Network.Timeout = 3 * time.Second
	}
	if c.Network.PollInterval == 0 {
		c.Network.PollInterval = 30 * time.Second
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "courier"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "refresh.completed"
	}
	c.Topics.setDefaults()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

func (t *TopicsConfig) setDefaults() {
	if t.Version == 0 {
		t.Version = CurrentVersion
	}
	if t.BaseURL == "" {
		t.BaseURL = "https://gnews.io/api/v4"
	}
	if t.DailyLimit == 0 {
		t.DailyLimit = 100
	}
	if t.CacheTTL == 0 {
		t.CacheTTL = time.Hour
	}
	for i := range t.Items {
		item := &t.Items[i]
		if item.ID == "" {
			item.ID = slug(item.Name)
		}
		if item.Query == "" {
			item.Query = item.Name
		}
		if item.Lang == "" {
			item.Lang = "en"
		}
		if item.Max == 0 {
			item.Max = 10
		}
	}
}

// Topic returns the configured topic with the given id.
func (t *TopicsConfig) Topic(id string) (Topic, bool) {
	for _, item := range t.Items {
		if item.ID == id {
			return item, true
		}
	}
	return Topic{}, false
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}), "-")
}

// Validate rejects configs this build cannot run with.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version %d (want %d)", c.Version, CurrentVersion)
	}
	if c.Topics.Version != CurrentVersion {
		return fmt.Errorf("unsupported topics version %d (want %d)", c.Topics.Version, CurrentVersion)
	}
	if c.Fetch.Concurrency < 1 {
		return fmt.Errorf("fetch.concurrency must be at least 1")
	}
	if c.Fetch.Timeout < 0 || c.Refresh.MinInterval < 0 || c.Refresh.BackgroundBudget < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Extract.MaxSummary < 1 {
		return fmt.Errorf("extract.max_summary must be positive")
	}
	if c.Sync.MaxPerDrain < 1 {
		return fmt.Errorf("sync.max_per_drain must be positive")
	}
	if c.Fetch.BypassProxy != "" && !strings.Contains(c.Fetch.BypassProxy, "{url}") {
		return fmt.Errorf("fetch.bypass_proxy must contain {url}")
	}
	if _, err := url.Parse(c.Network.ProbeURL); err != nil {
		return fmt.Errorf("network.probe_url: %w", err)
	}
	seen := make(map[string]bool)
	for _, item := range c.Topics.Items {
		if item.ID == "" {
			return fmt.Errorf("topic without id or name")
		}
		if seen[item.ID] {
			return fmt.Errorf("duplicate topic id %q", item.ID)
		}
		seen[item.ID] = true
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
