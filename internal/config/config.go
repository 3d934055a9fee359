// Package config provides YAML-based configuration loading for Gem Scout.
//
// Configuration is loaded once at startup and immutable afterwards.
// Secrets (chat platform tokens, AI credentials) can be supplied or
// overridden via environment variables so deployments never need to
// write them to disk.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zulandar/gemscout/internal/ai"
)

// Config is the top-level Gem Scout configuration, loaded from gemscout.yaml.
type Config struct {
	Platform string         `yaml:"platform"` // "telegram", "discord", or "slack"
	Database DatabaseConfig `yaml:"database"`
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	AI       AIConfig       `yaml:"ai"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Status   StatusConfig   `yaml:"status"`
}

// DatabaseConfig holds persistence settings. Driver "memory" disables
// persistence entirely; memory and watchlists then reset on restart.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default), "mysql", or "memory"
	Path   string `yaml:"path"`   // sqlite file path
	Host   string `yaml:"host"`   // mysql
	Port   int    `yaml:"port"`   // mysql
	Name   string `yaml:"name"`   // mysql database name
}

// TelegramConfig holds Telegram Bot API settings.
type TelegramConfig struct {
	Token string `yaml:"token"` // env: TELEGRAM_BOT_TOKEN
}

// DiscordConfig holds Discord gateway settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"` // env: DISCORD_BOT_TOKEN
	ChannelID string `yaml:"channel"`
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	AppToken  string `yaml:"app_token"` // env: SLACK_APP_TOKEN
	BotToken  string `yaml:"bot_token"` // env: SLACK_BOT_TOKEN
	ChannelID string `yaml:"channel"`
}

// AIConfig holds reasoning-service settings.
type AIConfig struct {
	Endpoint    string `yaml:"endpoint"` // env: GEMSCOUT_AI_ENDPOINT
	Key         string `yaml:"key"`      // env: GEMSCOUT_AI_KEY
	Model       string `yaml:"model"`    // env: GEMSCOUT_AI_MODEL
	TimeoutSec  int    `yaml:"timeout_sec"`
	MaxRetries  int    `yaml:"max_retries"`  // unset defaults to 2; -1 disables retries
	InflightMax int    `yaml:"inflight_max"` // global cap on concurrent AI calls
}

// AlertsConfig controls the background watchlist poller.
type AlertsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	PollIntervalSec int    `yaml:"poll_interval_sec"` // floor 60, default 300
	Cron            string `yaml:"cron"`              // optional 5-field cron; overrides interval
}

// StatusConfig controls the HTTP status server.
type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A missing file is not an error: the config then comes entirely from
// environment variables and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Parse(nil)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config, applying environment
// overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envOr returns the environment value for key if set, otherwise cur.
func envOr(key, cur string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return cur
}

// applyEnv overlays secret-bearing fields from the environment.
func (c *Config) applyEnv() {
	c.Telegram.Token = envOr("TELEGRAM_BOT_TOKEN", c.Telegram.Token)
	c.Discord.BotToken = envOr("DISCORD_BOT_TOKEN", c.Discord.BotToken)
	c.Slack.AppToken = envOr("SLACK_APP_TOKEN", c.Slack.AppToken)
	c.Slack.BotToken = envOr("SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.AI.Endpoint = envOr("GEMSCOUT_AI_ENDPOINT", c.AI.Endpoint)
	c.AI.Key = envOr("GEMSCOUT_AI_KEY", c.AI.Key)
	c.AI.Model = envOr("GEMSCOUT_AI_MODEL", c.AI.Model)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = "telegram"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "gemscout.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "gemscout"
	}
	if c.AI.TimeoutSec <= 0 {
		c.AI.TimeoutSec = 600
	}
	if c.AI.MaxRetries == 0 {
		c.AI.MaxRetries = ai.DefaultMaxRetries
	}
	if c.AI.MaxRetries < 0 {
		c.AI.MaxRetries = 0
	}
	if c.AI.InflightMax < 1 {
		c.AI.InflightMax = 2
	}
	if c.Alerts.PollIntervalSec <= 0 {
		c.Alerts.PollIntervalSec = 300
	}
	if c.Alerts.PollIntervalSec < 60 {
		c.Alerts.PollIntervalSec = 60
	}
	if c.Status.Port == 0 {
		c.Status.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case "telegram":
		if c.Telegram.Token == "" {
			errs = append(errs, "telegram.token is required (or set TELEGRAM_BOT_TOKEN)")
		}
	case "discord":
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required (or set DISCORD_BOT_TOKEN)")
		}
	case "slack":
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required (or set SLACK_APP_TOKEN)")
		}
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required (or set SLACK_BOT_TOKEN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("platform %q is not supported (telegram, discord, slack)", c.Platform))
	}
	switch c.Database.Driver {
	case "sqlite", "mysql", "memory":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql, memory)", c.Database.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Persistent reports whether a real database backs memory and watchlists.
func (c *Config) Persistent() bool {
	return c.Database.Driver != "memory"
}
