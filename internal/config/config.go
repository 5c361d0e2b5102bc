// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Quotes    QuotesConfig    `mapstructure:"quotes"`
	Mail      MailConfig      `mapstructure:"mail"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// LoggingConfig holds log level, sinks, and rotation tuning.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ServerConfig holds the push-stream server configuration.
type ServerConfig struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
}

// CacheConfig holds price cache tuning.
type CacheConfig struct {
	QuoteTTL    time.Duration `mapstructure:"quote_ttl"`
	StaleWindow time.Duration `mapstructure:"stale_window"`
}

// UpstreamConfig holds the crypto websocket feed configuration.
type UpstreamConfig struct {
	URL            string        `mapstructure:"url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// QuotesConfig holds the conventional-market quote API configuration.
type QuotesConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MailConfig holds email delivery configuration. SendmailPath, when set
// and present on disk, is preferred over the SMTP host.
type MailConfig struct {
	SendmailPath string        `mapstructure:"sendmail_path"`
	SMTPHost     string        `mapstructure:"smtp_host"`
	SMTPPort     int           `mapstructure:"smtp_port"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	From         string        `mapstructure:"from"`
	StartTLS     bool          `mapstructure:"starttls"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// WebhookConfig holds webhook delivery configuration.
type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig holds task cadences and log suppression tuning.
type SchedulerConfig struct {
	AlertInterval  time.Duration `mapstructure:"alert_interval"`
	DigestInterval time.Duration `mapstructure:"digest_interval"`
	LogCooldown    time.Duration `mapstructure:"log_cooldown"`
}

// DatabaseConfig holds the record store location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/pricepulse"
	}
	return filepath.Join(home, ".config", "pricepulse")
}

// Load loads configuration from the specified directory. If configDir is
// empty, the default config directory is used; a template config file is
// written on first run.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := writeTemplate(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(cfg)
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(configDir, "pricepulse.db")
	}
	if cfg.Logging.Path == "" {
		cfg.Logging.Path = filepath.Join(configDir, "logs", "pricepulse.log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8900")
	v.SetDefault("server.heartbeat", 15*time.Second)
	v.SetDefault("cache.quote_ttl", time.Minute)
	v.SetDefault("cache.stale_window", 5*time.Minute)
	v.SetDefault("upstream.url", "wss://ws-feed.exchange.coinbase.com")
	v.SetDefault("upstream.reconnect_delay", 5*time.Second)
	v.SetDefault("upstream.dial_timeout", 15*time.Second)
	v.SetDefault("quotes.timeout", 10*time.Second)
	v.SetDefault("mail.smtp_port", 587)
	v.SetDefault("mail.starttls", true)
	v.SetDefault("mail.timeout", 30*time.Second)
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("scheduler.alert_interval", time.Minute)
	v.SetDefault("scheduler.digest_interval", 5*time.Minute)
	v.SetDefault("scheduler.log_cooldown", 15*time.Minute)
	v.SetDefault("database.path", filepath.Join(DefaultConfigDir(), "pricepulse.db"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PRICEPULSE_SMTP_HOST"); v != "" {
		cfg.Mail.SMTPHost = v
	}
	if v := os.Getenv("PRICEPULSE_SMTP_USERNAME"); v != "" {
		cfg.Mail.Username = v
	}
	if v := os.Getenv("PRICEPULSE_SMTP_PASSWORD"); v != "" {
		cfg.Mail.Password = v
	}
	if v := os.Getenv("PRICEPULSE_QUOTES_URL"); v != "" {
		cfg.Quotes.BaseURL = v
	}
	if v := os.Getenv("PRICEPULSE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Cache.QuoteTTL <= 0 {
		return fmt.Errorf("cache.quote_ttl must be positive")
	}
	if c.Cache.StaleWindow < 0 {
		return fmt.Errorf("cache.stale_window must be non-negative")
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if c.Scheduler.AlertInterval <= 0 || c.Scheduler.DigestInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.Mail.SMTPHost != "" && c.Mail.From == "" {
		return fmt.Errorf("mail.from is required when mail.smtp_host is set")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	return nil
}

// MailConfigured reports whether any email delivery mechanism is set up.
func (c *Config) MailConfigured() bool {
	return c.Mail.SendmailPath != "" || c.Mail.SMTPHost != ""
}
