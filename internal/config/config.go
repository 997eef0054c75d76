// Package config handles loading and validating gateway configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/howard-nolan/llmgateway/internal/checkin"
)

// ErrInvalid is wrapped by every validation error returned from Load.
var ErrInvalid = errors.New("invalid config")

// Config is the top-level configuration for the gateway.
type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Proxy    ProxyConfig     `koanf:"proxy"`
	Database DatabaseConfig  `koanf:"database"`
	Redis    RedisConfig     `koanf:"redis"`
	Checkin  CheckinConfig   `koanf:"checkin"`
	Log      LogConfig       `koanf:"log"`
	Channels []ChannelConfig `koanf:"channels"`
	Tokens   []TokenConfig   `koanf:"tokens"`

	CheckinSites []CheckinSiteConfig `koanf:"checkin_sites"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	AdminToken   string        `koanf:"admin_token"`
}

// ProxyConfig controls the retry/failover loop.
type ProxyConfig struct {
	RetryRounds     int           `koanf:"retry_rounds"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
	UpstreamTimeout time.Duration `koanf:"upstream_timeout"`
	UsageTimeout    time.Duration `koanf:"usage_timeout"`
}

// DatabaseConfig points at the sqlite file backing the reference store.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// RedisConfig is optional. When Addr is empty the scheduler keeps its
// state in the database instead.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// CheckinConfig seeds the check-in schedule setting the first time the
// gateway starts against an empty database.
type CheckinConfig struct {
	Enabled bool   `koanf:"enabled"`
	Time    string `koanf:"time"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `koanf:"level"`
	File  string `koanf:"file"`
}

// ChannelConfig declares one upstream channel to upsert at startup.
type ChannelConfig struct {
	Name              string            `koanf:"name"`
	BaseURL           string            `koanf:"base_url"`
	Weight            int               `koanf:"weight"`
	SiteType          string            `koanf:"site_type"`
	APIKeys           []string          `koanf:"api_keys"`
	Models            []string          `koanf:"models"`
	ModelMapping      map[string]string `koanf:"model_mapping"`
	HeaderOverrides   map[string]string `koanf:"header_overrides"`
	QueryOverrides    map[string]string `koanf:"query_overrides"`
	ChatURL           string            `koanf:"chat_url"`
	EmbeddingURL      string            `koanf:"embedding_url"`
	ImageURL          string            `koanf:"image_url"`
	Disabled          bool              `koanf:"disabled"`
	CheckinEnabled    bool              `koanf:"checkin_enabled"`
	CheckinURL        string            `koanf:"checkin_url"`
	SystemToken       string            `koanf:"system_token"`
	SystemUserID      string            `koanf:"system_user_id"`
}

// TokenConfig declares one gateway access token to upsert at startup.
type TokenConfig struct {
	Name            string   `koanf:"name"`
	Key             string   `koanf:"key"`
	AllowedChannels []string `koanf:"allowed_channels"`
}

// CheckinSiteConfig declares a panel account that is only checked in
// with, never proxied to.
type CheckinSiteConfig struct {
	Name       string `koanf:"name"`
	BaseURL    string `koanf:"base_url"`
	CheckinURL string `koanf:"checkin_url"`
	Token      string `koanf:"token"`
	UserID     string `koanf:"user_id"`
	Disabled   bool   `koanf:"disabled"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	// Model names such as "gpt-4.1" appear as map keys, so "." cannot be
	// the key path delimiter.
	k := koanf.New("::")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Keys contain underscores, so a double underscore separates levels:
	//   LLMGATEWAY_PROXY__RETRY_ROUNDS -> proxy::retry_rounds
	//   LLMGATEWAY_SERVER__PORT        -> server::port
	if err := k.Load(env.Provider("LLMGATEWAY_", "::", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMGATEWAY_")),
			"__", "::",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in secrets.
	cfg.Server.AdminToken = expandEnv(cfg.Server.AdminToken)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		for j, key := range ch.APIKeys {
			ch.APIKeys[j] = expandEnv(key)
		}
		ch.SystemToken = expandEnv(ch.SystemToken)
	}
	for i := range cfg.Tokens {
		cfg.Tokens[i].Key = expandEnv(cfg.Tokens[i].Key)
	}
	for i := range cfg.CheckinSites {
		cfg.CheckinSites[i].Token = expandEnv(cfg.CheckinSites[i].Token)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandEnv(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return os.Getenv(value[2 : len(value)-1])
	}
	return value
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Proxy.RetryRounds < 1 {
		c.Proxy.RetryRounds = 1
	}
	if c.Proxy.RetryDelay < 0 {
		c.Proxy.RetryDelay = 0
	} else if c.Proxy.RetryDelay == 0 {
		c.Proxy.RetryDelay = 200 * time.Millisecond
	}
	if c.Proxy.UpstreamTimeout == 0 {
		c.Proxy.UpstreamTimeout = 5 * time.Minute
	}
	if c.Proxy.UsageTimeout == 0 {
		c.Proxy.UsageTimeout = 30 * time.Second
	}
	if c.Database.Path == "" {
		c.Database.Path = "llmgateway.db"
	}
	if c.Checkin.Time == "" {
		c.Checkin.Time = "00:10"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Channels {
		if c.Channels[i].Weight == 0 {
			c.Channels[i].Weight = 1
		}
	}
}

func (c *Config) validate() error {
	if _, err := checkin.ParseClock(c.Checkin.Time); err != nil {
		return fmt.Errorf("%w: checkin.time: %v", ErrInvalid, err)
	}
	for i, ch := range c.Channels {
		if ch.Name == "" || ch.BaseURL == "" {
			return fmt.Errorf("%w: channels[%d] needs name and base_url", ErrInvalid, i)
		}
	}
	for i, site := range c.CheckinSites {
		if site.Name == "" || (site.BaseURL == "" && site.CheckinURL == "") {
			return fmt.Errorf("%w: checkin_sites[%d] needs name and base_url", ErrInvalid, i)
		}
	}
	for i, t := range c.Tokens {
		if t.Key == "" {
			return fmt.Errorf("%w: tokens[%d] has an empty key", ErrInvalid, i)
		}
	}
	return nil
}
