package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Registry modes.
const (
	RegistryEmbedded = "embedded"
	RegistryRemote   = "remote"
)

// Directory backends.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
)

var platformNameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Config represents relayd.toml.
type Config struct {
	// Platform is the federation name of this application.
	Platform  string `toml:"platform"`
	Listen    string `toml:"listen"`
	PublicURL string `toml:"public_url"`

	Registry RegistryConfig `toml:"registry"`
	Relay    RelayConfig    `toml:"relay"`
	Bindings BindingConfig  `toml:"bindings"`

	Discord  AdapterConfig `toml:"discord"`
	Telegram AdapterConfig `toml:"telegram"`
	WhatsApp AdapterConfig `toml:"whatsapp"`
}

// RegistryConfig controls where the federation directory lives.
type RegistryConfig struct {
	Mode            string        `toml:"mode"`
	URL             string        `toml:"url"`
	Backend         string        `toml:"backend"`
	DisableSelfHeal bool          `toml:"disable_self_heal"`
	StaleAfter      time.Duration `toml:"stale_after"`
	Heartbeat       string        `toml:"heartbeat_schedule"`
	Peers           []PeerConfig  `toml:"peers"`
}

// PeerConfig is a statically known federation peer.
type PeerConfig struct {
	Name     string `toml:"name"`
	Endpoint string `toml:"endpoint"`
}

// RelayConfig tunes outbound federation delivery.
type RelayConfig struct {
	Timeout        time.Duration `toml:"timeout"`
	OutboxInterval time.Duration `toml:"outbox_interval"`
}

// BindingConfig tunes binding validation.
type BindingConfig struct {
	ValidateSchedule string        `toml:"validate_schedule"`
	ValidateTimeout  time.Duration `toml:"validate_timeout"`
}

// AdapterConfig is shared by every external platform adapter.
type AdapterConfig struct {
	Enabled   bool    `toml:"enabled"`
	Token     string  `toml:"token"`
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads the config at path, falling back to defaults when the file
// does not exist. Secrets from .env and the environment are applied on top.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides adapter tokens from FEDRELAY_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FEDRELAY_DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("FEDRELAY_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("FEDRELAY_REGISTRY_URL"); v != "" {
		c.Registry.URL = v
	}
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Platform == "" {
		c.Platform = "social"
	}
	if !platformNameRegexp.MatchString(c.Platform) {
		return fmt.Errorf("invalid platform name %q: must match %s", c.Platform, platformNameRegexp)
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost" + c.Listen
	}

	switch c.Registry.Mode {
	case "":
		c.Registry.Mode = RegistryEmbedded
	case RegistryEmbedded:
	case RegistryRemote:
		if c.Registry.URL == "" {
			return fmt.Errorf("registry.url is required in remote mode")
		}
	default:
		return fmt.Errorf("unknown registry mode %q", c.Registry.Mode)
	}
	switch c.Registry.Backend {
	case "":
		c.Registry.Backend = BackendMemory
	case BackendMemory, BackendPebble:
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	if c.Registry.StaleAfter == 0 {
		c.Registry.StaleAfter = 5 * time.Minute
	}
	if c.Registry.Heartbeat == "" {
		c.Registry.Heartbeat = "@every 1m"
	}
	for i, p := range c.Registry.Peers {
		if p.Name == "" || p.Endpoint == "" {
			return fmt.Errorf("registry.peers[%d]: name and endpoint are required", i)
		}
	}

	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = 15 * time.Second
	}
	if c.Relay.OutboxInterval == 0 {
		c.Relay.OutboxInterval = 250 * time.Millisecond
	}
	if c.Bindings.ValidateSchedule == "" {
		c.Bindings.ValidateSchedule = "@every 10m"
	}
	if c.Bindings.ValidateTimeout == 0 {
		c.Bindings.ValidateTimeout = 10 * time.Second
	}

	for _, a := range []*AdapterConfig{&c.Discord, &c.Telegram, &c.WhatsApp} {
		if a.RateLimit == 0 {
			a.RateLimit = 5
		}
		if a.RateBurst == 0 {
			a.RateBurst = 10
		}
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required when discord is enabled")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
