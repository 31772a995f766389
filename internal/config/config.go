package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/wa-gateway/backend/internal/session"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Stats    StatsConfig    `yaml:"stats"`
	Session  SessionConfig  `yaml:"session"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Log      LogConfig      `yaml:"log"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

type APIConfig struct {
	Key       string  `yaml:"key"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type WebhookConfig struct {
	URL       string        `yaml:"url"`
	Enabled   bool          `yaml:"enabled"`
	Timeout   time.Duration `yaml:"timeout"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
}

type StatsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type SessionConfig struct {
	AutoConnect         bool          `yaml:"auto_connect"`
	ReconnectInitial    time.Duration `yaml:"reconnect_initial"`
	ReconnectMaxElapsed time.Duration `yaml:"reconnect_max_elapsed"`
	AvatarTTL           time.Duration `yaml:"avatar_ttl"`
	AvatarTimeout       time.Duration `yaml:"avatar_timeout"`
}

type WhatsAppConfig struct {
	StorePath string `yaml:"store_path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// ProtocolLevel applies to the protocol client's own log output.
	ProtocolLevel string `yaml:"protocol_level"`
}

type PrivacyConfig struct {
	MaskIdentifiers bool `yaml:"mask_identifiers"`
}

// NewPrivacyFilter converts the config into the filter the session manager uses.
func (p PrivacyConfig) NewPrivacyFilter() session.PrivacyFilter {
	return session.PrivacyFilter{MaskIdentifiers: p.MaskIdentifiers}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3000,
			Host: "127.0.0.1",
		},
		API: APIConfig{
			RateLimit: 10,
			RateBurst: 20,
		},
		Webhook: WebhookConfig{
			Timeout:   5 * time.Second,
			Workers:   4,
			QueueSize: 256,
		},
		Stats: StatsConfig{
			Interval: 5 * time.Second,
		},
		Session: SessionConfig{
			AutoConnect:         true,
			ReconnectInitial:    time.Second,
			ReconnectMaxElapsed: 5 * time.Minute,
			AvatarTTL:           time.Hour,
			AvatarTimeout:       5 * time.Second,
		},
		WhatsApp: WhatsAppConfig{
			StorePath: "whatsapp.db",
		},
		Log: LogConfig{
			Level:         "info",
			Format:        "console",
			ProtocolLevel: "warn",
		},
	}
}

// Load reads a YAML config file on top of the defaults. Environment
// overrides are not applied; see LoadOrDefault.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist, then applies environment overrides.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = defaultConfig()
	} else if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
// Variables already set in the process environment win.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := getenv("API_KEY"); v != "" {
		c.API.Key = v
	}
	if v := getenv("AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := getenv("WEBHOOK_URL"); v != "" {
		c.Webhook.URL = v
		c.Webhook.Enabled = true
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := getenv("WA_STORE_PATH"); v != "" {
		c.WhatsApp.StorePath = v
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.API.RateLimit < 0 {
		errs = append(errs, errors.New("api.rate_limit must not be negative"))
	}
	if c.Webhook.Timeout <= 0 {
		errs = append(errs, errors.New("webhook.timeout must be positive"))
	}
	if c.Webhook.Workers <= 0 {
		errs = append(errs, errors.New("webhook.workers must be positive"))
	}
	if c.Webhook.URL != "" {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhook.url %q is not an http(s) URL", c.Webhook.URL))
		}
	}
	if c.Stats.Interval <= 0 {
		errs = append(errs, errors.New("stats.interval must be positive"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// GenerateToken returns a random 128-bit hex token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
