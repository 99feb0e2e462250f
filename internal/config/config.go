package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	Session  SessionConfig  `yaml:"session"`
	Login    LoginConfig    `yaml:"login"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	BaseURL         string        `yaml:"base_url"` // Optional: public URL used for OAuth redirects (e.g., https://your-domain.com)
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
}

// IdentityConfig points at the GoTrue compatible identity service
type IdentityConfig struct {
	URL         string        `yaml:"url"`     // e.g. https://project.supabase.co/auth/v1
	APIKey      string        `yaml:"api_key"` // anon key
	Timeout     time.Duration `yaml:"timeout"`
	FlowTTL     time.Duration `yaml:"flow_ttl"`     // how long an OAuth round trip may take
	SettingsTTL time.Duration `yaml:"settings_ttl"` // provider settings cache
	Providers   []string      `yaml:"providers"`    // OAuth buttons shown on the login page
}

// SessionConfig contains browser cookie settings
type SessionConfig struct {
	Secret         string        `yaml:"secret"`
	MaxAge         time.Duration `yaml:"max_age"`
	CookieSecure   string        `yaml:"cookie_secure"`   // "auto", "true", "false"
	CookieSameSite string        `yaml:"cookie_samesite"` // "strict", "lax", "none"
}

// LoginConfig tunes the login screen
type LoginConfig struct {
	OAuthSingleFlight bool          `yaml:"oauth_single_flight"`
	FlowIdleTimeout   time.Duration `yaml:"flow_idle_timeout"` // unmount an abandoned login screen
	MaxFlows          int           `yaml:"max_flows"`
}

// StorageConfig contains database settings
type StorageConfig struct {
	DBPath         string        `yaml:"db_path"`
	EventRetention time.Duration `yaml:"event_retention"` // login events older than this are pruned
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Default returns a configuration with every optional field set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "localhost",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxRequestBytes: 1 << 20,
		},
		Identity: IdentityConfig{
			Timeout:     10 * time.Second,
			FlowTTL:     10 * time.Minute,
			SettingsTTL: time.Minute,
			Providers:   []string{"google"},
		},
		Session: SessionConfig{
			MaxAge:         7 * 24 * time.Hour,
			CookieSecure:   "auto",
			CookieSameSite: "lax",
		},
		Login: LoginConfig{
			FlowIdleTimeout: 30 * time.Minute,
			MaxFlows:        10000,
		},
		Storage: StorageConfig{
			DBPath:         "./data/pastpapers.db",
			EventRetention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the specified file path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults, expanding ${ENV} references
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables if set
	if baseURL := os.Getenv("BASE_URL"); baseURL != "" {
		cfg.Server.BaseURL = baseURL
	}
	if identityURL := os.Getenv("IDENTITY_URL"); identityURL != "" {
		cfg.Identity.URL = identityURL
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set
func (c *Config) Validate() error {
	// Session validation
	if c.Session.Secret == "" || strings.Contains(c.Session.Secret, "${") {
		return fmt.Errorf("session.secret is required (set SESSION_SECRET environment variable)")
	}
	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("session.secret must be at least 32 characters")
	}
	switch strings.ToLower(c.Session.CookieSecure) {
	case "auto", "true", "false":
	default:
		return fmt.Errorf("session.cookie_secure must be one of auto, true, false")
	}
	switch strings.ToLower(c.Session.CookieSameSite) {
	case "strict", "lax", "none":
	default:
		return fmt.Errorf("session.cookie_samesite must be one of strict, lax, none")
	}

	// Identity validation
	if c.Identity.URL == "" {
		return fmt.Errorf("identity.url is required (set IDENTITY_URL environment variable)")
	}
	if !strings.HasPrefix(c.Identity.URL, "http://") && !strings.HasPrefix(c.Identity.URL, "https://") {
		return fmt.Errorf("identity.url must be an http(s) url")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Login validation
	if c.Login.MaxFlows < 1 {
		return fmt.Errorf("login.max_flows must be at least 1")
	}
	if c.Login.FlowIdleTimeout <= 0 {
		return fmt.Errorf("login.flow_idle_timeout must be positive")
	}

	// Storage validation
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	// Log validation
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}

	return nil
}

// GetAddr returns the full server address (host:port)
func (c *Config) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetBaseURL returns the public base URL
// Uses base_url if set, otherwise constructs from host:port
func (c *Config) GetBaseURL() string {
	if c.Server.BaseURL != "" {
		return strings.TrimSuffix(c.Server.BaseURL, "/")
	}
	return fmt.Sprintf("http://%s", c.GetAddr())
}

// IsHTTPS returns true if the base URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(strings.ToLower(c.GetBaseURL()), "https://")
}

// CookieSecure resolves session.cookie_secure, where "auto" follows the base URL scheme
func (c *Config) CookieSecure() bool {
	switch strings.ToLower(c.Session.CookieSecure) {
	case "true":
		return true
	case "false":
		return false
	default:
		return c.IsHTTPS()
	}
}

// CookieSameSite maps session.cookie_samesite to its http constant
func (c *Config) CookieSameSite() http.SameSite {
	switch strings.ToLower(c.Session.CookieSameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
