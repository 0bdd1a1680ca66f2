package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Credentials        Credentials  `yaml:"credentials"`
	Portal             PortalConfig `yaml:"portal,omitempty"`
	HomeAssistant      HAConfig     `yaml:"home_assistant,omitempty"`
	MQTT               MQTTConfig   `yaml:"mqtt,omitempty"`
	RetentionDays      int          `yaml:"retention_days,omitempty"`       // Provider history horizon (fallback: 90)
	ProcessingLagHours int          `yaml:"processing_lag_hours,omitempty"` // Provider publishing delay (fallback: 24)
	IntervalHours      int          `yaml:"interval_hours,omitempty"`       // Daemon cycle interval (fallback: 4)
}

// Credentials holds the portal account login
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PortalConfig holds overrides for the SFPUC portal endpoints. The portal
// is an undocumented external contract, so everything here can be changed
// from config when the site changes without notice.
type PortalConfig struct {
	BaseURL       string   `yaml:"base_url,omitempty"`
	LoginPagePath string   `yaml:"login_page_path,omitempty"`
	LoginPostPath string   `yaml:"login_post_path,omitempty"`
	AccountPath   string   `yaml:"account_path,omitempty"`
	HourlyPath    string   `yaml:"hourly_path,omitempty"`
	Timezone      string   `yaml:"timezone,omitempty"` // e.g. "America/Los_Angeles"
	Unit          string   `yaml:"unit,omitempty"`     // dl_UOM form value, e.g. "GALLONS"
	Cookies       []Cookie `yaml:"cookies,omitempty"`  // captured by the browser login fallback
}

// Cookie represents a browser cookie
type Cookie struct {
	Name     string  `yaml:"name"`
	Value    string  `yaml:"value"`
	Domain   string  `yaml:"domain"`
	Path     string  `yaml:"path"`
	Expires  float64 `yaml:"expires,omitempty"`
	HTTPOnly bool    `yaml:"httpOnly,omitempty"`
	Secure   bool    `yaml:"secure,omitempty"`
	SameSite string  `yaml:"sameSite,omitempty"`
}

// HAConfig holds Home Assistant statistics API configuration
type HAConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`          // e.g., "http://yourdomain.local:8123"
	Token       string `yaml:"token"`        // Long-lived access token
	StatisticID string `yaml:"statistic_id"` // e.g., "sfpuc:water_usage"
}

// MQTTConfig holds MQTT broker configuration for the state publisher
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // host:port
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
}

// Load reads the config file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty config if file doesn't exist
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the config to file
func Save(configPath string, cfg *Config) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default config file path (local directory)
func DefaultConfigPath() string {
	return "config.yaml"
}

// GetRetentionDays returns how far back the provider keeps hourly history,
// defaulting to 90 days (3 months)
func (c *Config) GetRetentionDays() int {
	if c.RetentionDays <= 0 {
		return 90
	}
	return c.RetentionDays
}

// GetProcessingLagHours returns how long the provider takes to publish new
// readings, defaulting to 24 hours
func (c *Config) GetProcessingLagHours() int {
	if c.ProcessingLagHours <= 0 {
		return 24
	}
	return c.ProcessingLagHours
}

// GetIntervalHours returns the daemon cycle interval, defaulting to 4 hours
func (c *Config) GetIntervalHours() int {
	if c.IntervalHours <= 0 {
		return 4
	}
	return c.IntervalHours
}

// GetBaseURL returns the portal base URL
func (c *Config) GetBaseURL() string {
	if c.Portal.BaseURL != "" {
		return c.Portal.BaseURL
	}
	return "https://myaccount-water.sfpuc.org"
}

// GetTimezone returns the provider's local time zone name
func (c *Config) GetTimezone() string {
	if c.Portal.Timezone != "" {
		return c.Portal.Timezone
	}
	return "America/Los_Angeles"
}

// GetUnit returns the unit of measure requested from the portal
func (c *Config) GetUnit() string {
	if c.Portal.Unit != "" {
		return c.Portal.Unit
	}
	return "GALLONS"
}
