package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Site     SiteConfig     `mapstructure:"site" yaml:"site"`
	Accounts string         `mapstructure:"accounts" yaml:"accounts,omitempty"`
	Captcha  CaptchaConfig  `mapstructure:"captcha" yaml:"captcha"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Stealth  StealthConfig  `mapstructure:"stealth" yaml:"stealth"`
	Limits   LimitsConfig   `mapstructure:"limits" yaml:"limits"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Schedule ScheduleConfig `mapstructure:"schedule" yaml:"schedule"`
}

// SiteConfig describes the forum being checked into
type SiteConfig struct {
	Name         string        `mapstructure:"name" yaml:"name"`
	DefaultHost  string        `mapstructure:"default_host" yaml:"default_host"`
	DiscoveryURL string        `mapstructure:"discovery_url" yaml:"discovery_url"`
	Scheme       string        `mapstructure:"scheme" yaml:"scheme"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CaptchaConfig points at the ddddocr service
type CaptchaConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AuthConfig tunes the login flow
type AuthConfig struct {
	CaptchaRetries    int           `mapstructure:"captcha_retries" yaml:"captcha_retries"`
	CaptchaBackoff    time.Duration `mapstructure:"captcha_backoff" yaml:"captcha_backoff"`
	ReuseShortCircuit bool          `mapstructure:"reuse_short_circuit" yaml:"reuse_short_circuit"`
}

// StealthConfig contains request fingerprint settings
type StealthConfig struct {
	RandomUserAgent bool          `mapstructure:"random_user_agent" yaml:"random_user_agent"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	UserAgents      []string      `mapstructure:"user_agents" yaml:"user_agents"`
	MinDelay        time.Duration `mapstructure:"min_delay" yaml:"min_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// LimitsConfig contains rate limiting settings
type LimitsConfig struct {
	MinDelay       time.Duration `mapstructure:"min_delay" yaml:"min_delay"`
	LoginDelay     time.Duration `mapstructure:"login_delay" yaml:"login_delay"`
	CheckinDelay   time.Duration `mapstructure:"checkin_delay" yaml:"checkin_delay"`
	DailyLogins    int           `mapstructure:"daily_logins" yaml:"daily_logins"`
	DailyCheckins  int           `mapstructure:"daily_checkins" yaml:"daily_checkins"`
	RandomizeDelay bool          `mapstructure:"randomize_delay" yaml:"randomize_delay"`
	JitterPercent  float64       `mapstructure:"jitter_percent" yaml:"jitter_percent"`
}

// StorageConfig selects where sessions are persisted
type StorageConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dir  string `mapstructure:"dir" yaml:"dir"`
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// ScheduleConfig drives the long-running schedule command
type ScheduleConfig struct {
	Cron     string `mapstructure:"cron" yaml:"cron"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

const (
	StorageJSON   = "json"
	StorageSQLite = "sqlite"
)

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvPrefix("SXSY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			// Config file not found, create default config
			if err := createDefaultConfig(configPath); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		}

		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Override with environment variables
	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("accounts", "")

	v.SetDefault("site.name", "尚香书苑")
	v.SetDefault("site.default_host", "sxsy21.com")
	v.SetDefault("site.discovery_url", "https://sxsy.org/")
	v.SetDefault("site.scheme", "https")
	v.SetDefault("site.timeout", "30s")

	v.SetDefault("captcha.url", "")
	v.SetDefault("captcha.timeout", "15s")

	v.SetDefault("auth.captcha_retries", 3)
	v.SetDefault("auth.captcha_backoff", "5s")
	v.SetDefault("auth.reuse_short_circuit", true)

	v.SetDefault("stealth.random_user_agent", false)
	v.SetDefault("stealth.user_agent", "")
	v.SetDefault("stealth.min_delay", "1s")
	v.SetDefault("stealth.max_delay", "3s")

	v.SetDefault("limits.min_delay", "1s")
	v.SetDefault("limits.login_delay", "3s")
	v.SetDefault("limits.checkin_delay", "2s")
	v.SetDefault("limits.daily_logins", 20)
	v.SetDefault("limits.daily_checkins", 0)
	v.SetDefault("limits.randomize_delay", true)
	v.SetDefault("limits.jitter_percent", 20.0)

	v.SetDefault("storage.type", StorageJSON)
	v.SetDefault("storage.dir", ".")
	v.SetDefault("storage.path", "./data/sxsy.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("schedule.cron", "10 9,10 * * *")
	v.SetDefault("schedule.timezone", "Asia/Shanghai")
}

// createDefaultConfig writes the default configuration to a new file
func createDefaultConfig(configPath string) error {
	defaults := viper.New()
	setDefaults(defaults)

	var config Config
	if err := defaults.Unmarshal(&config); err != nil {
		return err
	}

	data, err := yaml.Marshal(&config)
	if err != nil {
		return err
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}

// overrideFromEnv maps the historical variable names onto config keys.
// Older deployments export the accounts as lowercase sxsy.
func overrideFromEnv(v *viper.Viper) {
	accounts := os.Getenv("SXSY")
	if accounts == "" {
		accounts = os.Getenv("sxsy")
	}
	if accounts != "" {
		v.Set("accounts", accounts)
	}
	if ocr := os.Getenv("DDDD_OCR_URL"); ocr != "" {
		v.Set("captcha.url", ocr)
	}
}

// MaxCaptchaRetries is the most captcha attempts allowed per account
const MaxCaptchaRetries = 3

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Site.DefaultHost == "" {
		return fmt.Errorf("site default host is required")
	}
	if config.Site.Scheme != "http" && config.Site.Scheme != "https" {
		return fmt.Errorf("site scheme must be http or https, got %q", config.Site.Scheme)
	}
	if config.Auth.CaptchaRetries <= 0 || config.Auth.CaptchaRetries > MaxCaptchaRetries {
		return fmt.Errorf("captcha retries must be between 1 and %d, got %d", MaxCaptchaRetries, config.Auth.CaptchaRetries)
	}
	if config.Auth.CaptchaBackoff < 0 {
		return fmt.Errorf("captcha backoff must not be negative")
	}
	switch config.Storage.Type {
	case StorageJSON, StorageSQLite:
	default:
		return fmt.Errorf("unknown storage type %q", config.Storage.Type)
	}
	if config.Stealth.MaxDelay < config.Stealth.MinDelay {
		return fmt.Errorf("stealth max delay must not be below min delay")
	}
	return nil
}
