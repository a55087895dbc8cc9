// Package config loads service configuration from defaults, an optional
// YAML file, a .env file and PORTALRELAY_* environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shehryarbajwa/portalrelay/internal/platform"
)

// EnvPrefix is prepended to every environment override, e.g. PORTALRELAY_SERVER_ADDR.
const EnvPrefix = "PORTALRELAY"

// Config holds the entire service configuration.
type Config struct {
	Server    ServerConfig                `mapstructure:"server" yaml:"server"`
	Logger    LoggerConfig                `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig               `mapstructure:"browser" yaml:"browser"`
	Session   SessionConfig               `mapstructure:"session" yaml:"session"`
	Store     StoreConfig                 `mapstructure:"store" yaml:"store"`
	RateLimit RateLimitConfig             `mapstructure:"ratelimit" yaml:"ratelimit"`
	Stream    StreamConfig                `mapstructure:"stream" yaml:"stream"`
	Sink      SinkConfig                  `mapstructure:"sink" yaml:"sink"`
	Platforms map[string]platform.Profile `mapstructure:"platforms" yaml:"platforms"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	UserHeader      string        `mapstructure:"user_header" yaml:"user_header"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// LoggerConfig configures zap and file rotation.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps levels to terminal colors for the console format.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig configures the headless browser driver.
type BrowserConfig struct {
	// Mode is "local" (spawn chrome directly) or "docker" (one container per session).
	Mode              string        `mapstructure:"mode" yaml:"mode"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	MaxConcurrent     int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	CaptureTimeout    time.Duration `mapstructure:"capture_timeout" yaml:"capture_timeout"`
	ScreenshotFormat  string        `mapstructure:"screenshot_format" yaml:"screenshot_format"`
	ScreenshotQuality int           `mapstructure:"screenshot_quality" yaml:"screenshot_quality"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
	Docker            DockerConfig  `mapstructure:"docker" yaml:"docker"`
}

// DockerConfig configures per-session browser containers.
type DockerConfig struct {
	Image        string        `mapstructure:"image" yaml:"image"`
	DevToolsPort string        `mapstructure:"devtools_port" yaml:"devtools_port"`
	HostIP       string        `mapstructure:"host_ip" yaml:"host_ip"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	PullOnStart  bool          `mapstructure:"pull_on_start" yaml:"pull_on_start"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxAge          time.Duration `mapstructure:"max_age" yaml:"max_age"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	ExtractTimeout  time.Duration `mapstructure:"extract_timeout" yaml:"extract_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	CloseTimeout    time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
	ReportedWidth   int           `mapstructure:"reported_width" yaml:"reported_width"`
	ReportedHeight  int           `mapstructure:"reported_height" yaml:"reported_height"`
	StablePolls     int           `mapstructure:"stable_polls" yaml:"stable_polls"`
	StablePollEvery time.Duration `mapstructure:"stable_poll_every" yaml:"stable_poll_every"`
}

// StoreConfig configures persistence of reusable authentication state.
type StoreConfig struct {
	Driver        string        `mapstructure:"driver" yaml:"driver"`
	SQLitePath    string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresURL   string        `mapstructure:"postgres_url" yaml:"postgres_url"`
	AuthTTL       time.Duration `mapstructure:"auth_ttl" yaml:"auth_ttl"`
	EncryptionKey string        `mapstructure:"encryption_key" yaml:"encryption_key"`
}

// RateLimitConfig configures per-user request budgets.
type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerHour int  `mapstructure:"requests_per_hour" yaml:"requests_per_hour"`
	Burst           int  `mapstructure:"burst" yaml:"burst"`
}

// StreamConfig configures the websocket screenshot stream.
type StreamConfig struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// SinkConfig configures where extraction results are handed off.
type SinkConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	AuthToken  string        `mapstructure:"auth_token" yaml:"auth_token"`
}

// NewDefaultConfig returns the configuration built from defaults alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.applyPlatformDefaults()
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	// extraction can take up to two minutes
	v.SetDefault("server.write_timeout", "150s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("server.user_header", "X-User-ID")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "portalrelay")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.mode", "local")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.max_concurrent", 8)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.capture_timeout", "10s")
	v.SetDefault("browser.screenshot_format", "png")
	v.SetDefault("browser.screenshot_quality", 80)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.docker.image", "chromedp/headless-shell:latest")
	v.SetDefault("browser.docker.devtools_port", "9222/tcp")
	v.SetDefault("browser.docker.host_ip", "127.0.0.1")
	v.SetDefault("browser.docker.ready_timeout", "15s")
	v.SetDefault("browser.docker.pull_on_start", true)

	// -- Session --
	v.SetDefault("session.idle_timeout", "10m")
	v.SetDefault("session.max_age", "45m")
	v.SetDefault("session.sweep_interval", "30s")
	v.SetDefault("session.extract_timeout", "120s")
	v.SetDefault("session.settle_delay", "750ms")
	v.SetDefault("session.close_timeout", "15s")
	v.SetDefault("session.reported_width", 1280)
	v.SetDefault("session.reported_height", 800)
	v.SetDefault("session.stable_polls", 2)
	v.SetDefault("session.stable_poll_every", "500ms")

	// -- Store --
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./storage/authstate.db")
	v.SetDefault("store.auth_ttl", "12h")

	// -- Rate limit --
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_hour", 600)
	v.SetDefault("ratelimit.burst", 30)

	// -- Stream --
	v.SetDefault("stream.interval", "1s")
	v.SetDefault("stream.write_timeout", "10s")

	// -- Sink --
	v.SetDefault("sink.timeout", "10s")
}

// Load reads the optional config file and environment into a validated Config.
// A missing .env file or config file is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	// .env only fills variables that are not already set
	_ = godotenv.Load()

	SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// secrets are commonly injected without the nested key path
	_ = v.BindEnv("store.encryption_key", EnvPrefix+"_STORE_ENCRYPTION_KEY", EnvPrefix+"_AUTH_KEY")
	_ = v.BindEnv("store.postgres_url", EnvPrefix+"_STORE_POSTGRES_URL", "DATABASE_URL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper unmarshals and validates a populated viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyPlatformDefaults merges the built-in profiles under the configured ones.
func (c *Config) applyPlatformDefaults() {
	merged := platform.Defaults()
	for name, p := range c.Platforms {
		merged[strings.ToLower(name)] = p
	}
	for name, p := range merged {
		if p.AuthStateTTL == 0 {
			p.AuthStateTTL = c.Store.AuthTTL
		}
		p.Name = name
		merged[name] = p
	}
	c.Platforms = merged
}

// ReportedViewportDefault is the viewport assumed for clients that do not send one.
func (c *Config) ReportedViewportDefault() (int, int) {
	return c.Session.ReportedWidth, c.Session.ReportedHeight
}

// EncryptionKeyBytes decodes the store encryption key. An empty key returns nil.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.Store.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.Store.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("store.encryption_key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("store.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.UserHeader == "" {
		return fmt.Errorf("server.user_header is required")
	}
	switch c.Browser.Mode {
	case "local", "docker":
	default:
		return fmt.Errorf("browser.mode must be local or docker, got %q", c.Browser.Mode)
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport must be positive")
	}
	if c.Session.ReportedWidth <= 0 || c.Session.ReportedHeight <= 0 {
		return fmt.Errorf("session reported viewport must be positive")
	}
	if c.Browser.MaxConcurrent <= 0 {
		return fmt.Errorf("browser.max_concurrent must be a positive integer")
	}
	switch c.Browser.ScreenshotFormat {
	case "png", "jpeg":
	default:
		return fmt.Errorf("browser.screenshot_format must be png or jpeg")
	}
	if c.Browser.ScreenshotQuality < 0 || c.Browser.ScreenshotQuality > 100 {
		return fmt.Errorf("browser.screenshot_quality must be between 0 and 100")
	}
	for name, d := range map[string]time.Duration{
		"browser.launch_timeout":     c.Browser.LaunchTimeout,
		"browser.navigation_timeout": c.Browser.NavigationTimeout,
		"browser.action_timeout":     c.Browser.ActionTimeout,
		"browser.capture_timeout":    c.Browser.CaptureTimeout,
		"session.idle_timeout":       c.Session.IdleTimeout,
		"session.max_age":            c.Session.MaxAge,
		"session.sweep_interval":     c.Session.SweepInterval,
		"session.extract_timeout":    c.Session.ExtractTimeout,
		"stream.interval":            c.Stream.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if c.Session.MaxAge < c.Session.IdleTimeout {
		return fmt.Errorf("session.max_age must not be shorter than session.idle_timeout")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory, sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
	}
	if c.Store.AuthTTL <= 0 {
		return fmt.Errorf("store.auth_ttl must be a positive duration")
	}
	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerHour <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("ratelimit requests_per_hour and burst must be positive when enabled")
	}
	if len(c.Platforms) == 0 {
		return fmt.Errorf("at least one platform must be configured")
	}
	for _, p := range c.Platforms {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
