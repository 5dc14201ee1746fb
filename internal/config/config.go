// Package config provides configuration management for the fetch proxy.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/jmylchreest/alita/internal/browser"
)

// Config holds all configuration for the service.
type Config struct {
	// Server settings
	Host              string        `envconfig:"ALITA_HOST" default:"0.0.0.0"`
	Port              int           `envconfig:"ALITA_PORT" default:"4000"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat         string        `envconfig:"LOG_FORMAT"`
	ServerIdleTimeout time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"0s"`
	RateLimitRPM      int           `envconfig:"RATE_LIMIT_RPM" default:"0"`

	// Tab pool settings
	TabPoolSize      int           `envconfig:"ALITA_TAB_POOL_SIZE" default:"10"`
	PoolQueueTimeout time.Duration `envconfig:"ALITA_POOL_QUEUE_TIMEOUT" default:"30s"`

	// Browser process settings
	BrowserIdleTimeout    time.Duration `envconfig:"ALITA_BROWSER_IDLE_TIMEOUT" default:"10s"`
	BrowserStartupTimeout time.Duration `envconfig:"ALITA_BROWSER_STARTUP_TIMEOUT" default:"30s"`
	Headless              bool          `envconfig:"ALITA_BROWSER_HEADLESS" default:"true"`
	DisableSandbox        bool          `envconfig:"ALITA_DISABLE_SANDBOX" default:"false"`
	DisableStealth        bool          `envconfig:"ALITA_DISABLE_STEALTH" default:"false"`
	ChromePath            string        `envconfig:"ALITA_CHROME_PATH"`
	BlockResources        bool          `envconfig:"ALITA_BLOCK_RESOURCES" default:"true"`

	// Challenge resolution settings
	ReplaySnapshot       bool          `envconfig:"ALITA_REPLAY_SNAPSHOT" default:"true"`
	ReadyStateTarget     string        `envconfig:"ALITA_READY_STATE_TARGET" default:"complete"`
	WaitTimeout          time.Duration `envconfig:"ALITA_WAIT_TIMEOUT" default:"10s"`
	HTTPTimeout          time.Duration `envconfig:"ALITA_HTTP_TIMEOUT" default:"20s"`
	ResolverPollInterval time.Duration `envconfig:"ALITA_RESOLVER_POLL_INTERVAL" default:"100ms"`

	// Cookie cache settings
	CookieTTL       time.Duration `envconfig:"ALITA_COOKIE_TTL" default:"30m"`
	CookieCacheSize int           `envconfig:"ALITA_COOKIE_CACHE_SIZE" default:"1024"`

	// Outbound identity, shared by the direct client and browser tabs
	UserAgent string `envconfig:"ALITA_USER_AGENT"`
	ProxyURL  string `envconfig:"ALITA_PROXY_URL"`

	// Authentication
	AuthSecret string `envconfig:"AUTH_SECRET"`         // HMAC/HS256 secret; empty disables auth
	AuthScope  string `envconfig:"AUTH_REQUIRED_SCOPE"` // scope fetch callers must hold; empty allows any
}

// legacyIdleSeconds is the older name for the browser idle window, in
// seconds. ALITA_BROWSER_IDLE_TIMEOUT wins when both are set.
const legacyIdleSeconds = "ALITA_BROWSER_IDLE_SECONDS"

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if _, set := os.LookupEnv("ALITA_BROWSER_IDLE_TIMEOUT"); !set {
		if v, ok := os.LookupEnv(legacyIdleSeconds); ok {
			secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("reading environment: %s=%q: %w", legacyIdleSeconds, v, err)
			}
			cfg.BrowserIdleTimeout = time.Duration(secs * float64(time.Second))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("ALITA_PORT %d out of range", c.Port))
	}
	if c.TabPoolSize <= 0 {
		errs = append(errs, errors.New("ALITA_TAB_POOL_SIZE must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"ALITA_POOL_QUEUE_TIMEOUT":      c.PoolQueueTimeout,
		"ALITA_BROWSER_IDLE_TIMEOUT":    c.BrowserIdleTimeout,
		"ALITA_BROWSER_STARTUP_TIMEOUT": c.BrowserStartupTimeout,
		"ALITA_WAIT_TIMEOUT":            c.WaitTimeout,
		"ALITA_HTTP_TIMEOUT":            c.HTTPTimeout,
		"ALITA_RESOLVER_POLL_INTERVAL":  c.ResolverPollInterval,
		"ALITA_COOKIE_TTL":              c.CookieTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.WaitTimeout > 120*time.Second {
		errs = append(errs, errors.New("ALITA_WAIT_TIMEOUT must not exceed 120s"))
	}
	if c.CookieCacheSize <= 0 {
		errs = append(errs, errors.New("ALITA_COOKIE_CACHE_SIZE must be positive"))
	}
	if c.ServerIdleTimeout < 0 {
		errs = append(errs, errors.New("SERVER_IDLE_TIMEOUT must not be negative"))
	}
	if c.RateLimitRPM < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM must not be negative"))
	}
	switch rs, _ := browser.ParseReadyState(c.ReadyStateTarget); rs {
	case browser.ReadyStateInteractive, browser.ReadyStateComplete:
	default:
		errs = append(errs, fmt.Errorf("ALITA_READY_STATE_TARGET %q must be interactive or complete", c.ReadyStateTarget))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	if c.ProxyURL != "" {
		if u, err := url.Parse(c.ProxyURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("ALITA_PROXY_URL %q is not an absolute URL", c.ProxyURL))
		}
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ReadyTarget returns the parsed ready-state target.
func (c *Config) ReadyTarget() browser.ReadyState {
	rs, err := browser.ParseReadyState(c.ReadyStateTarget)
	if err != nil {
		return browser.ReadyStateComplete
	}
	return rs
}

// AuthEnabled reports whether requests must be authenticated.
func (c *Config) AuthEnabled() bool {
	return c.AuthSecret != ""
}
