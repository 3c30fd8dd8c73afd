// Package config loads clinicauth settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	RBAC    RBACConfig    `yaml:"rbac"`
	Audit   AuditConfig   `yaml:"audit"`
	Redis   RedisConfig   `yaml:"redis"`
	Limits  LimitsConfig  `yaml:"limits"`
	Issuer  IssuerConfig  `yaml:"issuer"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the listener. X-Forwarded-For is honoured only from
// peers in TrustedProxies (addresses or CIDR ranges); empty trusts none.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
}

// AuthConfig configures token acceptance for one issuer. An empty JWKSURL is
// resolved through OIDC discovery.
type AuthConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Skew         time.Duration `yaml:"skew"`
	Singleflight bool          `yaml:"singleflight"`
}

type RBACConfig struct {
	PolicyPath string `yaml:"policy_path"`
}

type AuditConfig struct {
	LogPath       string        `yaml:"log_path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	DatabaseURL   string        `yaml:"database_url"`
	Schema        string        `yaml:"schema"`
	Retention     time.Duration `yaml:"retention"`
	RetentionCron string        `yaml:"retention_cron"`
}

// RedisConfig enables the shared JWKS cache and the shared failure limiter.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type LimitsConfig struct {
	AuthFailures int           `yaml:"auth_failures"`
	Window       time.Duration `yaml:"window"`
}

// IssuerConfig enables the development issuer (mint, /.well-known/jwks.json).
type IssuerConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeysDir string `yaml:"keys_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Auth: AuthConfig{
			CacheTTL:     core.DefaultCacheTTL,
			FetchTimeout: core.DefaultFetchTimeout,
		},
		RBAC:    RBACConfig{PolicyPath: "rbac_policies.json"},
		Audit:   AuditConfig{LogPath: "audit.log", FlushInterval: 2 * time.Second, Schema: "audit"},
		Limits:  LimitsConfig{AuthFailures: 20, Window: time.Minute},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults (a missing path is not an error when
// path is empty) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	str(&c.Auth.JWKSURL, "JWKS_URL", "JWT_JWKS_URL")
	str(&c.Auth.Issuer, "JWT_ISSUER")
	str(&c.Auth.Audience, "JWT_AUDIENCE")
	str(&c.RBAC.PolicyPath, "RBAC_POLICY_PATH")
	str(&c.Audit.LogPath, "AUDIT_LOG_PATH")
	str(&c.Audit.DatabaseURL, "DATABASE_URL")
	str(&c.Redis.URL, "REDIS_URL")
	str(&c.Logging.Level, "LOG_LEVEL")
	str(&c.Server.Addr, "HTTP_ADDR")

	if v := strings.TrimSpace(getenv("TRUSTED_PROXIES")); v != "" {
		c.Server.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Server.TrustedProxies = append(c.Server.TrustedProxies, p)
			}
		}
	}
	if v := strings.TrimSpace(getenv("JWKS_CACHE_TTL")); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("JWKS_CACHE_TTL: %w", err)
		}
		c.Auth.CacheTTL = d
	}
	if v := strings.TrimSpace(getenv("DEV_ISSUER")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEV_ISSUER: %w", err)
		}
		c.Issuer.Enabled = b
	}
	return nil
}

// parseSecondsOrDuration accepts "300" or "5m".
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Accept converts the auth section into verifier settings.
func (c *Config) Accept() core.AcceptConfig {
	return core.AcceptConfig{
		Issuer:       c.Auth.Issuer,
		Audience:     c.Auth.Audience,
		JWKSURL:      c.Auth.JWKSURL,
		CacheTTL:     c.Auth.CacheTTL,
		FetchTimeout: c.Auth.FetchTimeout,
		Skew:         c.Auth.Skew,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		errs = append(errs, errors.New("auth.issuer is required"))
	}
	if strings.TrimSpace(c.Auth.Audience) == "" {
		errs = append(errs, errors.New("auth.audience is required"))
	}
	if c.Auth.CacheTTL < 0 || c.Auth.FetchTimeout < 0 || c.Auth.Skew < 0 {
		errs = append(errs, errors.New("auth durations must not be negative"))
	}
	if c.Audit.Retention < 0 {
		errs = append(errs, errors.New("audit.retention must not be negative"))
	}
	if c.Audit.Retention > 0 && c.Audit.DatabaseURL == "" {
		errs = append(errs, errors.New("audit.retention requires audit.database_url"))
	}
	if c.Limits.AuthFailures < 0 {
		errs = append(errs, errors.New("limits.auth_failures must not be negative"))
	}
	for _, p := range c.Server.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: %q is not an IP address or CIDR range", p))
		}
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
