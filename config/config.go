// Package config defines the runtime configuration for relayd: the
// typed sections, the per-mode defaults, loading through viper and
// writing a starter file.
package config

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"relayd/internal/errors"
	"relayd/util"
)

// Mode selects what the server does with an accepted connection.
type Mode string

const (
	ModeC2    Mode = "c2"
	ModeShell Mode = "shell"
)

// ParseMode accepts "c2" or "shell".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeC2:
		return ModeC2, nil
	case ModeShell:
		return ModeShell, nil
	}
	return "", fmt.Errorf("unknown mode %q (want c2 or shell)", s)
}

// Framing values for ServerConfig.Framing.
const (
	FramingSingle = "single" // one bounded read per connection
	FramingNDJSON = "ndjson" // newline-delimited messages until close
)

// Config holds every tuneable for one relayd server.
type Config struct {
	Mode Mode `mapstructure:"-" toml:"-" yaml:"-"`

	Server   ServerConfig   `mapstructure:"server" toml:"server" yaml:"server"`
	TLS      TLSConfig      `mapstructure:"tls" toml:"tls" yaml:"tls"`
	Security SecurityConfig `mapstructure:"security" toml:"security" yaml:"security"`
	Logging  LoggingConfig  `mapstructure:"logging" toml:"logging" yaml:"logging"`
	Socks5   Socks5Config   `mapstructure:"socks5" toml:"socks5" yaml:"socks5"`
	Shell    ShellConfig    `mapstructure:"shell" toml:"shell" yaml:"shell"`
	Admin    AdminConfig    `mapstructure:"admin" toml:"admin" yaml:"admin"`
}

// ── Sections ─────────────────────────────────────────────────────────

// ServerConfig is the listener.
type ServerConfig struct {
	BindAddress    string `mapstructure:"bind_address" toml:"bind_address" yaml:"bind_address"`
	Port           int    `mapstructure:"port" toml:"port" yaml:"port"`
	MaxClients     int    `mapstructure:"max_clients" toml:"max_clients" yaml:"max_clients"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds" yaml:"timeout_seconds"`
	Framing        string `mapstructure:"framing" toml:"framing" yaml:"framing"`
}

// TLSConfig locates (or creates) the server identity.
type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled" toml:"enabled" yaml:"enabled"`
	CertPath     string `mapstructure:"cert_path" toml:"cert_path" yaml:"cert_path"`
	KeyPath      string `mapstructure:"key_path" toml:"key_path" yaml:"key_path"`
	AutoGenerate bool   `mapstructure:"auto_generate" toml:"auto_generate" yaml:"auto_generate"`
	Domain       string `mapstructure:"domain" toml:"domain" yaml:"domain"`
}

// SecurityConfig covers agent authentication and peer filtering.
type SecurityConfig struct {
	AuthToken     string          `mapstructure:"auth_token" toml:"auth_token" yaml:"auth_token"`
	RequireAuth   bool            `mapstructure:"require_auth" toml:"require_auth" yaml:"require_auth"`
	EncryptionKey string          `mapstructure:"encryption_key" toml:"encryption_key" yaml:"encryption_key"`
	AllowedIPs    []string        `mapstructure:"allowed_ips" toml:"allowed_ips" yaml:"allowed_ips"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit" toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig is a per-peer token bucket.
type RateLimitConfig struct {
	Enabled              bool `mapstructure:"enabled" toml:"enabled" yaml:"enabled"`
	MaxRequestsPerMinute int  `mapstructure:"max_requests_per_minute" toml:"max_requests_per_minute" yaml:"max_requests_per_minute"`
}

// LoggingConfig is turned into util.LogOptions by the CLI.
type LoggingConfig struct {
	Level   string `mapstructure:"level" toml:"level" yaml:"level"`
	File    string `mapstructure:"file" toml:"file" yaml:"file"`
	Console bool   `mapstructure:"console" toml:"console" yaml:"console"`
}

// Socks5Config drives the merino supervisor.
type Socks5Config struct {
	Enabled    bool   `mapstructure:"enabled" toml:"enabled" yaml:"enabled"`
	Binary     string `mapstructure:"binary" toml:"binary" yaml:"binary"`
	IP         string `mapstructure:"ip" toml:"ip" yaml:"ip"`
	Port       int    `mapstructure:"port" toml:"port" yaml:"port"`
	UsersCSV   string `mapstructure:"users_csv" toml:"users_csv" yaml:"users_csv"`
	NoAuth     bool   `mapstructure:"no_auth" toml:"no_auth" yaml:"no_auth"`
	WatchUsers bool   `mapstructure:"watch_users" toml:"watch_users" yaml:"watch_users"`
}

// ShellConfig is the program spawned per shell-mode connection.
type ShellConfig struct {
	Command     string     `mapstructure:"command" toml:"command" yaml:"command"`
	Args        []string   `mapstructure:"args" toml:"args" yaml:"args"`
	Environment []ShellEnv `mapstructure:"environment" toml:"environment" yaml:"environment"`
	PTY         bool       `mapstructure:"pty" toml:"pty" yaml:"pty"`
}

// ShellEnv is one environment override.
type ShellEnv struct {
	Key   string `mapstructure:"key" toml:"key" yaml:"key"`
	Value string `mapstructure:"value" toml:"value" yaml:"value"`
}

// AdminConfig is the optional HTTP admin API.
type AdminConfig struct {
	Enabled        bool     `mapstructure:"enabled" toml:"enabled" yaml:"enabled"`
	Listen         string   `mapstructure:"listen" toml:"listen" yaml:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins" yaml:"allowed_origins"`
}

// ── Derived values ───────────────────────────────────────────────────

// Address is the listen address in host:port form.
func (c *Config) Address() string {
	return util.FormatAddr(c.Server.BindAddress, c.Server.Port)
}

// Timeout is the configured (unenforced) client timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// Env renders the shell overrides as KEY=VALUE pairs.
func (s ShellConfig) Env() []string {
	out := make([]string, 0, len(s.Environment))
	for _, e := range s.Environment {
		out = append(out, e.Key+"="+e.Value)
	}
	return out
}

// AllowedPrefixes parses security.allowed_ips.  Bare addresses become
// single-host prefixes.
func (c *Config) AllowedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.Security.AllowedIPs))
	for _, raw := range c.Security.AllowedIPs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// EncryptionKeyBytes decodes security.encryption_key.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Security.EncryptionKey)
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &errors.ConfigError{
			Field: "server.port", Value: c.Server.Port,
			Message: "out of range 0-65535",
		}
	}
	if c.Server.MaxClients < 0 {
		return &errors.ConfigError{
			Field: "server.max_clients", Value: c.Server.MaxClients,
			Message: "must not be negative", Hint: "use 0 for no limit",
		}
	}
	switch c.Server.Framing {
	case "", FramingSingle, FramingNDJSON:
	default:
		return &errors.ConfigError{
			Field: "server.framing", Value: c.Server.Framing,
			Message: "unknown framing", Hint: `use "single" or "ndjson"`,
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return &errors.ConfigError{
				Field: "tls.cert_path", Message: "cert_path and key_path are required when TLS is enabled",
			}
		}
		if c.TLS.AutoGenerate && c.TLS.Domain == "" {
			return &errors.ConfigError{
				Field: "tls.domain", Message: "required when auto_generate is true",
				Hint: "set tls.domain to the name agents will dial",
			}
		}
	}

	if _, err := c.AllowedPrefixes(); err != nil {
		return &errors.ConfigError{
			Field: "security.allowed_ips", Value: c.Security.AllowedIPs,
			Message: err.Error(), Hint: "use CIDR notation such as 10.0.0.0/8",
		}
	}
	if c.Security.RequireAuth && c.Security.AuthToken == "" {
		return &errors.ConfigError{
			Field: "security.auth_token", Message: "required when require_auth is true",
		}
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.MaxRequestsPerMinute <= 0 {
		return &errors.ConfigError{
			Field: "security.rate_limit.max_requests_per_minute", Value: c.Security.RateLimit.MaxRequestsPerMinute,
			Message: "must be positive when rate limiting is enabled",
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return &errors.ConfigError{
			Field: "logging.level", Value: c.Logging.Level,
			Message: "unknown level", Hint: "use trace, debug, info, warn or error",
		}
	}

	if c.Socks5.Enabled {
		if c.Socks5.Port < 1 || c.Socks5.Port > 65535 {
			return &errors.ConfigError{
				Field: "socks5.port", Value: c.Socks5.Port, Message: "out of range 1-65535",
			}
		}
		if _, err := netip.ParseAddr(c.Socks5.IP); err != nil {
			return &errors.ConfigError{
				Field: "socks5.ip", Value: c.Socks5.IP, Message: "not an IP address",
			}
		}
	}

	if c.Mode == ModeShell && strings.TrimSpace(c.Shell.Command) == "" {
		return &errors.ConfigError{
			Field: "shell.command", Message: "required in shell mode",
		}
	}

	if c.Admin.Enabled {
		if c.Admin.Listen == "" {
			return &errors.ConfigError{Field: "admin.listen", Message: "required when admin is enabled"}
		}
		key, err := c.EncryptionKeyBytes()
		if err != nil || len(key) < MinEncryptionKeyBytes {
			return &errors.ConfigError{
				Field:   "security.encryption_key",
				Message: fmt.Sprintf("must be base64 of at least %d bytes to sign admin tokens", MinEncryptionKeyBytes),
				Hint:    "regenerate with --generate-config",
			}
		}
	}
	return nil
}
