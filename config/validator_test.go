package config

import (
	"strings"
	"testing"

	"relayd/internal/errors"
)

// TestValidate_ErrorMessages verifies that Validate returns actionable
// ConfigErrors naming the offending key.
func TestValidate_ErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		field   string
		wantSub string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			field:   "server.port",
			wantSub: "out of range",
		},
		{
			name:    "negative max clients",
			mutate:  func(c *Config) { c.Server.MaxClients = -1 },
			field:   "server.max_clients",
			wantSub: "hint:",
		},
		{
			name:    "bad framing",
			mutate:  func(c *Config) { c.Server.Framing = "xml" },
			field:   "server.framing",
			wantSub: "hint:",
		},
		{
			name:    "tls without domain",
			mutate:  func(c *Config) { c.TLS.Domain = "" },
			field:   "tls.domain",
			wantSub: "auto_generate",
		},
		{
			name:    "bad cidr",
			mutate:  func(c *Config) { c.Security.AllowedIPs = []string{"10.0.0.0/99"} },
			field:   "security.allowed_ips",
			wantSub: "CIDR",
		},
		{
			name: "rate limit zero",
			mutate: func(c *Config) {
				c.Security.RateLimit.Enabled = true
				c.Security.RateLimit.MaxRequestsPerMinute = 0
			},
			field:   "security.rate_limit.max_requests_per_minute",
			wantSub: "positive",
		},
		{
			name: "auth without token",
			mutate: func(c *Config) {
				c.Security.RequireAuth = true
				c.Security.AuthToken = ""
			},
			field:   "security.auth_token",
			wantSub: "require_auth",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "chatty" },
			field:   "logging.level",
			wantSub: "unknown level",
		},
		{
			name:    "socks ip",
			mutate:  func(c *Config) { c.Socks5.IP = "localhost" },
			field:   "socks5.ip",
			wantSub: "not an IP",
		},
		{
			name: "admin short key",
			mutate: func(c *Config) {
				c.Admin.Enabled = true
				c.Security.EncryptionKey = "c2hvcnQ="
			},
			field:   "security.encryption_key",
			wantSub: "at least 32 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultC2()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *errors.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not a ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestValidate_ShellNeedsCommand(t *testing.T) {
	cfg := DefaultShell()
	cfg.Shell.Command = "  "
	if err := cfg.Validate(); err == nil {
		t.Fatal("shell mode without a command should fail")
	}

	cfg = DefaultC2()
	cfg.Shell.Command = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("c2 mode ignores the shell section: %v", err)
	}
}

func TestValidate_DisabledSectionsSkipped(t *testing.T) {
	cfg := DefaultC2()
	cfg.TLS.Enabled = false
	cfg.TLS.Domain = ""
	cfg.Socks5.Enabled = false
	cfg.Socks5.IP = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled sections should not be validated: %v", err)
	}
}
