package config

import (
	"crypto/rand"
	"encoding/base64"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across the loader, the generated config file and the CLI.

const (
	// DefaultBindAddress listens on every interface.
	DefaultBindAddress = "0.0.0.0"

	// DefaultC2Port and DefaultShellPort are the mode listen ports.
	DefaultC2Port    = 8443
	DefaultShellPort = 4444

	DefaultC2MaxClients    = 100
	DefaultShellMaxClients = 50

	DefaultC2TimeoutSeconds    = 300
	DefaultShellTimeoutSeconds = 600

	DefaultC2Domain    = "c2.local"
	DefaultShellDomain = "shell.local"

	// DefaultSocksIP keeps the proxy on loopback.
	DefaultSocksIP        = "127.0.0.1"
	DefaultC2SocksPort    = 1080
	DefaultShellSocksPort = 1081

	// DefaultSocksBinary is looked up on PATH.
	DefaultSocksBinary = "merino"

	DefaultUsersCSV = "configs/merino-users.csv"

	DefaultRequestsPerMinute = 60

	DefaultLogLevel = "info"

	DefaultAdminListen = "127.0.0.1:8081"

	// MinEncryptionKeyBytes is the HMAC key floor for admin tokens.
	MinEncryptionKeyBytes = 32

	// DefaultConnTimeout bounds agent-side dials.
	DefaultConnTimeout = 30 * time.Second

	// DefaultGracePeriod is how long Stop waits after SIGTERM before
	// killing the proxy outright.
	DefaultGracePeriod = 5 * time.Second

	// DefaultAdminTokenTTL is the lifetime of minted admin tokens.
	DefaultAdminTokenTTL = 24 * time.Hour
)

// DefaultShellCommand is the interactive program for shell mode.
func DefaultShellCommand() string {
	if runtime.GOOS == "windows" {
		return "powershell.exe"
	}
	return "/bin/bash"
}

// Default returns the defaults for mode.  Every call mints a fresh
// auth token and encryption key.
func Default(mode Mode) *Config {
	if mode == ModeShell {
		return DefaultShell()
	}
	return DefaultC2()
}

// DefaultC2 returns the agent-dispatch server defaults.
func DefaultC2() *Config {
	return &Config{
		Mode: ModeC2,
		Server: ServerConfig{
			BindAddress:    DefaultBindAddress,
			Port:           DefaultC2Port,
			MaxClients:     DefaultC2MaxClients,
			TimeoutSeconds: DefaultC2TimeoutSeconds,
			Framing:        FramingSingle,
		},
		TLS: TLSConfig{
			Enabled:      true,
			CertPath:     "certs/server.crt",
			KeyPath:      "certs/server.key",
			AutoGenerate: true,
			Domain:       DefaultC2Domain,
		},
		Security: defaultSecurity(),
		Logging: LoggingConfig{
			Level:   DefaultLogLevel,
			File:    "logs/c2.log",
			Console: true,
		},
		Socks5: Socks5Config{
			Enabled:  true,
			Binary:   DefaultSocksBinary,
			IP:       DefaultSocksIP,
			Port:     DefaultC2SocksPort,
			UsersCSV: DefaultUsersCSV,
		},
		Shell: ShellConfig{Command: DefaultShellCommand()},
		Admin: AdminConfig{Listen: DefaultAdminListen},
	}
}

// DefaultShell returns the reverse-shell server defaults.
func DefaultShell() *Config {
	return &Config{
		Mode: ModeShell,
		Server: ServerConfig{
			BindAddress:    DefaultBindAddress,
			Port:           DefaultShellPort,
			MaxClients:     DefaultShellMaxClients,
			TimeoutSeconds: DefaultShellTimeoutSeconds,
			Framing:        FramingSingle,
		},
		TLS: TLSConfig{
			Enabled:      true,
			CertPath:     "certs/shell.crt",
			KeyPath:      "certs/shell.key",
			AutoGenerate: true,
			Domain:       DefaultShellDomain,
		},
		Security: defaultSecurity(),
		Logging: LoggingConfig{
			Level:   DefaultLogLevel,
			File:    "logs/shell.log",
			Console: true,
		},
		Socks5: Socks5Config{
			Enabled:  true,
			Binary:   DefaultSocksBinary,
			IP:       DefaultSocksIP,
			Port:     DefaultShellSocksPort,
			UsersCSV: DefaultUsersCSV,
		},
		Shell: ShellConfig{Command: DefaultShellCommand()},
		Admin: AdminConfig{Listen: DefaultAdminListen},
	}
}

func defaultSecurity() SecurityConfig {
	return SecurityConfig{
		AuthToken:     uuid.NewString(),
		EncryptionKey: randomKey(MinEncryptionKeyBytes),
		AllowedIPs:    []string{"0.0.0.0/0", "::/0"},
		RateLimit: RateLimitConfig{
			Enabled:              true,
			MaxRequestsPerMinute: DefaultRequestsPerMinute,
		},
	}
}

func randomKey(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	rand.Read(b) //nolint:errcheck
	return base64.StdEncoding.EncodeToString(b)
}
