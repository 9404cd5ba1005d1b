package config

// loader.go - configuration loading and writing.
//
// Precedence order (highest wins):
//   1. CLI flags             (handled by cmd/root.go)
//   2. Environment variables (RELAYD_ prefix, .env honoured)
//   3. Config file           (toml, yaml or json)
//   4. Defaults              (defaults.go)

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// RELAYD_SERVER_PORT or RELAYD_SECURITY_RATE_LIMIT_ENABLED.
const EnvPrefix = "RELAYD"

// Load builds the configuration for mode.  A missing file is not an
// error: the mode defaults (plus environment) are used instead.
func Load(path string, mode Mode) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Seeding viper with the defaults as a config document makes every
	// key known, which AutomaticEnv needs for Unmarshal to see env
	// overrides of keys absent from the file.
	seed, err := toml.Marshal(Default(mode))
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(seed)); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		switch _, err := os.Stat(path); {
		case err == nil:
			v.SetConfigFile(path)
			v.SetConfigType(fileType(path))
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Mode = mode
	return cfg, nil
}

// Save writes cfg to path as TOML or YAML, chosen by extension.  The
// file holds secrets so it is created 0600.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch fileType(path) {
	case "yaml":
		data, err = yaml.Marshal(cfg)
	case "toml":
		data, err = toml.Marshal(cfg)
	default:
		return fmt.Errorf("save %s: unsupported format (use .toml or .yaml)", path)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func fileType(path string) string {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml", "":
		return "toml"
	default:
		return strings.TrimPrefix(ext, ".")
	}
}
