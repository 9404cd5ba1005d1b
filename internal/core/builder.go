package core

import (
	"relayd/config"
	"relayd/internal/capability"
	"relayd/internal/certs"
	"relayd/internal/errors"
	"relayd/internal/metrics"
	"relayd/internal/proxy"
	"relayd/internal/ratelimit"
	"relayd/internal/registry"
	"relayd/util"
)

// Build assembles the server for cfg.Mode.  Certificates are created
// or loaded here, so a TLS problem aborts startup before anything
// listens.
func Build(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (*Server, error) {
	allowed, err := cfg.AllowedPrefixes()
	if err != nil {
		return nil, &errors.ConfigError{
			Field: "security.allowed_ips", Value: cfg.Security.AllowedIPs, Message: err.Error(),
		}
	}

	tlsCfg, err := certs.NewManager(logger).Prepare(cfg.TLS)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		Address:    cfg.Address(),
		TLS:        tlsCfg,
		Proxy:      proxy.New(cfg.Socks5, logger, m),
		MaxClients: cfg.Server.MaxClients,
		Allowed:    allowed,
		Logger:     logger.With("mode", string(cfg.Mode)),
		Metrics:    m,
	}

	switch cfg.Mode {
	case config.ModeShell:
		srv.Capability = buildShell(cfg, m)
	default:
		srv.Registry = registry.New()
		srv.Capability = buildC2(cfg, srv.Registry, m)
	}
	return srv, nil
}

// ── capability builders ──────────────────────────────────────────────

func buildC2(cfg *config.Config, reg *registry.Registry, m *metrics.Collector) *capability.C2 {
	c := &capability.C2{
		Registry: reg,
		Framing:  cfg.Server.Framing,
		Metrics:  m,
	}
	if cfg.Security.RequireAuth {
		c.Auth = capability.NewTokenAuth(cfg.Security.AuthToken)
	}
	if cfg.Security.RateLimit.Enabled {
		c.Limiter = ratelimit.New(cfg.Security.RateLimit.MaxRequestsPerMinute)
	}
	return c
}

func buildShell(cfg *config.Config, m *metrics.Collector) *capability.Shell {
	return &capability.Shell{
		Command: cfg.Shell.Command,
		Args:    cfg.Shell.Args,
		Env:     cfg.Shell.Env(),
		PTY:     cfg.Shell.PTY,
		Metrics: m,
	}
}
