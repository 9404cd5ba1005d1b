// Package admin serves the read-only HTTP admin API: registered
// agents, SOCKS5 proxy status and runtime metrics.  Everything except
// the health check needs an HS256 bearer token minted with MintToken.
package admin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"relayd/config"
	"relayd/internal/errors"
	"relayd/internal/metrics"
	"relayd/internal/proxy"
	"relayd/internal/registry"
	"relayd/util"
)

const shutdownTimeout = 10 * time.Second

// AgentLister is satisfied by core.Server.
type AgentLister interface {
	ListAgents() []registry.Agent
}

// ProxyStatus is satisfied by proxy.Supervisor.
type ProxyStatus interface {
	Status() proxy.Status
}

// Server is the admin HTTP endpoint.
type Server struct {
	listen string
	engine *gin.Engine
	logger *util.Logger
}

// New builds the admin API.  proxyStatus and m may be nil.
func New(cfg config.AdminConfig, key []byte, agents AgentLister, proxyStatus ProxyStatus,
	m *metrics.Collector, logger *util.Logger) *Server {

	logger = logger.With("component", "admin")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	if len(cfg.AllowedOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet},
			AllowHeaders:  []string{"Origin", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}
	engine.Use(gin.Recovery(), requestLogger(logger))

	h := &handlers{agents: agents, proxy: proxyStatus, metrics: m}
	engine.GET("/healthz", h.health)

	api := engine.Group("/api", jwtAuth(key))
	api.GET("/agents", h.listAgents)
	api.GET("/proxy", h.proxyStatus)
	api.GET("/metrics", h.metricsSnapshot)

	return &Server{listen: cfg.Listen, engine: engine, logger: logger}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin api listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type handlers struct {
	agents  AgentLister
	proxy   ProxyStatus
	metrics *metrics.Collector
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) listAgents(c *gin.Context) {
	agents := h.agents.ListAgents()
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

func (h *handlers) proxyStatus(c *gin.Context) {
	if h.proxy == nil {
		c.JSON(http.StatusOK, proxy.Status{})
		return
	}
	c.JSON(http.StatusOK, h.proxy.Status())
}

func (h *handlers) metricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}
