package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/exoengine/exocore/internal/config"
	"github.com/exoengine/exocore/internal/db"
	"github.com/exoengine/exocore/internal/metrics"
	"github.com/exoengine/exocore/internal/network"
	"github.com/exoengine/exocore/internal/scheduler"
	"github.com/exoengine/exocore/internal/security"
	"github.com/exoengine/exocore/internal/session"
)

// Deps are the runtime components the API reports on. Any of them may be nil;
// the matching endpoints then answer 503.
type Deps struct {
	Session *session.Server
	Queue   *scheduler.TaskQueue
	Alarms  *scheduler.AlarmQueue
	Audit   *db.AuditLog
	Metrics *metrics.Metrics
	Config  *config.Config
}

// Server is the admin REST API server.
type Server struct {
	cfg     config.APIConfig
	deps    Deps
	started time.Time
	logger  zerolog.Logger

	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		started: time.Now(),
		logger:  log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the HTTP handler serving every route.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + strconv.Itoa(s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if s.cfg.TLSEnabled {
		ln, err = s.tlsListener(ln)
		if err != nil {
			return err
		}
	}

	s.logger.Info().Str("addr", addr).Bool("tls", s.cfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		if err := s.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("API server shutdown")
		}
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) tlsListener(ln net.Listener) (net.Listener, error) {
	created, err := security.EnsureCert(s.cfg.TLSCertFile, s.cfg.TLSKeyFile, []string{"localhost", "127.0.0.1"})
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to prepare API certificate: %w", err)
	}
	if created {
		s.logger.Info().Str("cert", s.cfg.TLSCertFile).Msg("generated self-signed API certificate")
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to load API certificate: %w", err)
	}
	s.httpServer.TLSConfig = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	return tls.NewListener(ln, s.httpServer.TLSConfig), nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleServerInfo)
	}

	monitor := router.Group("/api")
	{
		monitor.GET("/status", s.handleStatus)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/alarms", s.handleAlarms)
		monitor.GET("/audit", s.handleAudit)
		monitor.GET("/config", s.handleConfig)
	}

	control := router.Group("/api/control")
	control.Use(RequireToken(s.cfg.AdminToken))
	{
		control.POST("/broadcast", s.handleBroadcast)
		control.POST("/kick/:name", s.handleKick)
	}

	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

func (s *Server) uptime() time.Duration {
	return time.Since(s.started)
}
