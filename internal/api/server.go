// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"broker-gateway/internal/config"
	"broker-gateway/internal/gateway"
	"broker-gateway/internal/models"
	"broker-gateway/internal/resilience"
	"broker-gateway/internal/security"
	"broker-gateway/internal/stream"
)

// Gateway executes broker-neutral commands.
type Gateway interface {
	Execute(ctx context.Context, userID string, cmd gateway.Command) (*gateway.Result, error)
	BreakerStats() []resilience.Snapshot
}

// Sessions manages stored credentials and broker logins.
type Sessions interface {
	SaveCredentials(ctx context.Context, cred *models.Credential) error
	Authenticate(ctx context.Context, userID string, id models.BrokerID, req models.AuthRequest) (*models.CredentialSummary, error)
	Logout(ctx context.Context, userID string, id models.BrokerID) error
	DeleteCredentials(ctx context.Context, userID string, id models.BrokerID) error
	Status(ctx context.Context, userID string) ([]models.CredentialSummary, error)
}

// Streams hands out live market data subscriptions.
type Streams interface {
	Subscribe(ctx context.Context, userID, symbol string, opts stream.SubscribeOptions) (*stream.Subscription, error)
	Unsubscribe(id uuid.UUID) bool
	GetMetrics() stream.HubMetrics
}

// Config holds server settings.
type Config struct {
	Addr              string
	JWTSecret         string
	HeartbeatInterval time.Duration
	// RateLimit is per-user requests per second on /api/v1; zero disables it.
	RateLimit float64
	RateBurst int
}

// ConfigFrom reads the server section.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Addr:              cfg.Server.Addr,
		JWTSecret:         cfg.Server.JWTSecret,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		RateLimit:         cfg.Server.RateLimit,
		RateBurst:         cfg.Server.RateBurst,
	}
}

// Server wires HTTP endpoints around the gateway.
type Server struct {
	Router   *gin.Engine
	gateway  Gateway
	sessions Sessions
	streams  Streams
	audit    *security.AuditLogger
	gatherer prometheus.Gatherer
	cfg      Config
	logger   zerolog.Logger
	limiters *userLimiters
	httpSrv  *http.Server

	closing   chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAuditLogger records session events in the audit trail.
func WithAuditLogger(al *security.AuditLogger) Option {
	return func(s *Server) { s.audit = al }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer builds the router.
func NewServer(gw Gateway, sessions Sessions, streams Streams, cfg Config, opts ...Option) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	s := &Server{
		gateway:  gw,
		sessions: sessions,
		streams:  streams,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		gatherer: prometheus.DefaultGatherer,
		closing:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "api").Logger()
	if cfg.RateLimit > 0 {
		s.limiters = newUserLimiters(cfg.RateLimit, cfg.RateBurst)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.logger))
	s.Router = r
	s.routes()
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.Router.Group("/api/v1")
	v1.Use(AuthMiddleware(s.cfg.JWTSecret))
	if s.limiters != nil {
		v1.Use(RateLimitMiddleware(s.limiters))
	}
	{
		v1.POST("/orders", s.placeOrder)
		v1.PUT("/orders/:id", s.modifyOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.GET("/orders", s.orderBook)
		v1.GET("/positions", s.positions)
		v1.GET("/quote", s.quote)
		v1.GET("/stream", s.stream)

		v1.GET("/credentials", s.credentialStatus)
		v1.PUT("/credentials/:broker", s.saveCredentials)
		v1.DELETE("/credentials/:broker", s.deleteCredentials)
		v1.POST("/brokers/:broker/session", s.login)
		v1.DELETE("/brokers/:broker/session", s.logout)
	}
}

func (s *Server) health(c *gin.Context) {
	m := s.streams.GetMetrics()
	breakers := s.gateway.BreakerStats()
	status := "ok"
	for _, b := range breakers {
		if b.State != resilience.StateClosed {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"subscribers": m.Subscribers,
		"streams":     m.Streams,
		"breakers":    breakers,
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Open
// event streams are ended first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.httpSrv.Shutdown(ctx)
}
