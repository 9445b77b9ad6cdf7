package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"broker-gateway/internal/broker"
	"broker-gateway/internal/config"
	"broker-gateway/internal/credcache"
	"broker-gateway/internal/gateway"
	"broker-gateway/internal/logging"
	"broker-gateway/internal/metrics"
	"broker-gateway/internal/security"
	"broker-gateway/internal/session"
	"broker-gateway/internal/store"
	"broker-gateway/internal/stream"
	"broker-gateway/internal/symbols"
)

// App holds the application dependencies shared by every command.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	ConfigDir string
}

// Services is the wired gateway core.
type Services struct {
	Store      store.CredentialStore
	Cache      *credcache.Cache
	Registry   *broker.Registry
	Symbols    *symbols.Resolver
	Sessions   *session.Manager
	Gateway    *gateway.Dispatcher
	Hub        *stream.Hub
	Metrics    *metrics.Metrics
	Prometheus *prometheus.Registry
	Audit      *security.AuditLogger
}

// openStore opens the credential store selected by store.driver.
func openStore(ctx context.Context, cfg *config.Config) (store.CredentialStore, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0700); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
		return store.NewSQLiteStore(cfg.Store.Path, cfg.Store.MasterKey)
	case "redis":
		return store.NewRedisStore(ctx, &redis.Options{
			Addr: cfg.Store.RedisAddr,
			DB:   cfg.Store.RedisDB,
		}, cfg.Store.MasterKey)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Build wires every component from the loaded configuration. Background
// loops are not started; callers that serve traffic call Start.
func (app *App) Build(ctx context.Context) (*Services, error) {
	cfg := app.Config
	logger := app.Logger

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	reg, err := broker.NewRegistryFromConfig(cfg, nil, logging.Component(logger, "broker"))
	if err != nil {
		st.Close()
		return nil, err
	}

	symOpts := []symbols.Option{
		symbols.WithLogger(logging.Component(logger, "symbols")),
		symbols.WithMetrics(m),
	}
	if snap, ok := st.(store.InstrumentStore); ok && cfg.Instruments.Snapshot {
		symOpts = append(symOpts, symbols.WithSnapshots(snap))
	}
	resolver := symbols.New(reg, symOpts...)

	cache := credcache.New(st, credcache.Config{
		TTL:           cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}, credcache.WithLogger(logging.Component(logger, "credcache")), credcache.WithMetrics(m))

	sessCfg, err := session.ConfigFrom(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	mgr := session.NewManager(cache, reg, sessCfg,
		session.WithLogger(logging.Component(logger, "session")),
		session.WithMetrics(m),
	)

	var audit *security.AuditLogger
	if cfg.Gateway.AuditFile != "" {
		audit, err = security.NewAuditLogger(cfg.Gateway.AuditFile)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	dispatcher := gateway.New(reg, mgr, resolver, gateway.Config{
		BrokerTimeout:    cfg.Gateway.BrokerTimeout,
		BreakerThreshold: cfg.Gateway.BreakerThreshold,
		BreakerCooldown:  cfg.Gateway.BreakerCooldown,
	},
		gateway.WithLogger(logging.Component(logger, "gateway")),
		gateway.WithMetrics(m),
		gateway.WithAccessController(security.NewAccessController(cfg.Gateway.ReadOnly, audit)),
		gateway.WithAuditLogger(audit),
	)

	hub := stream.NewHub(reg, mgr, dispatcher, resolver, stream.HubConfigFrom(cfg),
		stream.WithLogger(logging.Component(logger, "stream")),
		stream.WithMetrics(m),
	)

	return &Services{
		Store:      st,
		Cache:      cache,
		Registry:   reg,
		Symbols:    resolver,
		Sessions:   mgr,
		Gateway:    dispatcher,
		Hub:        hub,
		Metrics:    m,
		Prometheus: promReg,
		Audit:      audit,
	}, nil
}

// Start runs the cache sweeper and the instrument refresh loop until ctx is
// done. Saved snapshots are restored first so lookups work before the
// first download finishes.
func (s *Services) Start(ctx context.Context, refreshInterval time.Duration) {
	s.Cache.Start(ctx)
	s.Symbols.WarmStart(ctx)
	go s.Symbols.Run(ctx, refreshInterval)
}

// Close releases every resource in reverse order of acquisition.
func (s *Services) Close() error {
	s.Hub.Close()
	s.Cache.Stop()
	if err := s.Audit.Close(); err != nil {
		return err
	}
	return s.Store.Close()
}
