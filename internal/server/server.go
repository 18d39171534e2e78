// Package server assembles the gateway: storage, rules, rate limiting, the
// inspection pipeline and the three HTTP surfaces (protected app, admin API,
// dashboard).
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel/internal/api"
	"sentinel/internal/audit"
	"sentinel/internal/config"
	"sentinel/internal/dashboard"
	"sentinel/internal/logging"
	"sentinel/internal/pipeline"
	"sentinel/internal/ratelimit"
	"sentinel/internal/rules"
	"sentinel/internal/storage"
)

type Server struct {
	config    *config.Config
	logger    *logging.Logger
	engine    *storage.BadgerEngine
	rules     *rules.Store
	counters  ratelimit.CounterStore
	limiter   *ratelimit.Limiter
	audit     *audit.Store
	sink      *audit.Sink
	pipeline  *pipeline.Pipeline
	dashboard *dashboard.Server

	appServer   *http.Server
	adminServer *http.Server
	startTime   time.Time
}

// NewServer wires all components from configuration. The protected handler is
// what the pipeline guards; passing nil installs a status page, which is what
// a standalone evaluation deployment wants.
func NewServer(cfg *config.Config, protected http.Handler) (*Server, error) {
	logger := logging.NewLogger(&cfg.Logging)

	logger.Info("Initializing security gateway", "version", "1.0.0")

	engine, err := storage.NewEngine(storage.Config{
		DataPath:   cfg.Storage.DataPath,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		ValueLogGC: cfg.Storage.ValueLogGC,
		GCInterval: cfg.Storage.GCInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage engine: %w", err)
	}

	ruleStore := rules.NewStore(engine, logger, cfg.Pipeline.RuleCacheTTL)

	if err := ruleStore.Seed(rules.DefaultRuleSet(), "system"); err != nil {
		logger.WithError(err).Warn("Failed to seed default rules")
	}
	if cfg.Pipeline.RuleSeedFile != "" {
		if err := ruleStore.LoadSeedFile(cfg.Pipeline.RuleSeedFile); err != nil {
			logger.WithError(err).Warn("Failed to load rule seed file", "file", cfg.Pipeline.RuleSeedFile)
		}
	}

	var counters ratelimit.CounterStore
	switch cfg.RateLimit.Store {
	case "redis":
		counters, err = ratelimit.NewRedisStore(ratelimit.RedisOptions{
			Addr:      cfg.RateLimit.Redis.Addr,
			Password:  cfg.RateLimit.Redis.Password,
			Database:  cfg.RateLimit.Redis.Database,
			KeyPrefix: cfg.RateLimit.Redis.KeyPrefix,
			Timeout:   cfg.RateLimit.Redis.Timeout,
		})
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("failed to create redis counter store: %w", err)
		}
	default:
		counters = ratelimit.NewMemoryStore(cfg.RateLimit.CleanupInterval, cfg.RateLimit.MaxIdleTime)
	}

	limiter := ratelimit.NewLimiter(counters, ruleStore, logger, cfg.Exemptions.TrustedRanges, cfg.Exemptions.RelaxedMode)

	auditStore := audit.NewStore(engine)
	sink := audit.NewSink(auditStore, logger, audit.SinkConfig{
		QueueSize:      cfg.Pipeline.AuditQueueSize,
		AlertThreshold: cfg.Pipeline.AlertThreshold,
	})

	pipe := pipeline.New(ruleStore, limiter, sink, logger, pipeline.Config{
		HighRiskThreshold: cfg.Pipeline.HighRiskThreshold,
		DefaultRetryAfter: cfg.RateLimit.DefaultRetryAfter,
	})

	if protected == nil {
		protected = defaultProtectedHandler()
	}

	s := &Server{
		config:    cfg,
		logger:    logger,
		engine:    engine,
		rules:     ruleStore,
		counters:  counters,
		limiter:   limiter,
		audit:     auditStore,
		sink:      sink,
		pipeline:  pipe,
		startTime: time.Now(),
	}

	handler := pipeline.SecurityHeaders(pipe.Middleware(protected))
	s.appServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      http.MaxBytesHandler(handler, cfg.Server.MaxBodySize),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Admin.Enabled {
		restHandler := api.NewRESTHandler(ruleStore, auditStore, sink, logger)
		s.adminServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
			Handler:      restHandler.SetupRoutes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	if cfg.Dashboard.Enabled {
		s.dashboard = dashboard.NewServer(cfg.Dashboard, sink, auditStore, logger)
	}

	return s, nil
}

// Pipeline exposes the inspection pipeline so embedding applications can wrap
// their own handlers instead of running the bundled app server.
func (s *Server) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

func (s *Server) Start() error {
	s.logger.Info("Starting security gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 2)

	go func() {
		if err := s.appServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("app server failed: %w", err)
		}
	}()

	if s.adminServer != nil {
		go func() {
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("admin server failed: %w", err)
			}
		}()
	}

	if s.dashboard != nil {
		go s.dashboard.Start(ctx)
	}

	if s.config.Pipeline.RuleSeedFile != "" {
		go func() {
			if err := s.rules.Watch(ctx, s.config.Pipeline.RuleSeedFile); err != nil {
				s.logger.WithError(err).Warn("Rule seed file watcher stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	s.logger.Info("Security gateway started",
		"app_port", s.config.Server.Port,
		"admin_enabled", s.config.Admin.Enabled,
		"dashboard_enabled", s.config.Dashboard.Enabled,
	)

	select {
	case err := <-errChan:
		s.logger.Error("Server encountered an error", "error", err.Error())
		return err
	case sig := <-sigChan:
		s.logger.Info("Received shutdown signal", "signal", sig.String())
		return s.Shutdown(ctx)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down security gateway")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.appServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to stop app server", "error", err.Error())
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to stop admin server", "error", err.Error())
		}
	}

	// Drain the asynchronous writers before the engine goes away.
	s.sink.Close()
	s.rules.Close()

	if err := s.counters.Close(); err != nil {
		s.logger.Error("Failed to close counter store", "error", err.Error())
	}
	if err := s.engine.Close(); err != nil {
		s.logger.Error("Failed to close storage engine", "error", err.Error())
		return err
	}

	s.logger.Info("Security gateway shutdown completed")
	return nil
}

func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

func defaultProtectedHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"sentinel","status":"protected","path":%q}`+"\n", r.URL.Path)
	})
	return mux
}
