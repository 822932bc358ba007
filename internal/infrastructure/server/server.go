package server

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	diaghttp "github.com/ledgerline/client-go/internal/api/http"
	"github.com/ledgerline/client-go/internal/api/middleware"
	"github.com/ledgerline/client-go/internal/auth"
	"github.com/ledgerline/client-go/internal/client"
	"github.com/ledgerline/client-go/internal/connectivity"
	"github.com/ledgerline/client-go/internal/events"
	"github.com/ledgerline/client-go/internal/infrastructure/config"
	"github.com/ledgerline/client-go/internal/infrastructure/logging"
	"github.com/ledgerline/client-go/internal/infrastructure/monitoring"
	"github.com/ledgerline/client-go/internal/queue"
	"github.com/ledgerline/client-go/internal/resilience"
	"github.com/ledgerline/client-go/internal/store"
	"github.com/ledgerline/client-go/internal/transport"
)

// Server assembles the sync agent: the resilient client, its collaborators,
// and the local diagnostics HTTP server.
type Server struct {
	router  *gin.Engine
	client  *client.Client
	monitor *connectivity.Monitor
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
}

// NewServer creates a new agent instance from configuration.
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing LedgerLine sync agent",
		zap.String("port", cfg.Agent.Port),
		zap.String("gateway", cfg.Gateway.BaseURL),
		zap.String("state_dir", cfg.Agent.StateDir),
	)

	st, err := store.NewFileStore(cfg.Agent.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state dir: %w", err)
	}

	metrics := monitoring.NewMetrics()
	emitter := events.NewEmitter(128)
	monitor := connectivity.NewMonitor(true)

	refresher := auth.NewHTTPRefresher(cfg.Gateway.BaseURL, cfg.Gateway.RequestTimeout)
	authMgr, err := auth.NewManager(auth.ManagerConfig{
		RefreshThreshold: cfg.Auth.RefreshThreshold,
		WarningThreshold: cfg.Auth.WarningThreshold,
		MaxRetryAttempts: cfg.Auth.MaxRetryAttempts,
	}, refresher, st, emitter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token manager: %w", err)
	}
	authMgr.WithMetrics(metrics)

	q, err := queue.New(queue.Config{
		Capacity:          cfg.Queue.Capacity,
		MaxRetries:        cfg.Queue.MaxRetries,
		InterRequestDelay: cfg.Queue.InterRequestDelay,
	}, st, emitter, logger, monitor.Online)
	if err != nil {
		return nil, fmt.Errorf("failed to restore offline queue: %w", err)
	}
	q.WithMetrics(metrics)

	sender := transport.NewSender(cfg.Gateway.RequestTimeout)
	resilient := client.New(client.Config{
		Breaker: resilience.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			MonitoringPeriod: cfg.Breaker.MonitoringPeriod,
		},
		Retry: resilience.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
		},
		RateLimitRPS: cfg.Gateway.RateLimitRPS,
	}, sender, authMgr, q, monitor, emitter, logger, metrics)

	resilient.WatchConnectivity()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogging(logger))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	diaghttp.NewHandlers(resilient, metrics).Register(router)

	logger.Info("Agent initialized successfully")

	return &Server{
		router:  router,
		client:  resilient,
		monitor: monitor,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}, nil
}

// Run serves the diagnostics API until ctx is canceled, feeding the
// connectivity monitor from a gateway health probe in the background.
func (s *Server) Run(ctx context.Context) error {
	go s.monitor.RunProbe(ctx, gatewayProbe(s.config.Gateway.BaseURL), 15*time.Second)
	go s.logEvents()

	srv := &stdhttp.Server{
		Addr:    s.config.Agent.Host + ":" + s.config.Agent.Port,
		Handler: s.router,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			errChan <- err
		}
	}()
	s.logger.Info("Diagnostics server listening", zap.String("addr", srv.Addr))

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down gracefully")
	case err := <-errChan:
		s.logger.Error("Diagnostics server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close tears down the resilient client and flushes logs.
func (s *Server) Close() error {
	s.logger.Info("Shutting down agent...")
	s.client.Close()
	s.logger.Sync()
	return nil
}

// gatewayProbe reports whether the gateway answers its health endpoint,
// with a latency-based quality hint.
func gatewayProbe(baseURL string) connectivity.Probe {
	httpClient := &stdhttp.Client{Timeout: 5 * time.Second}
	url := baseURL + "/health"

	return func(ctx context.Context) (bool, connectivity.Quality) {
		req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodHead, url, nil)
		if err != nil {
			return false, connectivity.QualityUnknown
		}

		start := time.Now()
		resp, err := httpClient.Do(req)
		if err != nil {
			return false, connectivity.QualityUnknown
		}
		resp.Body.Close()

		if time.Since(start) > time.Second {
			return true, connectivity.QualityPoor
		}
		return true, connectivity.QualityGood
	}
}

// logEvents mirrors the event stream into the structured log.
func (s *Server) logEvents() {
	for ev := range s.client.Events() {
		switch ev.Type {
		case events.TypeBreakerStateChanged:
			s.logger.Info("Breaker transition",
				zap.String("dependency", ev.Dependency),
				zap.String("from", ev.From),
				zap.String("to", ev.To))
		case events.TypeRequestQueued:
			s.logger.Info("Request queued",
				zap.String("id", ev.RequestID),
				zap.Int("pending", ev.Pending))
		case events.TypeSyncSummary:
			s.logger.Info("Sync summary",
				zap.Int("replayed", ev.Replayed),
				zap.Int("exhausted", ev.Exhausted),
				zap.Int("pending", ev.Pending))
		case events.TypeReplayFailed:
			s.logger.Warn("Queued request failed permanently",
				zap.String("id", ev.RequestID),
				zap.Error(ev.Err))
		case events.TypeSessionExpiryWarning:
			s.logger.Warn("Session expiring soon",
				zap.Time("expires_at", ev.ExpiresAt))
		case events.TypeForcedLogout:
			s.logger.Warn("Session terminated", zap.Error(ev.Err))
		case events.TypeConnectivityChanged:
			s.logger.Info("Connectivity changed", zap.Bool("online", ev.Online))
		}
	}
}
