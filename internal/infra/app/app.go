package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arklim/streampay/internal/core/port"
	"github.com/arklim/streampay/internal/infra/config"
	"github.com/arklim/streampay/internal/infra/database"
	kafkainfra "github.com/arklim/streampay/internal/infra/kafka"
	ledgerinfra "github.com/arklim/streampay/internal/infra/ledger"
	"github.com/arklim/streampay/internal/infra/logger"
	redisinfra "github.com/arklim/streampay/internal/infra/redis"
	"github.com/arklim/streampay/internal/infra/telemetry"
	postgresrepo "github.com/arklim/streampay/internal/repository/postgres"
	redisrepo "github.com/arklim/streampay/internal/repository/redis"
	"github.com/arklim/streampay/internal/transport/http/middleware"
	"github.com/arklim/streampay/internal/transport/http/routes"
	"github.com/arklim/streampay/internal/usecase"
	"github.com/arklim/streampay/internal/verifier"
)

type Application struct {
	cfg    *config.AppConfig
	engine *gin.Engine
	logger *zap.Logger
	pool   *pgxpool.Pool
	redis  *redisinfra.Client
	tracer *telemetry.TracerProvider
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	provider, err := telemetry.Attach(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var tracer *telemetry.TracerProvider
	if cfg.Telemetry.OTLPEndpoint != "" {
		tracer, err = telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	sessionRepo := postgresrepo.NewSessionRepository(pool)

	var eventPublisher port.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaProducer, err := kafkainfra.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			eventPublisher = kafkainfra.NewStubPublisher(log)
		} else {
			eventPublisher = kafkainfra.NewEventPublisher(kafkaProducer, cfg.App, log)
			log.Info("kafka event publisher initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	} else {
		log.Info("kafka brokers not configured, using stub publisher")
		eventPublisher = kafkainfra.NewStubPublisher(log)
	}

	settlementVerifier := buildVerifier(cfg, log)

	sessionService := usecase.NewSessionService(sessionRepo, settlementVerifier, eventPublisher, usecase.ChallengeConfig{
		Network:        cfg.Ledger.Network,
		Asset:          cfg.Settlement.Asset,
		UnitScale:      cfg.Settlement.UnitScale,
		TimeoutSeconds: cfg.Settlement.ChallengeTimeoutSeconds,
		ResourceBase:   cfg.Settlement.ResourceBaseURL,
	}, log)

	deps := routes.Dependencies{
		Config:    cfg,
		Logger:    log,
		Sessions:  sessionService,
		Telemetry: provider,
		Database:  pool,
	}

	// Redis only backs rate limiting; the service stays up without it.
	redisClient, err := redisinfra.NewClient(cfg.Redis, log)
	if err != nil {
		log.Warn("redis unavailable, rate limiting disabled", zap.Error(err))
	} else {
		rateLimitWindow := cfg.RateLimit.WindowDuration
		if rateLimitWindow <= 0 {
			rateLimitWindow = time.Minute
		}
		rateLimitStore := redisrepo.NewRateLimitRepository(redisClient.Client(), redisrepo.SlidingWindowConfig{
			KeyPrefix: "streampay:rate-limit",
			TTL:       rateLimitWindow * 2,
		})
		deps.RateLimiter = middleware.NewRateLimiter(rateLimitStore, log)
		deps.Cache = redisClient
	}

	engine := routes.Register(deps)

	return &Application{
		cfg:    cfg,
		engine: engine,
		logger: log,
		pool:   pool,
		redis:  redisClient,
		tracer: tracer,
	}, nil
}

func buildVerifier(cfg *config.AppConfig, log *zap.Logger) port.SettlementVerifier {
	if !cfg.Settlement.ChainConfigured(cfg.Ledger) {
		log.Info("settlement verification running in simulation mode",
			zap.String("mode", cfg.Settlement.Mode),
		)
		return verifier.NewSimulated(log)
	}

	ledgerClient := ledgerinfra.NewClient(cfg.Ledger, log)
	opts := []verifier.ChainOption{
		verifier.WithFinalityTimeout(cfg.Ledger.FinalityTimeout),
		verifier.WithRecipientCheck(cfg.Settlement.VerifyRecipient),
	}

	log.Info("settlement verification running against ledger",
		zap.String("node_url", cfg.Ledger.NodeURL),
		zap.String("event_type", cfg.Ledger.SettlementEventType),
	)
	return verifier.NewChain(ledgerClient, cfg.Ledger.SettlementEventType, log, opts...)
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer func() {
		if a.pool != nil {
			a.pool.Close()
		}
	}()
	defer func() {
		if a.redis != nil {
			_ = a.redis.Close()
		}
	}()
	defer func() {
		if a.tracer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = a.tracer.Shutdown(shutdownCtx)
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting streampay API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	}
}
