// Package main is the entry point for the runledger API server.
//
// The server exposes the credit ledger over gRPC and HTTP/JSON, receives
// payment provider webhooks, and runs the background bucket rotation and
// integrity verification loops.
//
// Lifecycle:
// 1. Load configuration from env (and .env when present)
// 2. Apply database migrations
// 3. Initialize dependencies (Postgres, Redis, ledger, services)
// 4. Start the gRPC and HTTP servers and the background loops
// 5. Wait for shutdown signal
// 6. Gracefully drain connections and stop the loops
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kelpejol/runledger/internal/api"
	"github.com/kelpejol/runledger/internal/auth"
	"github.com/kelpejol/runledger/internal/config"
	"github.com/kelpejol/runledger/internal/gateway"
	"github.com/kelpejol/runledger/internal/integrity"
	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/pricing"
	"github.com/kelpejol/runledger/internal/rest"
	"github.com/kelpejol/runledger/internal/rotation"
	"github.com/kelpejol/runledger/internal/spend"
	"github.com/kelpejol/runledger/internal/store/migrations"
	"github.com/kelpejol/runledger/internal/store/postgres"
	"github.com/kelpejol/runledger/internal/throttle"
	"github.com/kelpejol/runledger/internal/webhook"
)

// devAccountID owns the development API key.
const devAccountID = "dev_account"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.Environment, "runledger-api")
	logger.Info().
		Str("environment", cfg.Environment).
		Str("instance_id", cfg.InstanceID).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Msg("starting runledger api server")

	if err := migrations.Up(cfg.PostgresURL); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	}
	logger.Info().Msg("database schema up to date")

	store, err := postgres.Open(cfg.PostgresURL, cfg.LockTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	opts := ledger.DefaultOptions()
	opts.MaxRetries = cfg.MaxRetries
	ldgr := ledger.NewLedger(store, logger, opts)
	defer ldgr.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 10,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	engine, err := pricing.New(pricing.Config{
		TokensPerCredit: cfg.TokensPerCredit,
		MaxTokens:       cfg.MaxTokens,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid pricing configuration")
	}
	guard := throttle.New(throttle.Config{
		CeilingUSD: cfg.ThrottleCeilingUSD,
		Window:     cfg.ThrottleWindow,
	}, logger)
	coordinator := spend.NewCoordinator(ldgr, engine, guard, logger)
	authenticator := auth.NewAuthenticator(redisClient, logger)

	if cfg.IsDevelopment() {
		seedDevAccount(ldgr, authenticator, cfg, logger)
	}

	reconciler := webhook.NewReconciler(ldgr,
		webhook.NewVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance),
		cfg.Allotments, logger)

	var payments *gateway.Client
	if cfg.StripeSecretKey != "" {
		payments = gateway.New(gateway.Config{
			SecretKey:  cfg.StripeSecretKey,
			BaseURL:    cfg.StripeAPIURL,
			MaxRetries: cfg.MaxRetries,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
			PlanPrices: cfg.PlanPrices,
		}, ldgr, logger)
	} else {
		logger.Warn().Msg("STRIPE_SECRET_KEY not set, purchases and subscriptions disabled")
	}

	scheduler := rotation.NewScheduler(ldgr, guard,
		rotation.NewRedisFence(redisClient, cfg.InstanceID, 0, 0),
		rotation.Config{
			Interval:     cfg.RotationInterval,
			BatchSize:    cfg.RotationBatchSize,
			PeriodMonths: cfg.PeriodMonths,
			Allotments:   cfg.Allotments,
		}, logger)
	scheduler.Start()
	defer scheduler.Stop()

	verifier := integrity.NewVerifier(ldgr, logger)
	verifier.StartPeriodic(cfg.IntegrityInterval, cfg.IntegritySampleSize)
	defer verifier.Stop()

	svc := api.NewCreditService(api.Deps{
		Ledger:      ldgr,
		Coordinator: coordinator,
		Guard:       guard,
		Gateway:     payments,
		Auth:        authenticator,
		SignupGrant: cfg.SignupGrant,
	}, logger)

	grpcServer, healthServer := api.NewServer(svc, logger)
	if cfg.IsDevelopment() {
		reflection.Register(grpcServer)
		logger.Info().Msg("grpc reflection enabled")
	}

	go func() {
		listener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create listener")
		}
		logger.Info().Str("port", cfg.GRPCPort).Msg("grpc server listening")
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal().Err(err).Msg("grpc server failed")
		}
	}()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := rest.NewHandler(svc, reconciler, func(ctx context.Context) error {
		if err := ldgr.Store().Ping(ctx); err != nil {
			return err
		}
		return redisClient.Ping(ctx).Err()
	}, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Fail health checks first so load balancers drain us.
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(api.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	grpcServer.GracefulStop()
	logger.Info().Msg("grpc server stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	// scheduler, verifier, redis and ledger are closed by the defers above.
	logger.Info().Msg("shutdown complete")
}

// seedDevAccount makes sure the development key works out of the box.
func seedDevAccount(l *ledger.Ledger, a *auth.Authenticator, cfg *config.Config, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.CreateAccount(ctx, devAccountID, cfg.SignupGrant); err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		logger.Warn().Err(err).Msg("failed to seed development account")
		return
	}
	if err := a.Register(ctx, cfg.DevAPIKey, devAccountID); err != nil {
		logger.Warn().Err(err).Msg("failed to store development API key")
		return
	}
	logger.Info().
		Str("account_id", devAccountID).
		Str("api_key", cfg.DevAPIKey).
		Msg("development API key stored")
}
