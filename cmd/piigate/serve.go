package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gonkalabs/piigate/internal/api"
	"github.com/gonkalabs/piigate/internal/audit"
	"github.com/gonkalabs/piigate/internal/auth"
	"github.com/gonkalabs/piigate/internal/config"
	"github.com/gonkalabs/piigate/internal/gateway"
	"github.com/gonkalabs/piigate/internal/metrics"
	"github.com/gonkalabs/piigate/internal/ratelimit"
	"github.com/gonkalabs/piigate/internal/signer"
	"github.com/gonkalabs/piigate/internal/upstream"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("server error", "err", err)
				return err
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Cfg, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	limiter := ratelimit.New(rdb, cfg.RateLimitPolicies,
		ratelimit.WithPrefix(cfg.RateLimitPrefix),
		ratelimit.WithTimeout(cfg.RateLimitTimeout),
		ratelimit.WithFailureMode(cfg.RateLimitMode),
		ratelimit.WithLogger(logger),
	)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := limiter.Ping(pingCtx); err != nil {
		// Not fatal: the limiter applies its failure mode per request.
		logger.Warn("rate limit store unreachable at startup", "err", err, "failure_mode", limiter.Mode().String())
	}
	cancel()

	detector, err := buildDetector(cfg, logger)
	if err != nil {
		return err
	}

	pool, err := credentialPool(cfg)
	if err != nil {
		return err
	}
	client := upstream.New(cfg.UpstreamBaseURL, pool,
		upstream.WithTimeout(cfg.UpstreamTimeout),
		upstream.WithMaxAttempts(cfg.UpstreamMaxAttempts),
		upstream.WithLogger(logger),
	)

	verifier, err := auth.NewVerifier(cfg.JWTSecret,
		auth.WithAlgorithm(cfg.JWTAlgorithm),
		auth.WithTenantClaim(cfg.JWTTenantClaim),
	)
	if err != nil {
		return err
	}

	sink, closeSink, err := auditSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	gw := gateway.New(detector, limiter, client,
		gateway.WithAuditSink(sink),
		gateway.WithMetrics(m),
		gateway.WithLogger(logger),
	)
	handler := api.New(gw, verifier,
		api.WithModels(client),
		api.WithHealthCheck(limiter),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		api.WithVersion(version),
		api.WithMaxBodyBytes(cfg.MaxBodyBytes),
		api.WithLogger(logger),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + cfg.DetectBudget + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()

		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	logger.Info("starting gateway",
		"addr", cfg.ListenAddr,
		"version", version,
		"upstream_auth", cfg.UpstreamAuth,
		"credentials", pool.Len(),
		"detectors", detector.Len(),
		"failure_mode", limiter.Mode().String(),
		"audit_db", cfg.AuditDatabaseURL != "",
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// credentialPool builds the upstream credential rotation from cfg.
func credentialPool(cfg *config.Cfg) (*upstream.Pool, error) {
	var creds []upstream.Credential
	switch cfg.UpstreamAuth {
	case config.AuthSecp256k1:
		for i, kc := range cfg.UpstreamSigningKeys {
			s, err := signer.New(kc.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("signing key %d: %w", i+1, err)
			}
			creds = append(creds, upstream.SignedKey{
				Signer:          s,
				Address:         kc.Address,
				TransferAddress: cfg.UpstreamTransferAddress,
			})
		}
	default:
		for i, key := range cfg.UpstreamAPIKeys {
			creds = append(creds, upstream.NewBearerKey("key-"+strconv.Itoa(i+1), key))
		}
	}
	return upstream.NewPool(creds)
}

// auditSink always logs records and additionally stores them in Postgres
// when AUDIT_DATABASE_URL is set.
func auditSink(ctx context.Context, cfg *config.Cfg, logger *slog.Logger) (audit.Sink, func(), error) {
	logSink := audit.NewLogSink(logger)
	if cfg.AuditDatabaseURL == "" {
		return logSink, func() {}, nil
	}

	db, err := pgxpool.New(ctx, cfg.AuditDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("AUDIT_DATABASE_URL: %w", err)
	}
	pg := audit.NewPostgresSink(db)
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pg.EnsureSchema(schemaCtx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("audit: postgres sink enabled")
	return audit.Multi{logSink, pg}, db.Close, nil
}
