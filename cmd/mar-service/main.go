// Package main provides the MAR service entry point.
package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/api/handlers"
	"github.com/drfirst/go-mar/internal/api/middleware"
	"github.com/drfirst/go-mar/internal/care"
	"github.com/drfirst/go-mar/internal/chart"
	"github.com/drfirst/go-mar/internal/config"
	"github.com/drfirst/go-mar/internal/infrastructure/postgres"
	"github.com/drfirst/go-mar/internal/infrastructure/redpanda"
	"github.com/drfirst/go-mar/internal/notify"
	"github.com/drfirst/go-mar/internal/observability/metrics"
	"github.com/drfirst/go-mar/internal/observability/tracing"
	"github.com/drfirst/go-mar/internal/server"
	"github.com/drfirst/go-mar/pkg/apiclient"
	"github.com/drfirst/go-mar/pkg/circuitbreaker"
	"github.com/drfirst/go-mar/pkg/idempotency"
	"github.com/drfirst/go-mar/pkg/querycache"
	"github.com/drfirst/go-mar/pkg/workerpool"
)

const (
	serviceName = "mar-service"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	zcfg := zap.NewProductionConfig()
	if cfg.IsDev() {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level())
	logger, _ := zcfg.Build()
	defer logger.Sync()

	ctx := context.Background()

	// Tracing
	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.ServiceVersion = version
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)
	deps := make(map[string]server.Pinger)

	// Notifications: always logged, streamed to Redpanda when brokers are configured
	notifier := notify.NewMulti(m, notify.NewLogger(logger.Named("notify")))
	if cfg.NotificationsEnabled() {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		pcfg.ClientID = serviceName
		producer, err := redpanda.NewProducer(pcfg, logger.Named("producer"))
		if err != nil {
			logger.Fatal("failed to create producer", zap.Error(err))
		}
		defer producer.Close()

		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.Fatal("failed to create admin client", zap.Error(err))
		}
		if err := admin.EnsureTopics(ctx, redpanda.NotificationTopicConfig(cfg.NotificationTopic)); err != nil {
			logger.Warn("failed to ensure notification topic", zap.Error(err))
		}
		admin.Close()

		notifier.Add(notify.NewStream(producer, cfg.NotificationTopic, logger, notify.WithRequestID(middleware.GetRequestID)))
		deps["redpanda"] = producer
		logger.Info("streaming notifications", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.NotificationTopic))
	}

	// Credentials: the caller's bearer token, else the stored service credential
	creds := apiclient.ContextToken{}
	var handlerOpts []handlers.Option
	if cfg.StoreEnabled() {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}

		store := postgres.NewTokenStore(pool, postgres.DefaultTokenStoreConfig(cfg.ServiceCredential), logger)
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate credential store", zap.Error(err))
		}
		if cfg.ServiceToken != "" {
			if err := store.Store(ctx, cfg.ServiceToken, nil); err != nil {
				logger.Fatal("failed to rotate service credential", zap.Error(err))
			}
			logger.Info("service credential rotated", zap.String("credential", cfg.ServiceCredential))
		}
		creds.Fallback = store

		inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger.Named("inbox"))
		if err := inbox.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate request inbox", zap.Error(err))
		}
		inbox.StartCleanup()
		defer inbox.Stop()
		handlerOpts = append(handlerOpts, handlers.WithInbox(inbox))

		deps["postgres"] = pool
		logger.Info("connected to database")
	}

	opts := []apiclient.Option{
		apiclient.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		apiclient.WithCredentials(creds),
		apiclient.WithNotifier(notifier),
		apiclient.WithRecorder(m),
		apiclient.WithLogger(logger.Named("care")),
	}

	breakers := circuitbreaker.NewManager(logger)
	if cfg.BreakerEnabled {
		bcfg := circuitbreaker.DefaultConfig(careHost(cfg.CareAPIURL))
		bcfg.OnStateChange = m.BreakerStateChanged
		cb, err := breakers.GetOrCreate(bcfg.Name, bcfg)
		if err != nil {
			logger.Fatal("failed to create circuit breaker", zap.Error(err))
		}
		opts = append(opts, apiclient.WithBreaker(cb))
	}

	api := apiclient.New(cfg.CareAPIURL, opts...)

	policy := querycache.DefaultPolicy()
	policy.StaleAfter = cfg.CacheStaleAfter
	policy.Dedupe = cfg.CacheDedupe
	cache := querycache.New(policy, logger.Named("cache"), m)

	ccfg := care.DefaultConfig()
	ccfg.PageSize = cfg.CarePageSize
	careClient := care.NewClient(api, cache, ccfg, logger.Named("care"))

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.ChartWorkers
	chartCfg := chart.DefaultConfig()
	chartCfg.Location = cfg.Location()
	chartCfg.MaxDays = cfg.ChartMaxDays
	builder, err := chart.NewBuilder(careClient, poolCfg, chartCfg, m, logger.Named("chart"))
	if err != nil {
		logger.Fatal("failed to create chart builder", zap.Error(err))
	}
	builder.Start()

	router := server.NewRouter(server.Options{
		ServiceName:  serviceName,
		Version:      version,
		Handler:      handlers.NewMARHandler(builder, careClient, logger, handlerOpts...),
		Metrics:      m.Handler(),
		Breakers:     breakers,
		Workers:      builder,
		Dependencies: deps,
		CORSOrigins:  cfg.CORSOrigins,
		RequireToken: !cfg.StoreEnabled(),
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HTTPTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := builder.Stop(); err != nil {
			logger.Error("worker shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting MAR service",
		zap.String("port", cfg.Port),
		zap.String("care_api", cfg.CareAPIURL),
		zap.Bool("tracing", tp.Enabled()))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func careHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "care"
	}
	return u.Host
}
