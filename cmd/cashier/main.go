package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/billingkit/cashier/internal/alerts"
	"github.com/billingkit/cashier/internal/engine"
	"github.com/billingkit/cashier/internal/handlers"
	"github.com/billingkit/cashier/internal/notify"
	"github.com/billingkit/cashier/internal/outbox"
	"github.com/billingkit/cashier/internal/provider/stripegateway"
	"github.com/billingkit/cashier/internal/roles"
	"github.com/billingkit/cashier/internal/storage"
	"github.com/billingkit/cashier/internal/trials"
	"github.com/billingkit/cashier/libs/config"
	"github.com/billingkit/cashier/libs/db"
	"github.com/billingkit/cashier/libs/httpx"
	"github.com/billingkit/cashier/libs/kafkax"
	otelx "github.com/billingkit/cashier/libs/otel"
	"github.com/billingkit/cashier/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "cashier")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	stripeKey, err := config.RequiredString("STRIPE_SECRET_KEY")
	if err != nil {
		panic(err)
	}
	gateway, err := stripegateway.New(stripegateway.Config{SecretKey: stripeKey})
	if err != nil {
		panic(err)
	}

	repo := storage.NewRepository(pool)
	if isTruthy(config.String("DB_AUTO_MIGRATE", "true")) {
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Error("schema setup failed", "err", err)
			panic(err)
		}
	}
	outboxRepo := outbox.NewRepository(pool)
	sink := outbox.NewSink(pool, outboxRepo)
	alerter := alerts.New(logger, sink)
	roleApplier := roles.NewApplier(pool)

	eng := engine.New(engine.Deps{
		Store:     repo,
		Catalog:   repo,
		Customers: repo,
		Provider:  gateway,
		Roles:     roleApplier,
		Events:    sink,
		Alerter:   alerter,
		Logger:    logger,
	})

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	notifyRepo := notify.NewRepository()
	notifyWorker := notify.NewWorker(pool, notifyRepo, outboxRepo, logger, notify.WorkerConfig{})
	go notifyWorker.Run(ctx)

	if isTruthy(config.String("TRIAL_SWEEP_ENABLED", "true")) {
		intervalSeconds, _ := strconv.Atoi(config.String("TRIAL_SWEEP_INTERVAL_SECONDS", "900"))
		if intervalSeconds <= 0 {
			intervalSeconds = 900
		}
		windowHours, _ := strconv.Atoi(config.String("TRIAL_NOTICE_WINDOW_HOURS", "48"))
		batchSize, _ := strconv.Atoi(config.String("TRIAL_SWEEP_BATCH_SIZE", "100"))
		lockKey, _ := strconv.ParseInt(config.String("TRIAL_SWEEP_LOCK_KEY", "7281002"), 10, 64)
		sweeper := trials.NewSweeper(pool, repo, gateway, alerter, logger, trials.Config{
			NoticeWindow:    time.Duration(windowHours) * time.Hour,
			BatchSize:       batchSize,
			AdvisoryLockKey: lockKey,
		})
		go sweeper.Run(ctx, time.Duration(intervalSeconds)*time.Second)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	tolSeconds, err := strconv.Atoi(config.String("STRIPE_WEBHOOK_TOLERANCE_SECONDS", "300"))
	if err != nil || tolSeconds <= 0 {
		tolSeconds = 300
	}
	h := handlers.New(eng, repo, alerter, logger, handlers.Config{
		Environment:             config.String("BILLING_ENVIRONMENT", "sandbox"),
		WebhookSecret:           config.String("STRIPE_WEBHOOK_SECRET", ""),
		WebhookToleranceSeconds: tolSeconds,
	})
	mux.HandleFunc("/api/v1/billing/plans", h.ListPlans)
	mux.HandleFunc("/api/v1/billing/client-token", h.ClientToken)
	mux.HandleFunc("/api/v1/billing/subscription", h.GetSubscription)
	mux.HandleFunc("/api/v1/billing/subscriptions", h.CreateSubscription)
	mux.HandleFunc("/api/v1/billing/subscriptions/swap", h.SwapSubscription)
	mux.HandleFunc("/api/v1/billing/subscriptions/cancel", h.CancelSubscription)
	mux.HandleFunc("/api/v1/billing/subscriptions/cancel-now", h.CancelSubscriptionNow)
	mux.HandleFunc("/api/v1/billing/subscriptions/manual", h.CreateManualSubscription)
	mux.HandleFunc("/api/v1/billing/payment-method", h.UpdatePaymentMethod)
	mux.HandleFunc("/api/v1/billing/webhooks/stripe", h.ProviderWebhook)

	limitPerMinute := 60
	if v, err := strconv.Atoi(config.String("RATE_LIMIT_PER_MINUTE", "60")); err == nil && v > 0 {
		limitPerMinute = v
	}
	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		redisDB := 0
		if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
			redisDB = v
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, isTruthy(config.String("RATE_LIMIT_FAIL_OPEN", "true")))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders:   parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			AllowCredentials: isTruthy(config.String("CORS_ALLOW_CREDENTIALS", "false")),
			MaxAge:           10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		rateLimitMW,
	)
	handler = otelhttp.NewHandler(handler, "cashier")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func isTruthy(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
