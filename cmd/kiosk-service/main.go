package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/kiosk-payments/internal/config"
	"github.com/dmehra2102/kiosk-payments/internal/payment/application"
	paymenthttp "github.com/dmehra2102/kiosk-payments/internal/payment/infrastructure/http"
	paymentpg "github.com/dmehra2102/kiosk-payments/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/kiosk-payments/internal/payment/infrastructure/priceconfig"
	"github.com/dmehra2102/kiosk-payments/internal/payment/infrastructure/provider"
	paymentredis "github.com/dmehra2102/kiosk-payments/internal/payment/infrastructure/redis"
	platformpg "github.com/dmehra2102/kiosk-payments/internal/platform/postgres"
	redemptionapp "github.com/dmehra2102/kiosk-payments/internal/redemption/application"
	redemptionhttp "github.com/dmehra2102/kiosk-payments/internal/redemption/infrastructure/http"
	redemptionkafka "github.com/dmehra2102/kiosk-payments/internal/redemption/infrastructure/kafka"
	redemptionpg "github.com/dmehra2102/kiosk-payments/internal/redemption/infrastructure/postgres"
	"github.com/dmehra2102/kiosk-payments/pkg/idempotency"
	"github.com/dmehra2102/kiosk-payments/pkg/logging"
	"github.com/dmehra2102/kiosk-payments/pkg/outbox"
	"github.com/dmehra2102/kiosk-payments/pkg/ratelimit"
	"github.com/dmehra2102/kiosk-payments/pkg/shutdown"
	"github.com/dmehra2102/kiosk-payments/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background(), log)
	defer cancel()

	tp, err := tracing.Init(ctx, "kiosk-service", cfg.OTELEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// Postgres
	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := platformpg.Migrate(ctx, log, pool); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	idem := idempotency.NewStore(rdb, 24*time.Hour)

	// Outbox relay
	brokers := []string{cfg.KafkaAddr}
	writer := outbox.NewKafkaWriter(brokers)
	defer writer.Close()
	dispatch := outbox.NewDispatcher(log, writer, cfg.OutTopic)
	relay := outbox.NewRelay(log, outbox.NewPGStore(log, pool), dispatch, "kiosk-service-relay")

	// Payments
	proc := provider.NewClient(log, provider.Config{
		BaseURL:         cfg.ProviderBaseURL,
		AccessToken:     cfg.AccessToken,
		NotificationURL: cfg.NotificationURL,
		Timeout:         cfg.ProviderTimeout,
	})
	var prices application.PriceSource
	if cfg.PriceConfigURL != "" {
		prices = priceconfig.NewClient(cfg.PriceConfigURL, cfg.Currency, cfg.ProviderTimeout)
	}
	issuer := application.NewIssuer(log, application.NewPriceResolver(log, prices, cfg.DefaultPrice), proc, application.IssuerConfig{
		Title:         cfg.ItemTitle,
		Currency:      cfg.Currency,
		TTL:           cfg.IntentTTL,
		AllowOverride: cfg.AllowOverride,
	})
	reconciler := application.NewReconciler(log, proc, paymentpg.NewRepository(log, pool), paymentredis.NewVerdictCache(rdb, cfg.VerdictTTL), application.ReconcilerConfig{
		FreshnessWindow: cfg.FreshnessWindow,
		FallbackLimit:   cfg.FallbackSearchLimit,
		FallbackEnabled: cfg.FallbackEnabled,
		ProviderTimeout: cfg.ProviderTimeout,
		StoreTimeout:    cfg.StoreTimeout,
	})
	if cfg.SandboxToken() {
		log.Warn("using sandbox payment credentials")
	}
	if cfg.AllowOverride {
		log.Warn("price override enabled, clients may set the charged amount")
	}

	// Redemption
	ledger := redemptionapp.NewLedger(log, redemptionpg.NewRepository(log, pool))
	consumer := redemptionkafka.NewConsumer(log, brokers, cfg.InTopic, "kiosk-service", ledger, idem)

	// HTTP server
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog(log), middleware.Recoverer)
	r.Get("/healthz", health(pool, rdb))
	paymenthttp.NewHandler(log, issuer, reconciler, idem, cfg.WebhookSecret).Routes(r)
	redemptionhttp.NewHandler(log, ledger, ratelimit.New(cfg.RedeemRatePerMin, cfg.RedeemBurst)).Routes(r)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.ProviderTimeout*3 + 5*time.Second,
	}

	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	}()

	go func() {
		if err := consumer.Run(ctx); err != nil {
			log.Error("consumer stopped", "err", err)
			cancel()
		}
	}()

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Info("kiosk-service shutdown complete")
}
