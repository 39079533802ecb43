package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mealbox/internal/catalog"
	"mealbox/internal/checkout"
	"mealbox/internal/config"
	"mealbox/internal/db"
	"mealbox/internal/gateway"
	"mealbox/internal/identity"
	"mealbox/internal/logging"
	"mealbox/internal/middleware"
	"mealbox/internal/order"
	"mealbox/internal/queue"
	"mealbox/internal/quote"
	"mealbox/internal/repository"
	"mealbox/internal/router"
	"mealbox/internal/webhook"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	// 1. 连接数据库并自动建表
	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}

	// 2. Redis：限流、重试锁、回调事件去重
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable; rate limit and locks degrade")
	}
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Kafka：outbox 转发 + 钱包流水消费
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()
	relay := queue.NewRelay(repository.NewOutboxRepo(gdb), producer, cfg.OutboxPoll, log)
	go relay.Run(ctx)

	ledger := queue.NewLedgerConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, gdb, log)
	defer ledger.Close()
	go ledger.Run(ctx)

	orders := repository.NewOrderRepo(gdb)
	engine := quote.NewEngine(catalog.NewStore(gdb), identity.NewWalletStore(gdb), cfg.Fees, cfg.Gateway.Currency, log)
	gw := gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.KeyID, cfg.Gateway.KeySecret, cfg.Gateway.Timeout)
	co := checkout.NewOrchestrator(engine, orders, gw, rdb, checkout.Config{
		KeyID:          cfg.Gateway.KeyID,
		MerchantName:   cfg.Gateway.MerchantName,
		Currency:       cfg.Gateway.Currency,
		MinAmount:      cfg.Gateway.MinAmount,
		MaxRetries:     cfg.MaxPaymentRetries,
		LockTTL:        cfg.RetryLockTTL,
		GatewayTimeout: cfg.Gateway.Timeout,
	}, log)

	if !cfg.LogPretty {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))
	router.Setup(r, router.Deps{
		Quotes:          engine,
		Checkout:        co,
		Webhooks:        webhook.NewReconciler(orders, rdb, cfg.Gateway.WebhookSecret, log),
		Orders:          order.NewService(orders, log),
		Verifier:        identity.NewVerifier(cfg.JWTSecret),
		Redis:           rdb,
		QuoteRateLimit:  cfg.QuoteRateLimit,
		QuoteRateWindow: cfg.QuoteRateWindow,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("stopped")
}
