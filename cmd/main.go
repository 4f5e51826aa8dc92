/**
 * @description
 * This is the main entry point for the transaction core. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the ledger client, message brokers, repositories, the
 * lifecycle service, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/risk, internal/store: Internal packages.
 * - pkg/ledgerclient: Client for the wallet ledger service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/flowpay/transaction-core/internal/api"
	"github.com/flowpay/transaction-core/internal/app"
	"github.com/flowpay/transaction-core/internal/config"
	"github.com/flowpay/transaction-core/internal/refgen"
	"github.com/flowpay/transaction-core/internal/risk"
	"github.com/flowpay/transaction-core/internal/store"
	"github.com/flowpay/transaction-core/pkg/ledgerclient"
	rmrabbit "github.com/flowpay/transaction-core/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting transaction-core\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events. A broker
	// outage at startup degrades to the no-op fallback; transitions still
	// commit without events.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the wallet ledger service.
	if strings.TrimSpace(cfg.LedgerServiceURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger service url must be configured\" env=LEDGER_SERVICE_URL")
	}
	ledgerGateway := ledgerclient.NewClient(cfg.LedgerServiceURL, cfg.LedgerAPIKey)

	// Redis backs the fast 24h velocity counters. Missing Redis degrades to
	// database aggregates, it does not prevent boot.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; velocity counters served from database\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; velocity counters served from database\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; velocity counters served from database\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Velocity reader: Redis counters with database fallback.
	velocityReader := app.NewRedisVelocityReader(redisClient, repository, cfg.RedisVelocityPrefix)

	reviewCeiling, err := decimal.NewFromString(cfg.RiskReviewCeiling)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid review ceiling\" value=%q err=%v", cfg.RiskReviewCeiling, err)
	}
	engine := risk.NewEngine(velocityReader, risk.Config{
		SuspiciousThreshold: cfg.RiskReviewThreshold,
		ReviewCeiling:       reviewCeiling,
		SamplingRate:        cfg.RiskSamplingRate,
	})

	references := refgen.New(refgen.WithPrefix(cfg.ReferencePrefix))

	// Initialize the lifecycle service with its dependencies.
	transactionService := app.NewService(
		repository,
		engine,
		ledgerGateway,
		producer,
		references,
		app.Options{
			ReferenceAttempts: cfg.ReferenceAttempts,
			RiskEvalTimeout:   time.Duration(cfg.RiskEvalTimeoutMs) * time.Millisecond,
			LedgerTimeout:     time.Duration(cfg.LedgerTimeoutMs) * time.Millisecond,
			LedgerAttempts:    cfg.LedgerAttempts,
		},
	)
	transactionService.SetVelocityRecorder(velocityReader)

	// Initialize the API handlers.
	transactionHandlers := api.NewTransactionHandlers(transactionService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.TransactionRoutes(transactionHandlers, cfg.JWTSecret, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the settlement consumer: bind provider status events and
	// ensure graceful shutdown.
	settlementConsumer := app.NewSettlementConsumer(transactionService)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	settlementBindings := map[string]func([]byte) bool{
		"settlement.status.*": settlementConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings("flowpay.events", cfg.SettlementEventQueue, settlementBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"settlement consumer start failed\" err=%v", err)
	}

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
