package main

import (
	"context"

	"creditd/internal/handlers"
	"creditd/internal/jobs"
	"creditd/internal/ledger"
	"creditd/internal/payments"
	"creditd/internal/topup"
	"creditd/internal/usage"
	"creditd/pkg/auth"
	"creditd/pkg/config"
	"creditd/pkg/database"
	"creditd/pkg/logging"
	"creditd/pkg/monitoring"
	"creditd/pkg/server"
	"creditd/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("creditd")
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
		"build":   version.BuildDate,
	}).Info("Starting creditd")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	stripeKey := config.RequireEnv("STRIPE_SECRET_KEY")
	stripeWebhookSecret := config.RequireEnv("STRIPE_WEBHOOK_SECRET")

	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	policy := config.LoadBillingPolicy()

	healthChecker := monitoring.NewHealthChecker("creditd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("creditd", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":      dbURL,
		"JWT_SECRET":        jwtSecret,
		"STRIPE_SECRET_KEY": stripeKey,
	}))

	metrics := &handlers.Metrics{
		CreditsApplied:  metricsCollector.NewCounter("credits_applied_total", "Credits applied to ledgers", []string{"type"}),
		DebitsApplied:   metricsCollector.NewCounter("debits_applied_total", "Usage debits applied", []string{"organization_id"}),
		DebitsRejected:  metricsCollector.NewCounter("debits_rejected_total", "Usage debits rejected for insufficient credits", []string{"organization_id"}),
		WebhookEvents:   metricsCollector.NewCounter("webhook_events_total", "Payment webhook events processed", []string{"event_type", "outcome"}),
		TopUpAttempts:   metricsCollector.NewCounter("topup_attempts_total", "Auto top-up attempts", []string{"result"}),
		ReconcileDrifts: metricsCollector.NewCounter("reconcile_drifts_total", "Accounts found with balance drift", []string{"organization_id"}),
	}
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	store := ledger.NewPostgresStore(db, policy.Currency, logger)
	ledgerService := ledger.NewService(store, logger)

	stripeClient := payments.NewClient(payments.Config{
		SecretKey:     stripeKey,
		WebhookSecret: stripeWebhookSecret,
		Logger:        logger,
	})
	adapter := payments.NewAdapter(ledgerService, store, policy, logger)
	topupController := topup.NewController(store, stripeClient, policy, logger)
	usageGateway := usage.NewGateway(ledgerService, topupController, policy, logger)

	api := handlers.New(handlers.Config{
		Ledger:  ledgerService,
		Usage:   usageGateway,
		TopUp:   topupController,
		Stripe:  stripeClient,
		Adapter: adapter,
		Policy:  policy,
		Metrics: metrics,
		Logger:  logger,
	})

	jobManager := jobs.NewManager(ledgerService, usageGateway, topupController, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	if consumer := jobManager.Consumer(); consumer != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(consumer.GetClient()))
	}

	router := server.SetupServiceRouter(logger, "creditd", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/credits/ prefix)
	{
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/billing/balance", api.GetBalance)
			protected.GET("/billing/transactions", api.GetTransactions)
			protected.PUT("/billing/topup-settings", api.UpdateTopUpSettings)
			protected.POST("/billing/purchase", api.CreatePurchase)
			protected.POST("/billing/topup/check", api.TriggerTopUpCheck)
			protected.GET("/billing/reconcile", api.GetReconciliation)
		}

		// Webhook endpoints (no auth required, signature-verified)
		router.POST("/webhooks/stripe", api.HandleStripeWebhook)

		// Usage ingestion endpoints (service-to-service)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/usage/debit", api.IngestUsage)
		}
	}

	serverConfig := server.DefaultConfig("creditd", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
