package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/veilbox/veilbox/internal/abuse"
	"github.com/veilbox/veilbox/internal/admission"
	"github.com/veilbox/veilbox/internal/config"
	"github.com/veilbox/veilbox/internal/counter"
	"github.com/veilbox/veilbox/internal/database"
	"github.com/veilbox/veilbox/internal/dispatch"
	"github.com/veilbox/veilbox/internal/feedback"
	"github.com/veilbox/veilbox/internal/pipeline"
	"github.com/veilbox/veilbox/internal/ratelimit"
	"github.com/veilbox/veilbox/internal/retention"
	"github.com/veilbox/veilbox/internal/store/postgres"
	"github.com/veilbox/veilbox/internal/vault"
	"github.com/veilbox/veilbox/internal/web"
	"github.com/veilbox/veilbox/internal/web/handlers"
	"github.com/veilbox/veilbox/migrations"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Database
	db, err := postgres.NewDB(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Migrations
	if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Counter store
	redisClient, err := counter.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	counters := counter.NewRedisStore(redisClient)

	// Stores
	feedbackStore := postgres.NewFeedbackStore(db)
	eventStore := postgres.NewEventStore(db)
	tokenStore := postgres.NewTokenStore(db)
	abuseStore := postgres.NewAbuseStore(db)

	// Vault: no key, no relay.
	identityVault, err := vault.New(cfg.MasterKey, tokenStore)
	if err != nil {
		slog.Error("failed to initialize identity vault", "error", err)
		os.Exit(1)
	}

	// Delivery
	var dispatcher dispatch.Dispatcher
	var reportNotifier abuse.Notifier
	if cfg.SMTPEnabled {
		smtpClient := dispatch.NewSMTPClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
		dispatchService := dispatch.NewService(smtpClient)
		dispatcher = dispatchService
		reportNotifier = dispatchService
	} else {
		slog.Warn("SMTP not configured, deliveries are no-ops")
		dispatcher = &dispatch.NoopDispatcher{}
		reportNotifier = &abuse.NoopNotifier{}
	}

	// Content pipeline
	var providers []pipeline.Provider
	for _, p := range cfg.Providers {
		switch p.Kind {
		case "openai":
			providers = append(providers, pipeline.NewOpenAIProvider(p.APIKey, p.Model))
		case "anthropic":
			providers = append(providers, pipeline.NewAnthropicProvider(p.APIKey, p.Model))
		}
	}
	contentPipeline, err := pipeline.New(providers, cfg.PipelineTimeout)
	if err != nil {
		slog.Error("failed to build content pipeline", "error", err)
		os.Exit(1)
	}

	// Services
	abuseService := abuse.NewService(abuseStore, reportNotifier)
	admissionController := admission.NewController(counters, abuseService, admission.Limits{
		PairPer24h:    cfg.PairLimit24h,
		SenderPer1h:   cfg.SenderLimit1h,
		FallbackPer1h: cfg.FallbackLimit1h,
		NetworkPer1h:  cfg.NetworkLimit1h,
	})
	feedbackService := feedback.NewService(
		feedbackStore, eventStore, identityVault,
		admissionController, contentPipeline, dispatcher, cfg.BaseURL,
	)

	// Rate limiter
	limiter := ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Handlers
	apiHandler := handlers.NewAPIHandler(feedbackService, abuseService)

	// Router
	router := web.NewRouter(web.RouterDeps{
		APIHandler:    apiHandler,
		Limiter:       limiter,
		SecureCookies: cfg.SecureCookies,
		DB:            db,
	})

	// Retention + redelivery worker
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	worker := retention.NewWorker(feedbackStore, abuseStore, feedbackService, retention.WorkerOptions{
		SweepInterval:     cfg.SweepInterval,
		ItemRetention:     cfg.ItemRetention,
		IdentityRetention: cfg.IdentityRetention,
		RedeliveryDelay:   cfg.RedeliveryDelay,
	})
	go worker.Run(workerCtx)

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("veilbox starting", "addr", addr, "providers", len(providers))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down...")
	stopWorker()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
