package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/medremind/internal/api"
	"github.com/lalithlochan/medremind/internal/circuitbreaker"
	"github.com/lalithlochan/medremind/internal/config"
	"github.com/lalithlochan/medremind/internal/db"
	"github.com/lalithlochan/medremind/internal/metrics"
	"github.com/lalithlochan/medremind/internal/observ"
	"github.com/lalithlochan/medremind/internal/redis"
	"github.com/lalithlochan/medremind/internal/sqs"
	"github.com/lalithlochan/medremind/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting medremind",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Strings("channels", cfg.EnabledChannels),
		zap.Bool("dry_run", cfg.DryRun),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs the cycle lock, the delivery ledger and API rate limits.
	// Without it the service still runs on a single replica.
	redisConfig := redis.Config{
		URL:      cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	var workerOpts []worker.Option
	var limiter api.Limiter

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, running without lock, ledger or rate limits",
			zap.Error(err),
			zap.String("addr", redisConfig.Endpoint()),
		)
	} else {
		defer redisClient.Close()

		workerOpts = append(workerOpts,
			worker.WithLedger(redis.NewLedger(redisClient, logger)),
			worker.WithLock(redis.NewLock(redisClient, logger, "due-check-cycle", cfg.CycleTimeout+30*time.Second)),
		)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per user
		})
	}

	// Delivery events
	if cfg.EventsQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.EventsQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, delivery events will not be published", zap.Error(err))
		} else {
			workerOpts = append(workerOpts, worker.WithPublisher(producer))
		}
	}

	sender, err := buildSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dispatcher := worker.New(repo, sender, worker.Config{
		Lookahead:        cfg.Lookahead,
		MaxLateness:      cfg.MaxLateness,
		BatchSize:        cfg.BatchSize,
		SendTimeout:      cfg.SendTimeout,
		RecurrencePolicy: cfg.RecurrencePolicy,
		ChannelMode:      cfg.ChannelMode,
		Channels:         cfg.EnabledChannels,
	}, logger, workerOpts...)

	scheduler, err := worker.NewScheduler(dispatcher, cfg.CycleSchedule, cfg.SchedulerTimezone, cfg.CycleTimeout, logger)
	if err != nil {
		return err
	}

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	scheduler.Start(schedCtx)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))

	if cfg.JWTSecret == "" {
		logger.Warn("SUPABASE_JWT_SECRET not set, user API disabled")
	}
	handler := api.NewHandler(logger, repo, dispatcher, cfg.SchedulerTimezone)
	handler.Mount(r, cfg.JWTSecret, cfg.AdminToken, limiter)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		scheduler.Stop(stopCtx)
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests and an in-flight cycle 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		scheduler.Stop(ctx)

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildSender assembles one throttled, circuit-protected sender per
// enabled channel. Dry-run mode logs every message instead.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, error) {
	if cfg.DryRun {
		logger.Warn("dry run: messages are logged, not delivered")
		return worker.NewLogSender(logger), nil
	}

	var senders []worker.Sender
	protect := func(name string, s worker.Sender) worker.Sender {
		cbCfg := circuitbreaker.DefaultConfig(name)
		cbCfg.OnStateChange = func(name string, to circuitbreaker.State) {
			metrics.SetCircuitState(name, int(to))
		}
		metrics.SetCircuitState(name, int(circuitbreaker.StateClosed))

		// Throttle waits must not count as provider failures.
		protected := circuitbreaker.NewProtectedSender(s, circuitbreaker.New(cbCfg, logger), logger)
		return worker.NewThrottledSender(protected, cfg.ProviderRatePerSec, cfg.ProviderBurst, logger)
	}

	if cfg.ChannelEnabled(db.ChannelEmail) {
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		senders = append(senders, protect("ses", ses))
	}

	if cfg.ChannelEnabled(db.ChannelWhatsApp) {
		wa, err := worker.NewWhatsAppSender(worker.WhatsAppConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioWhatsAppNumber,
			Timeout:    cfg.SendTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp sender: %w", err)
		}
		senders = append(senders, protect("twilio", wa))
	}

	if cfg.ChannelEnabled(db.ChannelSMS) {
		region := cfg.SNSRegion
		if region == "" {
			region = cfg.AWSRegion
		}
		sns, err := worker.NewSNSSender(ctx, worker.SNSConfig{Region: region}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS SMS sender: %w", err)
		}
		senders = append(senders, protect("sns", sns))
	}

	logger.Info("initialized delivery channels",
		zap.Bool("email_enabled", cfg.ChannelEnabled(db.ChannelEmail)),
		zap.Bool("whatsapp_enabled", cfg.ChannelEnabled(db.ChannelWhatsApp)),
		zap.Bool("sms_enabled", cfg.ChannelEnabled(db.ChannelSMS)),
	)

	return worker.NewMultiSender(logger, senders...), nil
}
