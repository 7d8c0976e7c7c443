package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"imagegen-payment-api/config"
	"imagegen-payment-api/database"
	"imagegen-payment-api/handlers"
	"imagegen-payment-api/middleware"
	"imagegen-payment-api/queue"
	"imagegen-payment-api/services/auth"
	"imagegen-payment-api/services/checkout"
	"imagegen-payment-api/services/cryptogram"
	"imagegen-payment-api/services/email"
	"imagegen-payment-api/services/proxy"
	"imagegen-payment-api/services/threeds"
	"imagegen-payment-api/utils"
	"imagegen-payment-api/worker"
)

func main() {
	cfg := config.Load()

	logger, err := utils.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	logger.Info("configuration loaded")

	var db *database.Connection
	for retries := 0; retries < 5; retries++ {
		db, err = database.NewConnection(cfg.Database, logger)
		if err == nil {
			break
		}
		retryDelay := time.Duration(retries+1) * time.Second
		logger.Warn("failed to connect to database",
			zap.Int("attempt", retries+1),
			zap.Duration("retry_in", retryDelay),
			zap.Error(err),
		)
		time.Sleep(retryDelay)
	}
	if err != nil {
		logger.Fatal("failed to connect to database after retries", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.EnsureSchema(ctx); err != nil {
		cancel()
		logger.Fatal("failed to prepare schema", zap.Error(err))
	}
	if followUps, err := db.PendingFollowUps(ctx, 100); err != nil {
		logger.Warn("failed to list pending follow-ups", zap.Error(err))
	} else if len(followUps) > 0 {
		logger.Warn("charged payments still need activation follow-up", zap.Int("count", len(followUps)))
	}
	cancel()
	logger.Info("connected to database")

	redisClient, err := database.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	jobQueue := queue.NewQueue(redisClient, "activation_jobs", logger)

	httpClient := &http.Client{Timeout: cfg.Proxy.Timeout}
	proxyClient, err := proxy.NewClient(cfg.Proxy.BaseURL, cfg.Proxy.ActivationURL, cfg.Proxy.AppID, httpClient, logger)
	if err != nil {
		logger.Fatal("invalid payment proxy configuration", zap.Error(err))
	}
	generator := cryptogram.NewGenerator(cfg.SDK.PublicID, cfg.SDK.PublicKeyURL, cfg.SDK.LoadTimeout, httpClient, logger)
	emailService := email.NewSMTPService(cfg.SMTP)
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer)

	store := threeds.NewRedisStore(redisClient)
	cookies := threeds.NewCookieStore(cfg.Session.Secret, cfg.Session.Domain, cfg.Session.MaxAge, cfg.Session.Secure, cfg.Session.HttpOnly)
	pending := threeds.NewPendingSessions(cookies, store, cfg.ThreeDS.PendingMaxAge, clockz.RealClock, logger)
	pages := threeds.NewPages(threeds.PageConfig{
		ProfileURL:       cfg.ThreeDS.ProfileURL,
		SubmitDelay:      cfg.ThreeDS.SubmitDelay,
		FormCheckDelay:   cfg.ThreeDS.FormCheckDelay,
		RetryDelay:       cfg.ThreeDS.RetryDelay,
		CountdownSeconds: cfg.ThreeDS.CountdownSeconds,
	})
	redirector := threeds.NewRedirector(store, pending, pages, cfg.ThreeDS.CallbackURL, cfg.ThreeDS.PendingMaxAge, logger)
	relay := threeds.NewRelay(cfg.ThreeDS.RelayOrigin, logger,
		threeds.OpenerChannel{CloseAfter: cfg.ThreeDS.PopupCloseDelay},
		threeds.ParentChannel{},
		threeds.DurableChannel{Store: store, TTL: cfg.ThreeDS.ResultTTL, Clock: clockz.RealClock},
	)

	flow := checkout.NewFlow(proxyClient, generator, db, jobQueue, store, proxyClient.AppID(), logger).
		WithFollowUpDelay(cfg.Redis.FollowUpDelay)

	workerConcurrency := cfg.Redis.WorkerConcurrency
	if workerConcurrency < 2 {
		workerConcurrency = 2
	} else if workerConcurrency > 8 {
		workerConcurrency = 8
	}
	activationWorker := worker.NewWorker(jobQueue, proxyClient, db, emailService, logger)
	activationWorker.Start(workerConcurrency)
	defer activationWorker.Stop()

	paymentHandler := handlers.NewPaymentHandler(flow, redirector, pending, logger)
	threeDSHandler := handlers.NewThreeDSHandler(redirector, relay, pages, pending, store, flow, clockz.RealClock, logger).
		WithDelays(cfg.ThreeDS.FormCheckDelay, cfg.ThreeDS.RetryDelay)
	productHandler := handlers.NewProductHandler(proxyClient, logger)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"database": db,
		"redis": handlers.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	}, logger)

	rateLimiter := middleware.NewRateLimiter(redisClient, cfg.Server.TrustedProxies, logger)

	router := mux.NewRouter()
	router.Use(middleware.SecurityHeadersMiddleware)
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(middleware.RequestLogger(logger, 500*time.Millisecond))

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Browser-facing 3DS pages. The ACS posts to the callback cross-site, so
	// none of these require a bearer token.
	pagesRouter := router.PathPrefix("/payments/3ds").Subrouter()
	pagesRouter.Use(rateLimiter.Middleware())
	pagesRouter.HandleFunc("/redirect/{transactionId}", threeDSHandler.Redirect).Methods("GET")
	pagesRouter.HandleFunc("/callback", threeDSHandler.Callback).Methods("GET", "POST")
	pagesRouter.HandleFunc("/capture", threeDSHandler.Capture).Methods("POST")

	router.HandleFunc("/api/health", healthHandler.Check).Methods("GET")
	router.HandleFunc("/api/products", productHandler.GetProducts).Methods("GET", "OPTIONS")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(jwtService, logger))
	api.Use(rateLimiter.Middleware())
	api.HandleFunc("/payments/charge", paymentHandler.Charge).Methods("POST", "OPTIONS")
	api.HandleFunc("/payments/3ds/resume", paymentHandler.Resume).Methods("POST", "OPTIONS")
	api.HandleFunc("/payments/3ds/result", threeDSHandler.Result).Methods("GET", "OPTIONS")

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	activationWorker.Stop()

	logger.Info("server exited properly")
}
