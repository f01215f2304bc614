package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/cryptodata/api-gateway/internal/config"
	"github.com/cryptodata/api-gateway/internal/database"
	"github.com/cryptodata/api-gateway/internal/facilitator"
	"github.com/cryptodata/api-gateway/internal/gateway"
	"github.com/cryptodata/api-gateway/internal/handlers"
	"github.com/cryptodata/api-gateway/internal/logger"
	"github.com/cryptodata/api-gateway/internal/middleware"
	"github.com/cryptodata/api-gateway/internal/models"
	"github.com/cryptodata/api-gateway/internal/passes"
	"github.com/cryptodata/api-gateway/internal/payment"
	"github.com/cryptodata/api-gateway/internal/quota"
	"github.com/cryptodata/api-gateway/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("couldn't load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	policy, err := config.LoadPolicy(cfg.GatewayConfigPath, cfg.PayTo)
	if err == nil {
		err = policy.Validate(cfg.PaymentsEnabled())
	}
	if err != nil {
		log.Error("invalid gateway policy", "path", cfg.GatewayConfigPath, "error", err)
		os.Exit(1)
	}

	log.Info("starting", "port", cfg.Port, "backend", cfg.BackendURL, "quota_backend", cfg.QuotaBackend, "payments", cfg.PaymentsEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, policy, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, policy *config.Policy, log *slog.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := database.Connect(startCtx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	checks := map[string]handlers.HealthCheck{"postgresql": db.Ping}
	metrics := services.NewMetricsCollector()

	// Shared state lives in Redis unless the gateway runs as a single
	// in-memory instance.
	var (
		counter    services.WindowCounter
		quotas     quota.Store
		nonces     payment.NonceStore
		janitorFns []func()
	)
	memoryMode := cfg.QuotaBackend == "memory"
	if memoryMode {
		windows := services.NewMemoryWindowCounter()
		store := quota.NewMemoryStore()
		memNonces := payment.NewMemoryNonceStore()
		counter, quotas, nonces = windows, store, memNonces
		janitorFns = append(janitorFns,
			windows.Cleanup,
			func() { store.Sweep(time.Now()) },
			func() { memNonces.Sweep() },
		)
		log.Warn("running with in-memory state; counters and nonces are not shared between instances")
	} else {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		defer client.Close()
		if err := client.Ping(startCtx).Err(); err != nil {
			// The rate limiter falls back to an in-process cap, so a
			// missing Redis degrades service instead of blocking startup.
			log.Error("redis not responding", "addr", cfg.RedisURL, "error", err)
		}
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		counter = services.NewRedisWindowCounter(client)
		nonces = payment.NewRedisNonceStore(client)
		if cfg.QuotaBackend == "postgres" {
			quotas = database.NewQuotaStore(db)
		} else {
			quotas = quota.NewRedisStore(client)
		}
	}

	classes := make(map[string]services.RateLimit, len(policy.RateLimits))
	for name, rl := range policy.RateLimits {
		classes[name] = services.RateLimit{Limit: rl.Limit, Window: rl.Window}
	}
	fallback := services.RateLimit{Limit: policy.FallbackRateLimit.Limit, Window: policy.FallbackRateLimit.Window}
	limiter := services.NewRateLimiter(counter, classes, fallback, log).WithMetrics(metrics)
	janitorFns = append(janitorFns, func() { limiter.SweepFallback(10 * time.Minute) })

	tiers := make(map[string]models.Tier, len(policy.Tiers))
	for name, t := range policy.Tiers {
		tiers[name] = models.Tier{Name: name, Daily: t.Daily, Monthly: t.Monthly, RateLimitClass: t.RateLimitClass}
	}
	keys := services.NewKeyAuthorizer(db, quotas, tiers, log)

	ledger, err := passes.NewLedger(passSecret(cfg, log), policy.Passes)
	if err != nil {
		return err
	}

	routes, err := gateway.NewRouteTable(policy.Routes)
	if err != nil {
		return err
	}

	gwCfg := gateway.Config{
		Routes:   routes,
		Limiter:  limiter,
		Keys:     keys,
		Passes:   ledger,
		Verifier: payment.NewVerifier(),
		Audit:    db,
		Metrics:  metrics,
		Logger:   log,
	}
	if cfg.PaymentsEnabled() {
		builder, err := payment.NewBuilder(policy.Network, policy.Asset, policy.PayTo, policy.OfferTTL, policy.ClockSkew)
		if err != nil {
			return err
		}
		gwCfg.Builder = builder
		gwCfg.Nonces = nonces
		gwCfg.Settler = facilitator.NewClient(cfg.FacilitatorURL, cfg.FacilitatorTimeout, cfg.FacilitatorRetries, log)
		log.Info("payments enabled", "network", builder.Network().ID, "pay_to", policy.PayTo, "facilitator", cfg.FacilitatorURL)
	} else {
		log.Warn("FACILITATOR_URL not set; priced routes need an API key or pass")
	}
	gw, err := gateway.New(gwCfg)
	if err != nil {
		return err
	}

	proxyService, err := services.NewProxyService(cfg.BackendURL, 30*time.Second)
	if err != nil {
		return err
	}

	authMiddleware := middleware.NewAuthMiddleware(gw, log, cfg.TrustProxyHeaders)
	requestLogger := middleware.NewRequestLogger(log, metrics)

	proxyHandler := handlers.NewProxyHandler(proxyService, db, log, cfg.TrustProxyHeaders)
	passHandler := handlers.NewPassHandler(log)
	adminHandler := handlers.NewAdminHandler(db, tiers, log)
	metricsHandler := handlers.NewMetricsHandler(metrics, checks, cfg.PaymentsEnabled(), log)

	router := mux.NewRouter()
	router.Use(requestLogger.Middleware)

	router.HandleFunc("/health", metricsHandler.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/metrics", metricsHandler.GetMetrics).Methods(http.MethodGet)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminAuth(cfg.AdminToken, log))
	adminHandler.Register(admin)

	router.PathPrefix("/api/passes/").Handler(authMiddleware.Middleware(passHandler))
	router.PathPrefix("/").Handler(authMiddleware.Middleware(proxyHandler))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go janitor(ctx, time.Minute, janitorFns)

	errCh := make(chan error, 1)
	go func() {
		log.Info("ready", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// passSecret returns the configured pass signing secret. Without payments
// no pass can be sold, so a throwaway secret keeps the ledger valid.
func passSecret(cfg *config.Config, log *slog.Logger) []byte {
	if cfg.PassSigningSecret != "" {
		return []byte(cfg.PassSigningSecret)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}
	log.Warn("PASS_SIGNING_SECRET not set; passes will not survive a restart")
	return secret
}

func janitor(ctx context.Context, every time.Duration, fns []func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, fn := range fns {
				fn()
			}
		}
	}
}
