package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-broker/internal/gateway/audit"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/compat"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/health"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/proxy"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/sessions"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/token"
	"github.com/mrmushfiq/llm0-broker/internal/gateway/vault"
	"github.com/mrmushfiq/llm0-broker/internal/shared/config"
	"github.com/mrmushfiq/llm0-broker/internal/shared/database"
	"github.com/mrmushfiq/llm0-broker/internal/shared/events"
	"github.com/mrmushfiq/llm0-broker/internal/shared/logging"
	"github.com/mrmushfiq/llm0-broker/internal/shared/redis"
	"github.com/mrmushfiq/llm0-broker/internal/shared/scheduler"
)

const version = "0.1.0"

// sessionGrace keeps expired sessions around briefly so late refreshes still find them.
const sessionGrace = 5 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logger.WithField("component", "main")
	log.WithFields(logrus.Fields{
		"port":       cfg.Port,
		"env":        cfg.Env,
		"demo_mode":  cfg.EnableDemoMode,
		"rate_limit": cfg.RateLimitProfile,
	}).Info("Starting credential broker")

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit trail
	auditSinks := audit.MultiSink{audit.NewLogSink(logger)}
	var pgSink *audit.PostgresSink
	var db *database.DB
	if cfg.DatabaseURL != "" {
		db, err = database.New(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("Failed to migrate audit schema")
		}
		pgSink = audit.NewPostgresSink(db, logger)
		auditSinks = append(auditSinks, pgSink)
		log.Info("Connected to PostgreSQL")
	}
	var auditSink audit.Sink = auditSinks

	// Security events go to the log and, above info severity, to the audit trail.
	sink := events.Multi{events.NewLogSink(logger), audit.Alerts(auditSink)}

	// Vault
	vaultCfg := vault.DefaultConfig()
	vaultCfg.MaxKeyAge = cfg.KeyMaxAge
	vaultCfg.RotationInterval = cfg.RotationInterval
	keys, err := vault.New(cfg.EncryptionKey, vaultCfg, vault.WithSink(sink), vault.WithLogger(logger))
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize vault")
	}
	if cfg.ProviderAPIKey != "" {
		keyID, err := keys.StoreKey(cfg.ProviderAPIKey, vault.ParseEnvironment(cfg.Env))
		if err != nil {
			log.WithError(err).Fatal("Failed to store provider key")
		}
		log.WithField("key_id", keyID).Info("Provider key vaulted")
	} else {
		log.Warn("No provider key configured, serving demo mode only")
	}

	// Response cache
	var redisClient *redis.Client
	var memStore *cache.MemoryStore
	var store cache.Store
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		store = cache.NewRedisStore(redisClient)
		log.Info("Connected to Redis")
	} else {
		memStore = cache.NewMemoryStore()
		store = memStore
	}
	responses := cache.New(store, time.Duration(cfg.CacheTTLSeconds)*time.Second)

	// Providers and capability checks
	providerMgr := providers.NewManager(cfg)
	checker := compat.NewChecker(providerMgr.Live(), keys, compat.Options{
		BaseURL:       cfg.UpstreamBaseURL,
		RealtimeModel: cfg.RealtimeModel,
		DemoMode:      cfg.EnableDemoMode,
	}, logger)

	// Tokens and proxy
	tracker := sessions.NewTracker()
	issuer := token.NewIssuer(cfg.TokenSigningSecret, token.Options{
		Duration:    time.Duration(cfg.TokenDuration) * time.Second,
		MinDuration: time.Duration(cfg.TokenMinDuration) * time.Second,
		MaxDuration: time.Duration(cfg.TokenMaxDuration) * time.Second,
		DemoMode:    cfg.EnableDemoMode,
	}, keys, providerMgr.Realtime(), checker, tracker, logger)

	proxyOpts := proxy.DefaultOptions()
	proxyOpts.ReplayWindow = cfg.ReplayWindow
	proxyOpts.MaxBodyBytes = cfg.MaxBodyBytes
	proxyOpts.UpstreamTimeout = cfg.UpstreamTimeout
	proxyOpts.UpstreamRPS = cfg.UpstreamRPS
	relay := proxy.New(proxyOpts, keys, issuer, providerMgr, responses, auditSink, logger)

	maxEnvelope := proxyOpts.MaxBodyBytes
	if proxyOpts.MaxTranscriptionBytes > maxEnvelope {
		maxEnvelope = proxyOpts.MaxTranscriptionBytes
	}

	// Rate limiting
	limiterOpts := []ratelimit.Option{ratelimit.WithSink(sink)}
	if !cfg.IsProduction() {
		limiterOpts = append(limiterOpts, ratelimit.WithWhitelist(cfg.RateLimitWhitelist))
	}
	tokenLimiter := ratelimit.New(ratelimit.ProfileByName(cfg.RateLimitProfile, cfg.RateLimitRequestsPerMinute), limiterOpts...)
	proxyLimiter := ratelimit.New(ratelimit.ProfileByName(cfg.RateLimitProfile, cfg.ProxyRequestsPerMinute), limiterOpts...)
	resolver, err := ratelimit.NewResolver(cfg.TrustedProxies)
	if err != nil {
		log.WithError(err).Fatal("Invalid trusted proxies")
	}

	// Health
	healthChecker := health.NewChecker(version)
	healthChecker.Register("upstream", health.UpstreamCheck(checker, cfg.EnableDemoMode))
	healthChecker.Register("vault", health.VaultCheck(keys, cfg.EnableDemoMode))
	healthChecker.Register("rate_limiter", health.RateLimiterCheck(tokenLimiter))
	healthChecker.Register("sessions", health.SessionsCheck(tracker))
	if redisClient != nil {
		healthChecker.Register("redis", health.StoreCheck(redisClient))
	}
	if db != nil {
		healthChecker.Register("database", health.StoreCheck(db))
	}

	// Initialize handlers
	mw := handlers.NewMiddleware(cfg.AllowedOrigins, resolver, auditSink, logger)
	router := handlers.NewRouter(handlers.Routes{
		Middleware:     mw,
		TokenLimiter:   tokenLimiter,
		ProxyLimiter:   proxyLimiter,
		Tokens:         handlers.NewTokenHandler(issuer, mw, cfg.IsProduction(), auditSink, logger),
		Proxy:          handlers.NewProxyHandler(relay, tracker, maxEnvelope, auditSink, logger),
		Parser:         issuer,
		Compat:         checker,
		Health:         healthChecker.Handler(),
		RequestTimeout: cfg.UpstreamTimeout + 30*time.Second,
	})

	// Background maintenance
	sched := scheduler.New(logger)
	sched.Every("ratelimit_sweep", 5*time.Minute, func(context.Context) {
		removed := tokenLimiter.Sweep() + proxyLimiter.Sweep()
		if removed > 0 {
			log.WithField("removed", removed).Debug("Swept rate limit entries")
		}
	})
	sched.Every("vault_maintenance", time.Minute, func(context.Context) {
		report := keys.Maintain()
		if report.UsageTrimmed+report.AuditTrimmed > 0 {
			log.WithFields(logrus.Fields{
				"usage_trimmed": report.UsageTrimmed,
				"audit_trimmed": report.AuditTrimmed,
			}).Debug("Trimmed vault logs")
		}
		if report.Retired+report.Expired+report.Reactivated+report.RotationDue+report.Purged > 0 {
			log.WithFields(logrus.Fields{
				"retired":      report.Retired,
				"expired":      report.Expired,
				"reactivated":  report.Reactivated,
				"rotation_due": report.RotationDue,
				"purged":       report.Purged,
			}).Info("Vault maintenance")
		}
	})
	sched.Every("session_sweep", time.Minute, func(context.Context) {
		tracker.Sweep(sessionGrace)
	})
	if memStore != nil {
		sched.Every("cache_sweep", time.Minute, func(context.Context) {
			memStore.Sweep()
		})
	}
	if pgSink != nil {
		sched.Every("audit_purge", time.Hour, func(ctx context.Context) {
			n, err := pgSink.Purge(ctx, vaultCfg.AuditRetention)
			if err != nil {
				log.WithError(err).Warn("Audit purge failed")
				return
			}
			if n > 0 {
				log.WithField("rows", n).Info("Purged audit rows")
			}
		})
	}
	sched.Start(ctx)

	// Warm the compatibility report so the first token request does not pay for the probe.
	go checker.Report(ctx)

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + 60*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.WithField("addr", srv.Addr).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown error")
	}

	cancel()
	sched.Wait()
	if pgSink != nil {
		pgSink.Flush()
	}

	log.Info("Server stopped")
}
