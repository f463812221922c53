package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/cipher"
	"github.com/eternisai/enchanted-proxy/internal/config"
	"github.com/eternisai/enchanted-proxy/internal/executor"
	"github.com/eternisai/enchanted-proxy/internal/logger"
	"github.com/eternisai/enchanted-proxy/internal/maintenance"
	"github.com/eternisai/enchanted-proxy/internal/matcher"
	"github.com/eternisai/enchanted-proxy/internal/publicapi"
	"github.com/eternisai/enchanted-proxy/internal/scheduler"
	"github.com/eternisai/enchanted-proxy/internal/storage/pg"
	"github.com/eternisai/enchanted-proxy/internal/upstream"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting gateway", slog.String("port", cfg.Port), slog.String("gin_mode", cfg.GinMode))

	db, err := pg.InitDatabase(cfg)
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ciphers, err := cipher.NewService(cfg.CryptoSecretKey, cfg.StrictDecrypt)
	if err != nil {
		log.Error("failed to initialize cipher service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	aliases, err := config.LoadModelAliasConfig(cfg.ModelAliasFilePath)
	if err != nil {
		log.Error("failed to load model alias config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sched := scheduler.New(db.Providers, scheduler.Config{
		HealthThreshold:  cfg.ProviderHealthThreshold,
		FailureThreshold: cfg.ProviderFailureThreshold,
		Cooldown:         cfg.ProviderCooldown,
		CandidateLimit:   cfg.SchedulerCandidateLimit,
		MaxRetries:       cfg.MaxRetries,
	}, log)

	m := matcher.New(db.Sessions, matcher.Config{
		SessionTTL:         cfg.SessionTTL,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
	})

	clients := upstream.NewCache(cfg.UpstreamClientCacheTTL, upstream.Config{
		BaseURL:       cfg.UpstreamBaseURL,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		RefreshSkew:   cfg.UpstreamTokenRefreshSkew,
		TokenTTL:      cfg.UpstreamTokenTTL,
		UnaryTimeout:  cfg.UpstreamUnaryTimeout,
		StreamTimeout: cfg.UpstreamStreamTimeout,
	}, log)

	logService := maintenance.NewRequestLogService(db.RequestLogs, cfg.RequestLogWorkerPoolSize, cfg.RequestLogBufferSize, 10*time.Second, log)

	exec := executor.New(sched, m, clients, ciphers, aliases, logService, executor.Config{
		MediaGracePeriod: cfg.MediaGracePeriod,
	}, log)

	loop := maintenance.New(db.Sessions, sched, db.APIKeys, logService, maintenance.Config{
		SessionCleanupInterval:   cfg.SessionCleanupInterval,
		ProviderRecoveryInterval: cfg.ProviderRecoveryInterval,
		RequestLogRetention:      cfg.RequestLogRetention,
		LogPruneSchedule:         "0 3 * * *",
		DailyResetSchedule:       "0 0 * * *",
	}, log)
	if err := loop.Start(); err != nil {
		log.Error("failed to start maintenance loop", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handlers := publicapi.NewHandlers(exec, aliases, log)
	router := publicapi.NewRouter(handlers, cfg, log)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("gateway listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down gateway")

	loop.Stop()
	logService.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
	}

	log.Info("gateway stopped")
}
