package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/logger"
	"github.com/robfig/cron/v3"
)

// SessionStore is the narrow surface the expiry sweep drives.
type SessionStore interface {
	DeleteExpiredOrTerminal(ctx context.Context) (int64, error)
}

// ProviderRecoverer is the narrow surface the cooling→active tick drives.
type ProviderRecoverer interface {
	RunRecoveryLoopOnce(ctx context.Context) (int64, error)
}

// APIKeyStore is the narrow surface the daily usage reset drives.
type APIKeyStore interface {
	ResetDailyUsage(ctx context.Context) (int64, error)
}

// Config holds the loop's tunables, sourced from internal/config.
type Config struct {
	SessionCleanupInterval   time.Duration
	ProviderRecoveryInterval time.Duration
	RequestLogRetention      time.Duration
	// LogPruneSchedule and DailyResetSchedule are standard 5-field cron
	// expressions (robfig/cron/v3), evaluated in the process's local time.
	LogPruneSchedule   string
	DailyResetSchedule string
}

// Loop drives the gateway's periodic maintenance work (§4.5): a
// minute-scale ticker pair for session expiry and provider recovery
// (teacher idiom, e.g. internal/fallback's ticker-driven health poll),
// plus a cron schedule for the two daily tasks.
type Loop struct {
	sessions  SessionStore
	providers ProviderRecoverer
	apiKeys   APIKeyStore
	logs      *RequestLogService
	cfg       Config
	log       *logger.Logger

	cron *cron.Cron

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Loop. Call Start to begin running it, Stop to halt.
func New(sessions SessionStore, providers ProviderRecoverer, apiKeys APIKeyStore, logs *RequestLogService, cfg Config, log *logger.Logger) *Loop {
	return &Loop{
		sessions:  sessions,
		providers: providers,
		apiKeys:   apiKeys,
		logs:      logs,
		cfg:       cfg,
		log:       log,
		cron:      cron.New(),
		stop:      make(chan struct{}),
	}
}

// Start launches the ticker goroutines and the cron scheduler. It
// returns once both are running; call Stop for a graceful shutdown.
func (l *Loop) Start() error {
	if _, err := l.cron.AddFunc(l.cfg.LogPruneSchedule, l.pruneLogs); err != nil {
		return err
	}
	if _, err := l.cron.AddFunc(l.cfg.DailyResetSchedule, l.resetDailyUsage); err != nil {
		return err
	}
	l.cron.Start()

	l.wg.Add(2)
	go l.runTicker(l.cfg.SessionCleanupInterval, l.sweepSessions)
	go l.runTicker(l.cfg.ProviderRecoveryInterval, l.recoverProviders)

	return nil
}

// Stop halts the ticker goroutines and the cron scheduler, waiting for
// any in-flight tick to finish.
func (l *Loop) Stop() {
	close(l.stop)
	ctx := l.cron.Stop()
	<-ctx.Done()
	l.wg.Wait()
}

func (l *Loop) runTicker(interval time.Duration, tick func()) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-l.stop:
			return
		}
	}
}

func (l *Loop) sweepSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := l.sessions.DeleteExpiredOrTerminal(ctx)
	if err != nil {
		l.log.Error("session expiry sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		l.log.Info("session expiry sweep complete", slog.Int64("deleted", n))
	}
}

func (l *Loop) recoverProviders() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := l.providers.RunRecoveryLoopOnce(ctx)
	if err != nil {
		l.log.Error("provider recovery tick failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		l.log.Info("provider recovery tick complete", slog.Int64("recovered", n))
	}
}

func (l *Loop) pruneLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := l.logs.PruneLogs(ctx, l.cfg.RequestLogRetention)
	if err != nil {
		l.log.Error("request log prune failed", slog.String("error", err.Error()))
		return
	}
	l.log.Info("request log prune complete", slog.Int64("deleted", n))
}

func (l *Loop) resetDailyUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := l.apiKeys.ResetDailyUsage(ctx)
	if err != nil {
		l.log.Error("daily API key usage reset failed", slog.String("error", err.Error()))
		return
	}
	l.log.Info("daily API key usage reset complete", slog.Int64("keys_reset", n))
}
