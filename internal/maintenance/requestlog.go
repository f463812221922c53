// Package maintenance implements the gateway's background loop (spec.md
// §4.5): the async request-log sink and the periodic session-expiry,
// provider-recovery, log-pruning, and API-key-reset tasks. Grounded on
// the teacher's internal/request_tracking.Service (channel + worker pool
// + graceful drain) and internal/fallback's ticker-driven recovery loop.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/domain"
	"github.com/eternisai/enchanted-proxy/internal/logger"
)

// LogStore is the narrow repository surface the request-log worker pool
// writes to.
type LogStore interface {
	Insert(ctx context.Context, l *domain.RequestLog) error
	PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// RequestLogService is an async, best-effort sink for request logs: a
// failed or dropped write never fails the request it describes (§4.5).
// Satisfies executor.RequestLogWriter.
type RequestLogService struct {
	store   LogStore
	logChan chan *domain.RequestLog

	workerPool sync.WaitGroup
	shutdown   chan struct{}
	closed     atomic.Bool

	droppedTotal  atomic.Int64
	insertTimeout time.Duration

	log *logger.Logger
}

// NewRequestLogService spins up a fixed worker pool reading off a
// buffered channel.
func NewRequestLogService(store LogStore, workers, bufferSize int, insertTimeout time.Duration, log *logger.Logger) *RequestLogService {
	if workers < 1 {
		workers = 1
	}
	s := &RequestLogService{
		store:         store,
		logChan:       make(chan *domain.RequestLog, bufferSize),
		shutdown:      make(chan struct{}),
		insertTimeout: insertTimeout,
		log:           log,
	}
	for i := 0; i < workers; i++ {
		s.workerPool.Add(1)
		go s.logWorker()
	}
	return s
}

func (s *RequestLogService) logWorker() {
	defer s.workerPool.Done()
	for {
		select {
		case l := <-s.logChan:
			s.write(l)
		case <-s.shutdown:
			for {
				select {
				case l := <-s.logChan:
					s.write(l)
				default:
					return
				}
			}
		}
	}
}

func (s *RequestLogService) write(l *domain.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), s.insertTimeout)
	defer cancel()
	if err := s.store.Insert(ctx, l); err != nil {
		s.log.Error("failed to insert request log", slog.String("user_id", l.UserID), slog.String("error", err.Error()))
	}
}

// Enqueue queues a log for async persistence, never blocking the caller.
// A full queue or a closed service drops the entry and bumps the
// dropped-request counter rather than propagating an error — per §4.5,
// logging failures never fail the request they describe.
func (s *RequestLogService) Enqueue(l *domain.RequestLog) {
	if s.closed.Load() {
		s.droppedTotal.Add(1)
		return
	}
	select {
	case s.logChan <- l:
	default:
		dropped := s.droppedTotal.Add(1)
		s.log.Error("request log queue full, dropping entry",
			slog.String("user_id", l.UserID),
			slog.Int64("total_dropped", dropped))
	}
}

// DroppedCount reports the number of log entries dropped due to a full
// queue or a closed service, for diagnostics/metrics.
func (s *RequestLogService) DroppedCount() int64 {
	return s.droppedTotal.Load()
}

// Shutdown drains the queue and waits for every worker to finish before
// returning.
func (s *RequestLogService) Shutdown() {
	s.closed.Store(true)
	close(s.shutdown)
	s.workerPool.Wait()
	close(s.logChan)
}

// PruneLogs deletes request log rows older than retention, the daily
// 03:00 task (§4.5).
func (s *RequestLogService) PruneLogs(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.PruneOlderThan(ctx, retention)
}
