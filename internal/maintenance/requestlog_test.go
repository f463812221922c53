package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/domain"
	"github.com/eternisai/enchanted-proxy/internal/logger"
	"github.com/stretchr/testify/require"
)

type fakeLogStore struct {
	mu       sync.Mutex
	inserted []*domain.RequestLog
	pruned   time.Duration
	failNext bool
}

func (f *fakeLogStore) Insert(ctx context.Context, l *domain.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return context.DeadlineExceeded
	}
	f.inserted = append(f.inserted, l)
	return nil
}

func (f *fakeLogStore) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = retention
	return 3, nil
}

func (f *fakeLogStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRequestLogServiceEnqueueAndDrain(t *testing.T) {
	store := &fakeLogStore{}
	svc := NewRequestLogService(store, 2, 10, time.Second, testLogger())

	svc.Enqueue(&domain.RequestLog{ID: "r1", UserID: "u1"})
	svc.Enqueue(&domain.RequestLog{ID: "r2", UserID: "u1"})

	waitFor(t, func() bool { return store.count() == 2 })
	require.Equal(t, int64(0), svc.DroppedCount())

	svc.Shutdown()
}

func TestRequestLogServiceDropsWhenQueueFull(t *testing.T) {
	store := &fakeLogStore{}
	svc := NewRequestLogService(store, 0, 0, time.Second, testLogger())
	// workers=0 coerced to 1, bufferSize=0 means the channel has no slack;
	// fire enough enqueues fast enough that at least one finds it full.
	for i := 0; i < 50; i++ {
		svc.Enqueue(&domain.RequestLog{ID: "r", UserID: "u1"})
	}
	svc.Shutdown()

	require.Greater(t, svc.DroppedCount(), int64(0))
}

func TestRequestLogServiceDropsAfterShutdown(t *testing.T) {
	store := &fakeLogStore{}
	svc := NewRequestLogService(store, 1, 10, time.Second, testLogger())
	svc.Shutdown()

	svc.Enqueue(&domain.RequestLog{ID: "late", UserID: "u1"})
	require.Equal(t, int64(1), svc.DroppedCount())
}

func TestRequestLogServicePruneLogs(t *testing.T) {
	store := &fakeLogStore{}
	svc := NewRequestLogService(store, 1, 10, time.Second, testLogger())
	defer svc.Shutdown()

	n, err := svc.PruneLogs(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.Equal(t, 48*time.Hour, store.pruned)
}
