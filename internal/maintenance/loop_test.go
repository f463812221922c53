package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSessionStore struct{ calls atomic.Int64 }

func (f *fakeSessionStore) DeleteExpiredOrTerminal(ctx context.Context) (int64, error) {
	f.calls.Add(1)
	return 1, nil
}

type fakeRecoverer struct{ calls atomic.Int64 }

func (f *fakeRecoverer) RunRecoveryLoopOnce(ctx context.Context) (int64, error) {
	f.calls.Add(1)
	return 1, nil
}

type fakeAPIKeyStore struct{ calls atomic.Int64 }

func (f *fakeAPIKeyStore) ResetDailyUsage(ctx context.Context) (int64, error) {
	f.calls.Add(1)
	return 5, nil
}

func TestLoopRunsTickersOnInterval(t *testing.T) {
	sessions := &fakeSessionStore{}
	providers := &fakeRecoverer{}
	apiKeys := &fakeAPIKeyStore{}
	logs := NewRequestLogService(&fakeLogStore{}, 1, 10, time.Second, testLogger())
	defer logs.Shutdown()

	l := New(sessions, providers, apiKeys, logs, Config{
		SessionCleanupInterval:   10 * time.Millisecond,
		ProviderRecoveryInterval: 10 * time.Millisecond,
		RequestLogRetention:      time.Hour,
		LogPruneSchedule:         "0 3 * * *",
		DailyResetSchedule:       "0 0 * * *",
	}, testLogger())

	require.NoError(t, l.Start())
	defer l.Stop()

	waitFor(t, func() bool { return sessions.calls.Load() > 0 })
	waitFor(t, func() bool { return providers.calls.Load() > 0 })
}

func TestLoopStopHaltsTickers(t *testing.T) {
	sessions := &fakeSessionStore{}
	providers := &fakeRecoverer{}
	apiKeys := &fakeAPIKeyStore{}
	logs := NewRequestLogService(&fakeLogStore{}, 1, 10, time.Second, testLogger())
	defer logs.Shutdown()

	l := New(sessions, providers, apiKeys, logs, Config{
		SessionCleanupInterval:   5 * time.Millisecond,
		ProviderRecoveryInterval: 5 * time.Millisecond,
		RequestLogRetention:      time.Hour,
		LogPruneSchedule:         "0 3 * * *",
		DailyResetSchedule:       "0 0 * * *",
	}, testLogger())

	require.NoError(t, l.Start())
	waitFor(t, func() bool { return sessions.calls.Load() > 0 })
	l.Stop()

	countAtStop := sessions.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, countAtStop, sessions.calls.Load())
}

func TestLoopRejectsInvalidCronSchedule(t *testing.T) {
	sessions := &fakeSessionStore{}
	providers := &fakeRecoverer{}
	apiKeys := &fakeAPIKeyStore{}
	logs := NewRequestLogService(&fakeLogStore{}, 1, 10, time.Second, testLogger())
	defer logs.Shutdown()

	l := New(sessions, providers, apiKeys, logs, Config{
		SessionCleanupInterval:   time.Second,
		ProviderRecoveryInterval: time.Second,
		RequestLogRetention:      time.Hour,
		LogPruneSchedule:         "not-a-schedule",
		DailyResetSchedule:       "0 0 * * *",
	}, testLogger())

	require.Error(t, l.Start())
}
