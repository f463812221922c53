package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/apierrors"
	"github.com/eternisai/enchanted-proxy/internal/domain"
	"github.com/eternisai/enchanted-proxy/internal/logger"
)

type fakeStore struct {
	providers map[string]*domain.Provider
	failureThreshold int
}

func newFakeStore(providers ...*domain.Provider) *fakeStore {
	m := make(map[string]*domain.Provider, len(providers))
	for _, p := range providers {
		m[p.ID] = p
	}
	return &fakeStore{providers: m}
}

func (f *fakeStore) SelectCandidatesExcluding(ctx context.Context, healthThreshold int, groupID *string, limit int, exclude []string) ([]*domain.Provider, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	var out []*domain.Provider
	for _, p := range f.providers {
		if p.Status != domain.ProviderActive || p.HealthScore < healthThreshold || p.CurrentLoad >= p.MaxConcurrent || excluded[p.ID] {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) IncrementLoad(ctx context.Context, id string) error {
	p := f.providers[id]
	if p.CurrentLoad >= p.MaxConcurrent {
		return apierrors.New(apierrors.KindNoAvailableProvider, "at capacity", nil)
	}
	p.CurrentLoad++
	return nil
}

func (f *fakeStore) DecrementLoad(ctx context.Context, id string) error {
	p := f.providers[id]
	if p.CurrentLoad > 0 {
		p.CurrentLoad--
	}
	return nil
}

func (f *fakeStore) RecordSuccess(ctx context.Context, id string) error {
	p := f.providers[id]
	p.ConsecutiveFailures = 0
	if p.HealthScore < 100 {
		p.HealthScore++
	}
	p.TotalRequests++
	return nil
}

func (f *fakeStore) RecordFailure(ctx context.Context, id string, failureThreshold int, cooldown time.Duration) error {
	p := f.providers[id]
	p.ConsecutiveFailures++
	p.HealthScore -= 10
	if p.HealthScore < 0 {
		p.HealthScore = 0
	}
	p.FailedRequests++
	p.TotalRequests++
	if p.ConsecutiveFailures >= failureThreshold*2 {
		p.Status = domain.ProviderFailed
	} else if p.ConsecutiveFailures >= failureThreshold {
		p.Status = domain.ProviderCooling
		until := time.Now().Add(cooldown)
		p.CooldownUntil = &until
	}
	return nil
}

func (f *fakeStore) RecoverCooling(ctx context.Context) (int64, error) {
	var n int64
	for _, p := range f.providers {
		if p.Status == domain.ProviderCooling && p.CooldownUntil != nil && !p.CooldownUntil.After(time.Now()) {
			p.Status = domain.ProviderActive
			p.ConsecutiveFailures = 0
			p.HealthScore = 50
			p.CooldownUntil = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (*domain.Provider, error) {
	return f.providers[id], nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func testConfig() Config {
	return Config{HealthThreshold: 50, FailureThreshold: 5, Cooldown: 5 * time.Minute, CandidateLimit: 20, MaxRetries: 3}
}

func TestAcquireSelectsAndIncrementsLoad(t *testing.T) {
	p1 := &domain.Provider{ID: "p1", Status: domain.ProviderActive, HealthScore: 100, MaxConcurrent: 10}
	store := newFakeStore(p1)
	sched := New(store, testConfig(), testLogger())

	got, err := sched.Acquire(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.ID != "p1" {
		t.Fatalf("expected p1, got %s", got.ID)
	}
	if store.providers["p1"].CurrentLoad != 1 {
		t.Fatalf("expected load 1, got %d", store.providers["p1"].CurrentLoad)
	}
}

func TestAcquireExcludesFullProvider(t *testing.T) {
	p1 := &domain.Provider{ID: "p1", Status: domain.ProviderActive, HealthScore: 100, MaxConcurrent: 1, CurrentLoad: 1}
	store := newFakeStore(p1)
	sched := New(store, testConfig(), testLogger())

	_, err := sched.Acquire(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected NoAvailableProvider when load == max_concurrent")
	}
	apiErr, ok := err.(*apierrors.Error)
	if !ok || apiErr.Kind != apierrors.KindNoAvailableProvider {
		t.Fatalf("expected NoAvailableProvider, got %v", err)
	}
}

// Scenario 4: failure cooling transition.
func TestRecordFailureTransitionsToCooling(t *testing.T) {
	p := &domain.Provider{ID: "p1", Status: domain.ProviderActive, HealthScore: 60, ConsecutiveFailures: 4, MaxConcurrent: 10}
	store := newFakeStore(p)
	sched := New(store, testConfig(), testLogger())

	if err := sched.RecordFailure(context.Background(), "p1"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	if p.ConsecutiveFailures != 5 {
		t.Errorf("expected consecutive_failures=5, got %d", p.ConsecutiveFailures)
	}
	if p.Status != domain.ProviderCooling {
		t.Errorf("expected status=cooling, got %s", p.Status)
	}
	if p.CooldownUntil == nil || !p.CooldownUntil.After(time.Now()) {
		t.Errorf("expected cooldown_until in the future")
	}
	if p.HealthScore != 50 {
		t.Errorf("expected health_score=50, got %d", p.HealthScore)
	}
}

// Scenario 5: recovery.
func TestRecoverCoolingTransitionsToActive(t *testing.T) {
	past := time.Now().Add(-1 * time.Second)
	p := &domain.Provider{ID: "p1", Status: domain.ProviderCooling, CooldownUntil: &past, ConsecutiveFailures: 5, HealthScore: 10, MaxConcurrent: 10}
	store := newFakeStore(p)
	sched := New(store, testConfig(), testLogger())

	n, err := sched.RunRecoveryLoopOnce(context.Background())
	if err != nil {
		t.Fatalf("RunRecoveryLoopOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered provider, got %d", n)
	}
	if p.Status != domain.ProviderActive || p.HealthScore != 50 || p.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected post-recovery state: %+v", p)
	}
}

func TestWithRetrySubstitutesOnRecoverableFailure(t *testing.T) {
	p1 := &domain.Provider{ID: "p1", Status: domain.ProviderActive, HealthScore: 100, MaxConcurrent: 10}
	p2 := &domain.Provider{ID: "p2", Status: domain.ProviderActive, HealthScore: 100, MaxConcurrent: 10}
	store := newFakeStore(p1, p2)
	sched := New(store, testConfig(), testLogger())

	tried := map[string]bool{}
	_, err := sched.WithRetry(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		tried[p.ID] = true
		if p.ID == "p1" {
			return apierrors.New(apierrors.KindUpstreamTransport, "boom", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if !tried["p1"] || !tried["p2"] {
		t.Fatalf("expected both providers tried, got %+v", tried)
	}
	if store.providers["p1"].CurrentLoad != 0 || store.providers["p2"].CurrentLoad != 0 {
		t.Fatalf("expected every acquire released: p1=%d p2=%d", store.providers["p1"].CurrentLoad, store.providers["p2"].CurrentLoad)
	}
}

func TestWithRetryFailsFastOnNonRecoverable(t *testing.T) {
	p1 := &domain.Provider{ID: "p1", Status: domain.ProviderActive, HealthScore: 100, MaxConcurrent: 10}
	store := newFakeStore(p1)
	sched := New(store, testConfig(), testLogger())

	calls := 0
	_, err := sched.WithRetry(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		calls++
		return apierrors.New(apierrors.KindInvalidRequest, "bad request", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for non-recoverable error, got %d", calls)
	}
}
