// Package scheduler implements the provider pool and scheduler (spec.md
// §4.3): health scoring, load accounting, the cooldown state machine,
// weighted selection, and retry-with-substitution. Grounded on the
// teacher's internal/routing.ModelRouter (round-robin selection over an
// atomically-swapped routing table) and internal/fallback.FallbackService
// (hysteresis-driven state transitions over a pool of endpoints) — here
// narrowed to the spec's self-contained health_score/consecutive_failures
// model, with no external Prometheus dependency for the core decision.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/apierrors"
	"github.com/eternisai/enchanted-proxy/internal/domain"
	"github.com/eternisai/enchanted-proxy/internal/logger"
	"github.com/eternisai/enchanted-proxy/internal/metrics"
)

// ProviderStore is the narrow repository surface the scheduler drives.
// Matching this against *pg.ProviderRepository keeps the scheduler
// testable with an in-memory fake.
type ProviderStore interface {
	SelectCandidatesExcluding(ctx context.Context, healthThreshold int, groupID *string, limit int, exclude []string) ([]*domain.Provider, error)
	IncrementLoad(ctx context.Context, id string) error
	DecrementLoad(ctx context.Context, id string) error
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, failureThreshold int, cooldown time.Duration) error
	RecoverCooling(ctx context.Context) (int64, error)
	GetByID(ctx context.Context, id string) (*domain.Provider, error)
}

// Config holds the scheduler's tunables, sourced from internal/config.
type Config struct {
	HealthThreshold  int
	FailureThreshold int
	Cooldown         time.Duration
	CandidateLimit   int
	MaxRetries       int
}

// Scheduler selects providers, tracks load, and reacts to outcomes.
type Scheduler struct {
	store  ProviderStore
	cfg    Config
	log    *logger.Logger
	random *rand.Rand
}

// New constructs a Scheduler.
func New(store ProviderStore, cfg Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		log:    log,
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire selects a provider, excluding any ids in exclude, and
// atomically increments its load. Callers must call Release exactly once
// for every successful Acquire, on every path (§8 invariant).
func (s *Scheduler) Acquire(ctx context.Context, groupID *string, exclude []string) (*domain.Provider, error) {
	candidates, err := s.store.SelectCandidatesExcluding(ctx, s.cfg.HealthThreshold, groupID, s.cfg.CandidateLimit, exclude)
	if err != nil {
		return nil, apierrors.New(apierrors.KindInternal, "failed to query provider candidates", err)
	}
	if len(candidates) == 0 {
		metrics.ProviderAcquisitions.WithLabelValues("no_available").Inc()
		return nil, apierrors.New(apierrors.KindNoAvailableProvider, "no available provider", nil)
	}
	for _, p := range candidates {
		metrics.ProviderHealthScore.WithLabelValues(p.ID).Set(float64(p.HealthScore))
	}

	chosen := weightedChoice(candidates, s.random)

	if err := s.store.IncrementLoad(ctx, chosen.ID); err != nil {
		// Lost the race for capacity; caller may retry acquisition.
		metrics.ProviderAcquisitions.WithLabelValues("no_available").Inc()
		return nil, apierrors.New(apierrors.KindNoAvailableProvider, "provider capacity exhausted", err)
	}
	chosen.CurrentLoad++
	metrics.ProviderAcquisitions.WithLabelValues("success").Inc()
	return chosen, nil
}

// weightedChoice implements §4.3's weighted random choice: weight =
// health_score * (1 - load/max_concurrent); if total weight is 0, return
// the first candidate (already ranked best by the selection query).
func weightedChoice(candidates []*domain.Provider, random *rand.Rand) *domain.Provider {
	weights := make([]float64, len(candidates))
	var total float64
	for i, p := range candidates {
		loadRatio := 0.0
		if p.MaxConcurrent > 0 {
			loadRatio = float64(p.CurrentLoad) / float64(p.MaxConcurrent)
		}
		w := float64(p.HealthScore) * (1 - loadRatio)
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}

	r := random.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// Release decrements load, saturating at 0.
func (s *Scheduler) Release(ctx context.Context, providerID string) error {
	return s.store.DecrementLoad(ctx, providerID)
}

// RecordSuccess applies the success outcome transition.
func (s *Scheduler) RecordSuccess(ctx context.Context, providerID string) error {
	return s.store.RecordSuccess(ctx, providerID)
}

// RecordFailure applies the failure outcome transition, including the
// cooling/failed status derivation.
func (s *Scheduler) RecordFailure(ctx context.Context, providerID string) error {
	return s.store.RecordFailure(ctx, providerID, s.cfg.FailureThreshold, s.cfg.Cooldown)
}

// RunRecoveryLoopOnce executes one cooling→active recovery tick (§4.3).
// The periodic invocation lives in internal/maintenance.
func (s *Scheduler) RunRecoveryLoopOnce(ctx context.Context) (int64, error) {
	return s.store.RecoverCooling(ctx)
}

// Operation is a unit of work the retry loop runs against an acquired
// provider.
type Operation func(ctx context.Context, provider *domain.Provider) error

// WithRetry runs op against an acquired provider, substituting a
// different provider on recoverable failure up to MaxRetries attempts
// (§4.3 retry with substitution). Release is called for every acquire,
// including failed attempts. The last error is surfaced on exhaustion.
func (s *Scheduler) WithRetry(ctx context.Context, groupID *string, op Operation) (*domain.Provider, error) {
	var exclude []string
	var lastErr error

	attempts := s.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		provider, err := s.Acquire(ctx, groupID, exclude)
		if err != nil {
			return nil, err
		}

		opErr := op(ctx, provider)
		if opErr == nil {
			if releaseErr := s.Release(ctx, provider.ID); releaseErr != nil {
				s.log.Error("failed to release provider after success", "provider_id", provider.ID, "error", releaseErr)
			}
			if succErr := s.RecordSuccess(ctx, provider.ID); succErr != nil {
				s.log.Error("failed to record success", "provider_id", provider.ID, "error", succErr)
			}
			return provider, nil
		}

		if releaseErr := s.Release(ctx, provider.ID); releaseErr != nil {
			s.log.Error("failed to release provider after failure", "provider_id", provider.ID, "error", releaseErr)
		}
		if failErr := s.RecordFailure(ctx, provider.ID); failErr != nil {
			s.log.Error("failed to record failure", "provider_id", provider.ID, "error", failErr)
		}

		lastErr = opErr
		exclude = append(exclude, provider.ID)

		var apiErr *apierrors.Error
		if !asAPIError(opErr, &apiErr) || !apiErr.Recoverable() {
			return nil, opErr
		}
		if attempt+1 < attempts {
			metrics.ProviderAcquisitions.WithLabelValues("retry").Inc()
		}
	}

	return nil, lastErr
}

func asAPIError(err error, target **apierrors.Error) bool {
	if e, ok := err.(*apierrors.Error); ok {
		*target = e
		return true
	}
	return false
}
