// Package matcher implements the session matcher (spec.md §4.2):
// content-addressed fingerprinting of a conversation, head/exact lookup,
// session creation with max-per-user eviction, and provider migration.
// No directly equivalent teacher component exists for content
// fingerprinting; the package is new domain logic, built in the teacher's
// general idiom of a small stateless service wrapping a repository
// (compare internal/routing.ModelRouter's read-through-a-repository
// shape), using crypto/md5 and google/uuid as the pack's id-generation
// convention.
package matcher

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/domain"
	"github.com/google/uuid"
)

// fingerprintWindow is the number of leading/trailing user messages
// folded into the head/tail hash (§4.2: "first min(5, n)").
const fingerprintWindow = 5

// SessionStore is the narrow repository surface the matcher drives.
type SessionStore interface {
	FindExact(ctx context.Context, userID, headHash, tailHash string) (*domain.Session, error)
	FindHead(ctx context.Context, userID, headHash string) (*domain.Session, error)
	UpdateTailHash(ctx context.Context, id, tailHash string) error
	CountActiveForUser(ctx context.Context, userID string) (int, error)
	DeleteOldestActiveForUser(ctx context.Context, userID string) error
	Insert(ctx context.Context, s *domain.Session) error
	SetUpstreamSessionID(ctx context.Context, id, upstreamSessionID string) error
	RecordMessage(ctx context.Context, id string, ttl time.Duration) error
	MarkMigrated(ctx context.Context, id string) error
}

// MatchKind reports which lookup step satisfied matchOrCreate.
type MatchKind string

const (
	MatchExact   MatchKind = "exact"
	MatchHead    MatchKind = "head"
	MatchCreated MatchKind = "created"
)

// Message is the minimal shape the matcher needs from a conversation
// turn — role and concatenated text.
type Message struct {
	Role string
	Text string
}

// Config holds the matcher's tunables.
type Config struct {
	SessionTTL         time.Duration
	MaxSessionsPerUser int
}

// Matcher identifies whether an incoming conversation continues a known
// session.
type Matcher struct {
	store SessionStore
	cfg   Config
}

// New constructs a Matcher.
func New(store SessionStore, cfg Config) *Matcher {
	return &Matcher{store: store, cfg: cfg}
}

// Fingerprint computes the head/tail hash pair for a conversation (§4.2).
// When there are no user messages, both hashes are derived from a fresh
// random string, guaranteeing a cache miss.
func Fingerprint(messages []Message) (headHash, tailHash string) {
	userTexts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == "user" {
			userTexts = append(userTexts, m.Text)
		}
	}

	if len(userTexts) == 0 {
		randomSeed := randomHex(16)
		return md5Hex(randomSeed), md5Hex(randomSeed + "-tail")
	}

	headCount := min(fingerprintWindow, len(userTexts))
	tailCount := min(fingerprintWindow, len(userTexts))

	headText := strings.Join(userTexts[:headCount], "|||")
	tailText := strings.Join(userTexts[len(userTexts)-tailCount:], "|||")

	return md5Hex(headText), md5Hex(tailText)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MatchOrCreate runs the lookup order in §4.2 and creates a new session
// on a total miss, evicting the oldest active session if the user is at
// the max-sessions cap.
func (m *Matcher) MatchOrCreate(ctx context.Context, userID, providerID string, messages []Message) (*domain.Session, MatchKind, error) {
	headHash, tailHash := Fingerprint(messages)

	if s, err := m.store.FindExact(ctx, userID, headHash, tailHash); err != nil {
		return nil, "", fmt.Errorf("find exact: %w", err)
	} else if s != nil {
		return s, MatchExact, nil
	}

	if s, err := m.store.FindHead(ctx, userID, headHash); err != nil {
		return nil, "", fmt.Errorf("find head: %w", err)
	} else if s != nil {
		if err := m.store.UpdateTailHash(ctx, s.ID, tailHash); err != nil {
			return nil, "", fmt.Errorf("update tail hash: %w", err)
		}
		s.TailHash = tailHash
		return s, MatchHead, nil
	}

	count, err := m.store.CountActiveForUser(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("count active sessions: %w", err)
	}
	if count >= m.cfg.MaxSessionsPerUser {
		if err := m.store.DeleteOldestActiveForUser(ctx, userID); err != nil {
			return nil, "", fmt.Errorf("evict oldest session: %w", err)
		}
	}

	now := time.Now()
	session := &domain.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ProviderID:     providerID,
		HeadHash:       headHash,
		TailHash:       tailHash,
		MessageCount:   0,
		Status:         domain.SessionActive,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
		LastAccessedAt: now,
	}
	if err := m.store.Insert(ctx, session); err != nil {
		return nil, "", fmt.Errorf("insert session: %w", err)
	}
	return session, MatchCreated, nil
}

// BindUpstreamSession fills the upstream session id after the first
// successful round trip. No-op if already set.
func (m *Matcher) BindUpstreamSession(ctx context.Context, sessionID, upstreamSessionID string) error {
	return m.store.SetUpstreamSessionID(ctx, sessionID, upstreamSessionID)
}

// RecordMessage increments message_count and extends expiry on a
// successful exchange.
func (m *Matcher) RecordMessage(ctx context.Context, sessionID string) error {
	return m.store.RecordMessage(ctx, sessionID, m.cfg.SessionTTL)
}

// Migrate marks the existing session migrated and creates a new active
// session bound to the new provider, with the same fingerprints but no
// carried-over upstream session id (upstream sessions are provider-scoped).
func (m *Matcher) Migrate(ctx context.Context, existing *domain.Session, newProviderID string) (*domain.Session, error) {
	if err := m.store.MarkMigrated(ctx, existing.ID); err != nil {
		return nil, fmt.Errorf("mark migrated: %w", err)
	}

	now := time.Now()
	next := &domain.Session{
		ID:             uuid.NewString(),
		UserID:         existing.UserID,
		ProviderID:     newProviderID,
		HeadHash:       existing.HeadHash,
		TailHash:       existing.TailHash,
		MessageCount:   existing.MessageCount,
		Status:         domain.SessionActive,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
		LastAccessedAt: now,
	}
	if err := m.store.Insert(ctx, next); err != nil {
		return nil, fmt.Errorf("insert migrated session: %w", err)
	}
	return next, nil
}
