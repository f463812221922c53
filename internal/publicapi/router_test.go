package publicapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/cipher"
	"github.com/eternisai/enchanted-proxy/internal/config"
	"github.com/eternisai/enchanted-proxy/internal/domain"
	"github.com/eternisai/enchanted-proxy/internal/executor"
	"github.com/eternisai/enchanted-proxy/internal/logger"
	"github.com/eternisai/enchanted-proxy/internal/matcher"
	"github.com/eternisai/enchanted-proxy/internal/scheduler"
	"github.com/eternisai/enchanted-proxy/internal/upstream"
)

type fakeProviderStore struct {
	providers map[string]*domain.Provider
}

func (f *fakeProviderStore) SelectCandidatesExcluding(ctx context.Context, healthThreshold int, groupID *string, limit int, exclude []string) ([]*domain.Provider, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	var out []*domain.Provider
	for _, p := range f.providers {
		if p.Status == domain.ProviderActive && p.HealthScore >= healthThreshold && p.CurrentLoad < p.MaxConcurrent && !excluded[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakeProviderStore) IncrementLoad(ctx context.Context, id string) error {
	f.providers[id].CurrentLoad++
	return nil
}
func (f *fakeProviderStore) DecrementLoad(ctx context.Context, id string) error {
	if f.providers[id].CurrentLoad > 0 {
		f.providers[id].CurrentLoad--
	}
	return nil
}
func (f *fakeProviderStore) RecordSuccess(ctx context.Context, id string) error { return nil }
func (f *fakeProviderStore) RecordFailure(ctx context.Context, id string, failureThreshold int, cooldown time.Duration) error {
	return nil
}
func (f *fakeProviderStore) RecoverCooling(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeProviderStore) GetByID(ctx context.Context, id string) (*domain.Provider, error) {
	return f.providers[id], nil
}

type fakeSessionStore struct {
	byID map[string]*domain.Session
}

func (f *fakeSessionStore) FindExact(ctx context.Context, userID, headHash, tailHash string) (*domain.Session, error) {
	return nil, nil
}
func (f *fakeSessionStore) FindHead(ctx context.Context, userID, headHash string) (*domain.Session, error) {
	return nil, nil
}
func (f *fakeSessionStore) UpdateTailHash(ctx context.Context, id, tailHash string) error { return nil }
func (f *fakeSessionStore) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	return 0, nil
}
func (f *fakeSessionStore) DeleteOldestActiveForUser(ctx context.Context, userID string) error {
	return nil
}
func (f *fakeSessionStore) Insert(ctx context.Context, s *domain.Session) error {
	f.byID[s.ID] = s
	return nil
}
func (f *fakeSessionStore) SetUpstreamSessionID(ctx context.Context, id, upstreamSessionID string) error {
	if f.byID[id].UpstreamSessionID == nil {
		f.byID[id].UpstreamSessionID = &upstreamSessionID
	}
	return nil
}
func (f *fakeSessionStore) RecordMessage(ctx context.Context, id string, ttl time.Duration) error {
	f.byID[id].MessageCount++
	return nil
}
func (f *fakeSessionStore) MarkMigrated(ctx context.Context, id string) error {
	f.byID[id].Status = domain.SessionMigrated
	return nil
}

type fakeLogWriter struct{}

func (fakeLogWriter) Enqueue(log *domain.RequestLog) {}

func newTestRouter(t *testing.T) *http.ServeMux {
	upstreamMux := http.NewServeMux()
	upstreamMux.HandleFunc("/csrf", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token": "dGVzdC1rZXk", "keyId": "k1", "expiresAt": time.Now().Add(time.Hour).Unix()})
	})
	upstreamMux.HandleFunc("/session:create", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sessionName": "sess-1"})
	})
	upstreamMux.HandleFunc("/assistant:streamAssist", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"streamAssistResponse":{"answer":{"state":"SUCCEEDED","replies":[{"groundedContent":{"content":{"text":"hi","thought":false}}}]}}}]`))
	})
	upstreamSrv := httptest.NewServer(upstreamMux)
	t.Cleanup(upstreamSrv.Close)

	cipherSvc, err := cipher.NewService("test-secret-key-at-least-32-bytes!", false)
	if err != nil {
		t.Fatalf("cipher.NewService: %v", err)
	}
	encryptedCookie, err := cipherSvc.Encrypt([]byte("cookie=abc"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	providerStore := &fakeProviderStore{providers: map[string]*domain.Provider{
		"p1": {ID: "p1", Status: domain.ProviderActive, HealthScore: 100, MaxConcurrent: 10, Credential: domain.EncryptedCredential{CookieBagCipher: encryptedCookie}},
	}}
	sessionStore := &fakeSessionStore{byID: map[string]*domain.Session{}}

	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	sched := scheduler.New(providerStore, scheduler.Config{HealthThreshold: 50, FailureThreshold: 5, Cooldown: time.Minute, CandidateLimit: 20, MaxRetries: 3}, log)
	m := matcher.New(sessionStore, matcher.Config{SessionTTL: time.Hour, MaxSessionsPerUser: 3})
	clients := upstream.NewCache(time.Hour, upstream.Config{
		BaseURL: upstreamSrv.URL, Issuer: "gateway", Audience: "upstream",
		RefreshSkew: time.Minute, TokenTTL: time.Hour, UnaryTimeout: 5 * time.Second, StreamTimeout: 5 * time.Second,
	}, log)
	aliases := &config.ModelAliasConfig{Models: []config.ModelAlias{{PublicName: "gemini-test", UpstreamID: "upstream-model"}}}
	exec := executor.New(sched, m, clients, cipherSvc, aliases, fakeLogWriter{}, executor.Config{MediaGracePeriod: time.Millisecond}, log)

	handlers := NewHandlers(exec, aliases, log)
	cfg := &config.Config{GinMode: "test", CORSAllowedOrigins: "*"}
	router := NewRouter(handlers, cfg, log)

	mux := http.NewServeMux()
	mux.Handle("/", router)
	return mux
}

func TestListModels(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", nil)
	req.Header.Set("x-goog-api-key", "test-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "gemini-test") {
		t.Fatalf("expected listed model name in body, got %s", rec.Body.String())
	}
}

func TestListModelsRejectsMissingKey(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGenerateContentHappyPath(t *testing.T) {
	router := newTestRouter(t)
	body := `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-test:generateContent", bytes.NewBufferString(body))
	req.Header.Set("x-goog-api-key", "test-key")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "\"hi\"") {
		t.Fatalf("expected upstream chunk text in response, got %s", rec.Body.String())
	}
}

func TestStreamGenerateContentFramesSSE(t *testing.T) {
	router := newTestRouter(t)
	body := `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-test:streamGenerateContent", bytes.NewBufferString(body))
	req.Header.Set("x-goog-api-key", "test-key")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	scanner := bufio.NewScanner(rec.Body)
	var lines []string
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 || lines[len(lines)-1] != "data: [DONE]" {
		t.Fatalf("expected terminal [DONE] line, got %v", lines)
	}
}
