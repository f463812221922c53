package executor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/apierrors"
	"github.com/eternisai/enchanted-proxy/internal/cipher"
	"github.com/eternisai/enchanted-proxy/internal/config"
	"github.com/eternisai/enchanted-proxy/internal/domain"
	"github.com/eternisai/enchanted-proxy/internal/logger"
	"github.com/eternisai/enchanted-proxy/internal/matcher"
	"github.com/eternisai/enchanted-proxy/internal/metrics"
	"github.com/eternisai/enchanted-proxy/internal/scheduler"
	"github.com/eternisai/enchanted-proxy/internal/upstream"
	"github.com/google/uuid"
)

// RequestLogWriter is the append-only sink for request_logs rows. It is
// fire-and-forget from the executor's perspective: a failure to enqueue
// never fails the request it describes (spec.md §3).
type RequestLogWriter interface {
	Enqueue(log *domain.RequestLog)
}

// StreamSink receives re-framed response chunks for a streaming call.
// Returning an error stops the stream (caller disconnected).
type StreamSink func(chunk *GenerateResponse) error

// Config holds the executor's tunables.
type Config struct {
	MediaGracePeriod time.Duration
}

// Executor orchestrates a single public-API call: scheduler acquisition,
// session matching, upstream client invocation, response reshaping, and
// logging.
type Executor struct {
	scheduler *scheduler.Scheduler
	matcher   *matcher.Matcher
	clients   *upstream.Cache
	ciphers   *cipher.Service
	aliases   *config.ModelAliasConfig
	logs      RequestLogWriter
	cfg       Config
	log       *logger.Logger
}

// New constructs an Executor.
func New(sched *scheduler.Scheduler, m *matcher.Matcher, clients *upstream.Cache, ciphers *cipher.Service, aliases *config.ModelAliasConfig, logs RequestLogWriter, cfg Config, log *logger.Logger) *Executor {
	return &Executor{scheduler: sched, matcher: m, clients: clients, ciphers: ciphers, aliases: aliases, logs: logs, cfg: cfg, log: log}
}

// attempt carries cross-retry state: the session is created on the first
// attempt and migrated (not re-created) on substitution.
type attempt struct {
	session     *domain.Session
	query       string
	modelID     string
	mediaWanted bool
	chunks      []upstream.Chunk
	mediaAsset  *upstream.MediaAsset
}

func contentText(parts []Part) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func toMatcherMessages(contents []Content) []matcher.Message {
	msgs := make([]matcher.Message, 0, len(contents))
	for _, c := range contents {
		msgs = append(msgs, matcher.Message{Role: c.Role, Text: contentText(c.Parts)})
	}
	return msgs
}

// GenerateUnary implements §4.4's unary generate procedure.
func (e *Executor) GenerateUnary(ctx context.Context, userID, apiKeyID, modelName string, req *GenerateRequest) (*GenerateResponse, error) {
	start := time.Now()
	if len(req.Contents) == 0 {
		return nil, apierrors.New(apierrors.KindInvalidRequest, "contents must not be empty", nil)
	}

	modelID := e.aliases.Resolve(modelName)
	query := contentText(req.Contents[len(req.Contents)-1].Parts)
	mediaWanted := DetectMediaIntent(req, query, e.aliases)
	messages := toMatcherMessages(req.Contents)

	st := &attempt{query: query, modelID: modelID, mediaWanted: mediaWanted}

	provider, err := e.scheduler.WithRetry(ctx, nil, func(ctx context.Context, provider *domain.Provider) error {
		return e.runExchange(ctx, provider, userID, messages, st, false, nil)
	})
	if err != nil {
		e.writeLog(ctx, userID, apiKeyID, nil, nil, modelName, domain.RequestKindUnary, 0, 0, start, err)
		return nil, err
	}

	if err := e.matcher.RecordMessage(ctx, st.session.ID); err != nil {
		e.log.Error("failed to record message", "session_id", st.session.ID, "error", err)
	}

	resp := e.buildResponse(st, modelName)

	promptTokens := EstimateTokens(query)
	completionTokens := EstimateTokens(concatenatedText(st.chunks))
	e.writeLog(ctx, userID, apiKeyID, &provider.ID, &st.session.ID, modelName, domain.RequestKindUnary, promptTokens, completionTokens, start, nil)

	return resp, nil
}

// GenerateStreaming implements §4.4's streaming generate procedure,
// emitting re-framed chunks to sink as they arrive.
func (e *Executor) GenerateStreaming(ctx context.Context, userID, apiKeyID, modelName string, req *GenerateRequest, sink StreamSink) error {
	start := time.Now()
	if len(req.Contents) == 0 {
		return apierrors.New(apierrors.KindInvalidRequest, "contents must not be empty", nil)
	}

	modelID := e.aliases.Resolve(modelName)
	query := contentText(req.Contents[len(req.Contents)-1].Parts)
	mediaWanted := DetectMediaIntent(req, query, e.aliases)
	messages := toMatcherMessages(req.Contents)

	st := &attempt{query: query, modelID: modelID, mediaWanted: mediaWanted}
	var deliveredAny bool

	provider, err := e.scheduler.WithRetry(ctx, nil, func(ctx context.Context, provider *domain.Provider) error {
		return e.runExchange(ctx, provider, userID, messages, st, true, func(chunk upstream.Chunk) error {
			deliveredAny = true
			return sink(chunkToResponse(chunk, modelName))
		})
	})
	if err != nil {
		e.writeLog(ctx, userID, apiKeyID, nil, nil, modelName, domain.RequestKindStreaming, 0, 0, start, err)
		return err
	}

	if deliveredAny {
		if err := e.matcher.RecordMessage(ctx, st.session.ID); err != nil {
			e.log.Error("failed to record message", "session_id", st.session.ID, "error", err)
		}
	}

	promptTokens := EstimateTokens(query)
	completionTokens := EstimateTokens(concatenatedText(st.chunks))
	finishReason := FinishReasonStop
	final := &GenerateResponse{
		Candidates: []Candidate{{
			Content:       ResponseContent{Role: "model", Parts: nil},
			FinishReason:  &finishReason,
			SafetyRatings: fixedSafetyRatings(),
		}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: promptTokens, CandidatesTokenCount: completionTokens, TotalTokenCount: promptTokens + completionTokens},
		ModelVersion:  modelName,
	}
	if err := sink(final); err != nil {
		e.log.Warn("caller disconnected before final chunk", "error", err)
	}

	if st.mediaWanted {
		time.Sleep(e.cfg.MediaGracePeriod)
		e.emitMediaChunk(ctx, provider, st, modelName, sink)
	}

	e.writeLog(ctx, userID, apiKeyID, &provider.ID, &st.session.ID, modelName, domain.RequestKindStreaming, promptTokens, completionTokens, start, nil)
	return nil
}

// runExchange is the shared core of steps 2–7 (§4.4), usable both
// synchronously (unary) and with a per-chunk callback (streaming). On
// substitution retry (st.session already set) the existing session is
// migrated to the new provider rather than re-created.
func (e *Executor) runExchange(ctx context.Context, provider *domain.Provider, userID string, messages []matcher.Message, st *attempt, streaming bool, onChunk func(upstream.Chunk) error) error {
	var session *domain.Session
	var err error

	if st.session == nil {
		var kind matcher.MatchKind
		session, kind, err = e.matcher.MatchOrCreate(ctx, userID, provider.ID, messages)
		if err != nil {
			return apierrors.New(apierrors.KindInternal, "failed to match session", err)
		}
		e.log.Debug("matched session", "kind", kind, "session_id", session.ID)
	} else {
		session, err = e.matcher.Migrate(ctx, st.session, provider.ID)
		if err != nil {
			return apierrors.New(apierrors.KindInternal, "failed to migrate session", err)
		}
	}
	st.session = session

	cookieBag, err := e.ciphers.Decrypt(provider.Credential.CookieBagCipher)
	if err != nil {
		return apierrors.New(apierrors.KindUpstreamAuthFailure, "failed to decrypt provider credential", err)
	}
	client := e.clients.Get(provider, cookieBag)

	if session.UpstreamSessionID == nil {
		upstreamID, err := client.CreateSession(ctx)
		if err != nil {
			return err
		}
		if err := e.matcher.BindUpstreamSession(ctx, session.ID, upstreamID); err != nil {
			e.log.Error("failed to persist upstream session id", "session_id", session.ID, "error", err)
		}
		session.UpstreamSessionID = &upstreamID
	}

	if !streaming {
		chunks, err := client.SendMessageSync(ctx, *session.UpstreamSessionID, st.query, st.modelID)
		if err != nil {
			return err
		}
		st.chunks = chunks
		if st.mediaWanted {
			asset, err := client.FetchLatestMedia(ctx, *session.UpstreamSessionID)
			if err != nil {
				e.log.Warn("failed to fetch requested media", "error", err)
			} else {
				st.mediaAsset = asset
			}
		}
		return nil
	}

	var collected []upstream.Chunk
	err = client.StreamAssist(ctx, *session.UpstreamSessionID, st.query, st.modelID, func(chunk upstream.Chunk) error {
		collected = append(collected, chunk)
		if onChunk != nil {
			return onChunk(chunk)
		}
		return nil
	})
	st.chunks = collected
	return err
}

func (e *Executor) emitMediaChunk(ctx context.Context, provider *domain.Provider, st *attempt, modelName string, sink StreamSink) {
	cookieBag, err := e.ciphers.Decrypt(provider.Credential.CookieBagCipher)
	if err != nil {
		e.log.Warn("failed to decrypt credential for media fetch", "error", err)
		return
	}
	client := e.clients.Get(provider, cookieBag)
	asset, err := client.FetchLatestMedia(ctx, *st.session.UpstreamSessionID)
	if err != nil {
		e.log.Warn("failed to fetch requested media", "error", err)
		return
	}

	finishReason := FinishReasonStop
	chunk := &GenerateResponse{
		Candidates: []Candidate{{
			Content: ResponseContent{Role: "model", Parts: []ResponsePart{
				{InlineData: &InlineData{MimeType: asset.MimeType, Data: asset.Data}},
			}},
			FinishReason:  &finishReason,
			SafetyRatings: fixedSafetyRatings(),
		}},
		ModelVersion: modelName,
	}
	if err := sink(chunk); err != nil {
		e.log.Warn("caller disconnected before media chunk", "error", err)
	}
}

// buildResponse assembles the unary response from the accumulated
// chunks (§4.4 step 7, 9).
func (e *Executor) buildResponse(st *attempt, modelName string) *GenerateResponse {
	parts := make([]ResponsePart, 0, len(st.chunks)+1)
	finishReason := FinishReasonStop
	var contentBuilder strings.Builder

	for _, c := range st.chunks {
		if c.Thought {
			parts = append(parts, ResponsePart{Thought: true, Text: c.Text})
			continue
		}
		contentBuilder.WriteString(c.Text)
		if !isSucceededState(c.State) {
			finishReason = FinishReasonMaxTokens
		}
	}
	if contentBuilder.Len() > 0 {
		parts = append(parts, ResponsePart{Text: contentBuilder.String()})
	}
	if st.mediaAsset != nil {
		parts = append(parts, ResponsePart{InlineData: &InlineData{MimeType: st.mediaAsset.MimeType, Data: st.mediaAsset.Data}})
	}

	promptTokens := EstimateTokens(st.query)
	completionTokens := EstimateTokens(contentBuilder.String())

	return &GenerateResponse{
		Candidates: []Candidate{{
			Content:       ResponseContent{Role: "model", Parts: parts},
			FinishReason:  &finishReason,
			SafetyRatings: fixedSafetyRatings(),
		}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: promptTokens, CandidatesTokenCount: completionTokens, TotalTokenCount: promptTokens + completionTokens},
		ModelVersion:  modelName,
	}
}

func isSucceededState(state string) bool {
	return state == "" || state == "SUCCEEDED"
}

func concatenatedText(chunks []upstream.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if !c.Thought {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// chunkToResponse wraps one streaming chunk as a non-terminal
// GenerateResponse (finishReason null, usageMetadata omitted per §6).
func chunkToResponse(chunk upstream.Chunk, modelName string) *GenerateResponse {
	return &GenerateResponse{
		Candidates: []Candidate{{
			Content:      ResponseContent{Role: "model", Parts: []ResponsePart{{Thought: chunk.Thought, Text: chunk.Text}}},
			FinishReason: nil,
		}},
		ModelVersion: modelName,
	}
}

func (e *Executor) writeLog(ctx context.Context, userID, apiKeyID string, providerID, sessionID *string, modelName string, kind domain.RequestKind, promptTokens, completionTokens int, start time.Time, err error) {
	statusCode := 200
	var errMsg *string
	if err != nil {
		statusCode = 500
		if apiErr, ok := err.(*apierrors.Error); ok {
			statusCode = apiErr.StatusCode()
		}
		msg := err.Error()
		errMsg = &msg
	}

	e.logs.Enqueue(&domain.RequestLog{
		ID:               uuid.NewString(),
		UserID:           userID,
		APIKeyID:         apiKeyID,
		ProviderID:       providerID,
		SessionID:        sessionID,
		ModelName:        modelName,
		Kind:             kind,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMS:        time.Since(start).Milliseconds(),
		StatusCode:       statusCode,
		ErrorMsg:         errMsg,
		CreatedAt:        time.Now(),
	})

	elapsed := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(string(kind), strconv.Itoa(statusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}
