// Package upstream is the streaming upstream client (spec.md §4.1):
// bearer-token derivation, session creation, and the streaming assist
// call with its incremental concatenated-JSON parser. Grounded on the
// teacher's internal/streaming/session.go for the incremental-read idiom
// (here the response body is read in the caller's goroutine) and the
// antigravity-adapter.go example for the HTTP call shape (suffix-based
// endpoint construction, bounded timeouts). The client makes one attempt
// per call and does not retry; retries happen by provider substitution
// in internal/scheduler.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/apierrors"
	"github.com/eternisai/enchanted-proxy/internal/logger"
)

// Config holds the tunables a Client needs, sourced from internal/config.
type Config struct {
	BaseURL      string
	Issuer       string
	Audience     string
	RefreshSkew  time.Duration
	TokenTTL     time.Duration
	UnaryTimeout time.Duration
	StreamTimeout time.Duration
}

// Client is one instance per provider, holding a short-lived bearer token
// and performing the upstream's two operations: create session and
// stream assist.
type Client struct {
	httpClient *http.Client
	cfg        Config
	tokens     *TokenManager
	cookieBag  []byte
	log        *logger.Logger
}

// New constructs a Client for one provider's decrypted credentials.
func New(cfg Config, csesidx string, cookieBag []byte, log *logger.Logger) *Client {
	httpClient := &http.Client{}
	tokens := NewTokenManager(httpClient, cfg.BaseURL+"/csrf", cfg.Issuer, cfg.Audience, csesidx, cfg.RefreshSkew, cfg.TokenTTL)
	return &Client{httpClient: httpClient, cfg: cfg, tokens: tokens, cookieBag: cookieBag, log: log}
}

// CreateSession creates a new upstream session and returns its opaque
// name.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UnaryTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx, c.cookieBag)
	if err != nil {
		return "", apierrors.New(apierrors.KindUpstreamAuthFailure, "failed to obtain bearer token", err)
	}

	payload, err := json.Marshal(createSessionRequest{Csesidx: c.tokens.csesidx})
	if err != nil {
		return "", apierrors.New(apierrors.KindInternal, "failed to marshal create-session payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/session:create", bytes.NewReader(payload))
	if err != nil {
		return "", apierrors.New(apierrors.KindInternal, "failed to build create-session request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apierrors.New(apierrors.KindUpstreamTransport, "create-session transport failure", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apierrors.New(apierrors.KindUpstreamTransport, "failed to read create-session response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apierrors.New(apierrors.KindUpstreamAuthFailure, fmt.Sprintf("create-session returned status %d", resp.StatusCode), nil)
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", apierrors.New(apierrors.KindUpstreamProtocol, "malformed create-session response", err)
	}
	return out.SessionName, nil
}

// StreamAssist posts the streaming query and invokes onChunk for every
// reply with non-empty text, in delivery order. Per-object parse
// failures are logged and do not fail the call; only transport failure,
// non-2xx status, or malformed top-level array framing does (§4.1 error
// semantics).
func (c *Client) StreamAssist(ctx context.Context, upstreamSessionID, query, modelID string, onChunk func(Chunk) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StreamTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx, c.cookieBag)
	if err != nil {
		return apierrors.New(apierrors.KindUpstreamAuthFailure, "failed to obtain bearer token", err)
	}

	body := map[string]any{
		"sessionId": upstreamSessionID,
		"query":     query,
		"modelId":   modelID,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return apierrors.New(apierrors.KindInternal, "failed to marshal stream-assist payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/assistant:streamAssist", bytes.NewReader(payload))
	if err != nil {
		return apierrors.New(apierrors.KindInternal, "failed to build stream-assist request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Timeout", c.cfg.StreamTimeout.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierrors.New(apierrors.KindUpstreamTransport, "stream-assist transport failure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierrors.New(apierrors.KindUpstreamAuthFailure, fmt.Sprintf("stream-assist returned status %d", resp.StatusCode), nil)
	}

	var callbackErr error
	parser := NewParser(func(obj []byte) {
		if callbackErr != nil {
			return
		}
		var parsed streamAssistObject
		if err := json.Unmarshal(obj, &parsed); err != nil {
			c.log.Warn("discarding malformed stream-assist object", "error", err)
			return
		}
		for _, reply := range parsed.StreamAssistResponse.Answer.Replies {
			text := reply.GroundedContent.Content.Text
			if text == "" {
				continue
			}
			chunk := Chunk{Text: text, Thought: reply.GroundedContent.Content.Thought, State: parsed.StreamAssistResponse.Answer.State}
			if err := onChunk(chunk); err != nil {
				callbackErr = err
				return
			}
		}
	})

	readBuf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(readBuf)
		if n > 0 {
			parser.Feed(readBuf[:n])
			if callbackErr != nil {
				return callbackErr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return apierrors.New(apierrors.KindUpstreamTransport, "stream-assist read failure", readErr)
		}
		if ctx.Err() != nil {
			return apierrors.New(apierrors.KindUpstreamTransport, "stream-assist context cancelled", ctx.Err())
		}
	}

	if !parser.Done() {
		return apierrors.New(apierrors.KindUpstreamProtocol, "stream-assist response ended without closing the top-level array", nil)
	}
	return nil
}

// MediaAsset is the latest generated file's metadata plus its base64
// payload, fetched for media-intent requests (§4.4 step 8).
type MediaAsset struct {
	MimeType string
	Data     string // base64
}

// FetchLatestMedia fetches the most recently generated file for an
// upstream session and downloads it as base64 bytes.
func (c *Client) FetchLatestMedia(ctx context.Context, upstreamSessionID string) (*MediaAsset, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UnaryTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx, c.cookieBag)
	if err != nil {
		return nil, apierrors.New(apierrors.KindUpstreamAuthFailure, "failed to obtain bearer token", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/session/"+upstreamSessionID+"/latest-media", nil)
	if err != nil {
		return nil, apierrors.New(apierrors.KindInternal, "failed to build media request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierrors.New(apierrors.KindUpstreamTransport, "media fetch transport failure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierrors.New(apierrors.KindUpstreamTransport, fmt.Sprintf("media fetch returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierrors.New(apierrors.KindUpstreamTransport, "failed to read media response", err)
	}

	var asset struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	}
	if err := json.Unmarshal(body, &asset); err != nil {
		return nil, apierrors.New(apierrors.KindUpstreamProtocol, "malformed media response", err)
	}
	return &MediaAsset{MimeType: asset.MimeType, Data: asset.Data}, nil
}

// SendMessageSync runs StreamAssist to completion and returns every
// emitted chunk, for the unary generate path (§4.4 step 6).
func (c *Client) SendMessageSync(ctx context.Context, upstreamSessionID, query, modelID string) ([]Chunk, error) {
	var chunks []Chunk
	err := c.StreamAssist(ctx, upstreamSessionID, query, modelID, func(chunk Chunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}
