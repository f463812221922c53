package domain

import "time"

// RequestKind distinguishes unary from streaming invocations in the log.
type RequestKind string

const (
	RequestKindUnary     RequestKind = "unary"
	RequestKindStreaming RequestKind = "streaming"
)

// RequestLog is an append-only record of one public-API call. It has no
// integrity dependence on the core subsystems — a failed write here never
// fails the request it describes.
type RequestLog struct {
	ID         string
	UserID     string
	APIKeyID   string
	ProviderID *string
	SessionID  *string
	ModelName  string
	Kind       RequestKind

	PromptTokens     int
	CompletionTokens int

	LatencyMS  int64
	StatusCode int
	ErrorMsg   *string

	CreatedAt time.Time
}
