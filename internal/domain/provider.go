// Package domain holds the core record types shared across the scheduler,
// matcher, executor, and storage layers. These are relational rows, not an
// ownership graph — session-to-provider binding is a foreign key, handled
// as status transitions rather than object mutation.
package domain

import "time"

// ProviderStatus is the operational state of a provider credential set.
type ProviderStatus string

const (
	ProviderActive   ProviderStatus = "active"
	ProviderCooling  ProviderStatus = "cooling"
	ProviderFailed   ProviderStatus = "failed"
	ProviderInactive ProviderStatus = "inactive"
)

// Provider is an upstream credential set and its operational telemetry.
type Provider struct {
	ID      string
	Name    string
	GroupID *string

	// Credential holds the opaque session-index token and cookie bag.
	// CookieBagCipher is encrypted at rest; it must be passed through
	// cipher.Service.Decrypt before use.
	Credential EncryptedCredential

	MaxConcurrent int

	Status             ProviderStatus
	HealthScore         int
	CurrentLoad         int
	ConsecutiveFailures int
	TotalRequests       int64
	FailedRequests      int64
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	CooldownUntil       *time.Time
}

// EncryptedCredential is the opaque session-index token plus the
// (at-rest encrypted) cookie bag that together authenticate upstream calls.
type EncryptedCredential struct {
	Csesidx         string
	CookieBagCipher []byte
}
