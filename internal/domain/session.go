package domain

import "time"

// SessionStatus is the lifecycle state of a matched session row.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionExpired  SessionStatus = "expired"
	SessionMigrated SessionStatus = "migrated"
)

// Session binds a (user, conversation-identity) pair to a provider and an
// opaque upstream session handle.
type Session struct {
	ID         string
	UserID     string
	ProviderID string

	HeadHash string
	TailHash string

	UpstreamSessionID *string

	MessageCount   int
	Status         SessionStatus
	ExpiresAt      time.Time
	LastAccessedAt time.Time
}
