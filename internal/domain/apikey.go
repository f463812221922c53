package domain

// APIKey is the minimal shape the gateway core needs from the external
// key-validation surface: enough to enforce the daily counter reset
// named in the maintenance loop. Key issuance, hashing, and per-request
// validation are the external auth surface's responsibility (spec §1
// Non-goals); this type exists only so the maintenance loop has
// something concrete to reset.
type APIKey struct {
	ID          string
	UserID      string
	DailyUsage  int64
	DailyLimit  int64
}
