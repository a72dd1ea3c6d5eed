package models

import "time"

// Account stores the Fitbit OAuth identity and sync metadata for a user.
// At most one row exists per user.
type Account struct {
	UserID         string `gorm:"primaryKey"`
	ProviderUserID string
	AccessToken    string
	RefreshToken   string
	TokenType      string
	ExpiresAt      time.Time
	Scope          string // space-separated scopes granted by Fitbit

	// CodeVerifier and PendingState are only populated while an OAuth
	// handshake is in flight. Both are cleared on success; the whole row
	// is deleted when the token exchange fails.
	CodeVerifier string
	PendingState string

	LastSyncedAt         *time.Time
	InitialSyncCompleted bool `gorm:"default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pending reports whether the row represents an in-flight authorization
// handshake rather than a connected account.
func (a *Account) Pending() bool {
	return a.CodeVerifier != ""
}

// Connected reports whether the account holds usable tokens.
func (a *Account) Connected() bool {
	return !a.Pending() && a.AccessToken != ""
}
