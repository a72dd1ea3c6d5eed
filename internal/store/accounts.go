// Package store provides the persistence layer for accounts and daily
// metrics on top of gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pysugar/fitsync/internal/db/models"
	"github.com/pysugar/fitsync/internal/fitbit"
	"gorm.io/gorm"
)

// refreshMargin is how early a token is refreshed before its expiry.
const refreshMargin = 5 * time.Minute

// ErrNotConnected is returned when a user has no usable Fitbit connection.
var ErrNotConnected = errors.New("fitbit account not connected")

// Accounts is the repository for Fitbit account rows, including the
// pending-auth state stored between redirect and callback.
type Accounts struct {
	db    *gorm.DB
	oauth *fitbit.OAuth
	mu    sync.Mutex // serializes in-process token refreshes
}

// NewAccounts constructs the account repository.
func NewAccounts(gdb *gorm.DB, oauth *fitbit.OAuth) *Accounts {
	return &Accounts{db: gdb, oauth: oauth}
}

// Get loads the account for a user. Returns gorm.ErrRecordNotFound when the
// user has never started a handshake.
func (s *Accounts) Get(ctx context.Context, userID string) (*models.Account, error) {
	var acct models.Account
	if err := s.db.WithContext(ctx).First(&acct, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

// BeginAuth persists a pending handshake for the user. Any prior pending or
// active account is overwritten: a user has a single handshake in flight.
func (s *Accounts) BeginAuth(ctx context.Context, userID string, p fitbit.PKCE) error {
	acct := models.Account{
		UserID:       userID,
		CodeVerifier: p.Verifier,
		PendingState: p.State,
	}
	return s.db.WithContext(ctx).Save(&acct).Error
}

// CompleteAuth stores exchanged tokens and clears the handshake fields,
// flipping the account from pending to active.
func (s *Accounts) CompleteAuth(ctx context.Context, userID string, tok *fitbit.Token) error {
	return s.db.WithContext(ctx).Model(&models.Account{}).Where("user_id = ?", userID).
		Updates(map[string]any{
			"provider_user_id": tok.ProviderUserID,
			"access_token":     tok.AccessToken,
			"refresh_token":    tok.RefreshToken,
			"token_type":       tok.TokenType,
			"expires_at":       tok.ExpiresAt,
			"scope":            tok.Scope,
			"code_verifier":    "",
			"pending_state":    "",
		}).Error
}

// Delete removes the account row entirely (failed handshake cleanup or
// explicit disconnect).
func (s *Accounts) Delete(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Delete(&models.Account{}, "user_id = ?", userID).Error
}

// MarkSynced advances last_synced_at and optionally flips
// initial_sync_completed. The single account write of a sync run.
func (s *Accounts) MarkSynced(ctx context.Context, userID string, at time.Time, initialCompleted bool) error {
	updates := map[string]any{"last_synced_at": at}
	if initialCompleted {
		updates["initial_sync_completed"] = true
	}
	return s.db.WithContext(ctx).Model(&models.Account{}).Where("user_id = ?", userID).
		Updates(updates).Error
}

// FindInactive selects connected accounts whose initial sync completed but
// that haven't synced since the threshold, oldest first, capped at limit.
func (s *Accounts) FindInactive(ctx context.Context, threshold time.Time, limit int) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).
		Where("initial_sync_completed = ?", true).
		Where("last_synced_at IS NULL OR last_synced_at < ?", threshold).
		Order("last_synced_at ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

// AccessToken returns a valid access token for the user, proactively
// refreshing when the stored token expires within the refresh margin.
// Implements fitbit.TokenProvider.
func (s *Accounts) AccessToken(ctx context.Context, userID string) (string, error) {
	acct, err := s.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotConnected
		}
		return "", err
	}
	if !acct.Connected() {
		return "", ErrNotConnected
	}

	if time.Until(acct.ExpiresAt) > refreshMargin {
		return acct.AccessToken, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-read: another caller may have refreshed while we waited.
	acct, err = s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if time.Until(acct.ExpiresAt) > refreshMargin {
		return acct.AccessToken, nil
	}

	tok, err := s.oauth.Refresh(ctx, acct.RefreshToken)
	if err != nil {
		if fitbit.IsPermanentRefreshError(err) {
			log.Printf("token refresh permanently failed, reconnect required: %v", err)
		}
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	updates := map[string]any{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt,
	}
	// Persist rotated refresh token if provided (RFC 6749 compliance)
	if tok.RefreshToken != "" && tok.RefreshToken != acct.RefreshToken {
		updates["refresh_token"] = tok.RefreshToken
	}
	if err := s.db.WithContext(ctx).Model(&models.Account{}).Where("user_id = ?", userID).
		Updates(updates).Error; err != nil {
		return "", fmt.Errorf("save refreshed token: %w", err)
	}
	return tok.AccessToken, nil
}
