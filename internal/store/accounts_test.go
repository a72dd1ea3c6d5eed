package store

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pysugar/fitsync/internal/config"
	"github.com/pysugar/fitsync/internal/db/models"
	"github.com/pysugar/fitsync/internal/fitbit"
	"gorm.io/gorm"
)

func testPKCE() fitbit.PKCE {
	return fitbit.PKCE{Verifier: "verifier-1", Challenge: "challenge-1", State: "state-1"}
}

func TestBeginAuthCreatesPendingRow(t *testing.T) {
	s := NewAccounts(newTestDB(t), nil)
	ctx := context.Background()

	if err := s.BeginAuth(ctx, "user-1", testPKCE()); err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}

	acct, err := s.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !acct.Pending() {
		t.Error("expected pending account after BeginAuth")
	}
	if acct.Connected() {
		t.Error("pending account must not report connected")
	}
	if acct.CodeVerifier != "verifier-1" || acct.PendingState != "state-1" {
		t.Errorf("handshake fields = %q/%q", acct.CodeVerifier, acct.PendingState)
	}
}

func TestBeginAuthOverwritesPriorHandshake(t *testing.T) {
	s := NewAccounts(newTestDB(t), nil)
	ctx := context.Background()

	s.BeginAuth(ctx, "user-1", testPKCE())
	second := fitbit.PKCE{Verifier: "verifier-2", State: "state-2"}
	if err := s.BeginAuth(ctx, "user-1", second); err != nil {
		t.Fatalf("second BeginAuth: %v", err)
	}

	acct, _ := s.Get(ctx, "user-1")
	if acct.CodeVerifier != "verifier-2" || acct.PendingState != "state-2" {
		t.Errorf("expected latest handshake to win, got %q/%q", acct.CodeVerifier, acct.PendingState)
	}

	var count int64
	s.db.Model(&models.Account{}).Count(&count)
	if count != 1 {
		t.Errorf("rows = %d, want 1 per user", count)
	}
}

func TestCompleteAuthActivatesAccount(t *testing.T) {
	s := NewAccounts(newTestDB(t), nil)
	ctx := context.Background()
	s.BeginAuth(ctx, "user-1", testPKCE())

	tok := &fitbit.Token{
		AccessToken:    "access-1",
		RefreshToken:   "refresh-1",
		TokenType:      "Bearer",
		Scope:          "activity sleep",
		ProviderUserID: "FB123",
		ExpiresAt:      time.Now().Add(8 * time.Hour),
	}
	if err := s.CompleteAuth(ctx, "user-1", tok); err != nil {
		t.Fatalf("CompleteAuth: %v", err)
	}

	acct, _ := s.Get(ctx, "user-1")
	if acct.Pending() {
		t.Error("handshake fields must be cleared on completion")
	}
	if !acct.Connected() {
		t.Error("expected connected account")
	}
	if acct.AccessToken != "access-1" || acct.ProviderUserID != "FB123" {
		t.Errorf("stored tokens = %q / %q", acct.AccessToken, acct.ProviderUserID)
	}
	if acct.InitialSyncCompleted {
		t.Error("initial sync must not be marked before the first run")
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	s := NewAccounts(newTestDB(t), nil)
	ctx := context.Background()
	s.BeginAuth(ctx, "user-1", testPKCE())

	if err := s.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "user-1"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound after delete, got %v", err)
	}
}

func TestMarkSynced(t *testing.T) {
	s := NewAccounts(newTestDB(t), nil)
	ctx := context.Background()
	seedConnected(t, s, "user-1", time.Now().Add(time.Hour))

	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	if err := s.MarkSynced(ctx, "user-1", at, true); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	acct, _ := s.Get(ctx, "user-1")
	if acct.LastSyncedAt == nil || !acct.LastSyncedAt.Equal(at) {
		t.Errorf("lastSyncedAt = %v, want %v", acct.LastSyncedAt, at)
	}
	if !acct.InitialSyncCompleted {
		t.Error("expected initial sync flag to flip")
	}

	// A later run without the flag must not reset it.
	later := at.Add(24 * time.Hour)
	s.MarkSynced(ctx, "user-1", later, false)
	acct, _ = s.Get(ctx, "user-1")
	if !acct.InitialSyncCompleted {
		t.Error("initial sync flag must stay set")
	}
	if !acct.LastSyncedAt.Equal(later) {
		t.Errorf("lastSyncedAt = %v, want %v", acct.LastSyncedAt, later)
	}
}

func TestFindInactive(t *testing.T) {
	s := NewAccounts(newTestDB(t), nil)
	ctx := context.Background()
	now := time.Now()
	threshold := now.AddDate(0, 0, -10)

	oldSync := now.AddDate(0, 0, -20)
	olderSync := now.AddDate(0, 0, -30)
	recentSync := now.Add(-time.Hour)

	seed := func(userID string, last *time.Time, initialDone bool) {
		acct := models.Account{
			UserID:               userID,
			AccessToken:          "tok",
			RefreshToken:         "ref",
			LastSyncedAt:         last,
			InitialSyncCompleted: initialDone,
		}
		if err := s.db.Create(&acct).Error; err != nil {
			t.Fatalf("seed %s: %v", userID, err)
		}
	}
	seed("stale-1", &oldSync, true)
	seed("stale-2", &olderSync, true)
	seed("fresh", &recentSync, true)
	seed("never-finished", nil, false) // connected but initial sync pending

	got, err := s.FindInactive(ctx, threshold, 10)
	if err != nil {
		t.Fatalf("FindInactive: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("inactive accounts = %d, want 2", len(got))
	}
	// Oldest first.
	if got[0].UserID != "stale-2" || got[1].UserID != "stale-1" {
		t.Errorf("order = %s, %s; want stale-2 first", got[0].UserID, got[1].UserID)
	}

	capped, _ := s.FindInactive(ctx, threshold, 1)
	if len(capped) != 1 || capped[0].UserID != "stale-2" {
		t.Errorf("limit=1 should return only the oldest account")
	}
}

func TestAccessTokenFreshTokenSkipsRefresh(t *testing.T) {
	s := NewAccounts(newTestDB(t), nil) // nil oauth: refresh path must not be reached
	ctx := context.Background()
	seedConnected(t, s, "user-1", time.Now().Add(time.Hour))

	got, err := s.AccessToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if got != "access-1" {
		t.Errorf("token = %q, want stored access-1", got)
	}
}

func TestAccessTokenNotConnected(t *testing.T) {
	s := NewAccounts(newTestDB(t), nil)
	ctx := context.Background()

	if _, err := s.AccessToken(ctx, "missing"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("missing account: err = %v, want ErrNotConnected", err)
	}

	s.BeginAuth(ctx, "pending-user", testPKCE())
	if _, err := s.AccessToken(ctx, "pending-user"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("pending account: err = %v, want ErrNotConnected", err)
	}
}

func TestAccessTokenRefreshesExpiringToken(t *testing.T) {
	refreshCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		r.ParseForm()
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.Form.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q, want refresh-1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"access_token": "access-2",
			"refresh_token": "refresh-2",
			"token_type": "Bearer",
			"expires_in": 28800
		}`))
	}))
	defer srv.Close()

	oauth := fitbit.NewOAuth(&config.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     srv.URL,
	})
	s := NewAccounts(newTestDB(t), oauth)
	ctx := context.Background()
	seedConnected(t, s, "user-1", time.Now().Add(time.Minute)) // inside the refresh margin

	got, err := s.AccessToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if got != "access-2" {
		t.Errorf("token = %q, want refreshed access-2", got)
	}
	if refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls)
	}

	// Rotated refresh token persisted.
	acct, _ := s.Get(ctx, "user-1")
	if acct.RefreshToken != "refresh-2" {
		t.Errorf("stored refresh token = %q, want rotated refresh-2", acct.RefreshToken)
	}
	if acct.AccessToken != "access-2" {
		t.Errorf("stored access token = %q, want access-2", acct.AccessToken)
	}

	// Second call finds a fresh token and skips the provider.
	if _, err := s.AccessToken(ctx, "user-1"); err != nil {
		t.Fatalf("second AccessToken: %v", err)
	}
	if refreshCalls != 1 {
		t.Errorf("refresh calls after second read = %d, want still 1", refreshCalls)
	}
}

func seedConnected(t *testing.T, s *Accounts, userID string, expiresAt time.Time) {
	t.Helper()
	acct := models.Account{
		UserID:       userID,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
	}
	if err := s.db.Create(&acct).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
}
