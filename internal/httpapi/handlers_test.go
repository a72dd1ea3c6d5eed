package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/fitsync/internal/config"
	"github.com/pysugar/fitsync/internal/db/models"
	"github.com/pysugar/fitsync/internal/fitbit"
	"github.com/pysugar/fitsync/internal/store"
	"github.com/pysugar/fitsync/internal/syncer"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}, &models.DailyMetric{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type testAPI struct {
	cfg      *config.Config
	db       *gorm.DB
	accounts *store.Accounts
	oauth    *fitbit.OAuth
	orch     *syncer.Orchestrator
}

// newTestAPI wires a full engine against an in-memory database. tokenURL and
// revokeURL may be empty when the test never reaches the provider.
func newTestAPI(t *testing.T, tokenURL, revokeURL string) *testAPI {
	t.Helper()
	cfg := &config.Config{
		AppBaseURL:         "http://app.example",
		ClientID:           "client-id",
		ClientSecret:       "client-secret",
		RedirectURI:        "http://localhost:8086/auth/callback",
		Scopes:             []string{"activity"},
		AuthURL:            "https://provider.example/authorize",
		TokenURL:           tokenURL,
		RevokeURL:          revokeURL,
		SessionSecret:      testSessionSecret,
		LookbackDays:       14,
		SyncInterval:       24 * time.Hour,
		MaxConcurrentFetch: 4,
		FetchTimeout:       5 * time.Second,
	}

	db := newTestDB(t)
	oauth := fitbit.NewOAuth(cfg)
	accounts := store.NewAccounts(db, oauth)
	metrics := store.NewMetrics(db)
	orch := syncer.NewOrchestrator(accounts, metrics, nil, cfg)
	return &testAPI{cfg: cfg, db: db, accounts: accounts, oauth: oauth, orch: orch}
}

func (a *testAPI) seedPending(t *testing.T, userID, verifier, state string) {
	t.Helper()
	acct := models.Account{UserID: userID, CodeVerifier: verifier, PendingState: state}
	if err := a.db.Create(&acct).Error; err != nil {
		t.Fatalf("seed pending: %v", err)
	}
}

func (a *testAPI) seedConnected(t *testing.T, userID string) {
	t.Helper()
	acct := models.Account{
		UserID:       userID,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := a.db.Create(&acct).Error; err != nil {
		t.Fatalf("seed connected: %v", err)
	}
}

func (a *testAPI) accountExists(t *testing.T, userID string) bool {
	t.Helper()
	_, err := a.accounts.Get(context.Background(), userID)
	if err == nil {
		return true
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	t.Fatalf("lookup account: %v", err)
	return false
}

func authedRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(context.WithValue(req.Context(), userIDKey, "user-1"))
}

func sessionRequest(t *testing.T, method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "user-1", testSessionSecret))
	return req
}

func TestAuthStartHandler(t *testing.T) {
	a := newTestAPI(t, "", "")
	rec := httptest.NewRecorder()
	AuthStartHandler(a.accounts, a.oauth)(rec, authedRequest(http.MethodGet, "/auth/start"))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if !strings.HasPrefix(loc.String(), "https://provider.example/authorize") {
		t.Errorf("redirect = %s, want provider authorize URL", loc)
	}

	acct, err := a.accounts.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("expected pending row: %v", err)
	}
	if !acct.Pending() {
		t.Error("expected pending handshake state")
	}
	q := loc.Query()
	if q.Get("state") != acct.PendingState {
		t.Errorf("redirect state = %q, stored state = %q", q.Get("state"), acct.PendingState)
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Error("expected S256 code challenge in redirect")
	}
	// The verifier never leaves the server.
	if strings.Contains(loc.RawQuery, acct.CodeVerifier) {
		t.Error("code verifier must not appear in the redirect URL")
	}
}

func callbackLocation(t *testing.T, rec *httptest.ResponseRecorder) (string, url.Values) {
	t.Helper()
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	return loc.Scheme + "://" + loc.Host + loc.Path, loc.Query()
}

func TestAuthCallbackSuccess(t *testing.T) {
	exchanged := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanged = true
		r.ParseForm()
		if got := r.Form.Get("code_verifier"); got != "verifier-1" {
			t.Errorf("code_verifier = %q, want the stored verifier", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access-1","refresh_token":"refresh-1","token_type":"Bearer","expires_in":28800,"user_id":"FB1"}`))
	}))
	defer srv.Close()

	a := newTestAPI(t, srv.URL, "")
	a.seedPending(t, "user-1", "verifier-1", "state-1")

	rec := httptest.NewRecorder()
	req := sessionRequest(t, http.MethodGet, "/auth/callback?code=auth-code&state=state-1")
	AuthCallbackHandler(a.accounts, a.oauth, a.cfg)(rec, req)

	base, q := callbackLocation(t, rec)
	if base != "http://app.example/settings/data-sync" {
		t.Errorf("redirect base = %s", base)
	}
	if q.Get("success") != "connected" {
		t.Errorf("query = %v, want success=connected", q)
	}
	if !exchanged {
		t.Error("expected a token exchange")
	}

	acct, _ := a.accounts.Get(context.Background(), "user-1")
	if !acct.Connected() || acct.Pending() {
		t.Errorf("account = %+v, want connected with handshake cleared", acct)
	}
	if acct.ProviderUserID != "FB1" {
		t.Errorf("provider user id = %q, want FB1", acct.ProviderUserID)
	}
}

func TestAuthCallbackStateMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("token exchange must not happen on state mismatch")
	}))
	defer srv.Close()

	a := newTestAPI(t, srv.URL, "")
	a.seedPending(t, "user-1", "verifier-1", "state-good")

	rec := httptest.NewRecorder()
	req := sessionRequest(t, http.MethodGet, "/auth/callback?code=auth-code&state=state-evil")
	AuthCallbackHandler(a.accounts, a.oauth, a.cfg)(rec, req)

	_, q := callbackLocation(t, rec)
	if q.Get("error") != "state_mismatch" {
		t.Errorf("query = %v, want error=state_mismatch", q)
	}
	if a.accountExists(t, "user-1") {
		t.Error("pending account must be deleted on state mismatch")
	}
}

func TestAuthCallbackProviderError(t *testing.T) {
	a := newTestAPI(t, "", "")
	a.seedPending(t, "user-1", "verifier-1", "state-1")

	rec := httptest.NewRecorder()
	req := sessionRequest(t, http.MethodGet, "/auth/callback?error=access_denied&error_description=User+denied")
	AuthCallbackHandler(a.accounts, a.oauth, a.cfg)(rec, req)

	_, q := callbackLocation(t, rec)
	if q.Get("error") != "User denied" {
		t.Errorf("query = %v, want the provider's description", q)
	}
	if a.accountExists(t, "user-1") {
		t.Error("pending account must be deleted when the provider reports an error")
	}
}

func TestAuthCallbackProviderErrorKeepsConnectedAccount(t *testing.T) {
	a := newTestAPI(t, "", "")
	a.seedConnected(t, "user-1")

	rec := httptest.NewRecorder()
	req := sessionRequest(t, http.MethodGet, "/auth/callback?error=access_denied")
	AuthCallbackHandler(a.accounts, a.oauth, a.cfg)(rec, req)

	_, q := callbackLocation(t, rec)
	if q.Get("error") != "access_denied" {
		t.Errorf("query = %v, want the provider error", q)
	}

	// A replayed or stray callback must not destroy the live connection.
	acct, err := a.accounts.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("connected account is gone: %v", err)
	}
	if !acct.Connected() || acct.AccessToken != "access-1" {
		t.Errorf("account = %+v, want untouched tokens", acct)
	}
}

func TestAuthCallbackMissingParams(t *testing.T) {
	a := newTestAPI(t, "", "")
	a.seedPending(t, "user-1", "verifier-1", "state-1")

	rec := httptest.NewRecorder()
	req := sessionRequest(t, http.MethodGet, "/auth/callback?code=only-code")
	AuthCallbackHandler(a.accounts, a.oauth, a.cfg)(rec, req)

	_, q := callbackLocation(t, rec)
	if q.Get("error") != "missing_params" {
		t.Errorf("query = %v, want error=missing_params", q)
	}
}

func TestAuthCallbackNoPendingHandshake(t *testing.T) {
	a := newTestAPI(t, "", "")

	rec := httptest.NewRecorder()
	req := sessionRequest(t, http.MethodGet, "/auth/callback?code=c&state=s")
	AuthCallbackHandler(a.accounts, a.oauth, a.cfg)(rec, req)

	_, q := callbackLocation(t, rec)
	if q.Get("error") != "session_expired" {
		t.Errorf("query = %v, want error=session_expired", q)
	}
}

func TestAuthCallbackUnauthenticated(t *testing.T) {
	a := newTestAPI(t, "", "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=c&state=s", nil)
	AuthCallbackHandler(a.accounts, a.oauth, a.cfg)(rec, req)

	_, q := callbackLocation(t, rec)
	if q.Get("error") != "unauthorized" {
		t.Errorf("query = %v, want error=unauthorized", q)
	}
}

func TestStatusHandler(t *testing.T) {
	a := newTestAPI(t, "", "")
	a.seedConnected(t, "user-1")

	rec := httptest.NewRecorder()
	StatusHandler(a.orch)(rec, authedRequest(http.MethodGet, "/status"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Success   bool `json:"success"`
		Connected bool `json:"connected"`
		NeedsSync bool `json:"needsSync"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || !body.Connected || !body.NeedsSync {
		t.Errorf("body = %+v, want connected account needing its initial sync", body)
	}
}

func TestSyncHandlerNotConnected(t *testing.T) {
	a := newTestAPI(t, "", "")

	rec := httptest.NewRecorder()
	SyncHandler(a.orch)(rec, authedRequest(http.MethodPost, "/sync"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for disconnected user", rec.Code)
	}
}

func TestSyncRequestWindow(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	aug20 := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		req      syncRequest
		wantDays int
		wantEnd  time.Time
	}{
		{name: "explicit days", req: syncRequest{Days: 7}, wantDays: 7, wantEnd: now},
		{name: "start date wins over days", req: syncRequest{StartDate: "2026-08-22", Days: 3}, wantDays: 10, wantEnd: now},
		{name: "future start date falls back", req: syncRequest{StartDate: "2026-09-05", Days: 3}, wantDays: 3, wantEnd: now},
		{name: "bad start date falls back", req: syncRequest{StartDate: "not-a-date", Days: 5}, wantDays: 5, wantEnd: now},
		{name: "end date caps the window", req: syncRequest{EndDate: "2026-08-20", Days: 7}, wantDays: 7, wantEnd: aug20},
		{name: "start and end dates together", req: syncRequest{StartDate: "2026-08-15", EndDate: "2026-08-20"}, wantDays: 5, wantEnd: aug20},
		{name: "future end date clamps to now", req: syncRequest{EndDate: "2026-09-10", Days: 7}, wantDays: 7, wantEnd: now},
		{name: "bad end date clamps to now", req: syncRequest{EndDate: "garbage", Days: 7}, wantDays: 7, wantEnd: now},
		{name: "empty request", req: syncRequest{}, wantDays: 0, wantEnd: now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			days, end := tt.req.window(now)
			if days != tt.wantDays {
				t.Errorf("days = %d, want %d", days, tt.wantDays)
			}
			if !end.Equal(tt.wantEnd) {
				t.Errorf("end = %v, want %v", end, tt.wantEnd)
			}
		})
	}
}

func TestDisconnectHandler(t *testing.T) {
	revoked := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		revoked = true
		r.ParseForm()
		if got := r.Form.Get("token"); got != "access-1" {
			t.Errorf("revoked token = %q, want access-1", got)
		}
	}))
	defer srv.Close()

	a := newTestAPI(t, "", srv.URL)
	a.seedConnected(t, "user-1")

	rec := httptest.NewRecorder()
	DisconnectHandler(a.accounts, a.oauth)(rec, authedRequest(http.MethodDelete, "/disconnect"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !revoked {
		t.Error("expected a revocation call")
	}
	if a.accountExists(t, "user-1") {
		t.Error("account must be deleted on disconnect")
	}
}

func TestDisconnectHandlerRevokeFailureStillDeletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newTestAPI(t, "", srv.URL)
	a.seedConnected(t, "user-1")

	rec := httptest.NewRecorder()
	DisconnectHandler(a.accounts, a.oauth)(rec, authedRequest(http.MethodDelete, "/disconnect"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (revocation is best effort)", rec.Code)
	}
	if a.accountExists(t, "user-1") {
		t.Error("account must be deleted even when revocation fails")
	}
}

func TestDisconnectHandlerNotFound(t *testing.T) {
	a := newTestAPI(t, "", "")

	rec := httptest.NewRecorder()
	DisconnectHandler(a.accounts, a.oauth)(rec, authedRequest(http.MethodDelete, "/disconnect"))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCronSyncHandlerEmptyBatch(t *testing.T) {
	a := newTestAPI(t, "", "")
	batch := syncer.NewBatchRunner(a.accounts, a.orch, &config.Config{
		InactivityDays:   10,
		MaxBatchAccounts: 20,
		BatchPacing:      time.Millisecond,
		LookbackDays:     14,
	})

	rec := httptest.NewRecorder()
	CronSyncHandler(batch)(rec, httptest.NewRequest(http.MethodGet, "/cron/sync", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Success   bool `json:"success"`
		Processed int  `json:"processed"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if !body.Success || body.Processed != 0 {
		t.Errorf("body = %+v, want empty successful batch", body)
	}
}

func TestHealthzHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthzHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}
