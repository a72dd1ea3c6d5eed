// Package httpapi exposes the sync engine over HTTP for the web tier and
// the external cron scheduler.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/fitsync/internal/config"
	"github.com/pysugar/fitsync/internal/fitbit"
	"github.com/pysugar/fitsync/internal/store"
	"github.com/pysugar/fitsync/internal/syncer"
	"gorm.io/gorm"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// AuthStartHandler begins the OAuth PKCE handshake: it persists the pending
// verifier/state and redirects to the provider's consent page.
func AuthStartHandler(accounts *store.Accounts, oauth *fitbit.OAuth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())

		pkce := fitbit.GeneratePKCE()
		if err := accounts.BeginAuth(r.Context(), userID, pkce); err != nil {
			log.Printf("begin auth failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"error":   "could not start authorization",
			})
			return
		}
		http.Redirect(w, r, oauth.AuthCodeURL(pkce), http.StatusFound)
	}
}

// AuthCallbackHandler finishes the handshake. Every outcome redirects back
// to the app's data-sync settings page with a success or error query
// parameter; failed handshakes never leave a half-initialized account.
func AuthCallbackHandler(accounts *store.Accounts, oauth *fitbit.OAuth, cfg *config.Config) http.HandlerFunc {
	settingsURL := strings.TrimRight(cfg.AppBaseURL, "/") + "/settings/data-sync"
	redirect := func(w http.ResponseWriter, r *http.Request, query string) {
		http.Redirect(w, r, settingsURL+"?"+query, http.StatusFound)
	}
	fail := func(w http.ResponseWriter, r *http.Request, reason string) {
		redirect(w, r, "error="+url.QueryEscape(reason))
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := SessionUserID(r, cfg.SessionSecret)
		if userID == "" {
			fail(w, r, "unauthorized")
			return
		}

		q := r.URL.Query()
		if errParam := q.Get("error"); errParam != "" {
			log.Printf("provider returned oauth error: %s (%s)", errParam, q.Get("error_description"))
			// Only an in-flight handshake is cleaned up. A stray or replayed
			// callback must not destroy an active connection.
			if acct, err := accounts.Get(ctx, userID); err == nil && acct.Pending() {
				_ = accounts.Delete(ctx, userID)
			}
			reason := q.Get("error_description")
			if reason == "" {
				reason = errParam
			}
			fail(w, r, reason)
			return
		}

		code, state := q.Get("code"), q.Get("state")
		if code == "" || state == "" {
			fail(w, r, "missing_params")
			return
		}

		acct, err := accounts.Get(ctx, userID)
		if err != nil || !acct.Pending() {
			fail(w, r, "session_expired")
			return
		}

		if subtle.ConstantTimeCompare([]byte(state), []byte(acct.PendingState)) != 1 {
			log.Printf("oauth state mismatch for pending handshake")
			_ = accounts.Delete(ctx, userID)
			fail(w, r, "state_mismatch")
			return
		}

		tok, err := oauth.Exchange(ctx, code, acct.CodeVerifier)
		if err != nil {
			log.Printf("token exchange failed: %v", err)
			_ = accounts.Delete(ctx, userID)
			fail(w, r, err.Error())
			return
		}

		if err := accounts.CompleteAuth(ctx, userID, tok); err != nil {
			log.Printf("persist tokens failed: %v", err)
			_ = accounts.Delete(ctx, userID)
			fail(w, r, "persist_failed")
			return
		}
		redirect(w, r, "success=connected")
	}
}

// StatusHandler reports connection and sync state without side effects.
func StatusHandler(orch *syncer.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := orch.Status(r.Context(), UserID(r.Context()))
		if err != nil {
			log.Printf("status lookup failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"error":   "status lookup failed",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":              true,
			"connected":            status.Connected,
			"lastSyncedAt":         status.LastSyncedAt,
			"initialSyncCompleted": status.InitialSyncCompleted,
			"needsSync":            status.NeedsSync,
		})
	}
}

// AutoSyncHandler is the page-load trigger: sync only when due.
func AutoSyncHandler(orch *syncer.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := orch.Auto(r.Context(), UserID(r.Context()))
		if err != nil {
			if errors.Is(err, syncer.ErrSyncInProgress) {
				writeJSON(w, http.StatusConflict, map[string]any{
					"success": false,
					"error":   "sync already in progress",
				})
				return
			}
			log.Printf("auto sync failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"error":   "sync failed",
			})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type syncRequest struct {
	StartDate string            `json:"startDate"`
	EndDate   string            `json:"endDate"`
	Days      int               `json:"days"`
	DataTypes []syncer.DataType `json:"dataTypes"`
}

// window resolves the requested span: an explicit endDate caps the window
// (future dates clamp to now), and an explicit startDate wins over the days
// shorthand.
func (req *syncRequest) window(now time.Time) (days int, end time.Time) {
	end = now
	if req.EndDate != "" {
		if t, err := time.Parse("2006-01-02", req.EndDate); err == nil && t.Before(now) {
			end = t
		}
	}
	if req.StartDate != "" {
		if start, err := time.Parse("2006-01-02", req.StartDate); err == nil {
			if d := int(end.Sub(start).Hours() / 24); d > 0 {
				return d, end
			}
		}
	}
	return req.Days, end
}

// SyncHandler is the manual trigger: always syncs, bypassing the recency
// check.
func SyncHandler(orch *syncer.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req syncRequest
		if r.Body != nil {
			// Missing or malformed body falls back to defaults.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		days, end := req.window(time.Now())
		result, err := orch.Forced(r.Context(), UserID(r.Context()), days, end, req.DataTypes)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotConnected):
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"success": false,
					"error":   "fitbit not connected",
				})
			case errors.Is(err, syncer.ErrSyncInProgress):
				writeJSON(w, http.StatusConflict, map[string]any{
					"success": false,
					"error":   "sync already in progress",
				})
			default:
				log.Printf("manual sync failed: %v", err)
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"success": false,
					"error":   "sync failed",
				})
			}
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// DisconnectHandler revokes the provider token (best effort) and deletes
// the account.
func DisconnectHandler(accounts *store.Accounts, oauth *fitbit.OAuth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := UserID(ctx)

		acct, err := accounts.Get(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]any{
					"success": false,
					"error":   "no fitbit connection",
				})
				return
			}
			log.Printf("disconnect lookup failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"error":   "disconnect failed",
			})
			return
		}

		if acct.AccessToken != "" {
			// Token may already be invalid at the provider; deletion proceeds.
			if err := oauth.Revoke(ctx, acct.AccessToken); err != nil {
				log.Printf("token revocation failed: %v", err)
			}
		}
		if err := accounts.Delete(ctx, userID); err != nil {
			log.Printf("account delete failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"error":   "disconnect failed",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// CronSyncHandler runs the inactivity batch. The response carries only
// ordinal indices, never user identifiers.
func CronSyncHandler(batch *syncer.BatchRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := batch.Run(r.Context())
		if err != nil {
			log.Printf("[cron] batch run failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "cron job failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"processed":    result.Processed,
			"successCount": result.SuccessCount,
			"failCount":    result.FailCount,
			"results":      result.Results,
		})
	}
}

// HealthzHandler is a liveness probe.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
