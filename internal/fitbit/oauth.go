// Package fitbit implements the OAuth 2.0 PKCE handshake and the Web API
// client for the Fitbit provider.
package fitbit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/fitsync/internal/config"
	"golang.org/x/oauth2"
)

// PKCE carries a generated code verifier, its S256 challenge and the
// anti-CSRF state nonce for one authorization attempt.
type PKCE struct {
	Verifier  string
	Challenge string
	State     string
}

// GeneratePKCE produces a fresh verifier/challenge pair and state nonce
// from a cryptographically secure source. No side effects.
func GeneratePKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     generateState(),
	}
}

func generateState() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Token is the normalized result of a token exchange or refresh.
type Token struct {
	AccessToken    string
	RefreshToken   string
	TokenType      string
	Scope          string
	ProviderUserID string
	ExpiresAt      time.Time
}

// OAuth wraps the oauth2 config for the Fitbit endpoints. Fitbit's "server"
// application type authenticates token requests with Basic auth, which
// AuthStyleInHeader provides.
type OAuth struct {
	conf       *oauth2.Config
	revokeURL  string
	httpClient *http.Client
}

// NewOAuth builds the OAuth helper from runtime configuration.
func NewOAuth(cfg *config.Config) *OAuth {
	return &OAuth{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		revokeURL:  cfg.RevokeURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthCodeURL composes the provider authorization URL for a PKCE pair.
// prompt=login+consent forces Fitbit to re-consent on scope changes.
func (o *OAuth) AuthCodeURL(p PKCE) string {
	return o.conf.AuthCodeURL(p.State,
		oauth2.S256ChallengeOption(p.Verifier),
		oauth2.SetAuthURLParam("prompt", "login consent"),
	)
}

// Exchange trades an authorization code plus its verifier for tokens.
// Fitbit returns the provider user id as the non-standard user_id field.
func (o *OAuth) Exchange(ctx context.Context, code, verifier string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	tok, err := o.conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return normalizeToken(tok), nil
}

// Refresh obtains a new access token from a refresh token.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	src := o.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return normalizeToken(tok), nil
}

// Revoke invalidates a token at the provider (disconnect).
func (o *OAuth) Revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(o.conf.ClientID, o.conf.ClientSecret)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke failed: status %d", resp.StatusCode)
	}
	return nil
}

func normalizeToken(tok *oauth2.Token) *Token {
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	if uid, ok := tok.Extra("user_id").(string); ok {
		out.ProviderUserID = uid
	}
	return out
}

// IsPermanentRefreshError distinguishes revoked/invalid grants, which require
// the user to reconnect, from transient refresh failures.
func IsPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
