// Package config centralises runtime configuration for the sync engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Fitbit OAuth endpoints. Overridable via the YAML config file, mainly so
// tests can point the engine at an httptest server.
const (
	DefaultAuthURL    = "https://www.fitbit.com/oauth2/authorize"
	DefaultTokenURL   = "https://api.fitbit.com/oauth2/token"
	DefaultRevokeURL  = "https://api.fitbit.com/oauth2/revoke"
	DefaultAPIBaseURL = "https://api.fitbit.com"
)

// DefaultScopes are the Fitbit scopes requested during authorization.
var DefaultScopes = []string{
	"activity",
	"heartrate",
	"sleep",
	"oxygen_saturation",
	"respiratory_rate",
	"temperature",
	"weight",
	"profile",
}

// Config captures runtime configuration values for the sync engine.
type Config struct {
	HTTPAddress string
	DBPath      string
	AppBaseURL  string // UI origin callbacks redirect back to

	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	AuthURL    string
	TokenURL   string
	RevokeURL  string
	APIBaseURL string

	SessionSecret string
	CronSecret    string

	LookbackDays       int           // default window when no prior sync exists
	SyncInterval       time.Duration // minimum gap between auto syncs
	InactivityDays     int           // cron picks up accounts idle this long
	MaxBatchAccounts   int           // cap per cron run
	BatchPacing        time.Duration // delay between accounts in a cron run
	MaxConcurrentFetch int           // fetchers in flight within one run
	FetchTimeout       time.Duration
	FetchRetries       int
}

// fileConfig is the optional YAML override file (FITSYNC_CONFIG, default
// fitsync.yaml). Only provider endpoints and scopes live here; everything
// operational comes from the environment.
type fileConfig struct {
	Provider struct {
		AuthURL    string   `yaml:"auth_url"`
		TokenURL   string   `yaml:"token_url"`
		RevokeURL  string   `yaml:"revoke_url"`
		APIBaseURL string   `yaml:"api_base_url"`
		Scopes     []string `yaml:"scopes"`
	} `yaml:"provider"`
}

// Load reads environment variables into Config, applying defaults and the
// optional YAML provider override.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddress: getEnv("HTTP_ADDRESS", ":8086"),
		DBPath:      getEnv("DB_PATH", "fitsync.db"),
		AppBaseURL:  getEnv("APP_BASE_URL", "http://localhost:3000"),

		ClientID:     os.Getenv("FITBIT_CLIENT_ID"),
		ClientSecret: os.Getenv("FITBIT_CLIENT_SECRET"),
		RedirectURI:  os.Getenv("FITBIT_REDIRECT_URI"),
		Scopes:       DefaultScopes,

		AuthURL:    DefaultAuthURL,
		TokenURL:   DefaultTokenURL,
		RevokeURL:  DefaultRevokeURL,
		APIBaseURL: DefaultAPIBaseURL,

		SessionSecret: os.Getenv("SESSION_SECRET"),
		CronSecret:    os.Getenv("CRON_SECRET"),

		LookbackDays:       getIntEnv("SYNC_LOOKBACK_DAYS", 14),
		SyncInterval:       getDurationEnv("SYNC_INTERVAL", 24*time.Hour),
		InactivityDays:     getIntEnv("CRON_INACTIVITY_DAYS", 10),
		MaxBatchAccounts:   getIntEnv("CRON_MAX_ACCOUNTS", 20),
		BatchPacing:        getDurationEnv("CRON_PACING", 2*time.Second),
		MaxConcurrentFetch: getIntEnv("SYNC_MAX_CONCURRENT", 10),
		FetchTimeout:       getDurationEnv("FETCH_TIMEOUT", 30*time.Second),
		FetchRetries:       getIntEnv("FETCH_RETRIES", 2),
	}

	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("FITBIT_CLIENT_ID and FITBIT_CLIENT_SECRET must be set")
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = strings.TrimRight(cfg.AppBaseURL, "/") + "/auth/callback"
	}

	if err := cfg.applyFile(getEnv("FITSYNC_CONFIG", "fitsync.yaml")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // override file is optional
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Provider.AuthURL != "" {
		c.AuthURL = fc.Provider.AuthURL
	}
	if fc.Provider.TokenURL != "" {
		c.TokenURL = fc.Provider.TokenURL
	}
	if fc.Provider.RevokeURL != "" {
		c.RevokeURL = fc.Provider.RevokeURL
	}
	if fc.Provider.APIBaseURL != "" {
		c.APIBaseURL = fc.Provider.APIBaseURL
	}
	if len(fc.Provider.Scopes) > 0 {
		c.Scopes = fc.Provider.Scopes
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
